package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudransh-shrivastava/peer-mesh/internal/link"
	"github.com/rudransh-shrivastava/peer-mesh/internal/mesh"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "peermesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "pretty", cfg.Log.Format)
	assert.Equal(t, link.DefaultHeartbeatInterval, cfg.Link.HeartbeatInterval)
	assert.Equal(t, mesh.DefaultGracePeriod, cfg.Mesh.GracePeriod)
	assert.Equal(t, 120*time.Second, cfg.Mesh.SnapshotTTL)
	assert.Equal(t, mesh.DefaultDuplicateHold, cfg.MeshConfig().DuplicateHold)
	assert.Empty(t, cfg.Metrics.Addr)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
name: Swift Fox
data_dir: /tmp/peermesh-test
ice:
  relays: true
  gather_timeout: 2s
  servers:
    - urls: ["stun:stun.example.org:3478"]
    - urls: ["turn:turn.example.org:3478"]
      username: alice
      credential: secret
link:
  heartbeat_interval: 1s
  heartbeat_timeout: 4s
mesh:
  grace_period: 30s
  duplicate_hold: 500ms
log:
  level: DEBUG
  format: json
metrics:
  addr: ":9464"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "Swift Fox", cfg.Name)
	assert.Equal(t, filepath.Join("/tmp/peermesh-test", "peermesh.db"), cfg.DatabasePath())
	assert.True(t, cfg.ICE.Relays)
	assert.Equal(t, 2*time.Second, cfg.ICE.GatherTimeout)
	require.Len(t, cfg.ICE.Servers, 2)
	assert.Equal(t, "alice", cfg.ICE.Servers[1].Username)
	assert.Equal(t, time.Second, cfg.Link.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.MeshConfig().GracePeriod)
	assert.Equal(t, 500*time.Millisecond, cfg.MeshConfig().DuplicateHold)
	assert.Equal(t, 4*time.Second, cfg.MeshConfig().Link.HeartbeatTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, ":9464", cfg.Metrics.Addr)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PEERMESH_LOG_LEVEL", "warn")
	t.Setenv("PEERMESH_MESH_GRACE_PERIOD", "45s")

	cfg, err := Load(writeConfig(t, "log:\n  level: debug\n"))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 45*time.Second, cfg.Mesh.GracePeriod)
}

func TestLoadFlagBinding(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("name", "", "")
	flags.String("log-level", "info", "")
	require.NoError(t, flags.Parse([]string{"--name", "Calm Owl"}))

	cfg, err := Load(writeConfig(t, "name: Bold Wolf\nlog:\n  level: error\n"),
		Binding{Key: "name", Flag: flags.Lookup("name")},
		Binding{Key: "log.level", Flag: flags.Lookup("log-level")},
	)
	require.NoError(t, err)
	assert.Equal(t, "Calm Owl", cfg.Name)
	assert.Equal(t, "error", cfg.Log.Level, "unset flag must not override the file")
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"log level", "log:\n  level: loud\n"},
		{"log format", "log:\n  format: xml\n"},
		{"heartbeat", "link:\n  heartbeat_interval: 5s\n  heartbeat_timeout: 1s\n"},
		{"grace tick", "mesh:\n  grace_period: 1s\n  grace_tick: 2s\n"},
		{"ice server", "ice:\n  servers:\n    - username: bob\n"},
		{"snapshot ttl", "mesh:\n  snapshot_ttl: -1s\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
