// Package config loads the peermesh configuration from a YAML file, the
// environment and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rudransh-shrivastava/peer-mesh/internal/link"
	"github.com/rudransh-shrivastava/peer-mesh/internal/mesh"
	"github.com/rudransh-shrivastava/peer-mesh/internal/session"
	"github.com/rudransh-shrivastava/peer-mesh/internal/transport/webrtc"
)

const (
	EnvPrefix    = "PEERMESH"
	databaseFile = "peermesh.db"
)

type Config struct {
	// Name is the display name announced to peers. Empty picks a random one.
	Name    string        `mapstructure:"name"`
	DataDir string        `mapstructure:"data_dir"`
	ICE     ICEConfig     `mapstructure:"ice"`
	Link    link.Config   `mapstructure:"link"`
	Mesh    MeshConfig    `mapstructure:"mesh"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type ICEConfig struct {
	Servers []webrtc.ServerSpec `mapstructure:"servers"`
	// Relays appends the public TURN presets.
	Relays        bool          `mapstructure:"relays"`
	GatherTimeout time.Duration `mapstructure:"gather_timeout"`
}

type MeshConfig struct {
	GracePeriod        time.Duration `mapstructure:"grace_period"`
	GraceTick          time.Duration `mapstructure:"grace_tick"`
	LeaveWindow        time.Duration `mapstructure:"leave_window"`
	DuplicateHold      time.Duration `mapstructure:"duplicate_hold"`
	SnapshotTTL        time.Duration `mapstructure:"snapshot_ttl"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	EventBuffer        int           `mapstructure:"event_buffer"`
}

type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: pretty or json
	Format string `mapstructure:"format"`
	// File, when set, receives the log instead of stderr.
	File     string         `mapstructure:"file"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

type MetricsConfig struct {
	// Addr serves /metrics when set, e.g. ":9464".
	Addr string `mapstructure:"addr"`
}

func Default() *Config {
	dataDir := ".peermesh"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".peermesh")
	}

	return &Config{
		DataDir: dataDir,
		ICE: ICEConfig{
			GatherTimeout: webrtc.DefaultGatherTimeout,
		},
		Link: link.Config{}.WithDefaults(),
		Mesh: MeshConfig{
			GracePeriod:        mesh.DefaultGracePeriod,
			GraceTick:          mesh.DefaultGraceTick,
			LeaveWindow:        mesh.DefaultLeaveWindow,
			DuplicateHold:      mesh.DefaultDuplicateHold,
			SnapshotTTL:        session.DefaultTTL,
			NegotiationTimeout: mesh.DefaultNegotiationTimeout,
			EventBuffer:        mesh.DefaultEventBuffer,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "pretty",
			Rotation: RotationConfig{
				MaxSizeMB:  20,
				MaxBackups: 3,
				MaxAgeDays: 14,
			},
		},
	}
}

// Binding ties a command-line flag to a configuration key.
type Binding struct {
	Key  string
	Flag *pflag.Flag
}

// Load reads configuration from path (if non-empty), otherwise from
// peermesh.yaml in the working directory or $HOME/.peermesh. Environment
// variables use the prefix PEERMESH with "." replaced by "_", for example
// PEERMESH_LOG_LEVEL=debug. Bound flags override everything when set.
func Load(path string, bindings ...Binding) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("name", cfg.Name)
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("ice.servers", cfg.ICE.Servers)
	v.SetDefault("ice.relays", cfg.ICE.Relays)
	v.SetDefault("ice.gather_timeout", cfg.ICE.GatherTimeout)
	v.SetDefault("link.heartbeat_interval", cfg.Link.HeartbeatInterval)
	v.SetDefault("link.heartbeat_timeout", cfg.Link.HeartbeatTimeout)
	v.SetDefault("link.pre_open_grace", cfg.Link.PreOpenGrace)
	v.SetDefault("link.chunk_size", cfg.Link.ChunkSize)
	v.SetDefault("link.high_water", cfg.Link.HighWater)
	v.SetDefault("link.low_water", cfg.Link.LowWater)
	v.SetDefault("mesh.grace_period", cfg.Mesh.GracePeriod)
	v.SetDefault("mesh.grace_tick", cfg.Mesh.GraceTick)
	v.SetDefault("mesh.leave_window", cfg.Mesh.LeaveWindow)
	v.SetDefault("mesh.duplicate_hold", cfg.Mesh.DuplicateHold)
	v.SetDefault("mesh.snapshot_ttl", cfg.Mesh.SnapshotTTL)
	v.SetDefault("mesh.negotiation_timeout", cfg.Mesh.NegotiationTimeout)
	v.SetDefault("mesh.event_buffer", cfg.Mesh.EventBuffer)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("metrics.addr", cfg.Metrics.Addr)

	for _, b := range bindings {
		if b.Flag == nil {
			continue
		}
		if err := v.BindPFlag(b.Key, b.Flag); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", b.Flag.Name, err)
		}
	}

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("peermesh")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".peermesh"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch c.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	switch c.Log.Format {
	case "":
		c.Log.Format = "pretty"
	case "pretty", "json":
	default:
		return fmt.Errorf("invalid log.format: %q", c.Log.Format)
	}

	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("data_dir must not be empty")
	}
	for i, s := range c.ICE.Servers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("ice.servers[%d] has no urls", i)
		}
	}

	if c.Mesh.SnapshotTTL <= 0 {
		return fmt.Errorf("mesh.snapshot_ttl must be positive, got %s", c.Mesh.SnapshotTTL)
	}
	if err := c.MeshConfig().Validate(); err != nil {
		return fmt.Errorf("invalid mesh config: %w", err)
	}
	return nil
}

// MeshConfig assembles the manager configuration.
func (c *Config) MeshConfig() mesh.Config {
	return mesh.Config{
		Link:               c.Link,
		GracePeriod:        c.Mesh.GracePeriod,
		GraceTick:          c.Mesh.GraceTick,
		LeaveWindow:        c.Mesh.LeaveWindow,
		DuplicateHold:      c.Mesh.DuplicateHold,
		NegotiationTimeout: c.Mesh.NegotiationTimeout,
		EventBuffer:        c.Mesh.EventBuffer,
	}
}

func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, databaseFile)
}
