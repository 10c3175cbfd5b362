package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/peer-mesh/internal/config"
	"github.com/rudransh-shrivastava/peer-mesh/internal/db"
	"github.com/rudransh-shrivastava/peer-mesh/internal/logger"
	"github.com/rudransh-shrivastava/peer-mesh/internal/mesh"
	"github.com/rudransh-shrivastava/peer-mesh/internal/metrics"
	"github.com/rudransh-shrivastava/peer-mesh/internal/session"
	"github.com/rudransh-shrivastava/peer-mesh/internal/store"
	"github.com/rudransh-shrivastava/peer-mesh/internal/transport/webrtc"
)

const shutdownTimeout = 5 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "start a new mesh session",
	Long:  `run starts an interactive session with a fresh identity. Type /help for commands.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, false)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "restart with the identity of the last session",
	Long: `resume reuses the peer id and name of the previous session when it ended
less than the snapshot ttl ago, so peers still in their grace period can
reconnect to it. The stored snapshot is consumed either way.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, true)
	},
}

func run(cmd *cobra.Command, resume bool) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, closer, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()

	gdb, err := db.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer db.Close(gdb)

	snapshots, err := store.NewSnapshotStore(gdb)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	identity := mesh.Identity{Name: cfg.Name}
	if resume {
		identity, err = resumeIdentity(ctx, snapshots, cfg, log)
		if err != nil {
			return err
		}
	}

	var m metrics.Metrics = metrics.Nop{}
	if cfg.Metrics.Addr != "" {
		registry := prometheus.NewRegistry()
		m = metrics.NewPrometheus(metrics.DefaultNamespace, registry)
		srv := serveMetrics(cfg.Metrics.Addr, registry, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	factory := webrtc.New(webrtc.Options{
		ICEServers:    webrtc.ICEServers(cfg.ICE.Servers, cfg.ICE.Relays),
		GatherTimeout: cfg.ICE.GatherTimeout,
		Logger:        log,
	})

	mgr, err := mesh.New(mesh.Options{
		Identity:  identity,
		Factory:   factory,
		Config:    cfg.MeshConfig(),
		Logger:    log,
		Metrics:   m,
		Snapshots: snapshots,
	})
	if err != nil {
		return err
	}

	r := newREPL(mgr, cmd.InOrStdin(), cmd.OutOrStdout(), log, filepath.Join(cfg.DataDir, "downloads"))
	left := r.run(ctx)

	if left {
		return mgr.Leave()
	}

	// Interrupted: keep the snapshot so `resume` can pick the session up.
	saveCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := mgr.SaveSnapshot(saveCtx); err != nil {
		log.Warnf("Failed to save session snapshot: %v", err)
	}
	return mgr.Close()
}

func resumeIdentity(ctx context.Context, repo session.Repository, cfg *config.Config, log logrus.FieldLogger) (mesh.Identity, error) {
	snap, err := session.Consume(ctx, repo, time.Now(), cfg.Mesh.SnapshotTTL)
	switch {
	case err == nil:
		log.Infof("Resuming as %s (%s), %d peers were connected", snap.LocalName, snap.LocalID, len(snap.Peers))
		return mesh.Identity{PeerID: snap.LocalID, Name: snap.LocalName}, nil
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrExpired):
		log.Infof("No recent session to resume, starting fresh")
		return mesh.Identity{Name: cfg.Name}, nil
	default:
		return mesh.Identity{}, err
	}
}

func serveMetrics(addr string, registry *prometheus.Registry, log logrus.FieldLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Infof("Serving metrics on %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warnf("Metrics server stopped: %v", err)
		}
	}()
	return srv
}
