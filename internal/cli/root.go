// Package cli implements the peermesh command line.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/peer-mesh/internal/config"
	"github.com/rudransh-shrivastava/peer-mesh/internal/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "peermesh",
	Short: "serverless peer-to-peer mesh chat and file transfer",
	Long: `peermesh connects peers directly over WebRTC data channels. Connection
codes are exchanged out of band; once two peers are linked, everyone else in
the mesh is introduced automatically.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.NewLogger().Error(err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "config file (default ./peermesh.yaml or $HOME/.peermesh/peermesh.yaml)")
	flags.String("name", "", "display name announced to peers")
	flags.String("data-dir", "", "directory for the session database and received files")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-file", "", "write logs to this file instead of stderr")
	flags.Bool("relays", false, "also use the public TURN relays")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(codecCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	return config.Load(configPath,
		config.Binding{Key: "name", Flag: flags.Lookup("name")},
		config.Binding{Key: "data_dir", Flag: flags.Lookup("data-dir")},
		config.Binding{Key: "log.level", Flag: flags.Lookup("log-level")},
		config.Binding{Key: "log.file", Flag: flags.Lookup("log-file")},
		config.Binding{Key: "ice.relays", Flag: flags.Lookup("relays")},
		config.Binding{Key: "metrics.addr", Flag: flags.Lookup("metrics-addr")},
	)
}
