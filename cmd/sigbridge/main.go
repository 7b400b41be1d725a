package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/woxQAQ/sigbridge/internal/client"
	"github.com/woxQAQ/sigbridge/internal/config"
	"github.com/woxQAQ/sigbridge/internal/logging"
	"github.com/woxQAQ/sigbridge/internal/metrics"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configPath string

	cfg    *config.Config
	logger *zap.Logger
	stats  *metrics.Metrics
)

var rootCmd = &cobra.Command{
	Use:           "sigbridge",
	Short:         "Sign requests with a sandboxed signer",
	Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath, cmd.Flags())
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		logger, err = logging.New(logging.FromConfig(cfg))
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		stats = metrics.New()

		logger.Debug("Starting sigbridge",
			zap.String("command", cmd.Name()),
			zap.String("version", version),
			zap.String("commit", commit),
			zap.String("date", date),
			zap.String("config", cfg.File),
		)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Sync()
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Path to configuration file")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-file", "", "Also write JSON logs to this file, rotated")
	flags.String("wasm", "", "Signer binary (.wasm or .wasm.zst); empty uses the embedded one")
	flags.String("manifest", "", "Directory holding a manifest.yaml for the signer binary")
	flags.String("isolation", config.IsolationInProcess, "Worker isolation (inprocess, process)")
	flags.Bool("metrics", false, "Expose Prometheus metrics (serve only)")

	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
}

// newClient creates a client for the loaded configuration.
func newClient(ctx context.Context) (*client.Client, error) {
	return client.New(ctx, cfg, logger, client.WithMetrics(stats))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
