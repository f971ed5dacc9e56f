// Package main is the entry point for the code pattern agent.
package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/easeaico/code-pattern-agent/internal/config"
	"github.com/easeaico/code-pattern-agent/internal/logging"
)

var (
	// Global flags
	configPath  string
	verbose     bool
	metricsAddr string

	cfg    config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "pattern-agent",
	Short: "Code pattern memory and suggestion engine",
	Long: `pattern-agent stores reusable code patterns, ranks them against a request
and records every finalized suggestion in a tamper-evident ledger.

Configuration is read from --config (or PATTERN_AGENT_CONFIG), then from the
environment: DB_TYPE, DATABASE_URL, GOOGLE_API_KEY, WORK_DIR, LEDGER_PATH,
SEED_FILE and LOG_LEVEL.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath == "" {
			configPath = os.Getenv("PATTERN_AGENT_CONFIG")
		}

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}

		level := cfg.LogLevel
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(level)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if metricsAddr != "" {
			serveMetrics(metricsAddr)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")

	verifyCmd.Flags().BoolVar(&verifyChain, "chain", false, "Verify every ledger entry instead of one receipt")

	rootCmd.AddCommand(suggestCmd, rankCmd, verifyCmd, seedCmd, agentCmd)
}

// serveMetrics exposes the default Prometheus registry for the life of the process.
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
