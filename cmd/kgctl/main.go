// Command kgctl runs maintenance tasks against the knowledge graph store:
// schema migrations, search reindexing, expert lookups and dev tokens.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lodestar/api/internal/app"
	"lodestar/api/internal/config"
	"lodestar/api/internal/logging"
)

var (
	logLevel string
	cfg      config.Config
	logger   *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "kgctl",
	Short:         "Maintenance commands for the knowledge graph service",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()
		cfg = config.Load()
		if logLevel == "" {
			logLevel = cfg.LogLevel
		}
		var err error
		logger, err = logging.New(logLevel)
		if err != nil {
			return fmt.Errorf("logger setup: %w", err)
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
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// buildRuntime wires the service from the loaded configuration without
// touching the schema.
func buildRuntime(ctx context.Context) (*app.Runtime, error) {
	ranking, err := config.LoadRanking(cfg.RankingConfigPath)
	if err != nil {
		return nil, err
	}
	return app.Build(ctx, cfg, ranking, logger, app.BuildOptions{})
}
