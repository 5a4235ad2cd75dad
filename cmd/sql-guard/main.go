// Command sql-guard is the operator CLI: dry-run validation, catalog
// inspection, one-shot questions and an MCP stdio server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/triage-ai/palisade/services/sql_guard/internal/config"
	"github.com/triage-ai/palisade/services/sql_guard/internal/logging"
	"go.uber.org/zap"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "sql-guard",
	Short:         "Inspect and exercise the SQL guard",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("SQL_GUARD_CONFIG"), "Path to a TOML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// newLogger logs to stderr so stdout stays clean for results and MCP frames.
func newLogger() *zap.Logger {
	return logging.MustBuild(logLevel, "stderr")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
