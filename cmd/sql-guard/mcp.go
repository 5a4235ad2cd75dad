package main

import (
	"github.com/spf13/cobra"
	"github.com/triage-ai/palisade/services/sql_guard/internal/app"
	"github.com/triage-ai/palisade/services/sql_guard/internal/mcpserver"
)

var mcpTenant string

// version is set at build time.
var version = "dev"

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve sql_query over MCP on stdin/stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger()
		defer logger.Sync() //nolint:errcheck // best-effort flush

		a, err := app.Build(cmd.Context(), cfg, logger, app.Options{Source: "mcp", SkipAssistant: true})
		if err != nil {
			return err
		}
		defer a.Close()

		return mcpserver.New(a.Handler, a.Catalog, a.Validator, mcpTenant, version, logger).ServeStdio()
	},
}

func init() {
	mcpCmd.Flags().StringVar(&mcpTenant, "tenant", "", "Tenant identifier every call is scoped to")
	rootCmd.AddCommand(mcpCmd)
}
