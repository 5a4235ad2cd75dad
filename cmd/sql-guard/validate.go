package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/triage-ai/palisade/services/sql_guard/internal/app"
	"github.com/triage-ai/palisade/services/sql_guard/internal/catalog"
	"github.com/triage-ai/palisade/services/sql_guard/internal/config"
	"github.com/triage-ai/palisade/services/sql_guard/internal/validator"
	"go.uber.org/zap"
)

var validateTenant string

var errRejected = errors.New("statement rejected")

var validateCmd = &cobra.Command{
	Use:   "validate [sql]",
	Short: "Check whether a statement would be authorized",
	Long: `validate runs a statement through the SQL authorization validator without
executing it. Pass the statement as an argument, or "-" to read it from stdin.
With --tenant the tenant predicate is enforced as it is for live calls.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sql := args[0]
		if sql == "-" {
			b, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			sql = string(b)
		}
		sql = strings.TrimSpace(sql)
		if sql == "" {
			return errors.New("no SQL given")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger()
		c, closeDB, err := loadCatalog(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer closeDB()

		v := app.NewValidator(cfg.Validator, c)
		var verdict validator.Verdict
		if validateTenant != "" {
			verdict = v.ValidateTenant(sql, validateTenant)
		} else {
			verdict = v.Validate(sql)
		}

		if verdict.Authorized {
			pterm.Success.Println("authorized")
			return nil
		}
		pterm.Error.Printfln("%s violation on %q", verdict.Violation.Kind, verdict.Violation.Identifier)
		pterm.Println(verdict.Violation.Message)
		return errRejected
	},
}

func init() {
	validateCmd.Flags().StringVar(&validateTenant, "tenant", "", "Tenant identifier to enforce")
	rootCmd.AddCommand(validateCmd)
}

// loadCatalog resolves the configured catalog, opening Postgres only when the
// catalog lives there.
func loadCatalog(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*catalog.Catalog, func(), error) {
	if !cfg.Catalog.FromPostgres {
		c, err := app.LoadCatalog(ctx, cfg.Catalog, nil, logger)
		return c, func() {}, err
	}
	db, err := app.OpenPostgres(ctx, cfg.Auth.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	c, err := app.LoadCatalog(ctx, cfg.Catalog, db, logger)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("load catalog: %w", err)
	}
	return c, func() { _ = db.Close() }, nil
}
