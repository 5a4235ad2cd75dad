// Package app wires the service components from a Config. The server and
// the CLI share it so every entry point runs the same authorization path.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/openai/openai-go/option"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/triage-ai/palisade/services/sql_guard/internal/admin"
	"github.com/triage-ai/palisade/services/sql_guard/internal/assistant"
	"github.com/triage-ai/palisade/services/sql_guard/internal/auth"
	"github.com/triage-ai/palisade/services/sql_guard/internal/catalog"
	"github.com/triage-ai/palisade/services/sql_guard/internal/config"
	"github.com/triage-ai/palisade/services/sql_guard/internal/dispatch"
	"github.com/triage-ai/palisade/services/sql_guard/internal/executor"
	"github.com/triage-ai/palisade/services/sql_guard/internal/metrics"
	"github.com/triage-ai/palisade/services/sql_guard/internal/storage"
	"github.com/triage-ai/palisade/services/sql_guard/internal/threads"
	"github.com/triage-ai/palisade/services/sql_guard/internal/toolcall"
	"github.com/triage-ai/palisade/services/sql_guard/internal/turn"
	"github.com/triage-ai/palisade/services/sql_guard/internal/validator"
	"go.uber.org/zap"
)

// App holds the wired components. Fields are nil when their backing
// service is not configured.
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	Catalog   *catalog.Catalog
	Validator *validator.Validator
	Executor  executor.Executor
	Events    storage.EventWriter
	Handler   *toolcall.Handler
	Assistant *assistant.Client
	Threads   threads.Store
	Runner    *turn.Runner
	Auth      auth.Authenticator
	Checks    map[string]admin.Check

	closers []func()
}

// Options select which parts to build.
type Options struct {
	// Source tags audit events ("assistant", "mcp", "cli").
	Source string
	// SkipAssistant leaves Assistant and Runner nil.
	SkipAssistant bool
}

// Build wires everything cfg enables. Callers must Close the result.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*App, error) {
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
		Checks:   make(map[string]admin.Check),
	}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	if err := a.build(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	cfg := a.Config

	// Postgres backs API keys and, optionally, the catalog.
	var db *sql.DB
	if cfg.Auth.PostgresDSN != "" {
		var err error
		db, err = OpenPostgres(ctx, cfg.Auth.PostgresDSN)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		a.Checks["postgres"] = db.PingContext
	}

	c, err := LoadCatalog(ctx, cfg.Catalog, db, a.Logger)
	if err != nil {
		return err
	}
	a.Catalog = c
	a.Validator = NewValidator(cfg.Validator, c)

	if err := a.openWarehouse(ctx); err != nil {
		return err
	}
	a.openEvents()

	source := opts.Source
	if source == "" {
		source = "assistant"
	}
	a.Handler = toolcall.NewHandler(a.Catalog, a.Validator, a.Executor, a.Logger,
		toolcall.WithCallTimeout(cfg.Dispatch.CallTimeout()),
		toolcall.WithEventWriter(a.Events),
		toolcall.WithMetrics(a.Metrics),
		toolcall.WithSource(source),
	)

	a.Auth = a.buildAuth(db)

	if opts.SkipAssistant {
		return nil
	}
	return a.buildAssistant(ctx)
}

// OpenPostgres opens and pings a database/sql pool over pgx.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// LoadCatalog reads the catalog from Postgres, a YAML file or the built-in
// default, in that order of preference. db is only used with FromPostgres.
func LoadCatalog(ctx context.Context, cfg config.CatalogConfig, db *sql.DB, logger *zap.Logger) (*catalog.Catalog, error) {
	var (
		c   *catalog.Catalog
		err error
	)
	switch {
	case cfg.FromPostgres:
		if db == nil {
			return nil, fmt.Errorf("LoadCatalog: from_postgres needs a database")
		}
		c, err = catalog.NewPostgresSource(db, logger).Load(ctx)
	case cfg.Path != "":
		c, err = catalog.LoadFile(cfg.Path)
	default:
		c = catalog.Default()
	}
	if err != nil {
		return nil, err
	}
	logger.Info("catalog loaded", zap.Int("tables", c.Len()))
	return c, nil
}

// NewValidator builds the validator cfg describes.
func NewValidator(cfg config.ValidatorConfig, c *catalog.Catalog) *validator.Validator {
	opts := []validator.Option{validator.WithCache(time.Duration(cfg.CacheTTLS) * time.Second)}
	if cfg.StrictColumns {
		opts = append(opts, validator.WithStrictColumns())
	}
	if cfg.TenantColumn != "" {
		opts = append(opts, validator.WithTenantColumn(cfg.TenantColumn))
	}
	return validator.New(c, opts...)
}

func (a *App) openWarehouse(ctx context.Context) error {
	cfg := a.Config.Warehouse
	execCfg := executor.Config{
		StatementTimeout: cfg.StatementTimeout(),
		MaxRows:          cfg.MaxRows,
	}

	switch cfg.Driver {
	case "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = ":memory:"
		}
		db, err := executor.OpenSQLite(ctx, dsn, cfg.SQLiteSchemas)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		a.Checks["warehouse"] = db.PingContext
		a.Executor = executor.NewSQLExecutor(db, execCfg, a.Logger)

	default:
		if cfg.DSN == "" {
			return fmt.Errorf("warehouse dsn is required for driver %q", cfg.Driver)
		}
		pool, err := executor.NewPgxPool(ctx, cfg.DSN, int32(cfg.MaxConns), cfg.SimpleProtocol)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pool.Close)
		a.Checks["warehouse"] = pool.Ping
		exec := executor.NewPgxExecutor(pool, execCfg, a.Logger)
		exec.ReadOnly = cfg.ReadOnly
		a.Executor = exec
	}
	a.Logger.Info("warehouse connected", zap.String("driver", cfg.Driver))
	return nil
}

// openEvents uses ClickHouse when configured and falls back to the log writer.
func (a *App) openEvents() {
	cfg := a.Config.Audit
	if cfg.ClickHouseDSN == "" {
		a.Events = storage.NewLogWriter(a.Logger)
		a.Logger.Info("no CLICKHOUSE_DSN set, using log writer")
		return
	}
	chWriter, err := storage.NewClickHouseWriter(cfg.ClickHouseDSN, cfg.ClickHouseSecure, a.Logger)
	if err != nil {
		a.Logger.Warn("clickhouse connection failed, falling back to log writer", zap.Error(err))
		a.Events = storage.NewLogWriter(a.Logger)
		return
	}
	a.Events = chWriter
	a.closers = append(a.closers, chWriter.Close)
	a.Logger.Info("clickhouse writer connected")
}

func (a *App) buildAuth(db *sql.DB) auth.Authenticator {
	cfg := a.Config.Auth
	chain := &auth.Chain{}
	if db != nil {
		chain.APIKeys = auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			DB:       db,
			CacheTTL: time.Duration(cfg.CacheTTLS) * time.Second,
			Logger:   a.Logger,
		})
	}
	if cfg.JWTSecret != "" {
		chain.Tokens = auth.NewJWTAuthenticator([]byte(cfg.JWTSecret), cfg.JWTIssuer, cfg.JWTAudience)
	}
	if chain.APIKeys == nil && chain.Tokens == nil {
		a.Logger.Warn("no POSTGRES_DSN or JWT secret set, using static authenticator",
			zap.String("dev_tenant", cfg.DevTenant))
		return auth.NewStaticAuthenticator(cfg.DevTenant)
	}
	return chain
}

func (a *App) buildAssistant(ctx context.Context) error {
	cfg := a.Config
	if cfg.OpenAI.APIKey == "" || cfg.OpenAI.AssistantID == "" {
		a.Logger.Info("no OpenAI assistant configured, Ask is disabled")
		return nil
	}

	var reqOpts []option.RequestOption
	if cfg.OpenAI.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	a.Assistant = assistant.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.AssistantID, a.Logger, reqOpts...)
	if cfg.OpenAI.SyncAssistant {
		if err := a.Assistant.SyncAssistant(ctx, cfg.OpenAI.AssistantName, cfg.OpenAI.Model); err != nil {
			return err
		}
	}

	if cfg.Threads.RedisAddr != "" {
		store := threads.NewRedisStore(cfg.Threads.RedisAddr, cfg.Threads.RedisPassword, cfg.Threads.RedisDB,
			threads.WithTTL(cfg.Threads.TTL()))
		a.closers = append(a.closers, func() { _ = store.Close() })
		a.Checks["redis"] = store.Ping
		a.Threads = store
	} else {
		a.Threads = threads.NewMemoryStore(cfg.Threads.TTL())
	}

	d := dispatch.New(a.Handler, a.Assistant, dispatch.Config{
		CallTimeout:     cfg.Dispatch.CallTimeout(),
		CollectGrace:    cfg.Dispatch.CollectGrace(),
		MaxConcurrency:  cfg.Dispatch.MaxConcurrency,
		MaxActionRounds: cfg.Dispatch.MaxActionRounds,
	}, a.Logger, dispatch.WithMetrics(a.Metrics))
	a.Runner = turn.NewRunner(a.Assistant, d, a.Threads, a.Catalog, a.Logger)
	return nil
}

// AdminConfig returns the admin surface over this app.
func (a *App) AdminConfig() admin.Config {
	return admin.Config{
		Catalog:   a.Catalog,
		Validator: a.Validator,
		Gatherer:  a.Registry,
		Checks:    a.Checks,
		Logger:    a.Logger,
	}
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
