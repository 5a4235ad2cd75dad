// Package config loads service settings: built-in defaults, then an optional
// TOML file, then environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	OpenAI    OpenAIConfig    `toml:"openai"`
	Warehouse WarehouseConfig `toml:"warehouse"`
	Catalog   CatalogConfig   `toml:"catalog"`
	Validator ValidatorConfig `toml:"validator"`
	Dispatch  DispatchConfig  `toml:"dispatch"`
	Auth      AuthConfig      `toml:"auth"`
	Threads   ThreadsConfig   `toml:"threads"`
	Audit     AuditConfig     `toml:"audit"`
}

type ServerConfig struct {
	Port         string `toml:"port"`
	AdminAddr    string `toml:"admin_addr"`
	LogLevel     string `toml:"log_level"`
	TurnTimeoutS int    `toml:"turn_timeout_s"`
}

type OpenAIConfig struct {
	APIKey        string `toml:"api_key"`
	BaseURL       string `toml:"base_url"`
	AssistantID   string `toml:"assistant_id"`
	AssistantName string `toml:"assistant_name"`
	Model         string `toml:"model"`
	SyncAssistant bool   `toml:"sync_assistant"`
}

type WarehouseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver             string            `toml:"driver"`
	DSN                string            `toml:"dsn"`
	MaxConns           int               `toml:"max_conns"`
	SimpleProtocol     bool              `toml:"simple_protocol"`
	StatementTimeoutMs int               `toml:"statement_timeout_ms"`
	MaxRows            int               `toml:"max_rows"`
	ReadOnly           bool              `toml:"read_only"`
	SQLiteSchemas      map[string]string `toml:"sqlite_schemas"` // schema name -> database file
}

type CatalogConfig struct {
	// Path is a YAML catalog file. Empty uses the built-in catalog unless
	// FromPostgres is set.
	Path         string `toml:"path"`
	FromPostgres bool   `toml:"from_postgres"`
}

type ValidatorConfig struct {
	StrictColumns bool   `toml:"strict_columns"`
	TenantColumn  string `toml:"tenant_column"`
	CacheTTLS     int    `toml:"cache_ttl_s"`
}

type DispatchConfig struct {
	CallTimeoutMs   int `toml:"call_timeout_ms"`
	CollectGraceMs  int `toml:"collect_grace_ms"`
	MaxConcurrency  int `toml:"max_concurrency"`
	MaxActionRounds int `toml:"max_action_rounds"`
}

type AuthConfig struct {
	PostgresDSN string `toml:"postgres_dsn"`
	CacheTTLS   int    `toml:"cache_ttl_s"`
	JWTSecret   string `toml:"jwt_secret"`
	JWTIssuer   string `toml:"jwt_issuer"`
	JWTAudience string `toml:"jwt_audience"`

	// DevTenant enables the static authenticator when no other is configured.
	DevTenant string `toml:"dev_tenant"`
}

type ThreadsConfig struct {
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	TTLHours      int    `toml:"ttl_hours"`
}

type AuditConfig struct {
	ClickHouseDSN    string `toml:"clickhouse_dsn"`
	ClickHouseSecure bool   `toml:"clickhouse_secure"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "50054",
			AdminAddr:    ":9090",
			LogLevel:     "info",
			TurnTimeoutS: 300,
		},
		OpenAI: OpenAIConfig{
			AssistantName: "SQL Assistant",
		},
		Warehouse: WarehouseConfig{
			Driver:             "postgres",
			MaxConns:           10,
			StatementTimeoutMs: 15000,
			MaxRows:            1000,
			ReadOnly:           true,
		},
		Validator: ValidatorConfig{
			TenantColumn: "uuid",
			CacheTTLS:    300,
		},
		Dispatch: DispatchConfig{
			CallTimeoutMs:   30000,
			CollectGraceMs:  2000,
			MaxActionRounds: 25,
		},
		Auth: AuthConfig{
			CacheTTLS: 30,
		},
		Threads: ThreadsConfig{
			TTLHours: 24,
		},
	}
}

// Load reads path (if set and present) over the defaults, then applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config.Load: parsing %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("config.Load: %w", err)
		}
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	env := envReader{getenv}

	c.Server.Port = env.str("SQL_GUARD_PORT", c.Server.Port)
	c.Server.AdminAddr = env.str("SQL_GUARD_ADMIN_ADDR", c.Server.AdminAddr)
	c.Server.LogLevel = env.str("SQL_GUARD_LOG_LEVEL", c.Server.LogLevel)
	c.Server.TurnTimeoutS = env.num("SQL_GUARD_TURN_TIMEOUT_S", c.Server.TurnTimeoutS)

	c.OpenAI.APIKey = env.str("OPENAI_API_KEY", c.OpenAI.APIKey)
	c.OpenAI.BaseURL = env.str("OPENAI_BASE_URL", c.OpenAI.BaseURL)
	c.OpenAI.AssistantID = env.str("SQL_GUARD_ASSISTANT_ID", c.OpenAI.AssistantID)
	c.OpenAI.Model = env.str("SQL_GUARD_MODEL", c.OpenAI.Model)
	c.OpenAI.SyncAssistant = env.flag("SQL_GUARD_SYNC_ASSISTANT", c.OpenAI.SyncAssistant)

	c.Warehouse.Driver = env.str("SQL_GUARD_WAREHOUSE_DRIVER", c.Warehouse.Driver)
	c.Warehouse.DSN = env.str("WAREHOUSE_DSN", c.Warehouse.DSN)
	c.Warehouse.MaxConns = env.num("SQL_GUARD_WAREHOUSE_MAX_CONNS", c.Warehouse.MaxConns)
	c.Warehouse.StatementTimeoutMs = env.num("SQL_GUARD_STATEMENT_TIMEOUT_MS", c.Warehouse.StatementTimeoutMs)
	c.Warehouse.MaxRows = env.num("SQL_GUARD_MAX_ROWS", c.Warehouse.MaxRows)

	c.Catalog.Path = env.str("SQL_GUARD_CATALOG", c.Catalog.Path)
	c.Catalog.FromPostgres = env.flag("SQL_GUARD_CATALOG_FROM_POSTGRES", c.Catalog.FromPostgres)

	c.Validator.StrictColumns = env.flag("SQL_GUARD_STRICT_COLUMNS", c.Validator.StrictColumns)
	c.Validator.TenantColumn = env.str("SQL_GUARD_TENANT_COLUMN", c.Validator.TenantColumn)

	c.Dispatch.CallTimeoutMs = env.num("SQL_GUARD_CALL_TIMEOUT_MS", c.Dispatch.CallTimeoutMs)
	c.Dispatch.MaxConcurrency = env.num("SQL_GUARD_MAX_CONCURRENCY", c.Dispatch.MaxConcurrency)
	c.Dispatch.MaxActionRounds = env.num("SQL_GUARD_MAX_ACTION_ROUNDS", c.Dispatch.MaxActionRounds)

	c.Auth.PostgresDSN = env.str("POSTGRES_DSN", c.Auth.PostgresDSN)
	c.Auth.CacheTTLS = env.num("SQL_GUARD_AUTH_CACHE_TTL_S", c.Auth.CacheTTLS)
	c.Auth.JWTSecret = env.str("SQL_GUARD_JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.DevTenant = env.str("SQL_GUARD_DEV_TENANT", c.Auth.DevTenant)

	c.Threads.RedisAddr = env.str("REDIS_ADDR", c.Threads.RedisAddr)
	c.Threads.RedisPassword = env.str("REDIS_PASSWORD", c.Threads.RedisPassword)
	c.Threads.TTLHours = env.num("SQL_GUARD_THREAD_TTL_HOURS", c.Threads.TTLHours)

	c.Audit.ClickHouseDSN = env.str("CLICKHOUSE_DSN", c.Audit.ClickHouseDSN)
	c.Audit.ClickHouseSecure = env.flag("CLICKHOUSE_SECURE", c.Audit.ClickHouseSecure)
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	switch c.Warehouse.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unknown warehouse driver %q", c.Warehouse.Driver)
	}
	if c.Dispatch.CallTimeoutMs <= 0 {
		return fmt.Errorf("config: call_timeout_ms must be positive")
	}
	if c.Catalog.FromPostgres && c.Auth.PostgresDSN == "" {
		return fmt.Errorf("config: catalog.from_postgres needs auth.postgres_dsn")
	}
	return nil
}

func (c DispatchConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutMs) * time.Millisecond
}

func (c DispatchConfig) CollectGrace() time.Duration {
	return time.Duration(c.CollectGraceMs) * time.Millisecond
}

func (c WarehouseConfig) StatementTimeout() time.Duration {
	return time.Duration(c.StatementTimeoutMs) * time.Millisecond
}

func (c ServerConfig) TurnTimeout() time.Duration {
	return time.Duration(c.TurnTimeoutS) * time.Second
}

func (c ThreadsConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

type envReader struct {
	getenv func(string) string
}

func (e envReader) str(key, defaultVal string) string {
	if v := e.getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func (e envReader) num(key string, defaultVal int) int {
	if v := e.getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func (e envReader) flag(key string, defaultVal bool) bool {
	if v := e.getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
