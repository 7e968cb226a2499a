package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"
)

var Service = ""

// Config is the process-wide configuration, loaded once at startup from
// environment variables (prefix ON_) and an optional config file.
type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	Database  Database    `cfg:"database,no_prefix"`
	Secret    Secret      `cfg:"secret,no_prefix"`
	Auth      Auth        `cfg:"auth,no_prefix"`
	Worker    Worker      `cfg:"worker,no_prefix"`
	DataPath  string      `cfg:"data_path,no_prefix" default:"./data"`
	Server    Server      `cfg:"server"`
	Telemetry tell.Config `cfg:"telemetry,noprefix"`

	// AllowedOrigins is loaded for the external HTTP layer's CORS setup. No
	// code in this module reads it (spec §9 open question 3).
	AllowedOrigins string `cfg:"allowed_origins,no_prefix" default:"*"`

	// Providers are built-in embedding/chat model defaults usable when a
	// user has not configured per-provider secrets of their own.
	Providers map[string]ProviderDefault `cfg:"providers"`
}

// Database configures the C3 Repository connection. DatabaseURL wins over
// the (Address, Port) combination when both are set, per spec §4.3/§6.
type Database struct {
	DatabaseURL string `cfg:"database_url,no_prefix" log:"-"`
	Address     string `cfg:"database_address,no_prefix"`
	Port        string `cfg:"database_port,no_prefix" default:"5432"`

	User     string `cfg:"database_user,no_prefix" default:"root"`
	Password string `cfg:"database_password,no_prefix" default:"root" log:"-"`

	Namespace string `cfg:"database_namespace,no_prefix" default:"open_notebook"`
	Database  string `cfg:"database_database,no_prefix" default:"production"`

	TablePrefix     *string        `cfg:"table_prefix,no_prefix"`
	ConnMaxLifetime *time.Duration `cfg:"conn_max_lifetime,no_prefix"`
	MaxIdleConns    *int           `cfg:"max_idle_conns,no_prefix"`
	MaxOpenConns    *int           `cfg:"max_open_conns,no_prefix"`

	Migrate Migrate `cfg:"migrate,no_prefix"`

	// SQLitePath, if set, selects the embedded sqlite3 backend instead of
	// Postgres — used for local development and tests.
	SQLitePath string `cfg:"sqlite_path,no_prefix"`
}

// Migrate is loaded from config but no code in this module reads it: the
// store's readiness check reads a fixed migration_version table. The core
// never runs migrations itself (spec §9); it only checks the row exists (C8).
type Migrate struct {
	Table string `cfg:"table,no_prefix" default:"migrations"`
}

// Secret configures the C1 secret vault's symmetric key resolution.
type Secret struct {
	SecretKey     string `cfg:"secret_key,no_prefix" log:"-"`
	SecretKeyFile string `cfg:"secret_key_file,no_prefix"`
}

// Auth documents the external JWT-issuing collaborator's shared parameters.
// The core never validates tokens itself; it trusts a user_id/is_admin pair
// delivered by the HTTP layer (spec §1).
type Auth struct {
	JWTSecret         string `cfg:"jwt_secret,no_prefix" log:"-"`
	JWTExpiresMinutes int    `cfg:"jwt_expires_minutes,no_prefix" default:"60"`
}

// Worker controls whether this process runs the C4 command-queue worker
// loop and reaper, per spec §6's ENABLE_WORKER variable.
type Worker struct {
	Enabled      bool          `cfg:"enable_worker,no_prefix" default:"true"`
	ReaperLease  time.Duration `cfg:"reaper_lease,no_prefix" default:"10m"`
	RetryBudget  int           `cfg:"reaper_retry_budget,no_prefix" default:"3"`
	PollInterval time.Duration `cfg:"poll_interval,no_prefix" default:"1s"`
}

type Server struct {
	Port string `cfg:"port" default:"8080"`
	Host string `cfg:"host"`

	// UserHeader is the header carrying the caller's resolved user id,
	// populated by the external auth layer before the request reaches C9.
	UserHeader string `cfg:"user_header" default:"X-User-Id"`
	AdminHeader string `cfg:"admin_header" default:"X-Is-Admin"`
}

// ProviderDefault is an operator-supplied fallback model configuration for
// a provider key, used when a user has no UserProviderSecret of their own.
type ProviderDefault struct {
	Type    string `cfg:"type" json:"type"`
	Model   string `cfg:"model" json:"model"`
	BaseURL string `cfg:"base_url" json:"base_url"`
}

func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("ON_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}

// DatasourceURL builds the Postgres connection string from either the
// explicit DatabaseURL or the (Address, Port) + user/namespace/database
// combination, with DatabaseURL taking priority (spec §4.3).
func (d Database) DatasourceURL() string {
	if d.DatabaseURL != "" {
		return d.DatabaseURL
	}

	if d.Address == "" {
		return ""
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?search_path=%s",
		d.User, d.Password, d.Address, d.Port, d.Database, d.Namespace)
}
