// Package postgres is the Postgres C3 backend: connection setup and pool
// tuning only — CRUD is implemented once in internal/store/sqlstore and
// shared with internal/store/sqlite3.
//
// Grounded on the teacher's internal/store/postgres/postgres.go connection
// setup (search_path, pool tuning), minus its embedded migration runner —
// schema migrations stay out of the core per spec §9; MigrationVersion only
// reads the version row a separate migration step is expected to maintain.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	_ "github.com/doug-martin/goqu/v9/dialect/postgres"

	"github.com/rakunlabs/opennotebook/internal/config"
	"github.com/rakunlabs/opennotebook/internal/store/sqlstore"
)

var (
	ConnMaxLifetime = 15 * time.Minute
	MaxIdleConns    = 3
	MaxOpenConns    = 3
)

func New(ctx context.Context, cfg config.Database) (*sqlstore.Store, error) {
	dsn := cfg.DatasourceURL()
	if dsn == "" {
		return nil, fmt.Errorf("postgres datasource is required")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	connMaxLifetime := ConnMaxLifetime
	if cfg.ConnMaxLifetime != nil {
		connMaxLifetime = *cfg.ConnMaxLifetime
	}
	maxIdle := MaxIdleConns
	if cfg.MaxIdleConns != nil {
		maxIdle = *cfg.MaxIdleConns
	}
	maxOpen := MaxOpenConns
	if cfg.MaxOpenConns != nil {
		maxOpen = *cfg.MaxOpenConns
	}

	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetMaxIdleConns(maxIdle)
	db.SetMaxOpenConns(maxOpen)

	slog.Info("connected to store postgres")

	tablePrefix := sqlstore.DefaultTablePrefix
	if cfg.TablePrefix != nil && *cfg.TablePrefix != "" {
		tablePrefix = *cfg.TablePrefix
	}

	return sqlstore.New(db, "postgres", tablePrefix), nil
}
