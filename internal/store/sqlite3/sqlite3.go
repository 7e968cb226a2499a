// Package sqlite3 is the embedded C3 backend used for local development and
// single-node deployments without an external Postgres instance.
//
// Grounded on the teacher's internal/store/sqlite3/sqlite3.go connection
// setup (WAL mode, foreign keys, single-connection pool), minus its
// embedded migration runner — see internal/store/postgres for the same
// rationale.
package sqlite3

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"

	"github.com/rakunlabs/opennotebook/internal/config"
	"github.com/rakunlabs/opennotebook/internal/store/sqlstore"
)

func New(ctx context.Context, cfg config.Database) (*sqlstore.Store, error) {
	if cfg.SQLitePath == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	db, err := sql.Open("sqlite", cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// SQLite is single-writer; limit connections accordingly.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	slog.Info("connected to store sqlite", "path", cfg.SQLitePath)

	tablePrefix := sqlstore.DefaultTablePrefix
	if cfg.TablePrefix != nil && *cfg.TablePrefix != "" {
		tablePrefix = *cfg.TablePrefix
	}

	return sqlstore.New(db, "sqlite3", tablePrefix), nil
}
