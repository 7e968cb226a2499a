// Package health implements C8, the single readiness probe: store
// reachability plus migration-version freshness, summarized as one JSON
// document for the HTTP layer to serve at /health.
//
// Grounded on internal/store/sqlstore.Store's Ping/MigrationVersion pair
// (C3), which already implement the "trivial scalar query" and
// "migration_version table" checks this package only needs to aggregate.
package health

import (
	"context"

	"github.com/rakunlabs/opennotebook/internal/store"
)

// ExpectedMigrationVersion is the schema version this build expects. A
// store reporting a lower version needs_migration=true rather than failing
// outright, so an operator can see the gap without the probe itself erroring.
const ExpectedMigrationVersion = 1

type Status string

const (
	StatusOK        Status = "ok"
	StatusUnhealthy Status = "unhealthy"
)

type DatabaseCheck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type MigrationsCheck struct {
	CurrentVersion int    `json:"current_version"`
	NeedsMigration bool   `json:"needs_migration"`
	Error          string `json:"error,omitempty"`
}

type Checks struct {
	Database   DatabaseCheck   `json:"database"`
	Migrations MigrationsCheck `json:"migrations"`
}

type Report struct {
	Status Status `json:"status"`
	Checks Checks `json:"checks"`
}

type Checker struct {
	store store.Store
}

func New(st store.Store) *Checker {
	return &Checker{store: st}
}

// Check runs both probes and folds them into one report. It never returns
// an error itself: probe failures are recorded inline so the caller can
// always serialize a response, healthy or not.
func (c *Checker) Check(ctx context.Context) Report {
	report := Report{Status: StatusOK}

	if err := c.store.Ping(ctx); err != nil {
		report.Checks.Database = DatabaseCheck{OK: false, Error: err.Error()}
		report.Status = StatusUnhealthy
	} else {
		report.Checks.Database = DatabaseCheck{OK: true}
	}

	version, err := c.store.MigrationVersion(ctx)
	if err != nil {
		report.Checks.Migrations = MigrationsCheck{Error: err.Error(), NeedsMigration: true}
		report.Status = StatusUnhealthy
	} else {
		report.Checks.Migrations = MigrationsCheck{
			CurrentVersion: version,
			NeedsMigration: version < ExpectedMigrationVersion,
		}
		if report.Checks.Migrations.NeedsMigration {
			report.Status = StatusUnhealthy
		}
	}

	return report
}
