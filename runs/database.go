// Package runs records training runs and their per-epoch history in SQL so
// past experiments can be listed and compared.
package runs

import (
	"context"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// DriverFor picks the driver for dsn: postgres for postgres URLs and
// key=value connection strings, sqlite for everything else.
func DriverFor(dsn string) string {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return DriverPostgres
	case strings.Contains(dsn, "host=") && strings.Contains(dsn, "dbname="):
		return DriverPostgres
	default:
		return DriverSQLite
	}
}

// Open connects to dsn and creates the schema if it is missing.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	if dsn == "" {
		return nil, errors.New("runs.dsn is empty")
	}
	driver := DriverFor(dsn)

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s database", driver)
	}

	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxIdleConns(10)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate creates the run and epoch tables.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schema(db.DriverName()) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to migrate runs schema")
		}
	}
	return nil
}

func schema(driver string) []string {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	ts := "DATETIME"
	if driver == DriverPostgres {
		id = "SERIAL PRIMARY KEY"
		ts = "TIMESTAMPTZ"
	}

	return []string{
		`CREATE TABLE IF NOT EXISTS run (
			id ` + id + `,
			model TEXT NOT NULL,
			backbone TEXT NOT NULL,
			attention BOOLEAN NOT NULL,
			status TEXT NOT NULL,
			artifact TEXT NOT NULL DEFAULT '',
			best_val_loss DOUBLE PRECISION NOT NULL DEFAULT 0,
			best_val_accuracy DOUBLE PRECISION NOT NULL DEFAULT 0,
			started_at ` + ts + ` NOT NULL,
			finished_at ` + ts + `
		)`,
		`CREATE TABLE IF NOT EXISTS run_epoch (
			run_id INTEGER NOT NULL REFERENCES run(id) ON DELETE CASCADE,
			epoch INTEGER NOT NULL,
			phase TEXT NOT NULL,
			phase_epoch INTEGER NOT NULL,
			loss DOUBLE PRECISION NOT NULL,
			accuracy DOUBLE PRECISION NOT NULL,
			val_loss DOUBLE PRECISION NOT NULL,
			val_accuracy DOUBLE PRECISION NOT NULL,
			learning_rate DOUBLE PRECISION NOT NULL,
			duration_ms BIGINT NOT NULL,
			PRIMARY KEY (run_id, epoch)
		)`,
	}
}
