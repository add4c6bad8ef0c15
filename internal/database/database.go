package database

import (
	"context"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/viper"
)

func Connect() (*sqlx.DB, error) {
	dsn := viper.GetString("DB_DSN")
	return sqlx.Connect("pgx", dsn)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS hubs (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL,
		total_kw     DOUBLE PRECISION NOT NULL,
		allocated_kw DOUBLE PRECISION NOT NULL DEFAULT 0,
		reserved_kw  DOUBLE PRECISION NOT NULL DEFAULT 0,
		peak_kw      DOUBLE PRECISION NOT NULL DEFAULT 0,
		version      BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS tenants (
		id                TEXT PRIMARY KEY,
		hub_id            TEXT NOT NULL REFERENCES hubs(id),
		position          INTEGER NOT NULL,
		name              TEXT NOT NULL DEFAULT '',
		priority_tier     TEXT NOT NULL,
		base_kw           DOUBLE PRECISION NOT NULL DEFAULT 0,
		burst_kw          DOUBLE PRECISION NOT NULL DEFAULT 0,
		guaranteed_kw     DOUBLE PRECISION NOT NULL DEFAULT 0,
		allocated_kw      DOUBLE PRECISION NOT NULL DEFAULT 0,
		square_footage    DOUBLE PRECISION NOT NULL DEFAULT 0,
		historical_avg_kw DOUBLE PRECISION NOT NULL DEFAULT 0,
		balance_cad       NUMERIC(14,2) NOT NULL DEFAULT 0,
		billing_cycle     TEXT NOT NULL DEFAULT 'monthly',
		payment_status    TEXT NOT NULL DEFAULT 'current'
	)`,
	`CREATE TABLE IF NOT EXISTS policies (
		id     TEXT PRIMARY KEY,
		hub_id TEXT NOT NULL,
		status TEXT NOT NULL,
		body   JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS violations (
		id               TEXT PRIMARY KEY,
		tenant_id        TEXT NOT NULL,
		hub_id           TEXT NOT NULL,
		policy_id        TEXT NOT NULL DEFAULT '',
		type             TEXT NOT NULL,
		exceeded_by_kw   DOUBLE PRECISION NOT NULL,
		timestamp        TIMESTAMPTZ NOT NULL,
		duration_minutes DOUBLE PRECISION NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS violations_tenant_idx ON violations (tenant_id, timestamp)`,
	`CREATE TABLE IF NOT EXISTS telemetry_samples (
		tenant_id  TEXT NOT NULL,
		current_kw DOUBLE PRECISION NOT NULL,
		timestamp  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS telemetry_samples_tenant_idx ON telemetry_samples (tenant_id, timestamp)`,
	`CREATE TABLE IF NOT EXISTS billing_periods (
		id     TEXT PRIMARY KEY,
		hub_id TEXT NOT NULL,
		status TEXT NOT NULL,
		body   JSONB NOT NULL
	)`,
}

// Migrate creates the engine tables if they do not exist.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
