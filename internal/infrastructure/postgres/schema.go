package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema holds the DDL for every table the services use, in apply order.
// Each statement is idempotent.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS medicine_events (
		id             UUID PRIMARY KEY,
		aggregate_id   TEXT        NOT NULL,
		aggregate_type TEXT        NOT NULL DEFAULT 'Medicine',
		event_type     TEXT        NOT NULL,
		event_data     JSONB       NOT NULL,
		version        INTEGER     NOT NULL,
		timestamp      TIMESTAMPTZ NOT NULL,
		owner_id       TEXT        NOT NULL DEFAULT '',
		correlation_id TEXT        NOT NULL DEFAULT '',
		UNIQUE (aggregate_id, version)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_medicine_events_type_owner
		ON medicine_events (event_type, owner_id)`,

	`CREATE TABLE IF NOT EXISTS reminder_triggers (
		handle      TEXT PRIMARY KEY,
		medicine_id TEXT        NOT NULL,
		fire_at     TIMESTAMPTZ NOT NULL,
		title       TEXT        NOT NULL DEFAULT '',
		body        TEXT        NOT NULL DEFAULT '',
		status      TEXT        NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reminder_triggers_due
		ON reminder_triggers (status, fire_at)`,

	`CREATE TABLE IF NOT EXISTS outbox (
		id             BIGSERIAL PRIMARY KEY,
		aggregate_id   TEXT        NOT NULL,
		aggregate_type TEXT        NOT NULL,
		event_type     TEXT        NOT NULL,
		payload        JSONB       NOT NULL,
		kafka_topic    TEXT        NOT NULL,
		kafka_key      TEXT        NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at   TIMESTAMPTZ,
		retry_count    INTEGER     NOT NULL DEFAULT 0,
		last_error     TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_unprocessed
		ON outbox (created_at) WHERE processed_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS inbox (
		idempotency_key TEXT PRIMARY KEY,
		handler_name    TEXT        NOT NULL,
		status          TEXT        NOT NULL,
		payload         JSONB,
		result          JSONB,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at      TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_inbox_expires ON inbox (expires_at)`,
}

// Migrate applies Schema in a single transaction
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for i, stmt := range Schema {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("migration step %d: %w", i, err)
			}
		}
		return nil
	})
}
