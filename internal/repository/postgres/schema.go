package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the logical schema for the execution state machine, the outbox,
// the source registry, and the raw landing table. Statements are idempotent
// so Migrate can run on every startup.
const Schema = `
CREATE TABLE IF NOT EXISTS executions (
    request_id        TEXT PRIMARY KEY,
    account_id        TEXT NOT NULL,
    event_type        TEXT NOT NULL,
    date_from         DATE NOT NULL,
    date_to           DATE NOT NULL,
    status            TEXT NOT NULL,
    total_sources     INT NOT NULL,
    completed_sources INT NOT NULL DEFAULT 0,
    failed_sources    INT NOT NULL DEFAULT 0,
    started_at        TIMESTAMPTZ NOT NULL,
    ended_at          TIMESTAMPTZ,
    aggregated_at     TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_executions_unaggregated
    ON executions (started_at) WHERE aggregated_at IS NULL;

CREATE TABLE IF NOT EXISTS source_states (
    request_id         TEXT NOT NULL,
    event_type         TEXT NOT NULL,
    source_id          TEXT NOT NULL,
    provider           TEXT NOT NULL,
    handle             TEXT NOT NULL,
    status             TEXT NOT NULL,
    attempt            INT NOT NULL DEFAULT 0,
    max_attempts       INT NOT NULL,
    next_attempt_at    TIMESTAMPTZ,
    last_error_code    TEXT,
    last_error_message TEXT,
    last_error_at      TIMESTAMPTZ,
    created_at         TIMESTAMPTZ NOT NULL,
    updated_at         TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (request_id, event_type, source_id)
);

CREATE INDEX IF NOT EXISTS idx_source_states_status
    ON source_states (status, created_at);

CREATE TABLE IF NOT EXISTS outbox (
    id            BIGSERIAL PRIMARY KEY,
    aggregate_key TEXT NOT NULL,
    payload       JSONB NOT NULL,
    ttl_millis    BIGINT NOT NULL,
    not_before    TIMESTAMPTZ NOT NULL,
    status        TEXT NOT NULL DEFAULT 'new',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_outbox_due
    ON outbox (not_before) WHERE status = 'new';

CREATE TABLE IF NOT EXISTS provider_connections (
    account_id TEXT NOT NULL,
    provider   TEXT NOT NULL,
    active     BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (account_id, provider)
);

CREATE TABLE IF NOT EXISTS source_catalog (
    provider         TEXT NOT NULL,
    source_id        TEXT NOT NULL,
    event_type       TEXT NOT NULL,
    handle           TEXT NOT NULL,
    rate_limit_group TEXT NOT NULL DEFAULT 'default',
    active           BOOLEAN NOT NULL DEFAULT TRUE,
    PRIMARY KEY (provider, source_id, event_type)
);

CREATE TABLE IF NOT EXISTS raw_rows (
    request_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    source_id  TEXT NOT NULL,
    seq        INT NOT NULL,
    account_id TEXT NOT NULL,
    provider   TEXT NOT NULL,
    payload    JSONB NOT NULL,
    fetched_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (request_id, event_type, source_id, seq)
);
`

// Migrate applies the schema. Safe to run concurrently from multiple
// instances; all statements are IF NOT EXISTS.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, Schema)
	return err
}
