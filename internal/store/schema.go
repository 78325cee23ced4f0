package store

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaStatements is applied in order at startup. Every statement is
// idempotent so repeated boots are safe.
//
// Amount columns are BIGINT raw units (1 cent = 10^7 raw units); wide
// enough for +-9.2e18.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS credit_balances (
		tenant_id    TEXT PRIMARY KEY,
		amount       BIGINT NOT NULL DEFAULT 0,
		last_updated TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS credit_transactions (
		id                 UUID PRIMARY KEY,
		tenant_id          TEXT NOT NULL,
		amount             BIGINT NOT NULL,
		balance_after      BIGINT NOT NULL,
		type               TEXT NOT NULL,
		description        TEXT,
		reference_id       TEXT,
		funding_source     TEXT,
		attributed_user_id TEXT,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	// The unique index is the idempotency guarantee; the application
	// probe (HasReferenceID) is an optimisation, never the authority.
	`CREATE UNIQUE INDEX IF NOT EXISTS credit_transactions_reference_id_key
		ON credit_transactions (reference_id) WHERE reference_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS credit_transactions_tenant_created_idx
		ON credit_transactions (tenant_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS credit_adjustments (
		id         UUID PRIMARY KEY,
		tenant_id  TEXT NOT NULL,
		amount     BIGINT NOT NULL,
		reason     TEXT,
		created_by TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS meter_events (
		id           UUID PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		capability   TEXT NOT NULL,
		provider     TEXT NOT NULL,
		cost         BIGINT NOT NULL,
		charge       BIGINT NOT NULL,
		ts           TIMESTAMPTZ NOT NULL,
		session_id   TEXT,
		duration_ms  BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS meter_events_ts_idx ON meter_events (ts)`,
	`CREATE TABLE IF NOT EXISTS billing_period_summaries (
		tenant_id      TEXT NOT NULL,
		capability     TEXT NOT NULL,
		provider       TEXT NOT NULL,
		period_start   TIMESTAMPTZ NOT NULL,
		period_end     TIMESTAMPTZ NOT NULL,
		event_count    BIGINT NOT NULL,
		total_cost     BIGINT NOT NULL,
		total_charge   BIGINT NOT NULL,
		total_duration BIGINT NOT NULL,
		PRIMARY KEY (tenant_id, capability, provider, period_start)
	)`,
	`CREATE TABLE IF NOT EXISTS usage_summaries (
		tenant_id    TEXT NOT NULL,
		capability   TEXT NOT NULL,
		day          DATE NOT NULL,
		event_count  BIGINT NOT NULL,
		total_charge BIGINT NOT NULL,
		PRIMARY KEY (tenant_id, capability, day)
	)`,
	`CREATE TABLE IF NOT EXISTS external_usage_reports (
		id         UUID PRIMARY KEY,
		tenant_id  TEXT NOT NULL,
		provider   TEXT NOT NULL,
		payload    JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS snapshots (
		id           UUID PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		instance_id  TEXT NOT NULL,
		user_id      TEXT NOT NULL,
		name         TEXT,
		type         TEXT NOT NULL,
		size_bytes   BIGINT NOT NULL,
		node_id      TEXT,
		trigger      TEXT NOT NULL,
		plugins      TEXT[],
		config_hash  TEXT NOT NULL,
		storage_path TEXT NOT NULL,
		object_key   TEXT,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		expires_at   TIMESTAMPTZ,
		deleted_at   TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS snapshots_instance_idx ON snapshots (instance_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS container_backups (
		id         UUID PRIMARY KEY,
		tenant_id  TEXT NOT NULL,
		node_id    TEXT,
		object_key TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS nodes (
		id                TEXT PRIMARY KEY,
		status            TEXT NOT NULL DEFAULT 'active',
		drain_status      TEXT,
		drain_migrated    INT,
		drain_total       INT,
		last_heartbeat_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS bot_instances (
		id            TEXT PRIMARY KEY,
		tenant_id     TEXT NOT NULL,
		node_id       TEXT,
		billing_state TEXT NOT NULL DEFAULT 'active',
		suspended_at  TIMESTAMPTZ,
		destroy_after TIMESTAMPTZ,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS bot_instances_node_idx ON bot_instances (node_id)`,
	`CREATE TABLE IF NOT EXISTS recovery_events (
		id               UUID PRIMARY KEY,
		node_id          TEXT NOT NULL,
		trigger          TEXT NOT NULL,
		status           TEXT NOT NULL,
		tenants_total    INT NOT NULL DEFAULT 0,
		tenants_ok       INT NOT NULL DEFAULT 0,
		tenants_failed   INT NOT NULL DEFAULT 0,
		tenants_waiting  INT NOT NULL DEFAULT 0,
		started_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		completed_at     TIMESTAMPTZ,
		report           JSONB
	)`,
	`CREATE TABLE IF NOT EXISTS recovery_items (
		event_id    UUID NOT NULL,
		tenant_id   TEXT NOT NULL,
		source_node TEXT NOT NULL,
		target_node TEXT,
		backup_key  TEXT,
		status      TEXT NOT NULL,
		reason      TEXT,
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (event_id, tenant_id)
	)`,

	`CREATE TABLE IF NOT EXISTS credentials (
		id              UUID PRIMARY KEY,
		provider        TEXT NOT NULL,
		key_name        TEXT NOT NULL,
		encrypted_value JSONB NOT NULL,
		auth_type       TEXT NOT NULL DEFAULT 'bearer',
		auth_header     TEXT,
		is_active       BOOLEAN NOT NULL DEFAULT true,
		last_validated  TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		rotated_at      TIMESTAMPTZ,
		created_by      TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS credential_audit (
		id         UUID PRIMARY KEY,
		action     TEXT NOT NULL,
		credential UUID NOT NULL,
		actor      TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS processor_customers (
		tenant_id   TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS payment_charges (
		id           UUID PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		amount_cents BIGINT NOT NULL,
		status       TEXT NOT NULL,
		reference_id TEXT,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS topup_schedules (
		tenant_id      TEXT PRIMARY KEY,
		amount_cents   BIGINT NOT NULL,
		interval_hours INT NOT NULL,
		next_at        TIMESTAMPTZ NOT NULL,
		failures       INT NOT NULL DEFAULT 0,
		enabled        BOOLEAN NOT NULL DEFAULT true,
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS notification_queue (
		id         UUID PRIMARY KEY,
		tenant_id  TEXT NOT NULL,
		template   TEXT NOT NULL,
		sent_date  DATE NOT NULL,
		payload    JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (tenant_id, template, sent_date)
	)`,
	`CREATE TABLE IF NOT EXISTS notification_preferences (
		tenant_id TEXT PRIMARY KEY,
		prefs     JSONB
	)`,
	`CREATE TABLE IF NOT EXISTS email_notifications (
		id         UUID PRIMARY KEY,
		tenant_id  TEXT NOT NULL,
		template   TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS audit_log (
		id         UUID PRIMARY KEY,
		tenant_id  TEXT NOT NULL,
		action     TEXT NOT NULL,
		detail     JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS admin_audit_log (
		id            UUID PRIMARY KEY,
		actor         TEXT NOT NULL,
		action        TEXT NOT NULL,
		target_tenant TEXT,
		target_user   TEXT,
		detail        JSONB,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS admin_notes (
		id         UUID PRIMARY KEY,
		tenant_id  TEXT NOT NULL,
		note       TEXT NOT NULL,
		created_by TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS tenant_status (
		tenant_id  TEXT PRIMARY KEY,
		tier       TEXT NOT NULL DEFAULT 'free',
		status     TEXT NOT NULL DEFAULT 'active',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS user_roles (
		user_id  TEXT NOT NULL,
		scope    TEXT NOT NULL,
		role     TEXT NOT NULL,
		PRIMARY KEY (user_id, scope)
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		key_id      TEXT PRIMARY KEY,
		tenant_id   TEXT NOT NULL DEFAULT '',
		name        TEXT NOT NULL,
		secret_hash TEXT NOT NULL,
		is_active   BOOLEAN NOT NULL DEFAULT TRUE,
		expires_at  TIMESTAMPTZ,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS auth_users (
		id         TEXT PRIMARY KEY,
		email      TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS auth_sessions (
		id      TEXT PRIMARY KEY,
		user_id TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS auth_accounts (
		id      TEXT PRIMARY KEY,
		user_id TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS auth_verification_tokens (
		token   TEXT PRIMARY KEY,
		user_id TEXT NOT NULL
	)`,
}

// EnsureSchema creates every table the control plane owns.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema bootstrap: %w", err)
		}
	}
	return nil
}
