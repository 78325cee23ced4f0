// Package deletion purges every trace of a tenant across the platform
// stores. The purge is deliberately not one transaction: each step is
// isolated so a mid-run failure leaves a consistent partial state and
// the whole run is safe to retry.
package deletion

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/botfleet/backend/internal/snapshots"
)

// ProcessorCleanup removes the tenant at the external payment
// processor. Best effort: records the processor retains afterwards are
// its responsibility.
type ProcessorCleanup interface {
	DeleteCustomer(ctx context.Context, customerID string) error
}

// Report is the outcome of one deletion run: rows removed per store
// plus every step failure. A failed step never blocks later steps.
type Report struct {
	TenantID  string           `json:"tenantId"`
	Deleted   map[string]int64 `json:"deleted"`
	Errors    []StepError      `json:"errors"`
	StartedAt time.Time        `json:"startedAt"`
	Duration  time.Duration    `json:"duration"`
}

// StepError names the step that failed and why.
type StepError struct {
	Step  string `json:"step"`
	Cause string `json:"cause"`
}

// Executor runs the ordered purge sequence.
type Executor struct {
	db        *sql.DB
	processor ProcessorCleanup
	snapshots *snapshots.Manager
	objects   snapshots.ObjectStore
}

func NewExecutor(db *sql.DB, processor ProcessorCleanup, snaps *snapshots.Manager, objects snapshots.ObjectStore) *Executor {
	return &Executor{db: db, processor: processor, snapshots: snaps, objects: objects}
}

type purgeStep struct {
	name string
	fn   func(ctx context.Context, tenantID string, r *Report) error
}

// Execute purges the tenant store by store, in dependency order, and
// returns the full report. Ledger history goes last among the data
// stores so a retry after a partial run still finds the tenant's
// financial trail.
func (e *Executor) Execute(ctx context.Context, tenantID string) *Report {
	r := &Report{
		TenantID:  tenantID,
		Deleted:   map[string]int64{},
		StartedAt: time.Now().UTC(),
	}

	steps := []purgeStep{
		{"processor_customer", e.deleteProcessorCustomer},
		{"bot_instances", e.tableStep("bot_instances", `DELETE FROM bot_instances WHERE tenant_id = $1`)},
		{"credit_transactions", e.tableStep("credit_transactions", `DELETE FROM credit_transactions WHERE tenant_id = $1`)},
		{"credit_balances", e.tableStep("credit_balances", `DELETE FROM credit_balances WHERE tenant_id = $1`)},
		{"credit_adjustments", e.tableStep("credit_adjustments", `DELETE FROM credit_adjustments WHERE tenant_id = $1`)},
		{"meter_events", e.tableStep("meter_events", `DELETE FROM meter_events WHERE tenant_id = $1`)},
		{"usage_summaries", e.tableStep("usage_summaries", `DELETE FROM usage_summaries WHERE tenant_id = $1`)},
		{"billing_period_summaries", e.tableStep("billing_period_summaries", `DELETE FROM billing_period_summaries WHERE tenant_id = $1`)},
		{"external_usage_reports", e.tableStep("external_usage_reports", `DELETE FROM external_usage_reports WHERE tenant_id = $1`)},
		{"notification_queue", e.tableStep("notification_queue", `DELETE FROM notification_queue WHERE tenant_id = $1`)},
		{"notification_preferences", e.tableStep("notification_preferences", `DELETE FROM notification_preferences WHERE tenant_id = $1`)},
		{"email_notifications", e.tableStep("email_notifications", `DELETE FROM email_notifications WHERE tenant_id = $1`)},
		{"audit_log", e.tableStep("audit_log", `DELETE FROM audit_log WHERE tenant_id = $1`)},
		{"admin_audit_log", e.anonymiseAdminAudit},
		{"admin_notes", e.tableStep("admin_notes", `DELETE FROM admin_notes WHERE tenant_id = $1`)},
		{"snapshots", e.deleteSnapshots},
		{"container_backups", e.tableStep("container_backups", `DELETE FROM container_backups WHERE tenant_id = $1`)},
		{"payment_charges", e.tableStep("payment_charges", `DELETE FROM payment_charges WHERE tenant_id = $1`)},
		{"tenant_status", e.tableStep("tenant_status", `DELETE FROM tenant_status WHERE tenant_id = $1`)},
		{"user_roles", e.tableStep("user_roles", `DELETE FROM user_roles WHERE user_id = $1 OR scope = $1`)},
		{"processor_customers", e.tableStep("processor_customers", `DELETE FROM processor_customers WHERE tenant_id = $1`)},
		{"api_keys", e.tableStep("api_keys", `DELETE FROM api_keys WHERE tenant_id = $1`)},
		{"auth", e.deleteAuthRecords},
	}

	for _, step := range steps {
		if err := step.fn(ctx, tenantID, r); err != nil {
			slog.Error("deletion step failed", "tenant", tenantID, "step", step.name, "error", err)
			r.Errors = append(r.Errors, StepError{Step: step.name, Cause: err.Error()})
		}
	}

	r.Duration = time.Since(r.StartedAt)
	slog.Info("tenant deletion finished", "tenant", tenantID,
		"stores", len(r.Deleted), "errors", len(r.Errors), "took", r.Duration)
	return r
}

// tableStep builds a step that deletes the tenant's rows from one
// table and records the count.
func (e *Executor) tableStep(table, query string) func(context.Context, string, *Report) error {
	return func(ctx context.Context, tenantID string, r *Report) error {
		res, err := e.db.ExecContext(ctx, query, tenantID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		r.Deleted[table] = n
		return nil
	}
}

func (e *Executor) deleteProcessorCustomer(ctx context.Context, tenantID string, r *Report) error {
	if e.processor == nil {
		return nil
	}
	var customerID string
	err := e.db.QueryRowContext(ctx,
		`SELECT customer_id FROM processor_customers WHERE tenant_id = $1`, tenantID).
		Scan(&customerID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	if err := e.processor.DeleteCustomer(ctx, customerID); err != nil {
		return fmt.Errorf("processor customer %s: %w", customerID, err)
	}
	r.Deleted["processor_customer"] = 1
	return nil
}

// anonymiseAdminAudit keeps admin audit rows for regulatory retention
// but scrubs who they were about.
func (e *Executor) anonymiseAdminAudit(ctx context.Context, tenantID string, r *Report) error {
	res, err := e.db.ExecContext(ctx, `
		UPDATE admin_audit_log
		SET target_tenant = CASE WHEN target_tenant = $1 THEN '[deleted]' ELSE target_tenant END,
		    target_user   = CASE WHEN target_user = $1 THEN '[deleted]' ELSE target_user END
		WHERE target_tenant = $1 OR target_user = $1`, tenantID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	r.Deleted["admin_audit_log_anonymised"] = n
	return nil
}

// deleteSnapshots removes object-store content per row (best effort),
// then the rows themselves.
func (e *Executor) deleteSnapshots(ctx context.Context, tenantID string, r *Report) error {
	if e.objects != nil {
		rows, err := e.db.QueryContext(ctx,
			`SELECT COALESCE(object_key, '') FROM snapshots WHERE tenant_id = $1`, tenantID)
		if err != nil {
			return err
		}
		var keys []string
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				rows.Close()
				return err
			}
			if k != "" {
				keys = append(keys, k)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, k := range keys {
			if err := e.objects.Remove(ctx, k); err != nil {
				slog.Warn("snapshot object removal failed during deletion",
					"tenant", tenantID, "key", k, "error", err)
			}
		}
	}

	res, err := e.db.ExecContext(ctx, `DELETE FROM snapshots WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	r.Deleted["snapshots"] = n
	return nil
}

func (e *Executor) deleteAuthRecords(ctx context.Context, tenantID string, r *Report) error {
	for _, q := range []struct{ table, query string }{
		{"auth_sessions", `DELETE FROM auth_sessions WHERE user_id = $1`},
		{"auth_accounts", `DELETE FROM auth_accounts WHERE user_id = $1`},
		{"auth_verification_tokens", `DELETE FROM auth_verification_tokens WHERE user_id = $1`},
		{"auth_users", `DELETE FROM auth_users WHERE id = $1`},
	} {
		res, err := e.db.ExecContext(ctx, q.query, tenantID)
		if err != nil {
			return fmt.Errorf("%s: %w", q.table, err)
		}
		n, _ := res.RowsAffected()
		r.Deleted[q.table] = n
	}
	return nil
}
