// Package notify turns platform events into tenant notifications, at
// most one per tenant, template and day.
package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/botfleet/backend/internal/events"
)

// Notification templates.
const (
	TemplateCreditsExhausted = "credits_exhausted"
	TemplateBalanceLow       = "balance_low"
	TemplateTopupDisabled    = "topup_disabled"
)

// Sink delivers a queued notification to the outside world (email
// service, chat webhook). Delivery failures are logged, not retried
// here; the daily dedup window gives a natural retry cadence.
type Sink interface {
	Deliver(ctx context.Context, tenantID, template string, payload map[string]any) error
}

// Notifier owns the notification queue.
type Notifier struct {
	db   *sql.DB
	sink Sink

	now func() time.Time
}

func NewNotifier(db *sql.DB, sink Sink) *Notifier {
	return &Notifier{db: db, sink: sink, now: time.Now}
}

// SubscribeTo wires the notifier to the event bus. Call once during
// startup.
func (n *Notifier) SubscribeTo(bus *events.Bus) {
	bus.Subscribe(func(ev events.Event) {
		n.onEvent(ev, TemplateCreditsExhausted, map[string]any{
			"balanceCents": ev.BalanceCents,
		})
	}, events.TypeCreditsExhausted)

	bus.Subscribe(func(ev events.Event) {
		n.onEvent(ev, TemplateBalanceLow, map[string]any{
			"balanceCents": ev.BalanceCents,
		})
	}, events.TypeBalanceLow)

	bus.Subscribe(func(ev events.Event) {
		n.onEvent(ev, TemplateTopupDisabled, nil)
	}, events.TypeTopupDisabled)
}

func (n *Notifier) onEvent(ev events.Event, template string, payload map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := n.Enqueue(ctx, ev.TenantID, template, payload); err != nil {
		slog.Error("notification enqueue failed", "tenant", ev.TenantID,
			"template", template, "error", err)
	}
}

// Enqueue queues one notification and delivers it through the sink.
// Returns false without delivering when the tenant already got this
// template today.
func (n *Notifier) Enqueue(ctx context.Context, tenantID, template string, payload map[string]any) (bool, error) {
	if !n.enabled(ctx, tenantID, template) {
		return false, nil
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("encode notification payload: %w", err)
	}

	res, err := n.db.ExecContext(ctx, `
		INSERT INTO notification_queue (id, tenant_id, template, sent_date, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, template, sent_date) DO NOTHING`,
		uuid.NewString(), tenantID, template, n.now().UTC().Format("2006-01-02"), encoded)
	if err != nil {
		return false, fmt.Errorf("queue notification: %w", err)
	}
	if inserted, _ := res.RowsAffected(); inserted == 0 {
		// Already notified today.
		return false, nil
	}

	if n.sink != nil {
		if err := n.sink.Deliver(ctx, tenantID, template, payload); err != nil {
			slog.Error("notification delivery failed", "tenant", tenantID,
				"template", template, "error", err)
		}
	}
	if _, err := n.db.ExecContext(ctx, `
		INSERT INTO email_notifications (id, tenant_id, template)
		VALUES ($1, $2, $3)`, uuid.NewString(), tenantID, template); err != nil {
		slog.Error("email notification record failed", "tenant", tenantID, "error", err)
	}

	slog.Info("notification sent", "tenant", tenantID, "template", template)
	return true, nil
}

// enabled consults the tenant's preferences; absent preferences mean
// everything on.
func (n *Notifier) enabled(ctx context.Context, tenantID, template string) bool {
	var raw []byte
	err := n.db.QueryRowContext(ctx,
		`SELECT prefs FROM notification_preferences WHERE tenant_id = $1`, tenantID).Scan(&raw)
	if err == sql.ErrNoRows {
		return true
	}
	if err != nil {
		slog.Warn("notification preferences unreadable, defaulting on",
			"tenant", tenantID, "error", err)
		return true
	}

	var prefs map[string]bool
	if err := json.Unmarshal(raw, &prefs); err != nil {
		return true
	}
	if on, ok := prefs[template]; ok {
		return on
	}
	return true
}

// SetPreferences replaces a tenant's notification preferences.
func (n *Notifier) SetPreferences(ctx context.Context, tenantID string, prefs map[string]bool) error {
	encoded, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	_, err = n.db.ExecContext(ctx, `
		INSERT INTO notification_preferences (tenant_id, prefs) VALUES ($1, $2)
		ON CONFLICT (tenant_id) DO UPDATE SET prefs = EXCLUDED.prefs`, tenantID, encoded)
	if err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}
