package notify

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botfleet/backend/internal/events"
	"github.com/botfleet/backend/internal/store"
)

type fakeSink struct {
	delivered []string
}

func (f *fakeSink) Deliver(ctx context.Context, tenantID, template string, payload map[string]any) error {
	f.delivered = append(f.delivered, tenantID+"/"+template)
	return nil
}

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", url)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.EnsureSchema(context.Background(), db))
	return db
}

func TestEnqueueDedupsPerDay(t *testing.T) {
	db := testDB(t)
	sink := &fakeSink{}
	n := NewNotifier(db, sink)
	ctx := context.Background()
	tenant := fmt.Sprintf("nt-%d", time.Now().UnixNano())

	sent, err := n.Enqueue(ctx, tenant, TemplateBalanceLow, map[string]any{"balanceCents": int64(40)})
	require.NoError(t, err)
	assert.True(t, sent)

	sent, err = n.Enqueue(ctx, tenant, TemplateBalanceLow, nil)
	require.NoError(t, err)
	assert.False(t, sent, "second notification on the same day is suppressed")
	assert.Len(t, sink.delivered, 1)

	// A different template still goes out.
	sent, err = n.Enqueue(ctx, tenant, TemplateCreditsExhausted, nil)
	require.NoError(t, err)
	assert.True(t, sent)

	// The next day the window reopens.
	n.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	sent, err = n.Enqueue(ctx, tenant, TemplateBalanceLow, nil)
	require.NoError(t, err)
	assert.True(t, sent)
}

func TestPreferencesSuppressDelivery(t *testing.T) {
	db := testDB(t)
	sink := &fakeSink{}
	n := NewNotifier(db, sink)
	ctx := context.Background()
	tenant := fmt.Sprintf("nt-pref-%d", time.Now().UnixNano())

	require.NoError(t, n.SetPreferences(ctx, tenant, map[string]bool{
		TemplateBalanceLow: false,
	}))

	sent, err := n.Enqueue(ctx, tenant, TemplateBalanceLow, nil)
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Empty(t, sink.delivered)

	// Unlisted templates default on.
	sent, err = n.Enqueue(ctx, tenant, TemplateCreditsExhausted, nil)
	require.NoError(t, err)
	assert.True(t, sent)
}

func TestBusSubscription(t *testing.T) {
	db := testDB(t)
	sink := &fakeSink{}
	n := NewNotifier(db, sink)
	tenant := fmt.Sprintf("nt-bus-%d", time.Now().UnixNano())

	bus := events.NewBus()
	n.SubscribeTo(bus)

	bus.Publish(events.Event{Type: events.TypeCreditsExhausted, TenantID: tenant, BalanceCents: -5})
	bus.Publish(events.Event{Type: events.TypeCreditsExhausted, TenantID: tenant, BalanceCents: -6})

	assert.Equal(t, []string{tenant + "/" + TemplateCreditsExhausted}, sink.delivered,
		"repeat exhausted events collapse to one notification per day")
}
