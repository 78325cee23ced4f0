package metering

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botfleet/backend/internal/store"
)

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

func TestPeriodStartFloorAlignment(t *testing.T) {
	p := 5 * time.Minute

	at := time.Date(2026, 8, 24, 10, 7, 33, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 24, 10, 5, 0, 0, time.UTC), PeriodStart(at, p))

	// Exactly on a boundary stays put.
	boundary := time.Date(2026, 8, 24, 10, 5, 0, 0, time.UTC)
	assert.Equal(t, boundary, PeriodStart(boundary, p))

	// Period [start, end) excludes the end instant.
	endMinus := boundary.Add(p - time.Nanosecond)
	assert.Equal(t, boundary, PeriodStart(endMinus, p))
	assert.Equal(t, boundary.Add(p), PeriodStart(boundary.Add(p), p))
}

func TestRescanWindowExcludesCurrentPeriod(t *testing.T) {
	p := 5 * time.Minute
	now := time.Date(2026, 8, 24, 10, 7, 0, 0, time.UTC)

	current := PeriodStart(now, p)
	rescanFrom := PeriodStart(now.Add(-p-p), p) // grace = one period

	var starts []time.Time
	for s := rescanFrom; s.Before(current); s = s.Add(p) {
		starts = append(starts, s)
	}

	assert.Len(t, starts, 2, "one settled period plus one grace period")
	assert.Equal(t, time.Date(2026, 8, 24, 9, 55, 0, 0, time.UTC), starts[0])
	assert.Equal(t, time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC), starts[1])
	for _, s := range starts {
		assert.True(t, s.Before(current), "current period must never be summarised")
	}
}

func TestDailyRollupFollowsPeriodAggregation(t *testing.T) {
	db := testDB(t)
	a := NewAggregator(db, 5*time.Minute, 5*time.Minute, time.Minute)
	ctx := context.Background()
	tenant := fmt.Sprintf("agg-day-%d", time.Now().UnixNano())

	day := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	at := day.Add(10*time.Hour + 3*time.Minute)
	events := []Event{
		{ID: uuid.NewString(), Tenant: tenant, Capability: "chat", Provider: "openai", Cost: 40, Charge: 100, Timestamp: at},
		{ID: uuid.NewString(), Tenant: tenant, Capability: "chat", Provider: "anthropic", Cost: 80, Charge: 200, Timestamp: at.Add(time.Minute)},
		{ID: uuid.NewString(), Tenant: tenant, Capability: "voice", Provider: "openai", Cost: 20, Charge: 50, Timestamp: at},
	}
	require.NoError(t, NewPostgresEventStore(db).InsertBatch(ctx, events))

	// Place "now" so the events' periods sit inside the rescan window.
	a.now = func() time.Time { return at.Add(9 * time.Minute) }
	require.NoError(t, a.Aggregate(ctx))

	daily, err := a.DailyUsage(ctx, tenant, day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, daily, 2)
	assert.Equal(t, "chat", daily[0].Capability)
	assert.Equal(t, int64(2), daily[0].EventCount)
	assert.Equal(t, int64(300), daily[0].TotalCharge)
	assert.Equal(t, "voice", daily[1].Capability)
	assert.Equal(t, int64(50), daily[1].TotalCharge)

	// A second pass re-sums to the same rows.
	require.NoError(t, a.Aggregate(ctx))
	again, err := a.DailyUsage(ctx, tenant, day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, daily, again)
}
