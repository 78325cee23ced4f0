package metering

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore fails the first failN batches, then accepts everything.
type fakeStore struct {
	failN    int
	attempts int
	inserted [][]Event
}

func (s *fakeStore) InsertBatch(ctx context.Context, events []Event) error {
	s.attempts++
	if s.attempts <= s.failN {
		return errors.New("store unavailable")
	}
	s.inserted = append(s.inserted, append([]Event(nil), events...))
	return nil
}

func newTestFlusher(t *testing.T, store EventStore, maxRetries int) (*Flusher, *WAL, string) {
	t.Helper()
	dir := t.TempDir()
	wal, err := NewWAL(filepath.Join(dir, "meter.wal"))
	require.NoError(t, err)
	dlqPath := filepath.Join(dir, "meter.dlq")
	dlq, err := NewDLQ(dlqPath)
	require.NoError(t, err)
	return NewFlusher(wal, dlq, store, maxRetries, time.Minute), wal, dlqPath
}

func TestFlushMovesEventsToStore(t *testing.T) {
	store := &fakeStore{}
	flusher, wal, _ := newTestFlusher(t, store, 5)

	require.NoError(t, wal.Append(&Event{Tenant: "t1", Capability: "chat", Provider: "x", Charge: 10, Timestamp: time.Now()}))
	require.NoError(t, wal.Append(&Event{Tenant: "t2", Capability: "chat", Provider: "x", Charge: 20, Timestamp: time.Now()}))

	require.NoError(t, flusher.Flush(context.Background()))

	require.Len(t, store.inserted, 1)
	assert.Len(t, store.inserted[0], 2)

	events, _, err := wal.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, events, "flushed events leave the WAL")
}

func TestFlushIsIdempotentWithoutNewInput(t *testing.T) {
	store := &fakeStore{}
	flusher, wal, _ := newTestFlusher(t, store, 5)

	require.NoError(t, wal.Append(&Event{Tenant: "t1", Capability: "c", Provider: "p", Timestamp: time.Now()}))
	require.NoError(t, flusher.Flush(context.Background()))
	require.NoError(t, flusher.Flush(context.Background()))

	assert.Len(t, store.inserted, 1, "an empty WAL flush writes nothing")
}

func TestFlushRetriesThenDeadLetters(t *testing.T) {
	store := &fakeStore{failN: 100} // never succeeds
	flusher, wal, dlqPath := newTestFlusher(t, store, 3)

	require.NoError(t, wal.Append(&Event{ID: "doomed", Tenant: "t1", Capability: "c", Provider: "p", Charge: 42, Timestamp: time.Now()}))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		assert.Error(t, flusher.Flush(ctx))
		events, _, err := wal.Snapshot()
		require.NoError(t, err)
		assert.Len(t, events, 1, "event stays in WAL below the retry budget")
	}

	// Third failure reaches the budget: DLQ + removal from WAL.
	assert.Error(t, flusher.Flush(ctx))
	events, _, err := wal.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, events)

	raw, err := os.ReadFile(dlqPath)
	require.NoError(t, err)
	var entry DLQEntry
	require.NoError(t, json.Unmarshal(raw[:len(raw)-1], &entry))
	assert.Equal(t, "doomed", entry.ID)
	assert.Equal(t, 3, entry.DLQRetries)
	assert.Contains(t, entry.DLQError, "store unavailable")
	assert.False(t, entry.DLQTimestamp.IsZero())
}

func TestFlushRecoversAfterOutage(t *testing.T) {
	store := &fakeStore{failN: 1}
	flusher, wal, _ := newTestFlusher(t, store, 5)

	require.NoError(t, wal.Append(&Event{ID: "e1", Tenant: "t1", Capability: "c", Provider: "p", Timestamp: time.Now()}))

	ctx := context.Background()
	assert.Error(t, flusher.Flush(ctx))
	require.NoError(t, flusher.Flush(ctx))

	require.Len(t, store.inserted, 1)
	assert.Equal(t, "e1", store.inserted[0][0].ID)
}
