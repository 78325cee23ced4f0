package metering

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventStore persists meter event batches. The insert must be
// idempotent on event id so a re-flush after a lost ack is harmless.
type EventStore interface {
	InsertBatch(ctx context.Context, events []Event) error
}

// Flusher drains the WAL into the relational store. At most one flush
// runs at a time; emits racing a flush are preserved by the offset
// marker in WAL.Compact.
type Flusher struct {
	wal        *WAL
	dlq        *DLQ
	store      EventStore
	maxRetries int
	interval   time.Duration

	mu      sync.Mutex // serialises Flush
	retryMu sync.Mutex
	retries map[string]int // event id -> failed flush attempts
}

// NewFlusher wires the flush loop.
func NewFlusher(wal *WAL, dlq *DLQ, store EventStore, maxRetries int, interval time.Duration) *Flusher {
	return &Flusher{
		wal:        wal,
		dlq:        dlq,
		store:      store,
		maxRetries: maxRetries,
		interval:   interval,
		retries:    make(map[string]int),
	}
}

// Flush reads a WAL snapshot, bulk-inserts it, and compacts the WAL.
// On insert failure every event's retry count is incremented; events
// at the retry budget move to the DLQ and leave the WAL.
func (f *Flusher) Flush(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	events, offset, err := f.wal.Snapshot()
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	insertErr := f.store.InsertBatch(ctx, events)
	if insertErr == nil {
		drop := make(map[string]bool, len(events))
		f.retryMu.Lock()
		for _, ev := range events {
			drop[ev.ID] = true
			delete(f.retries, ev.ID)
		}
		f.retryMu.Unlock()
		if err := f.wal.Compact(drop, offset); err != nil {
			// The batch is in the store; the next flush re-inserts
			// idempotently and retries the compaction.
			return err
		}
		slog.Info("meter flush", "events", len(events))
		return nil
	}

	// Failed batch: bump retries, dead-letter the exhausted ones.
	dead := make(map[string]bool)
	f.retryMu.Lock()
	for _, ev := range events {
		f.retries[ev.ID]++
		if f.retries[ev.ID] >= f.maxRetries {
			if dlqErr := f.dlq.Append(ev, insertErr, f.retries[ev.ID]); dlqErr != nil {
				slog.Error("DLQ append failed, keeping event in WAL", "id", ev.ID, "error", dlqErr)
				continue
			}
			dead[ev.ID] = true
			delete(f.retries, ev.ID)
		}
	}
	f.retryMu.Unlock()

	if len(dead) > 0 {
		if err := f.wal.Compact(dead, offset); err != nil {
			return err
		}
		slog.Warn("meter events dead-lettered", "count", len(dead))
	}
	return insertErr
}
