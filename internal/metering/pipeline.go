package metering

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/botfleet/backend/internal/config"
)

// Emitter is the narrow surface the gateway and adapter socket see.
type Emitter interface {
	Emit(ev Event) error
}

// Pipeline owns the WAL, the flush loop, and the aggregation loop.
type Pipeline struct {
	wal        *WAL
	dlq        *DLQ
	flusher    *Flusher
	aggregator *Aggregator

	// Optional instrumentation hooks, set once before Start.
	OnEmit         func()
	OnFlushFailure func()
	OnAggregate    func()
}

// NewPipeline builds the meter pipeline over the shared database.
func NewPipeline(db *sql.DB, cfg config.MeteringConfig) (*Pipeline, error) {
	wal, err := NewWAL(cfg.WALPath)
	if err != nil {
		return nil, err
	}
	dlq, err := NewDLQ(cfg.DLQPath)
	if err != nil {
		return nil, err
	}

	pgStore := NewPostgresEventStore(db)
	return &Pipeline{
		wal:        wal,
		dlq:        dlq,
		flusher:    NewFlusher(wal, dlq, pgStore, cfg.MaxRetries(), cfg.FlushInterval()),
		aggregator: NewAggregator(db, cfg.Period(), cfg.LateArrivalGrace(), cfg.FlushInterval()),
	}, nil
}

// Emit appends the event to the WAL and returns. Safe for concurrent
// use from request handlers; the only I/O is the local file append.
func (p *Pipeline) Emit(ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := p.wal.Append(&ev); err != nil {
		return err
	}
	if p.OnEmit != nil {
		p.OnEmit()
	}
	return nil
}

// Flush forces a flush pass outside the timer (tests, shutdown).
func (p *Pipeline) Flush(ctx context.Context) error {
	err := p.flusher.Flush(ctx)
	if err != nil && p.OnFlushFailure != nil {
		p.OnFlushFailure()
	}
	return err
}

// Aggregate forces an aggregation pass outside the timer.
func (p *Pipeline) Aggregate(ctx context.Context) error {
	if err := p.aggregator.Aggregate(ctx); err != nil {
		return err
	}
	if p.OnAggregate != nil {
		p.OnAggregate()
	}
	return nil
}

// Summaries exposes the billing-period reader.
func (p *Pipeline) Summaries(ctx context.Context, tenant string, from, to time.Time) ([]Summary, error) {
	return p.aggregator.Summaries(ctx, tenant, from, to)
}

// DailyUsage exposes the per-day capability rollup.
func (p *Pipeline) DailyUsage(ctx context.Context, tenant string, from, to time.Time) ([]DailySummary, error) {
	return p.aggregator.DailyUsage(ctx, tenant, from, to)
}

// Start runs the flush and aggregation loops until ctx is cancelled.
// Passes go through Flush/Aggregate so the instrumentation hooks see
// them.
func (p *Pipeline) Start(ctx context.Context) {
	flushTicker := time.NewTicker(p.flusher.interval)
	defer flushTicker.Stop()
	aggTicker := time.NewTicker(p.aggregator.interval)
	defer aggTicker.Stop()

	for {
		select {
		case <-flushTicker.C:
			if err := p.Flush(ctx); err != nil {
				slog.Error("meter flush failed", "error", err)
			}
		case <-aggTicker.C:
			if err := p.Aggregate(ctx); err != nil {
				slog.Error("meter aggregation failed", "error", err)
			}
		case <-ctx.Done():
			slog.Info("meter pipeline stopped")
			return
		}
	}
}
