// Package metering implements the meter event pipeline:
// emit -> WAL -> batched flush -> billing period aggregation.
//
// Emit appends one JSON line to a local WAL file and returns; it never
// touches the relational store. A flush loop bulk-inserts WAL events
// and compacts the file; events that exceed the retry budget land in
// the DLQ file. An aggregation loop folds settled events into
// billing-period summary rows.
package metering

import (
	"time"

	"github.com/botfleet/backend/internal/credits"
)

// Event is one billable meter event. The JSON shape is the WAL file
// format: one object per line, UTF-8, '\n' terminated.
type Event struct {
	ID         string    `json:"id"`
	Tenant     string    `json:"tenant"`
	Capability string    `json:"capability"`
	Provider   string    `json:"provider"`
	Cost       int64     `json:"cost"`   // provider wholesale cost, raw units
	Charge     int64     `json:"charge"` // marked-up tenant price, raw units
	Timestamp  time.Time `json:"timestamp"`
	SessionID  string    `json:"sessionId,omitempty"`
	DurationMS int64     `json:"duration,omitempty"`
}

// CostAmount returns the wholesale cost as a credit amount.
func (e Event) CostAmount() credits.Amount { return credits.FromRaw(e.Cost) }

// ChargeAmount returns the tenant charge as a credit amount.
func (e Event) ChargeAmount() credits.Amount { return credits.FromRaw(e.Charge) }

// PeriodStart floor-aligns t to the billing period length.
// The period [start, end) is [floor(t/P)*P, floor(t/P)*P + P).
func PeriodStart(t time.Time, period time.Duration) time.Time {
	return t.UTC().Truncate(period)
}

// Summary is one pre-aggregated billing-period row.
type Summary struct {
	Tenant        string
	Capability    string
	Provider      string
	PeriodStart   time.Time
	PeriodEnd     time.Time
	EventCount    int64
	TotalCost     int64
	TotalCharge   int64
	TotalDuration int64
}
