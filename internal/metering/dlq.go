package metering

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DLQEntry is a meter event that exhausted its flush retries, plus the
// failure metadata. Same JSON shape as the WAL with the dlq_* fields
// appended.
type DLQEntry struct {
	Event
	DLQTimestamp time.Time `json:"dlq_timestamp"`
	DLQError     string    `json:"dlq_error"`
	DLQRetries   int       `json:"dlq_retries"`
}

// DLQ is the dead-letter file for meter events.
type DLQ struct {
	mu   sync.Mutex
	path string
}

// NewDLQ opens (creating if needed) the DLQ at path.
func NewDLQ(path string) (*DLQ, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create DLQ dir: %w", err)
	}
	return &DLQ{path: path}, nil
}

// Append records a dead event. DLQ writes are fsynced; this is the
// terminal record of a billing event we could not persist.
func (d *DLQ) Append(ev Event, cause error, retries int) error {
	entry := DLQEntry{
		Event:        ev,
		DLQTimestamp: time.Now().UTC(),
		DLQError:     cause.Error(),
		DLQRetries:   retries,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal DLQ entry: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := os.OpenFile(d.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open DLQ: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append DLQ line: %w", err)
	}
	return f.Sync()
}
