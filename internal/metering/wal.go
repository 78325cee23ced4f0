package metering

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// WAL is the local append-only meter event log. Appends are serialised
// by a per-process lock; compaction rewrites the file atomically
// (temp + rename) and only removes lines that existed at the offset
// captured when the flush started, so concurrent emits survive.
type WAL struct {
	mu   sync.Mutex
	path string
}

// NewWAL opens (creating if needed) the WAL at path.
func NewWAL(path string) (*WAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create WAL dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open WAL: %w", err)
	}
	f.Close()
	return &WAL{path: path}, nil
}

// Append writes one event as a JSON line. Missing ids are assigned
// here. Durability is per-batch: the line is flushed to the OS but not
// fsynced; the DLQ plus idempotent batch-ack cover the crash window.
func (w *WAL) Append(ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal meter event: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open WAL for append: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append WAL line: %w", err)
	}
	return nil
}

// Snapshot reads every parseable event currently in the WAL and the
// byte offset at which the read ended. Malformed lines are skipped
// with a loud log (data corruption is terminal, not retryable).
func (w *WAL) Snapshot() ([]Event, int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("open WAL: %w", err)
	}
	defer f.Close()

	var events []Event
	var offset int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		offset += int64(len(line)) + 1
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			slog.Error("skipping corrupt WAL line", "path", w.path, "error", err)
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("scan WAL: %w", err)
	}
	return events, offset, nil
}

// Compact rewrites the WAL without the lines (up to offset) whose ids
// are in drop. Lines appended after offset are preserved untouched.
// The rewrite goes through a temp file and rename, with an fsync on
// the file and its directory.
func (w *WAL) Compact(drop map[string]bool, offset int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	src, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("open WAL for compaction: %w", err)
	}
	defer src.Close()

	tmpPath := w.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create WAL temp: %w", err)
	}
	defer tmp.Close()

	var read int64
	writer := bufio.NewWriter(tmp)
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		lineEnd := read + int64(len(line)) + 1
		keep := true
		if lineEnd <= offset && len(line) > 0 {
			var probe struct {
				ID string `json:"id"`
			}
			if json.Unmarshal(line, &probe) == nil && drop[probe.ID] {
				keep = false
			}
		}
		if keep && len(line) > 0 {
			if _, err := writer.Write(append(line, '\n')); err != nil {
				return fmt.Errorf("write WAL temp: %w", err)
			}
		}
		read = lineEnd
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan WAL during compaction: %w", err)
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush WAL temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync WAL temp: %w", err)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return fmt.Errorf("swap WAL: %w", err)
	}
	return syncDir(filepath.Dir(w.path))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return nil // best effort; some filesystems refuse dir opens
	}
	defer d.Close()
	d.Sync()
	return nil
}
