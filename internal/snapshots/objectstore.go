// Package snapshots manages content-addressed backups of bot instance
// state: create/restore/delete, tier-driven retention and quota, and
// the periodic soft/hard delete sweep.
package snapshots

import (
	"context"
	"io"
)

// ObjectStore is the outbound object storage boundary (S3 or
// compatible; the SDK lives outside the core). Errors are opaque.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Remove(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}
