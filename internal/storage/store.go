package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrUploadClosed is returned when an upload is used after Commit or Abort.
var ErrUploadClosed = errors.New("upload already committed or aborted")

// Sink is where transformed files are published. Keys are slash-separated
// paths relative to the sink root.
type Sink interface {
	// Exists reports whether a committed output exists for key.
	Exists(ctx context.Context, key string) (bool, error)

	// Create starts writing key. Nothing is visible under key until Commit.
	Create(ctx context.Context, key string) (Upload, error)

	// URI returns the canonical URI for the given key.
	// For local: file:///path, blob: <scheme>://bucket/path
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// Upload is one in-progress output.
type Upload interface {
	io.Writer

	// Commit publishes the written bytes under the key. It is the only point
	// at which the output becomes visible.
	Commit() error

	// Abort discards the temporary data and any partial output. It is best
	// effort and safe to call more than once; after a successful Commit it
	// does nothing.
	Abort() error
}

// Config configures the sink backend.
type Config struct {
	Backend string // "local" | "blob"

	// Local filesystem
	LocalDir string

	// gocloud.dev bucket URL: file:///dir, s3://bucket?region=..., gs://bucket, mem://
	BucketURL string

	// Common
	Prefix string // key prefix within the bucket
}

// NewSink creates a sink based on configuration.
func NewSink(ctx context.Context, cfg Config) (Sink, error) {
	switch cfg.Backend {
	case "", "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		return NewLocalSink(cfg.LocalDir), nil
	case "blob":
		if cfg.BucketURL == "" {
			return nil, fmt.Errorf("BucketURL required for blob backend")
		}
		return NewBlobSink(ctx, cfg.BucketURL, cfg.Prefix)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
