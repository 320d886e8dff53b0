package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes one object: a settlement case awaiting replay, an
// archived verdict or a report.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobWriter stores verdict documents and reports. PutMultipart streams
// bodies of unknown length.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader reads settlement cases. Get of a missing object returns an
// error wrapping ErrNotFound.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}
