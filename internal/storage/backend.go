// Package storage defines the Backend interface for derived artifact payloads.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound is returned by GetObject when the key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// Backend is the interface for artifact payload storage.
// Implementations handle raw object I/O (local filesystem, S3).
// Keys are slash-separated: "<operation kind>/<artifact key><ext>".
type Backend interface {
	// GetObject retrieves an entire object by key.
	GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// PutObject stores content under the given key, replacing any previous object.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// DeleteObject removes an object by key. Missing keys are not an error.
	DeleteObject(ctx context.Context, key string) error

	// ObjectExists checks if an object exists at the given key.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// Type returns the backend type identifier ("local", "s3").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}

// Locator is implemented by backends whose objects live on the local
// filesystem and can be served directly.
type Locator interface {
	LocalPath(key string) string
}
