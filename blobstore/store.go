// Package blobstore abstracts the object storage a snapshot archive lives
// in. Implementations must be safe for concurrent use.
//
// Built-in backends:
//
//   - MemoryStore: in-memory, for tests
//   - LocalStore: local filesystem with atomic writes
//   - s3.Store: Amazon S3, optionally paired with a DynamoDB commit log
//   - minio.Store: MinIO and other S3-compatible services
package blobstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations return an error satisfying errors.Is(err, ErrNotFound).
var ErrNotFound = errors.New("blob not found")

// Store reads and writes named immutable blobs.
type Store interface {
	// Put writes a blob atomically: a concurrent Get sees either the old
	// content or the new, never a partial write.
	Put(ctx context.Context, name string, data []byte) error

	// Get returns the blob's content, ErrNotFound when it does not exist.
	Get(ctx context.Context, name string) ([]byte, error)

	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error

	// List returns the names of all blobs with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}
