package storage

import (
	"context"
	"errors"
	"io"

	"github.com/docfold/docfold/pkg/types"
)

// Backend is the capability set an archive backend exposes: stat, read,
// list and write-once. Archives are append-only; content at an occupied key
// is never overwritten.
type Backend interface {
	// Kind returns the backend kind (local, s3, remote).
	Kind() string

	// Stat returns metadata for the artifact stored at key, without a
	// revision assignment (revisions are owned by the index). Fails with
	// types.ErrNotFound if the key is absent. ContentHash may be empty
	// when the backend cannot produce it cheaply.
	Stat(ctx context.Context, key string) (*types.ArtifactMetadata, error)

	// Read opens the content stored at key. The caller must close the
	// returned reader. Fails with types.ErrNotFound if the key is absent.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// List returns all keys under prefix. Listing is finite and
	// restartable; re-listing is safe and idempotent.
	List(ctx context.Context, prefix string) ([]string, error)

	// WriteOnce stores content at key, failing with types.ErrAlreadyExists
	// if the key already holds content. Returns the byte count and the
	// sha256 hex digest of what was written.
	WriteOnce(ctx context.Context, key string, content io.Reader) (int64, string, error)
}

// transientError marks a backend failure as retryable.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps an error to mark it retryable under the backoff policy.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether an error was marked retryable.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
