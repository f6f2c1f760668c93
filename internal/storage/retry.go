package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/docfold/docfold/pkg/types"
)

// maxAttempts bounds the retry policy: one initial attempt plus two
// retries per backend call.
const maxAttempts = 3

// retryBackend decorates a Backend with bounded exponential backoff for
// transient failures. Permanent failures (not-found, auth, integrity kinds)
// surface immediately; an exhausted retry budget surfaces as
// types.ErrBackendUnavailable.
type retryBackend struct {
	inner           Backend
	initialInterval time.Duration
}

// WithRetry wraps a backend in the retry policy.
func WithRetry(inner Backend) Backend {
	return &retryBackend{inner: inner, initialInterval: 100 * time.Millisecond}
}

func (rb *retryBackend) Kind() string { return rb.inner.Kind() }

func retryCall[T any](ctx context.Context, rb *retryBackend, op string, key string, call func() (T, error)) (T, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = rb.initialInterval

	attempt := 0
	result, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := call()
		if err == nil {
			return v, nil
		}
		if !IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		log.Warn().
			Err(err).
			Str("backend", rb.inner.Kind()).
			Str("op", op).
			Str("key", key).
			Int("attempt", attempt).
			Msg("transient backend failure, retrying")
		return v, err
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(maxAttempts))

	if err != nil && IsTransient(err) && !errors.Is(err, types.ErrBackendUnavailable) {
		err = fmt.Errorf("%w: %v", types.ErrBackendUnavailable, err)
	}
	return result, err
}

func (rb *retryBackend) Stat(ctx context.Context, key string) (*types.ArtifactMetadata, error) {
	return retryCall(ctx, rb, "stat", key, func() (*types.ArtifactMetadata, error) {
		return rb.inner.Stat(ctx, key)
	})
}

func (rb *retryBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	return retryCall(ctx, rb, "read", key, func() (io.ReadCloser, error) {
		return rb.inner.Read(ctx, key)
	})
}

func (rb *retryBackend) List(ctx context.Context, prefix string) ([]string, error) {
	// Listing is restartable, so retrying a partial enumeration is safe.
	return retryCall(ctx, rb, "list", prefix, func() ([]string, error) {
		return rb.inner.List(ctx, prefix)
	})
}

func (rb *retryBackend) WriteOnce(ctx context.Context, key string, content io.Reader) (int64, string, error) {
	// Buffer the content so every attempt writes the same bytes from the
	// start; the reader cannot be rewound once consumed.
	data, err := io.ReadAll(content)
	if err != nil {
		return 0, "", fmt.Errorf("failed to read content: %w", err)
	}

	type writeResult struct {
		n      int64
		digest string
	}
	res, err := retryCall(ctx, rb, "write_once", key, func() (writeResult, error) {
		n, digest, err := rb.inner.WriteOnce(ctx, key, bytes.NewReader(data))
		return writeResult{n: n, digest: digest}, err
	})
	return res.n, res.digest, err
}
