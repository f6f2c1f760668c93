package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/docfold/docfold/pkg/config"
	"github.com/docfold/docfold/pkg/types"
	"github.com/docfold/docfold/pkg/utils"
)

// Metadata headers exchanged with remote archive servers.
const (
	HeaderKey      = "X-Archive-Key"
	HeaderSha256   = "X-Archive-Sha256"
	HeaderSize     = "X-Archive-Size"
	HeaderRevision = "X-Archive-Revision"
)

// RemoteBackend reads an archive served by another archive server over
// HTTP. Stat maps to HEAD, read to GET, write-once to a conditional PUT.
type RemoteBackend struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewRemoteBackend creates a backend for the remote archive endpoint given
// in the storage config. The call timeout bounds each request; retries are
// layered on top by the retry policy.
func NewRemoteBackend(cfg *config.StorageConfig) (*RemoteBackend, error) {
	if cfg.RemoteURL == "" {
		return nil, fmt.Errorf("remote backend requires STORAGE_REMOTE_URL")
	}

	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	log.Info().Str("url", cfg.RemoteURL).Msg("remote archive backend initialized")
	return &RemoteBackend{
		baseURL: strings.TrimSuffix(cfg.RemoteURL, "/"),
		token:   cfg.RemoteToken,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// Kind returns the backend kind
func (rb *RemoteBackend) Kind() string { return "remote" }

func (rb *RemoteBackend) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rb.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if rb.token != "" {
		req.Header.Set("Authorization", "Bearer "+rb.token)
	}
	return req, nil
}

// classify sorts remote failures: 404 and auth failures are permanent,
// server-side and network failures are retryable.
func (rb *RemoteBackend) classify(status int, key string) error {
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", types.ErrNotFound, key)
	case status == http.StatusConflict:
		return fmt.Errorf("%w: %s", types.ErrAlreadyExists, key)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: remote rejected credentials (status %d)", types.ErrBackendUnavailable, status)
	case status >= 500:
		return Transient(fmt.Errorf("remote returned status %d for %s", status, key))
	default:
		return fmt.Errorf("remote returned unexpected status %d for %s", status, key)
	}
}

func (rb *RemoteBackend) escape(key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

// Stat issues a HEAD request and reconstructs metadata from the response
// headers.
func (rb *RemoteBackend) Stat(ctx context.Context, key string) (*types.ArtifactMetadata, error) {
	req, err := rb.newRequest(ctx, http.MethodHead, "/archive/"+rb.escape(key), nil)
	if err != nil {
		return nil, err
	}

	res, err := rb.client.Do(req)
	if err != nil {
		return nil, Transient(fmt.Errorf("remote stat failed: %w", err))
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, rb.classify(res.StatusCode, key)
	}

	size, _ := strconv.ParseInt(res.Header.Get(HeaderSize), 10, 64)
	meta := &types.ArtifactMetadata{
		Key:         key,
		Size:        size,
		ContentHash: strings.TrimPrefix(res.Header.Get(HeaderSha256), "sha256:"),
		ContentType: res.Header.Get("Content-Type"),
		StoragePath: key,
	}
	if meta.ContentType == "" {
		meta.ContentType = utils.ContentTypeForKey(key)
	}
	if lm := res.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			meta.CreatedAt = t
		}
	}
	return meta, nil
}

// Read streams the artifact body from the remote server.
func (rb *RemoteBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	req, err := rb.newRequest(ctx, http.MethodGet, "/archive/"+rb.escape(key), nil)
	if err != nil {
		return nil, err
	}

	res, err := rb.client.Do(req)
	if err != nil {
		return nil, Transient(fmt.Errorf("remote read failed: %w", err))
	}

	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		return nil, rb.classify(res.StatusCode, key)
	}

	return res.Body, nil
}

// List fetches the key listing for a prefix. The remote answers NDJSON
// metadata records; only the keys are kept here.
func (rb *RemoteBackend) List(ctx context.Context, prefix string) ([]string, error) {
	req, err := rb.newRequest(ctx, http.MethodGet, "/list?prefix="+url.QueryEscape(prefix), nil)
	if err != nil {
		return nil, err
	}

	res, err := rb.client.Do(req)
	if err != nil {
		return nil, Transient(fmt.Errorf("remote list failed: %w", err))
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, rb.classify(res.StatusCode, prefix)
	}

	var keys []string
	dec := json.NewDecoder(res.Body)
	for dec.More() {
		var record types.ArtifactMetadata
		if err := dec.Decode(&record); err != nil {
			return nil, Transient(fmt.Errorf("remote list decode failed: %w", err))
		}
		keys = append(keys, record.Key)
	}

	log.Debug().Str("prefix", prefix).Int("count", len(keys)).Msg("remote keys listed")
	return keys, nil
}

// WriteOnce uploads content with If-None-Match so an occupied key is
// rejected by the remote rather than overwritten.
func (rb *RemoteBackend) WriteOnce(ctx context.Context, key string, content io.Reader) (int64, string, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return 0, "", fmt.Errorf("failed to read content: %w", err)
	}

	req, err := rb.newRequest(ctx, http.MethodPut, "/archive/"+rb.escape(key), strings.NewReader(string(data)))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("If-None-Match", "*")
	req.Header.Set("Content-Type", utils.ContentTypeForKey(key))

	res, err := rb.client.Do(req)
	if err != nil {
		return 0, "", Transient(fmt.Errorf("remote write failed: %w", err))
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusCreated && res.StatusCode != http.StatusOK {
		if res.StatusCode == http.StatusPreconditionFailed {
			return 0, "", fmt.Errorf("%w: %s", types.ErrAlreadyExists, key)
		}
		return 0, "", rb.classify(res.StatusCode, key)
	}

	return int64(len(data)), utils.ComputeSHA256(data), nil
}
