package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/docfold/docfold/pkg/types"
	"github.com/docfold/docfold/pkg/utils"
)

// LocalBackend stores archive content on the local filesystem, one file per
// key beneath a base directory.
type LocalBackend struct {
	basePath string
	mutex    sync.RWMutex
}

// NewLocalBackend creates a local filesystem backend rooted at basePath.
func NewLocalBackend(basePath string) (*LocalBackend, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		log.Error().Err(err).Str("path", basePath).Msg("failed to create archive directory")
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	log.Info().Str("path", basePath).Msg("local archive backend initialized")
	return &LocalBackend{basePath: basePath}, nil
}

// Kind returns the backend kind
func (lb *LocalBackend) Kind() string { return "local" }

// fullPath resolves a key beneath the base directory, rejecting any key
// that would escape it.
func (lb *LocalBackend) fullPath(key string) (string, error) {
	full := filepath.Join(lb.basePath, filepath.FromSlash(key))
	rel, err := filepath.Rel(lb.basePath, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: key %q escapes archive root", types.ErrMalformedURI, key)
	}
	return full, nil
}

// Stat returns metadata for the file at key, including its sha256 digest.
func (lb *LocalBackend) Stat(ctx context.Context, key string) (*types.ArtifactMetadata, error) {
	lb.mutex.RLock()
	defer lb.mutex.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	full, err := lb.fullPath(key)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", types.ErrNotFound, key)
		}
		log.Error().Err(err).Str("key", key).Msg("failed to stat file")
		return nil, Transient(fmt.Errorf("failed to stat file: %w", err))
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, key)
	}

	file, err := os.Open(full)
	if err != nil {
		return nil, Transient(fmt.Errorf("failed to open file: %w", err))
	}
	defer file.Close()

	digest, err := utils.ComputeSHA256FromReader(file)
	if err != nil {
		return nil, Transient(fmt.Errorf("failed to hash file: %w", err))
	}

	return &types.ArtifactMetadata{
		Key:         key,
		Size:        info.Size(),
		ContentHash: digest,
		ContentType: utils.ContentTypeForKey(key),
		StoragePath: key,
		CreatedAt:   info.ModTime(),
	}, nil
}

// Read opens the file at key.
func (lb *LocalBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	startTime := time.Now()
	lb.mutex.RLock()
	defer lb.mutex.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	full, err := lb.fullPath(key)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("key", key).Msg("file not found")
			return nil, fmt.Errorf("%w: %s", types.ErrNotFound, key)
		}
		log.Error().Err(err).Str("key", key).Msg("failed to open file")
		return nil, Transient(fmt.Errorf("failed to open file: %w", err))
	}

	log.Debug().
		Str("key", key).
		Dur("duration", time.Since(startTime)).
		Msg("file opened for reading")

	return file, nil
}

// List returns all file keys under prefix, slash-separated and relative to
// the archive root.
func (lb *LocalBackend) List(ctx context.Context, prefix string) ([]string, error) {
	startTime := time.Now()
	lb.mutex.RLock()
	defer lb.mutex.RUnlock()

	searchPath, err := lb.fullPath(prefix)
	if err != nil {
		return nil, err
	}

	var keys []string
	err = filepath.Walk(searchPath, func(path string, info os.FileInfo, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if err != nil {
			if os.IsNotExist(err) || os.IsPermission(err) {
				log.Debug().Err(err).Str("path", path).Msg("skipping inaccessible path")
				return filepath.SkipDir
			}
			return err
		}

		if !info.IsDir() {
			relPath, err := filepath.Rel(lb.basePath, path)
			if err != nil {
				return err
			}
			keys = append(keys, filepath.ToSlash(relPath))
		}

		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		log.Error().Err(err).Str("prefix", prefix).Msg("failed to list files")
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	log.Debug().
		Str("prefix", prefix).
		Int("count", len(keys)).
		Dur("duration", time.Since(startTime)).
		Msg("files listed")

	return keys, nil
}

// WriteOnce stores content at key with an atomic write. The final link into
// place fails if the key is already occupied, so existing content is never
// overwritten.
func (lb *LocalBackend) WriteOnce(ctx context.Context, key string, content io.Reader) (int64, string, error) {
	startTime := time.Now()

	if err := ctx.Err(); err != nil {
		return 0, "", err
	}

	lb.mutex.Lock()
	defer lb.mutex.Unlock()

	full, err := lb.fullPath(key)
	if err != nil {
		return 0, "", err
	}

	if _, err := os.Stat(full); err == nil {
		return 0, "", fmt.Errorf("%w: %s", types.ErrAlreadyExists, key)
	}

	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Error().Err(err).Str("key", key).Str("dir", dir).Msg("failed to create directory")
		return 0, "", Transient(fmt.Errorf("failed to create directory: %w", err))
	}

	tempPath := full + ".tmp." + fmt.Sprintf("%d", time.Now().UnixNano())
	tempFile, err := os.Create(tempPath)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to create temporary file")
		return 0, "", Transient(fmt.Errorf("failed to create temporary file: %w", err))
	}

	defer func() {
		tempFile.Close()
		if _, err := os.Stat(tempPath); err == nil {
			os.Remove(tempPath)
		}
	}()

	hasher := sha256.New()
	bytesWritten, err := io.Copy(io.MultiWriter(tempFile, hasher), content)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to write content")
		return 0, "", fmt.Errorf("failed to write content: %w", err)
	}

	if err := tempFile.Sync(); err != nil {
		return 0, "", Transient(fmt.Errorf("failed to sync temporary file: %w", err))
	}
	tempFile.Close()

	// Hard link fails if the target exists, which makes the
	// write-once check atomic against concurrent writers.
	if err := os.Link(tempPath, full); err != nil {
		if os.IsExist(err) {
			return 0, "", fmt.Errorf("%w: %s", types.ErrAlreadyExists, key)
		}
		log.Error().Err(err).Str("key", key).Msg("failed to link file into place")
		return 0, "", Transient(fmt.Errorf("failed to link file into place: %w", err))
	}
	os.Remove(tempPath)

	digest := hex.EncodeToString(hasher.Sum(nil))
	log.Info().
		Str("key", key).
		Int64("bytes_written", bytesWritten).
		Str("checksum", digest).
		Dur("duration", time.Since(startTime)).
		Msg("file stored")

	return bytesWritten, digest, nil
}
