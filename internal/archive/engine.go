package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/docfold/docfold/pkg/types"
	"github.com/docfold/docfold/pkg/utils"
)

// Get retrieves the artifact addressed by the URI and returns its bytes
// together with the metadata record they were verified against.
//
// Resolution order: session cache (revalidated against the index), then
// index metadata, then a backend stat for artifacts the index has never
// seen. Bytes are hash-verified before they are returned or cached;
// a mismatch fails with types.ErrIntegrityViolation and evicts any stale
// cache entry.
func (s *Session) Get(ctx context.Context, rawURI string) ([]byte, *types.ArtifactMetadata, error) {
	end, err := s.begin()
	if err != nil {
		return nil, nil, err
	}
	defer end()

	u, err := s.resolveURI(rawURI)
	if err != nil {
		return nil, nil, err
	}

	revision := u.Revision
	if revision == "" {
		revision = s.sessionRevision(u.Key)
	}

	if revision != "" {
		if data, m, ok := s.cachedGet(ctx, u.Key, revision); ok {
			return data, m, nil
		}
	}

	m, err := s.resolveMetadata(ctx, u.Key, revision)
	if err != nil {
		return nil, nil, err
	}

	if revision == "" {
		// The metadata resolution fixed the revision; the cache may
		// hold it already.
		if data, cached, ok := s.cachedGet(ctx, u.Key, m.RevisionID); ok {
			return data, cached, nil
		}
	}

	data, err := s.fetchVerified(ctx, m)
	if err != nil {
		return nil, nil, err
	}

	// A cancelled fetch must not publish a cache entry.
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	s.observe(m)
	s.cache.put(m.Key, m.RevisionID, data, m.ContentHash)
	return data, m, nil
}

// cachedGet serves a cache hit after revalidating the entry's hash against
// the index's current record. Stale entries are evicted.
func (s *Session) cachedGet(ctx context.Context, key, revision string) ([]byte, *types.ArtifactMetadata, bool) {
	entry, ok := s.cache.get(key, revision)
	if !ok {
		return nil, nil, false
	}

	m, err := s.index.Lookup(ctx, key, revision)
	if err != nil || (s.cfg.VerifyIntegrity && m.ContentHash != entry.hash) {
		s.cache.evict(key, revision)
		return nil, nil, false
	}

	s.observe(m)
	log.Debug().Str("key", key).Str("revision", revision).Msg("cache hit")
	return entry.data, m, true
}

// resolveMetadata looks the artifact up in the index, falling back to a
// backend stat for artifacts the index has never seen. Adopted artifacts
// are recorded with a fresh revision.
func (s *Session) resolveMetadata(ctx context.Context, key, revision string) (*types.ArtifactMetadata, error) {
	m, err := s.index.Lookup(ctx, key, revision)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}
	if revision != "" {
		// An explicit revision the index does not know cannot be
		// reconstructed from the backend.
		return nil, err
	}

	statted, err := s.backend.Stat(ctx, key)
	if err != nil {
		return nil, err
	}

	adopted := &types.ArtifactMetadata{
		Key:         key,
		RevisionID:  uuid.New().String(),
		Size:        statted.Size,
		ContentHash: statted.ContentHash,
		ContentType: statted.ContentType,
		StoragePath: key,
		CreatedAt:   statted.CreatedAt,
	}
	if adopted.CreatedAt.IsZero() {
		adopted.CreatedAt = time.Now()
	}

	if err := s.index.Record(ctx, adopted); err != nil {
		if errors.Is(err, types.ErrIntegrityConflict) {
			// A concurrent reader adopted the artifact first; use
			// its record.
			return s.index.Lookup(ctx, key, "")
		}
		return nil, err
	}

	log.Info().
		Str("key", key).
		Str("revision", adopted.RevisionID).
		Msg("artifact adopted into index")
	return adopted, nil
}

// fetchVerified reads the artifact bytes and verifies them against the
// record, completing records whose hash was not yet known.
func (s *Session) fetchVerified(ctx context.Context, m *types.ArtifactMetadata) ([]byte, error) {
	startTime := time.Now()

	rc, err := s.backend.Read(ctx, m.StoragePath)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(rc)
	closeErr := rc.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", closeErr)
	}

	digest := utils.ComputeSHA256(data)

	switch {
	case m.ContentHash == "":
		// First full read of an adopted artifact; complete the record.
		m.ContentHash = digest
		m.Size = int64(len(data))
		if err := s.index.Record(ctx, m); err != nil {
			return nil, err
		}
	case s.cfg.VerifyIntegrity && digest != m.ContentHash:
		s.cache.evict(m.Key, m.RevisionID)
		log.Error().
			Str("key", m.Key).
			Str("revision", m.RevisionID).
			Str("expected", m.ContentHash).
			Str("actual", digest).
			Msg("content hash mismatch")
		return nil, fmt.Errorf("%w: %s@%s", types.ErrIntegrityViolation, m.Key, m.RevisionID)
	}

	log.Debug().
		Str("key", m.Key).
		Str("revision", m.RevisionID).
		Int("size", len(data)).
		Dur("duration", time.Since(startTime)).
		Msg("artifact fetched")

	return data, nil
}

// Stat resolves the metadata record for the artifact addressed by the URI
// without reading its bytes. Unindexed artifacts are adopted.
func (s *Session) Stat(ctx context.Context, rawURI string) (*types.ArtifactMetadata, error) {
	end, err := s.begin()
	if err != nil {
		return nil, err
	}
	defer end()

	u, err := s.resolveURI(rawURI)
	if err != nil {
		return nil, err
	}

	revision := u.Revision
	if revision == "" {
		revision = s.sessionRevision(u.Key)
	}

	m, err := s.resolveMetadata(ctx, u.Key, revision)
	if err != nil {
		return nil, err
	}
	s.observe(m)
	return m, nil
}

// WriteOnce stores a new immutable revision of the artifact addressed by
// the URI. The first revision of a key lives at its bare path; later
// revisions are filed under the internal revision area with the previous
// latest revision as parent. Existing content is never overwritten.
func (s *Session) WriteOnce(ctx context.Context, rawURI string, content io.Reader) (*types.ArtifactMetadata, error) {
	end, err := s.begin()
	if err != nil {
		return nil, err
	}
	defer end()

	u, err := s.resolveURI(rawURI)
	if err != nil {
		return nil, err
	}

	revision := u.Revision
	if revision != "" {
		if _, err := s.index.Lookup(ctx, u.Key, revision); err == nil {
			return nil, fmt.Errorf("%w: %s@%s", types.ErrAlreadyExists, u.Key, revision)
		} else if !errors.Is(err, types.ErrNotFound) {
			return nil, err
		}
	} else {
		revision = uuid.New().String()
	}

	var parent *string
	storagePath := u.Key
	if latest, err := s.index.Lookup(ctx, u.Key, ""); err == nil {
		parentRev := latest.RevisionID
		parent = &parentRev
		storagePath = path.Join(internalPrefix+"rev", revision, u.Key)
	} else if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	size, digest, err := s.backend.WriteOnce(ctx, storagePath, content)
	if err != nil {
		return nil, err
	}

	m := &types.ArtifactMetadata{
		Key:            u.Key,
		RevisionID:     revision,
		ParentRevision: parent,
		Size:           size,
		ContentHash:    digest,
		ContentType:    utils.ContentTypeForKey(u.Key),
		StoragePath:    storagePath,
		CreatedAt:      time.Now(),
	}
	if err := s.index.Record(ctx, m); err != nil {
		return nil, err
	}

	s.observe(m)
	log.Info().
		Str("key", m.Key).
		Str("revision", m.RevisionID).
		Int64("size", m.Size).
		Msg("revision written")
	return m, nil
}

// Verify sweeps every indexed record under prefix, re-reads the backing
// content and reports hash mismatches and orphaned records. With cleanup
// enabled, records whose content is gone are deleted and broken cache
// entries evicted.
func (s *Session) Verify(ctx context.Context, prefix string, cleanup bool) (*types.VerifyReport, error) {
	end, err := s.begin()
	if err != nil {
		return nil, err
	}
	defer end()

	report := &types.VerifyReport{}
	const batch = 200

	for offset := 0; ; offset += batch {
		records, err := s.index.ListPrefix(ctx, prefix, batch, offset)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			break
		}

		for _, m := range records {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			report.Checked++

			rc, err := s.backend.Read(ctx, m.StoragePath)
			if errors.Is(err, types.ErrNotFound) {
				report.Broken = append(report.Broken, m.Key+"@"+m.RevisionID)
				if cleanup {
					if err := s.index.Delete(ctx, m.Key, m.RevisionID); err != nil {
						return nil, err
					}
					s.cache.evict(m.Key, m.RevisionID)
					report.Removed++
				}
				continue
			}
			if err != nil {
				return nil, err
			}

			digest, err := utils.ComputeSHA256FromReader(rc)
			rc.Close()
			if err != nil {
				return nil, err
			}
			if m.ContentHash != "" && digest != m.ContentHash {
				report.Broken = append(report.Broken, m.Key+"@"+m.RevisionID)
				s.cache.evict(m.Key, m.RevisionID)
			}
		}

		if len(records) < batch {
			break
		}
	}

	log.Info().
		Str("prefix", prefix).
		Int("checked", report.Checked).
		Int("broken", len(report.Broken)).
		Int("removed", report.Removed).
		Msg("integrity sweep finished")
	return report, nil
}
