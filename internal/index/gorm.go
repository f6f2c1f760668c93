package index

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/docfold/docfold/pkg/types"
)

// SQLIndex is a metadata index backed by a relational database through
// GORM. The unique composite index on (key, revision_id) makes the first
// committed record win under concurrent writers.
type SQLIndex struct {
	db *gorm.DB
}

// NewSQLIndex creates an index on an open database connection
func NewSQLIndex(db *gorm.DB) *SQLIndex {
	return &SQLIndex{db: db}
}

// Lookup returns the record for key at revision, or the latest record when
// revision is empty.
func (idx *SQLIndex) Lookup(ctx context.Context, key, revision string) (*types.ArtifactMetadata, error) {
	var m types.ArtifactMetadata

	query := idx.db.WithContext(ctx).Where("key = ?", key)
	if revision != "" {
		query = query.Where("revision_id = ?", revision)
	} else {
		query = query.Order("created_at DESC").Order("revision_id DESC")
	}

	if err := query.First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s@%s", types.ErrNotFound, key, revision)
		}
		return nil, fmt.Errorf("index lookup failed: %w", err)
	}
	return &m, nil
}

// Record stores metadata for (key, revision) with first-write-wins conflict
// handling.
func (idx *SQLIndex) Record(ctx context.Context, m *types.ArtifactMetadata) error {
	return idx.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing types.ArtifactMetadata
		err := tx.Where("key = ? AND revision_id = ?", m.Key, m.RevisionID).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if createErr := tx.Create(m).Error; createErr != nil {
				// A concurrent writer may have won the race on the
				// unique index; re-read and fall through to the
				// comparison below.
				if readErr := tx.Where("key = ? AND revision_id = ?", m.Key, m.RevisionID).
					First(&existing).Error; readErr != nil {
					return fmt.Errorf("index record failed: %w", createErr)
				}
			} else {
				log.Debug().
					Str("key", m.Key).
					Str("revision", m.RevisionID).
					Str("checksum", m.ContentHash).
					Msg("metadata recorded")
				return nil
			}
		case err != nil:
			return fmt.Errorf("index record failed: %w", err)
		}

		if !existing.Equivalent(m) {
			return fmt.Errorf("%w: %s@%s hash %s vs recorded %s",
				types.ErrIntegrityConflict, m.Key, m.RevisionID, m.ContentHash, existing.ContentHash)
		}

		// Complete a record whose hash was not yet computed.
		if existing.ContentHash == "" && m.ContentHash != "" {
			updates := map[string]interface{}{
				"content_hash": m.ContentHash,
				"size":         m.Size,
			}
			if err := tx.Model(&existing).Updates(updates).Error; err != nil {
				return fmt.Errorf("index record failed: %w", err)
			}
		}
		return nil
	})
}

// ListPrefix returns records under prefix ordered by key and creation time.
func (idx *SQLIndex) ListPrefix(ctx context.Context, prefix string, limit, offset int) ([]*types.ArtifactMetadata, error) {
	var records []*types.ArtifactMetadata

	query := idx.db.WithContext(ctx).
		Where("key LIKE ?", prefix+"%").
		Order("key").Order("created_at").Order("revision_id")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("index list failed: %w", err)
	}
	return records, nil
}

// Delete removes the record for (key, revision)
func (idx *SQLIndex) Delete(ctx context.Context, key, revision string) error {
	result := idx.db.WithContext(ctx).
		Where("key = ? AND revision_id = ?", key, revision).
		Delete(&types.ArtifactMetadata{})
	if result.Error != nil {
		return fmt.Errorf("index delete failed: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		log.Debug().Str("key", key).Str("revision", revision).Msg("metadata deleted")
	}
	return nil
}
