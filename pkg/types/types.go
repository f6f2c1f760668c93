package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ArtifactMetadata describes one immutable revision of an archived artifact.
// The index keys records by (Key, RevisionID); revision lineage is a chain of
// parent pointers, newest first.
type ArtifactMetadata struct {
	ID             uuid.UUID `json:"id" gorm:"primaryKey"`
	Key            string    `json:"key" gorm:"uniqueIndex:idx_key_revision;not null"`
	RevisionID     string    `json:"revision_id" gorm:"uniqueIndex:idx_key_revision;not null"`
	ParentRevision *string   `json:"parent_revision,omitempty"`
	Size           int64     `json:"size"`
	ContentHash    string    `json:"content_hash" gorm:"index"`
	ContentType    string    `json:"content_type"`
	StoragePath    string    `json:"-" gorm:"not null"`
	CreatedAt      time.Time `json:"created_at"`
}

// BeforeCreate generates a UUID for the metadata record ID
func (m *ArtifactMetadata) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

// TableName keeps the table name stable across index implementations
func (ArtifactMetadata) TableName() string {
	return "artifact_metadata"
}

// Equivalent reports whether two records describe the same content for the
// same key+revision. An empty content hash on either side is treated as
// "not yet computed" and does not count as a disagreement.
func (m *ArtifactMetadata) Equivalent(other *ArtifactMetadata) bool {
	if m.Key != other.Key || m.RevisionID != other.RevisionID {
		return false
	}
	if m.ContentHash != "" && other.ContentHash != "" && m.ContentHash != other.ContentHash {
		return false
	}
	if m.Size != 0 && other.Size != 0 && m.Size != other.Size {
		return false
	}
	return true
}

// RevisionPolicy controls how a session resolves artifact URIs that carry no
// explicit revision.
type RevisionPolicy string

const (
	// RevisionLatest re-resolves the creation-order-latest revision on
	// every read.
	RevisionLatest RevisionPolicy = "latest"
	// RevisionPinned freezes the first revision a session observes for
	// each key and keeps serving it for the session's lifetime.
	RevisionPinned RevisionPolicy = "pinned"
)

// SessionConfig is the configuration recognized at session-open time.
type SessionConfig struct {
	// CacheCapacity is the session cache budget in bytes. Zero disables
	// caching.
	CacheCapacity int64 `json:"cache_capacity"`
	// RevisionPolicy selects latest or pinned revision resolution.
	RevisionPolicy RevisionPolicy `json:"revision_policy"`
	// VerifyIntegrity enables content-hash verification on every read.
	VerifyIntegrity bool `json:"verify_integrity"`
	// Credentials is an opaque credential handed to the backend.
	Credentials string `json:"-"`
}

// DefaultSessionConfig returns the session defaults: 64 MiB cache, latest
// revision resolution, integrity verification on.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		CacheCapacity:   64 << 20,
		RevisionPolicy:  RevisionLatest,
		VerifyIntegrity: true,
	}
}

// VerifyReport summarizes an integrity sweep over an archive prefix.
type VerifyReport struct {
	Checked int      `json:"checked"`
	Broken  []string `json:"broken,omitempty"`
	Removed int      `json:"removed"`
}
