// Package index maps artifact keys and revisions to structural metadata.
//
// The index is the source of truth for an archive's logical state. Records
// are immutable per (key, revision): re-recording identical metadata is a
// no-op and conflicting metadata loses to the first committed record.
package index

import (
	"context"

	"github.com/docfold/docfold/pkg/types"
)

// Index is the abstract key-value mapping the retrieval core works
// against. Implementations must be safe for concurrent use across
// sessions.
type Index interface {
	// Lookup returns the record for key at the given revision. An empty
	// revision resolves to the latest revision by creation order, ties
	// broken by revision id so resolution stays deterministic. Fails with
	// types.ErrNotFound when no record exists.
	Lookup(ctx context.Context, key, revision string) (*types.ArtifactMetadata, error)

	// Record stores metadata for (key, revision). Recording an equivalent
	// record is idempotent; a record whose content hash is still empty
	// may be completed by a later record carrying the hash. Conflicting
	// metadata fails with types.ErrIntegrityConflict and never overwrites
	// the first committed record.
	Record(ctx context.Context, m *types.ArtifactMetadata) error

	// ListPrefix returns up to limit records whose key starts with
	// prefix, ordered by key then creation time, starting at offset.
	ListPrefix(ctx context.Context, prefix string, limit, offset int) ([]*types.ArtifactMetadata, error)

	// Delete removes the record for (key, revision). Used to clean up
	// metadata whose backing content is gone. Deleting a missing record
	// is a no-op.
	Delete(ctx context.Context, key, revision string) error
}
