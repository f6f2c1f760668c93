package index

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/docfold/docfold/pkg/types"
)

func newTestIndex(t *testing.T) *SQLIndex {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.ArtifactMetadata{}))

	return NewSQLIndex(db)
}

func record(key, revision, hash string, createdAt time.Time) *types.ArtifactMetadata {
	return &types.ArtifactMetadata{
		Key:         key,
		RevisionID:  revision,
		ContentHash: hash,
		Size:        int64(len(hash)),
		StoragePath: key,
		CreatedAt:   createdAt,
	}
}

func TestRecordAndLookup(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	m := record("docs/doc1.pdf", "r1", "hash-1", time.Now())
	require.NoError(t, idx.Record(ctx, m))

	got, err := idx.Lookup(ctx, "docs/doc1.pdf", "r1")
	require.NoError(t, err)
	assert.Equal(t, "hash-1", got.ContentHash)
	assert.Equal(t, m.Size, got.Size)
}

func TestLookupNotFound(t *testing.T) {
	idx := newTestIndex(t)

	_, err := idx.Lookup(context.Background(), "missing", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestLookupLatestByCreationOrder(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	require.NoError(t, idx.Record(ctx, record("doc", "r1", "hash-1", base)))
	require.NoError(t, idx.Record(ctx, record("doc", "r2", "hash-2", base.Add(time.Minute))))
	require.NoError(t, idx.Record(ctx, record("doc", "r3", "hash-3", base.Add(2*time.Minute))))

	got, err := idx.Lookup(ctx, "doc", "")
	require.NoError(t, err)
	assert.Equal(t, "r3", got.RevisionID)
}

func TestLookupLatestTieBreaksByRevision(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	createdAt := time.Now().Truncate(time.Second)
	require.NoError(t, idx.Record(ctx, record("doc", "aaa", "hash-a", createdAt)))
	require.NoError(t, idx.Record(ctx, record("doc", "zzz", "hash-z", createdAt)))

	got, err := idx.Lookup(ctx, "doc", "")
	require.NoError(t, err)
	assert.Equal(t, "zzz", got.RevisionID)
}

func TestRecordIdempotent(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	createdAt := time.Now()
	require.NoError(t, idx.Record(ctx, record("doc", "r1", "hash-1", createdAt)))
	require.NoError(t, idx.Record(ctx, record("doc", "r1", "hash-1", createdAt)))

	records, err := idx.ListPrefix(ctx, "doc", 0, 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestRecordConflict(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Record(ctx, record("doc", "r1", "hash-1", time.Now())))

	err := idx.Record(ctx, record("doc", "r1", "hash-DIFFERENT", time.Now()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrIntegrityConflict))

	// The first committed record wins.
	got, err := idx.Lookup(ctx, "doc", "r1")
	require.NoError(t, err)
	assert.Equal(t, "hash-1", got.ContentHash)
}

func TestRecordCompletesEmptyHash(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	incomplete := record("doc", "r1", "", time.Now())
	incomplete.Size = 0
	require.NoError(t, idx.Record(ctx, incomplete))

	completed := record("doc", "r1", "hash-1", time.Now())
	completed.Size = 42
	require.NoError(t, idx.Record(ctx, completed))

	got, err := idx.Lookup(ctx, "doc", "r1")
	require.NoError(t, err)
	assert.Equal(t, "hash-1", got.ContentHash)
	assert.Equal(t, int64(42), got.Size)
}

func TestListPrefix(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, idx.Record(ctx, record("docs/a.pdf", "r1", "h1", now)))
	require.NoError(t, idx.Record(ctx, record("docs/b.pdf", "r1", "h2", now)))
	require.NoError(t, idx.Record(ctx, record("mail/c.eml", "r1", "h3", now)))

	records, err := idx.ListPrefix(ctx, "docs/", 0, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "docs/a.pdf", records[0].Key)
	assert.Equal(t, "docs/b.pdf", records[1].Key)
}

func TestDelete(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Record(ctx, record("doc", "r1", "h1", time.Now())))
	require.NoError(t, idx.Delete(ctx, "doc", "r1"))

	_, err := idx.Lookup(ctx, "doc", "r1")
	assert.True(t, errors.Is(err, types.ErrNotFound))

	// Deleting again is a no-op.
	require.NoError(t, idx.Delete(ctx, "doc", "r1"))
}
