package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/docfold/docfold/internal/index"
	"github.com/docfold/docfold/internal/storage"
	"github.com/docfold/docfold/pkg/types"
	"github.com/docfold/docfold/pkg/utils"
)

// countingBackend wraps a real backend and counts the calls that hit it,
// so tests can tell a cache hit from a refetch.
type countingBackend struct {
	storage.Backend
	stats int32
	reads int32
}

func (b *countingBackend) Stat(ctx context.Context, key string) (*types.ArtifactMetadata, error) {
	atomic.AddInt32(&b.stats, 1)
	return b.Backend.Stat(ctx, key)
}

func (b *countingBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	atomic.AddInt32(&b.reads, 1)
	return b.Backend.Read(ctx, key)
}

func newTestSession(t *testing.T, cfg types.SessionConfig) (*Session, *countingBackend, string) {
	t.Helper()

	dir := t.TempDir()
	local, err := storage.NewLocalBackend(dir)
	require.NoError(t, err)
	backend := &countingBackend{Backend: local}

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.ArtifactMetadata{}))

	sess, err := Open("archive://local/main", cfg, backend, index.NewSQLIndex(db))
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })

	return sess, backend, dir
}

func TestWriteOnceGetRoundTrip(t *testing.T) {
	sess, _, _ := newTestSession(t, types.DefaultSessionConfig())
	ctx := context.Background()

	content := []byte("signed contract, final version")
	m, err := sess.WriteOnce(ctx, "archive://local/main/docs/contract.pdf", bytes.NewReader(content))
	require.NoError(t, err)
	assert.NotEmpty(t, m.RevisionID)
	assert.Equal(t, int64(len(content)), m.Size)
	assert.Equal(t, utils.ComputeSHA256(content), m.ContentHash)
	assert.Nil(t, m.ParentRevision)

	data, got, err := sess.Get(ctx, "archive://local/main/docs/contract.pdf")
	require.NoError(t, err)
	assert.Equal(t, content, data)
	assert.Equal(t, m.RevisionID, got.RevisionID)
}

func TestWriteOnceRejectsExistingRevision(t *testing.T) {
	sess, _, _ := newTestSession(t, types.DefaultSessionConfig())
	ctx := context.Background()

	_, err := sess.WriteOnce(ctx, "archive://local/main/doc?rev=r1", strings.NewReader("first"))
	require.NoError(t, err)

	_, err = sess.WriteOnce(ctx, "archive://local/main/doc?rev=r1", strings.NewReader("second"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrAlreadyExists))

	data, _, err := sess.Get(ctx, "archive://local/main/doc?rev=r1")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), data)
}

func TestSecondRevisionKeepsFirstReadable(t *testing.T) {
	sess, _, _ := newTestSession(t, types.DefaultSessionConfig())
	ctx := context.Background()

	first, err := sess.WriteOnce(ctx, "archive://local/main/doc", strings.NewReader("v1"))
	require.NoError(t, err)

	second, err := sess.WriteOnce(ctx, "archive://local/main/doc", strings.NewReader("v2"))
	require.NoError(t, err)
	require.NotNil(t, second.ParentRevision)
	assert.Equal(t, first.RevisionID, *second.ParentRevision)
	assert.True(t, strings.HasPrefix(second.StoragePath, internalPrefix))

	// Latest resolution yields the second revision.
	data, m, err := sess.Get(ctx, "archive://local/main/doc")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)
	assert.Equal(t, second.RevisionID, m.RevisionID)

	// The first revision stays addressable.
	data, _, err = sess.Get(ctx, "archive://local/main/doc?rev="+first.RevisionID)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), data)
}

func TestGetServedFromCache(t *testing.T) {
	sess, backend, _ := newTestSession(t, types.DefaultSessionConfig())
	ctx := context.Background()

	_, err := sess.WriteOnce(ctx, "archive://local/main/doc", strings.NewReader("cached payload"))
	require.NoError(t, err)

	first, _, err := sess.Get(ctx, "archive://local/main/doc")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&backend.reads))

	second, _, err := sess.Get(ctx, "archive://local/main/doc")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&backend.reads))
}

func TestCacheHitAdvancesWatermark(t *testing.T) {
	sess, _, _ := newTestSession(t, types.DefaultSessionConfig())
	ctx := context.Background()

	data := []byte("archived earlier")
	createdAt := time.Now().Add(time.Hour).Truncate(time.Second)
	m := &types.ArtifactMetadata{
		Key:         "doc",
		RevisionID:  "r1",
		Size:        int64(len(data)),
		ContentHash: utils.ComputeSHA256(data),
		StoragePath: "doc",
		CreatedAt:   createdAt,
	}
	require.NoError(t, sess.index.Record(ctx, m))
	sess.cache.put("doc", "r1", data, m.ContentHash)

	got, served, err := sess.Get(ctx, "archive://local/main/doc?rev=r1")
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, "r1", served.RevisionID)

	// A read served from cache still counts as an observation.
	assert.True(t, sess.Watermark().Equal(createdAt))
}

func TestGetAdoptsPreexistingFile(t *testing.T) {
	sess, backend, dir := newTestSession(t, types.DefaultSessionConfig())
	ctx := context.Background()

	content := []byte("dropped in by an external tool")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "mail"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mail", "inbox.eml"), content, 0644))

	data, m, err := sess.Get(ctx, "archive://local/main/mail/inbox.eml")
	require.NoError(t, err)
	assert.Equal(t, content, data)
	assert.NotEmpty(t, m.RevisionID)
	assert.Equal(t, utils.ComputeSHA256(content), m.ContentHash)
	assert.Equal(t, int32(1), atomic.LoadInt32(&backend.stats))

	// The adopted record is indexed; the next read never stats again.
	_, again, err := sess.Get(ctx, "archive://local/main/mail/inbox.eml")
	require.NoError(t, err)
	assert.Equal(t, m.RevisionID, again.RevisionID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&backend.stats))
}

func TestGetDetectsCorruption(t *testing.T) {
	sess, _, dir := newTestSession(t, types.DefaultSessionConfig())
	ctx := context.Background()

	m, err := sess.WriteOnce(ctx, "archive://local/main/doc", strings.NewReader("pristine"))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "doc"), []byte("tampered"), 0644))

	_, _, err = sess.Get(ctx, "archive://local/main/doc")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrIntegrityViolation))

	// Corrupt content must not linger in the cache.
	_, ok := sess.cache.get(m.Key, m.RevisionID)
	assert.False(t, ok)
}

func TestGetMissingArtifact(t *testing.T) {
	sess, _, _ := newTestSession(t, types.DefaultSessionConfig())

	_, _, err := sess.Get(context.Background(), "archive://local/main/no/such/key")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestGetOutsideRoot(t *testing.T) {
	sess, _, _ := newTestSession(t, types.DefaultSessionConfig())

	_, _, err := sess.Get(context.Background(), "archive://local/other/doc")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrMalformedURI))

	_, _, err = sess.Get(context.Background(), "archive://local/main")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrMalformedURI))
}

func TestCloseRejectsFurtherOperations(t *testing.T) {
	sess, _, _ := newTestSession(t, types.DefaultSessionConfig())
	ctx := context.Background()

	_, err := sess.WriteOnce(ctx, "archive://local/main/doc", strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())

	_, _, err = sess.Get(ctx, "archive://local/main/doc")
	assert.True(t, errors.Is(err, types.ErrSessionClosed))
	_, err = sess.Stat(ctx, "archive://local/main/doc")
	assert.True(t, errors.Is(err, types.ErrSessionClosed))
	_, err = sess.WriteOnce(ctx, "archive://local/main/doc2", strings.NewReader("y"))
	assert.True(t, errors.Is(err, types.ErrSessionClosed))

	assert.Equal(t, 0, sess.cache.len())
}

func TestPinnedPolicyHoldsFirstRevision(t *testing.T) {
	cfg := types.DefaultSessionConfig()
	cfg.RevisionPolicy = types.RevisionPinned
	sess, _, _ := newTestSession(t, cfg)
	ctx := context.Background()

	first, err := sess.WriteOnce(ctx, "archive://local/main/doc", strings.NewReader("v1"))
	require.NoError(t, err)

	data, m, err := sess.Get(ctx, "archive://local/main/doc")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), data)
	assert.Equal(t, first.RevisionID, m.RevisionID)

	_, err = sess.WriteOnce(ctx, "archive://local/main/doc", strings.NewReader("v2"))
	require.NoError(t, err)

	// The session keeps serving the revision it first observed.
	data, m, err = sess.Get(ctx, "archive://local/main/doc")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), data)
	assert.Equal(t, first.RevisionID, m.RevisionID)
}

func TestStatDoesNotReadContent(t *testing.T) {
	sess, backend, _ := newTestSession(t, types.DefaultSessionConfig())
	ctx := context.Background()

	written, err := sess.WriteOnce(ctx, "archive://local/main/docs/a.txt", strings.NewReader("hello"))
	require.NoError(t, err)

	m, err := sess.Stat(ctx, "archive://local/main/docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, written.RevisionID, m.RevisionID)
	assert.Equal(t, int64(5), m.Size)
	assert.Equal(t, int32(0), atomic.LoadInt32(&backend.reads))
	assert.False(t, sess.Watermark().IsZero())
}

func TestConcurrentGetsAreConsistent(t *testing.T) {
	sess, _, _ := newTestSession(t, types.DefaultSessionConfig())
	ctx := context.Background()

	content := []byte("shared across readers")
	_, err := sess.WriteOnce(ctx, "archive://local/main/doc", bytes.NewReader(content))
	require.NoError(t, err)

	const readers = 8
	var wg sync.WaitGroup
	results := make([][]byte, readers)
	errs := make([]error, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = sess.Get(ctx, "archive://local/main/doc")
		}(i)
	}
	wg.Wait()

	for i := 0; i < readers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, content, results[i])
	}
}

func TestCancelledGetDoesNotCache(t *testing.T) {
	sess, backend, _ := newTestSession(t, types.DefaultSessionConfig())

	_, err := sess.WriteOnce(context.Background(), "archive://local/main/doc", strings.NewReader("payload"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	backend.Backend = &cancelOnRead{Backend: backend.Backend, cancel: cancel}

	_, _, err = sess.Get(ctx, "archive://local/main/doc")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, sess.cache.len())
}

// cancelOnRead cancels the watching context the moment content is read,
// simulating a caller that goes away mid-fetch.
type cancelOnRead struct {
	storage.Backend
	cancel context.CancelFunc
}

func (b *cancelOnRead) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	defer b.cancel()
	return b.Backend.Read(context.Background(), key)
}

func TestListingYieldsEachArtifactOnce(t *testing.T) {
	sess, _, _ := newTestSession(t, types.DefaultSessionConfig())
	ctx := context.Background()

	for _, key := range []string{"docs/a.txt", "docs/b.txt", "mail/c.eml"} {
		_, err := sess.WriteOnce(ctx, "archive://local/main/"+key, strings.NewReader("content of "+key))
		require.NoError(t, err)
	}
	// A superseded revision must not surface as an extra entry.
	_, err := sess.WriteOnce(ctx, "archive://local/main/docs/a.txt", strings.NewReader("newer"))
	require.NoError(t, err)

	listing := sess.List(ctx, "archive://local/main")
	var keys []string
	for listing.Next() {
		keys = append(keys, listing.Item().Key)
	}
	require.NoError(t, listing.Err())
	assert.ElementsMatch(t, []string{"docs/a.txt", "docs/b.txt", "mail/c.eml"}, keys)

	// Every listed artifact is retrievable.
	for _, key := range keys {
		_, _, err := sess.Get(ctx, "archive://local/main/"+key)
		require.NoError(t, err)
	}
}

func TestListingPrefixScoped(t *testing.T) {
	sess, _, _ := newTestSession(t, types.DefaultSessionConfig())
	ctx := context.Background()

	for _, key := range []string{"docs/a.txt", "docs/b.txt", "mail/c.eml"} {
		_, err := sess.WriteOnce(ctx, "archive://local/main/"+key, strings.NewReader(key))
		require.NoError(t, err)
	}

	listing := sess.List(ctx, "archive://local/main/docs/")
	var keys []string
	for listing.Next() {
		keys = append(keys, listing.Item().Key)
	}
	require.NoError(t, listing.Err())
	assert.ElementsMatch(t, []string{"docs/a.txt", "docs/b.txt"}, keys)
}

func TestListingRejectsRevisionAndForeignRoot(t *testing.T) {
	sess, _, _ := newTestSession(t, types.DefaultSessionConfig())
	ctx := context.Background()

	listing := sess.List(ctx, "archive://local/main/docs?rev=r1")
	assert.False(t, listing.Next())
	assert.True(t, errors.Is(listing.Err(), types.ErrMalformedURI))

	listing = sess.List(ctx, "archive://local/other")
	assert.False(t, listing.Next())
	assert.True(t, errors.Is(listing.Err(), types.ErrMalformedURI))
}

func TestVerifyReportsMissingAndCorrupt(t *testing.T) {
	sess, _, dir := newTestSession(t, types.DefaultSessionConfig())
	ctx := context.Background()

	_, err := sess.WriteOnce(ctx, "archive://local/main/keep.txt", strings.NewReader("intact"))
	require.NoError(t, err)
	_, err = sess.WriteOnce(ctx, "archive://local/main/lost.txt", strings.NewReader("gone soon"))
	require.NoError(t, err)
	corrupt, err := sess.WriteOnce(ctx, "archive://local/main/corrupt.txt", strings.NewReader("original"))
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, "lost.txt")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "corrupt.txt"), []byte("flipped bits"), 0644))

	report, err := sess.Verify(ctx, "", false)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	assert.ElementsMatch(t, []string{
		"lost.txt@" + revisionOf(t, sess, "lost.txt"),
		"corrupt.txt@" + corrupt.RevisionID,
	}, report.Broken)
	assert.Equal(t, 0, report.Removed)

	// With cleanup the orphaned record is dropped from the index.
	report, err = sess.Verify(ctx, "", true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Removed)

	_, err = sess.index.Lookup(ctx, "lost.txt", "")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func revisionOf(t *testing.T, sess *Session, key string) string {
	t.Helper()
	m, err := sess.index.Lookup(context.Background(), key, "")
	require.NoError(t, err)
	return m.RevisionID
}
