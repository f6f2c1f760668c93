package archive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachePutGet(t *testing.T) {
	c := newSessionCache(1024)

	c.put("doc", "r1", []byte("payload"), "hash-1")

	entry, ok := c.get("doc", "r1")
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), entry.data)
	assert.Equal(t, "hash-1", entry.hash)
	assert.Equal(t, int64(7), c.bytes())

	_, ok = c.get("doc", "r2")
	assert.False(t, ok)
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := newSessionCache(10)

	c.put("a", "r1", []byte("aaaa"), "ha")
	c.put("b", "r1", []byte("bbbb"), "hb")

	// Touch a so that b becomes the eviction candidate.
	_, ok := c.get("a", "r1")
	require.True(t, ok)

	c.put("c", "r1", []byte("cccc"), "hc")

	_, ok = c.get("b", "r1")
	assert.False(t, ok)
	_, ok = c.get("a", "r1")
	assert.True(t, ok)
	_, ok = c.get("c", "r1")
	assert.True(t, ok)
	assert.Equal(t, int64(8), c.bytes())
}

func TestCacheRejectsOversizedEntries(t *testing.T) {
	c := newSessionCache(4)

	c.put("big", "r1", []byte("too large"), "h")

	_, ok := c.get("big", "r1")
	assert.False(t, ok)
	assert.Equal(t, 0, c.len())
}

func TestCachePutIdempotent(t *testing.T) {
	c := newSessionCache(1024)

	c.put("doc", "r1", []byte("payload"), "hash-1")
	c.put("doc", "r1", []byte("payload"), "hash-1")

	assert.Equal(t, 1, c.len())
	assert.Equal(t, int64(7), c.bytes())
}

func TestCacheEvictAndPurge(t *testing.T) {
	c := newSessionCache(1024)

	c.put("a", "r1", []byte("aa"), "ha")
	c.put("b", "r1", []byte("bb"), "hb")

	c.evict("a", "r1")
	_, ok := c.get("a", "r1")
	assert.False(t, ok)
	assert.Equal(t, 1, c.len())

	c.purge()
	assert.Equal(t, 0, c.len())
	assert.Equal(t, int64(0), c.bytes())
}

func TestCacheZeroCapacityDisabled(t *testing.T) {
	c := newSessionCache(0)

	c.put("doc", "r1", []byte("payload"), "h")

	_, ok := c.get("doc", "r1")
	assert.False(t, ok)
}
