package archive

import (
	"container/list"
	"sync"
	"time"
)

type cacheKey struct {
	key      string
	revision string
}

type cacheEntry struct {
	key       cacheKey
	data      []byte
	hash      string
	fetchedAt time.Time
}

// sessionCache is the per-session LRU byte cache. Entries are keyed by
// (key, revision); since revisions are immutable a last-writer-wins put is
// idempotent. Reads only ever see fully written entries.
type sessionCache struct {
	mu       sync.Mutex
	capacity int64
	size     int64
	order    *list.List // front is most recently used
	entries  map[cacheKey]*list.Element
}

func newSessionCache(capacity int64) *sessionCache {
	return &sessionCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[cacheKey]*list.Element),
	}
}

func (c *sessionCache) get(key, revision string) (*cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[cacheKey{key: key, revision: revision}]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*cacheEntry), true
}

func (c *sessionCache) put(key, revision string, data []byte, hash string) {
	if c.capacity <= 0 || int64(len(data)) > c.capacity {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	k := cacheKey{key: key, revision: revision}
	if elem, ok := c.entries[k]; ok {
		// Idempotent overwrite; the revision is immutable so the
		// bytes are the same, but refresh recency anyway.
		c.order.MoveToFront(elem)
		return
	}

	entry := &cacheEntry{key: k, data: data, hash: hash, fetchedAt: time.Now()}
	c.entries[k] = c.order.PushFront(entry)
	c.size += int64(len(data))

	for c.size > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.remove(oldest)
	}
}

func (c *sessionCache) evict(key, revision string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[cacheKey{key: key, revision: revision}]; ok {
		c.remove(elem)
	}
}

// remove must be called with the lock held.
func (c *sessionCache) remove(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	c.order.Remove(elem)
	delete(c.entries, entry.key)
	c.size -= int64(len(entry.data))
}

func (c *sessionCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.entries = make(map[cacheKey]*list.Element)
	c.size = 0
}

func (c *sessionCache) bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *sessionCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
