// Package archive implements the retrieval core: sessions scoped to one
// archive root, a session-owned byte cache, and the engine that resolves
// archive URIs through a backend and the metadata index.
package archive

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/docfold/docfold/internal/index"
	"github.com/docfold/docfold/internal/storage"
	"github.com/docfold/docfold/internal/uri"
	"github.com/docfold/docfold/pkg/types"
	"github.com/docfold/docfold/pkg/utils"
)

// Session states. A session only moves forward: active, closing (draining
// in-flight reads, rejecting new ones), closed.
const (
	stateActive int32 = iota
	stateClosing
	stateClosed
)

// internalPrefix is the backend key area reserved for older revisions; it
// never appears in listings.
const internalPrefix = ".archive/"

// Session is a scoped handle bound to one archive root. It owns its cache
// and guarantees release on close regardless of how the session ends. All
// reads within a session observe one another through the shared cache and
// the revision resolution map.
type Session struct {
	root    *uri.ArchiveURI
	cfg     types.SessionConfig
	backend storage.Backend
	index   index.Index
	cache   *sessionCache

	state   atomic.Int32
	stateMu sync.RWMutex

	mu        sync.Mutex
	resolved  map[string]string // key -> revision, under the pinned policy
	watermark time.Time         // highest revision creation time observed
}

// Open opens a session against a root URI. The backend must match the
// root's backend kind.
func Open(rootURI string, cfg types.SessionConfig, backend storage.Backend, idx index.Index) (*Session, error) {
	root, err := uri.Parse(rootURI)
	if err != nil {
		return nil, err
	}
	if backend.Kind() != root.Backend {
		return nil, fmt.Errorf("%w: root %s does not match %s backend",
			types.ErrMalformedURI, rootURI, backend.Kind())
	}
	if cfg.RevisionPolicy == "" {
		cfg.RevisionPolicy = types.RevisionLatest
	}

	log.Info().
		Str("root", root.String()).
		Str("revision_policy", string(cfg.RevisionPolicy)).
		Str("cache_capacity", utils.FormatBytes(cfg.CacheCapacity)).
		Bool("verify_integrity", cfg.VerifyIntegrity).
		Msg("archive session opened")

	return &Session{
		root:     root,
		cfg:      cfg,
		backend:  backend,
		index:    idx,
		cache:    newSessionCache(cfg.CacheCapacity),
		resolved: make(map[string]string),
	}, nil
}

// Root returns the session's root URI.
func (s *Session) Root() *uri.ArchiveURI {
	return s.root
}

// Watermark returns the highest revision creation time the session has
// observed.
func (s *Session) Watermark() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark
}

// begin registers an operation against the session lifecycle. It fails
// with types.ErrSessionClosed once Close has begun; otherwise the caller
// must invoke the returned end function when the operation finishes.
func (s *Session) begin() (func(), error) {
	if s.state.Load() != stateActive {
		return nil, types.ErrSessionClosed
	}
	s.stateMu.RLock()
	if s.state.Load() != stateActive {
		s.stateMu.RUnlock()
		return nil, types.ErrSessionClosed
	}
	return s.stateMu.RUnlock, nil
}

// Close drains in-flight operations, releases the cache and marks the
// session closed. Closing an already closed session is a no-op.
func (s *Session) Close() error {
	if !s.state.CompareAndSwap(stateActive, stateClosing) {
		return nil
	}

	// Taking the write lock waits for every in-flight operation holding
	// a read lock, which is the drain.
	s.stateMu.Lock()
	s.cache.purge()
	s.state.Store(stateClosed)
	s.stateMu.Unlock()

	log.Info().Str("root", s.root.String()).Msg("archive session closed")
	return nil
}

// resolveURI parses a raw artifact URI and checks it against the session
// root.
func (s *Session) resolveURI(raw string) (*uri.ArchiveURI, error) {
	u, err := uri.Parse(raw)
	if err != nil {
		return nil, err
	}
	if !u.InRoot(s.root) {
		return nil, fmt.Errorf("%w: %s is outside session root %s",
			types.ErrMalformedURI, raw, s.root.String())
	}
	if u.IsRoot() {
		return nil, fmt.Errorf("%w: %s does not address an artifact", types.ErrMalformedURI, raw)
	}
	return u, nil
}

// sessionRevision returns the revision the session has pinned for key, if
// the pinned policy is active and one was observed.
func (s *Session) sessionRevision(key string) string {
	if s.cfg.RevisionPolicy != types.RevisionPinned {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolved[key]
}

// observe folds a resolved record into the session's consistency state.
func (s *Session) observe(m *types.ArtifactMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.CreatedAt.After(s.watermark) {
		s.watermark = m.CreatedAt
	}
	if s.cfg.RevisionPolicy == types.RevisionPinned {
		if _, ok := s.resolved[m.Key]; !ok {
			s.resolved[m.Key] = m.RevisionID
		}
	}
}
