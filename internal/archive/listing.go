package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/docfold/docfold/internal/uri"
	"github.com/docfold/docfold/pkg/types"
)

// Listing is a lazy cursor over the artifacts under a prefix, in the style
// of sql.Rows: call Next until it returns false, then check Err. Metadata
// comes from the index where a record exists (the index is the source of
// truth); the backend enumeration confirms physical existence and supplies
// the keys. Unindexed artifacts are adopted as they are yielded.
//
// The backend enumeration itself is materialized in full on the first Next;
// laziness covers the per-entry metadata resolution, not the enumeration.
// A consumer may abandon the cursor at any point; no index work happens
// for entries that are never reached.
type Listing struct {
	session *Session
	ctx     context.Context
	prefix  string

	started bool
	keys    []string
	pos     int
	current *types.ArtifactMetadata
	err     error
}

// List returns a cursor over every artifact whose key starts with the
// prefix of the given URI (the root URI lists the whole archive). The
// context governs all I/O the cursor performs.
func (s *Session) List(ctx context.Context, rawURI string) *Listing {
	l := &Listing{session: s, ctx: ctx}

	end, err := s.begin()
	if err != nil {
		l.err = err
		return l
	}
	defer end()

	u, err := s.resolveListURI(rawURI)
	if err != nil {
		l.err = err
		return l
	}
	l.prefix = u.Key
	return l
}

// resolveListURI accepts prefix URIs inside the root, including the bare
// root URI itself.
func (s *Session) resolveListURI(raw string) (*uri.ArchiveURI, error) {
	u, err := uri.Parse(raw)
	if err != nil {
		return nil, err
	}
	if !u.InRoot(s.root) {
		return nil, fmt.Errorf("%w: %s is outside session root %s",
			types.ErrMalformedURI, raw, s.root.String())
	}
	if u.Revision != "" {
		return nil, fmt.Errorf("%w: listing does not take a revision", types.ErrMalformedURI)
	}
	return u, nil
}

// Next advances the cursor. The backend enumeration happens on the first
// call; each subsequent call resolves exactly one artifact.
func (l *Listing) Next() bool {
	if l.err != nil {
		return false
	}

	end, err := l.session.begin()
	if err != nil {
		l.err = err
		return false
	}
	defer end()

	if !l.started {
		l.started = true
		keys, err := l.session.backend.List(l.ctx, l.prefix)
		if err != nil {
			l.err = err
			return false
		}
		l.keys = keys
	}

	for l.pos < len(l.keys) {
		key := l.keys[l.pos]
		l.pos++

		// The revision area holds superseded content, not artifacts.
		if strings.HasPrefix(key, internalPrefix) {
			continue
		}

		m, err := l.session.resolveMetadata(l.ctx, key, l.session.sessionRevision(key))
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				// Disappeared between enumeration and resolution.
				continue
			}
			l.err = err
			return false
		}

		l.session.observe(m)
		l.current = m
		return true
	}

	return false
}

// Item returns the record the cursor is positioned on.
func (l *Listing) Item() *types.ArtifactMetadata {
	return l.current
}

// Err returns the first error the cursor encountered.
func (l *Listing) Err() error {
	return l.err
}
