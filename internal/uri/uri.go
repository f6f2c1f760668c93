// Package uri parses and canonicalizes logical archive URIs.
//
// An archive URI has the form
//
//	archive://<backend>/<locator>/<key...>[?rev=<revision>]
//
// where backend selects the adapter kind (local, s3, remote), locator names
// the archive root (directory name, bucket, or remote archive), and the
// remaining path addresses an artifact within the archive.
package uri

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/docfold/docfold/pkg/types"
)

// Scheme is the only URI scheme the resolver accepts.
const Scheme = "archive"

// Backend kinds known to the resolver.
const (
	BackendLocal  = "local"
	BackendS3     = "s3"
	BackendRemote = "remote"
)

// ArchiveURI is the parsed form of a logical archive URI. It is immutable
// once parsed and round-trips losslessly through String.
type ArchiveURI struct {
	Backend  string
	Locator  string
	Key      string
	Revision string
}

// Parse parses a raw archive URI. It fails with types.ErrMalformedURI for
// unknown schemes or backends, empty path segments, and traversal sequences:
// a key can never escape the archive root.
func Parse(raw string) (*ArchiveURI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", types.ErrMalformedURI, raw, err)
	}
	if u.Scheme != Scheme {
		return nil, fmt.Errorf("%w: unrecognized scheme %q", types.ErrMalformedURI, u.Scheme)
	}

	backend := u.Host
	switch backend {
	case BackendLocal, BackendS3, BackendRemote:
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", types.ErrMalformedURI, backend)
	}

	// A trailing slash marks a prefix (e.g. a listing target) and is not
	// part of the canonical form.
	trimmed := strings.TrimSuffix(strings.TrimPrefix(u.EscapedPath(), "/"), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("%w: missing archive locator", types.ErrMalformedURI)
	}

	// Segments are unescaped one at a time so an escaped metacharacter
	// inside a segment survives the round trip through String.
	segments := strings.Split(trimmed, "/")
	for i, seg := range segments {
		decoded, err := url.PathUnescape(seg)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", types.ErrMalformedURI, raw, err)
		}
		switch decoded {
		case "":
			return nil, fmt.Errorf("%w: empty path segment in %q", types.ErrMalformedURI, raw)
		case ".", "..":
			return nil, fmt.Errorf("%w: traversal segment in %q", types.ErrMalformedURI, raw)
		}
		segments[i] = decoded
	}

	parsed := &ArchiveURI{
		Backend:  backend,
		Locator:  segments[0],
		Key:      strings.Join(segments[1:], "/"),
		Revision: u.Query().Get("rev"),
	}
	return parsed, nil
}

// String renders the canonical form, percent-escaping metacharacters per
// path segment. Parse(u.String()) equals u for every URI Parse accepts.
func (u *ArchiveURI) String() string {
	var b strings.Builder
	b.WriteString(Scheme)
	b.WriteString("://")
	b.WriteString(u.Backend)
	b.WriteString("/")
	b.WriteString(url.PathEscape(u.Locator))
	for _, seg := range strings.Split(u.Key, "/") {
		if seg == "" {
			continue
		}
		b.WriteString("/")
		b.WriteString(url.PathEscape(seg))
	}
	if u.Revision != "" {
		b.WriteString("?rev=")
		b.WriteString(url.QueryEscape(u.Revision))
	}
	return b.String()
}

// IsRoot reports whether the URI addresses an archive root rather than an
// artifact within it.
func (u *ArchiveURI) IsRoot() bool {
	return u.Key == ""
}

// InRoot reports whether the URI addresses an artifact inside the given
// archive root: same backend, same locator, key nested under the root's key.
func (u *ArchiveURI) InRoot(root *ArchiveURI) bool {
	if u.Backend != root.Backend || u.Locator != root.Locator {
		return false
	}
	if root.Key == "" {
		return true
	}
	return u.Key == root.Key || strings.HasPrefix(u.Key, root.Key+"/")
}

// Child returns the URI of an artifact key beneath this URI.
func (u *ArchiveURI) Child(key string) *ArchiveURI {
	child := *u
	child.Revision = ""
	if child.Key == "" {
		child.Key = key
	} else {
		child.Key = child.Key + "/" + key
	}
	return &child
}
