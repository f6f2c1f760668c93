package types

import "errors"

// Error kinds surfaced by the archive core. Callers classify with errors.Is;
// the kinds are never collapsed into a generic failure.
var (
	// ErrMalformedURI is returned for unparseable or unsafe archive URIs.
	ErrMalformedURI = errors.New("malformed archive uri")

	// ErrNotFound is returned when an artifact, revision or path is absent.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned by write-once operations when the
	// target key+revision already holds content.
	ErrAlreadyExists = errors.New("already exists")

	// ErrIntegrityViolation is returned when artifact bytes do not match
	// the recorded content hash. Unverified bytes are never returned.
	ErrIntegrityViolation = errors.New("integrity violation")

	// ErrIntegrityConflict is returned when conflicting metadata is
	// recorded for the same key+revision. The first committed record wins.
	ErrIntegrityConflict = errors.New("integrity conflict")

	// ErrBackendUnavailable is returned after transient backend failures
	// have exhausted the retry budget, or for permanent backend failures
	// such as rejected credentials.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrSessionClosed is returned for any operation on a closed session.
	ErrSessionClosed = errors.New("session closed")
)
