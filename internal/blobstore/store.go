// Package blobstore defines the interface and implementations for the
// gallery's versioned file storage layer.
package blobstore

import "context"

// Revision is an opaque token identifying the stored version of a single
// path. Callers compare revisions only for equality and pass them back
// unchanged on conditional writes; the encoding is backend-specific (a git
// blob SHA, an HTTP ETag, a GCS generation) and must never be parsed.
type Revision string

// Blob is the content of a stored file together with the revision it was
// read at.
type Blob struct {
	Data []byte
	Rev  Revision
}

// Store defines the interface for reading and writing files in the library
// repository. Every write is conditional: Create fails if the path already
// exists, Update and Delete fail unless the given revision still matches
// the stored one. Failed preconditions surface as conflict errors so the
// caller can reload and retry.
//
// The message parameter on writes is a human-readable change description.
// History-keeping backends record it; the others ignore it.
//
// All methods must be safe for concurrent use.
type Store interface {
	// Read returns the blob at path. A missing path returns (nil, nil),
	// not an error, so callers can distinguish absence from failure.
	Read(ctx context.Context, path string) (*Blob, error)

	// Stat returns the current revision of path without fetching content.
	// A missing path returns ("", nil).
	Stat(ctx context.Context, path string) (Revision, error)

	// Create writes a new file at path and returns its revision. Fails
	// with a conflict error when the path already exists.
	Create(ctx context.Context, path string, data []byte, message string) (Revision, error)

	// Update overwrites path and returns the new revision. rev must be the
	// revision the caller last observed; a mismatch fails with a conflict
	// error, a missing path with a not-found error.
	Update(ctx context.Context, path string, data []byte, rev Revision, message string) (Revision, error)

	// Delete removes path. rev must match the stored revision; a mismatch
	// fails with a conflict error, a missing path with a not-found error.
	Delete(ctx context.Context, path string, rev Revision, message string) error

	// ReadPublic fetches the content of path over the backend's
	// unauthenticated read surface. Fails with a not-found error when the
	// path is absent.
	ReadPublic(ctx context.Context, path string) ([]byte, error)

	// List returns the paths of all stored files under prefix, in
	// lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)

	// HealthCheck verifies that the backing store is reachable.
	HealthCheck(ctx context.Context) error
}
