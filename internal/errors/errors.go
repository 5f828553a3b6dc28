// Package errors defines the typed error values used throughout minegallery.
//
// Every failure that crosses a package boundary is classified by Kind so that
// workflow callers and HTTP handlers can react without string matching:
// transient store/network trouble is retryable, optimistic-concurrency
// conflicts require a reload, expected absence is frequently non-fatal, and
// validation failures never reach the remote store at all.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies an error for programmatic handling.
type Kind string

const (
	// KindTransient marks network or server-side failures that the caller
	// may retry manually.
	KindTransient Kind = "transient"
	// KindConflict marks an optimistic-concurrency violation on a write:
	// the revision supplied no longer matches the remote state, or a create
	// hit an existing path. The caller must reload and redo.
	KindConflict Kind = "conflict"
	// KindNotFound marks expected absence, often non-fatal to a workflow.
	KindNotFound Kind = "not_found"
	// KindInvalidArgument marks request validation failures.
	KindInvalidArgument Kind = "invalid_argument"
	// KindUnauthorized marks requests missing a valid API token.
	KindUnauthorized Kind = "unauthorized"
	// KindInvalidRename marks album rename validation failures; these are
	// rejected before any remote call is issued.
	KindInvalidRename Kind = "invalid_rename"
	// KindProtectedAlbum marks attempts to delete the reserved album.
	KindProtectedAlbum Kind = "protected_album"
	// KindCorruptManifest marks a manifest that exists remotely but cannot
	// be decoded. Recovery requires an explicit operator action; it is
	// never silently treated as an empty library.
	KindCorruptManifest Kind = "corrupt_manifest"
	// KindGeneration marks failures reported by the image generation
	// provider, surfaced verbatim to the user.
	KindGeneration Kind = "generation"
	// KindInternal marks unexpected internal failures.
	KindInternal Kind = "internal"
)

// httpStatusFor maps each Kind to the HTTP status the API reports.
func httpStatusFor(kind Kind) int {
	switch kind {
	case KindTransient:
		return 502
	case KindConflict:
		return 409
	case KindNotFound:
		return 404
	case KindInvalidArgument, KindInvalidRename:
		return 400
	case KindUnauthorized:
		return 401
	case KindProtectedAlbum:
		return 403
	case KindCorruptManifest:
		return 503
	case KindGeneration:
		return 502
	default:
		return 500
	}
}

// Error is the concrete error type carried across minegallery packages.
type Error struct {
	// Kind is the machine-readable classification.
	Kind Kind
	// Message is a human-readable description of the failure.
	Message string
	// HTTPStatus is the status code the API layer reports for this error.
	HTTPStatus int
	// Err is the wrapped cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause so errors.Is/As see through it.
func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an *Error of the given kind with a default HTTP status.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, HTTPStatus: httpStatusFor(kind)}
}

// Newf is New with fmt.Sprintf formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap returns an *Error of the given kind that wraps cause. A nil cause
// yields the same result as New.
func Wrap(kind Kind, message string, cause error) *Error {
	e := New(kind, message)
	e.Err = cause
	return e
}

// Wrapf is Wrap with fmt.Sprintf formatting.
func Wrapf(kind Kind, cause error, format string, args ...any) *Error {
	return Wrap(kind, fmt.Sprintf(format, args...), cause)
}

// KindOf returns the Kind of err, unwrapping as needed. Errors that are not
// *Error report KindInternal; a nil error reports the empty Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsTransient reports whether err is classified KindTransient.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsConflict reports whether err is classified KindConflict.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsNotFound reports whether err is classified KindNotFound.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsCorruptManifest reports whether err is classified KindCorruptManifest.
func IsCorruptManifest(err error) bool { return KindOf(err) == KindCorruptManifest }

// MessageOf returns the human-readable message of err without the kind
// prefix or wrapped causes. Causes stay in logs; responses carry only the
// outermost message.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// StatusFor returns the HTTP status code for err: the embedded status when
// err is an *Error, 500 otherwise.
func StatusFor(err error) int {
	var e *Error
	if stderrors.As(err, &e) {
		if e.HTTPStatus != 0 {
			return e.HTTPStatus
		}
		return httpStatusFor(e.Kind)
	}
	return 500
}

// Pre-defined errors for common conditions.
var (
	// ErrManifestConflict is returned when the manifest changed between the
	// pre-write revision read and the remote write.
	ErrManifestConflict = New(KindConflict, "the manifest was modified by another writer; reload and retry")

	// ErrProtectedAlbum is returned when deleting the reserved album.
	ErrProtectedAlbum = New(KindProtectedAlbum, `the album "normal" is reserved and cannot be deleted`)

	// ErrCorruptManifest is returned when the stored manifest exists but
	// cannot be decoded into any known shape.
	ErrCorruptManifest = New(KindCorruptManifest, "the stored manifest is present but unreadable; operator recovery required")
)
