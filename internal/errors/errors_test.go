package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"direct", New(KindConflict, "boom"), KindConflict},
		{"wrapped cause", Wrap(KindTransient, "store unreachable", stderrors.New("dial tcp: refused")), KindTransient},
		{"fmt-wrapped", fmt.Errorf("loading manifest: %w", New(KindNotFound, "absent")), KindNotFound},
		{"foreign error", stderrors.New("plain"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPredicates(t *testing.T) {
	conflict := fmt.Errorf("commit: %w", ErrManifestConflict)
	if !IsConflict(conflict) {
		t.Error("IsConflict() = false for a wrapped conflict")
	}
	if IsConflict(New(KindNotFound, "x")) {
		t.Error("IsConflict() = true for a not_found error")
	}
	if !IsNotFound(New(KindNotFound, "x")) {
		t.Error("IsNotFound() = false")
	}
	if !IsTransient(Wrap(KindTransient, "x", nil)) {
		t.Error("IsTransient() = false")
	}
	if !IsCorruptManifest(fmt.Errorf("load: %w", ErrCorruptManifest)) {
		t.Error("IsCorruptManifest() = false for a wrapped corrupt-manifest error")
	}
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("root cause")
	err := Wrap(KindTransient, "outer", cause)
	if !stderrors.Is(err, cause) {
		t.Error("errors.Is() does not see through Error.Unwrap")
	}
}

func TestErrorString(t *testing.T) {
	e := New(KindConflict, "stale revision")
	if got, want := e.Error(), "conflict: stale revision"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	wrapped := Wrap(KindTransient, "reading blob", stderrors.New("timeout"))
	if got, want := wrapped.Error(), "transient: reading blob: timeout"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{New(KindConflict, "x"), 409},
		{New(KindNotFound, "x"), 404},
		{New(KindInvalidRename, "x"), 400},
		{New(KindInvalidArgument, "x"), 400},
		{New(KindProtectedAlbum, "x"), 403},
		{New(KindTransient, "x"), 502},
		{New(KindGeneration, "x"), 502},
		{New(KindCorruptManifest, "x"), 503},
		{stderrors.New("plain"), 500},
		{fmt.Errorf("wrapped: %w", ErrProtectedAlbum), 403},
	}

	for _, tt := range tests {
		if got := StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
