package blobstore

import (
	"context"
	"sort"
	"strconv"
	"sync"

	apierr "github.com/minegallery/minegallery/internal/errors"
)

// MemoryStore implements the Store interface entirely in memory. Revisions
// are monotonically increasing sequence numbers, so every successful write
// produces a revision never seen before. Intended for tests and local
// development.
type MemoryStore struct {
	mu    sync.Mutex
	seq   int64
	blobs map[string]memBlob
	log   []WriteEntry
}

type memBlob struct {
	data []byte
	rev  Revision
}

// WriteEntry records a single successful write for inspection in tests.
type WriteEntry struct {
	Op      string // "create", "update", or "delete"
	Path    string
	Message string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]memBlob)}
}

// nextRev must be called with the mutex held.
func (s *MemoryStore) nextRev() Revision {
	s.seq++
	return Revision(strconv.FormatInt(s.seq, 10))
}

// Read returns the blob at path, or (nil, nil) when absent.
func (s *MemoryStore) Read(ctx context.Context, path string) (*Blob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blobs[path]
	if !ok {
		return nil, nil
	}
	data := make([]byte, len(b.data))
	copy(data, b.data)
	return &Blob{Data: data, Rev: b.rev}, nil
}

// Stat returns the current revision of path, or ("", nil) when absent.
func (s *MemoryStore) Stat(ctx context.Context, path string) (Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blobs[path]
	if !ok {
		return "", nil
	}
	return b.rev, nil
}

// Create writes a new file at path, failing with a conflict when it exists.
func (s *MemoryStore) Create(ctx context.Context, path string, data []byte, message string) (Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[path]; ok {
		return "", apierr.Newf(apierr.KindConflict, "path already exists: %s", path)
	}
	rev := s.nextRev()
	stored := make([]byte, len(data))
	copy(stored, data)
	s.blobs[path] = memBlob{data: stored, rev: rev}
	s.log = append(s.log, WriteEntry{Op: "create", Path: path, Message: message})
	return rev, nil
}

// Update overwrites path when rev matches the stored revision.
func (s *MemoryStore) Update(ctx context.Context, path string, data []byte, rev Revision, message string) (Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blobs[path]
	if !ok {
		return "", apierr.Newf(apierr.KindNotFound, "path not found: %s", path)
	}
	if b.rev != rev {
		return "", apierr.Newf(apierr.KindConflict, "revision mismatch for %s", path)
	}
	newRev := s.nextRev()
	stored := make([]byte, len(data))
	copy(stored, data)
	s.blobs[path] = memBlob{data: stored, rev: newRev}
	s.log = append(s.log, WriteEntry{Op: "update", Path: path, Message: message})
	return newRev, nil
}

// Delete removes path when rev matches the stored revision.
func (s *MemoryStore) Delete(ctx context.Context, path string, rev Revision, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blobs[path]
	if !ok {
		return apierr.Newf(apierr.KindNotFound, "path not found: %s", path)
	}
	if b.rev != rev {
		return apierr.Newf(apierr.KindConflict, "revision mismatch for %s", path)
	}
	delete(s.blobs, path)
	s.log = append(s.log, WriteEntry{Op: "delete", Path: path, Message: message})
	return nil
}

// ReadPublic returns the content of path. The memory store has no separate
// public surface, so this is Read with a not-found error for absent paths.
func (s *MemoryStore) ReadPublic(ctx context.Context, path string) ([]byte, error) {
	b, err := s.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, apierr.Newf(apierr.KindNotFound, "path not found: %s", path)
	}
	return b.Data, nil
}

// List returns all stored paths under prefix in lexicographic order.
func (s *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var paths []string
	for p := range s.blobs {
		if len(p) >= len(prefix) && p[:len(prefix)] == prefix {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// HealthCheck always succeeds for the memory store.
func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return nil
}

// WriteLog returns a copy of all successful writes in order.
func (s *MemoryStore) WriteLog() []WriteEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]WriteEntry, len(s.log))
	copy(out, s.log)
	return out
}

// Ensure MemoryStore implements Store at compile time.
var _ Store = (*MemoryStore)(nil)
