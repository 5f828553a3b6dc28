package blobstore

import (
	"context"

	apierr "github.com/minegallery/minegallery/internal/errors"
	"github.com/minegallery/minegallery/internal/metrics"
)

// InstrumentedStore wraps a Store and records one counter increment per
// operation, labeled by operation name and outcome.
type InstrumentedStore struct {
	next Store
}

// Instrument wraps store with operation counters.
func Instrument(store Store) *InstrumentedStore {
	return &InstrumentedStore{next: store}
}

// outcomeOf maps an operation result to a metric label.
func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case apierr.IsConflict(err):
		return "conflict"
	case apierr.IsNotFound(err):
		return "not_found"
	default:
		return "error"
	}
}

func record(op string, err error) {
	metrics.StoreOperationsTotal.WithLabelValues(op, outcomeOf(err)).Inc()
}

func (s *InstrumentedStore) Read(ctx context.Context, path string) (*Blob, error) {
	b, err := s.next.Read(ctx, path)
	record("read", err)
	return b, err
}

func (s *InstrumentedStore) Stat(ctx context.Context, path string) (Revision, error) {
	rev, err := s.next.Stat(ctx, path)
	record("stat", err)
	return rev, err
}

func (s *InstrumentedStore) Create(ctx context.Context, path string, data []byte, message string) (Revision, error) {
	rev, err := s.next.Create(ctx, path, data, message)
	record("create", err)
	return rev, err
}

func (s *InstrumentedStore) Update(ctx context.Context, path string, data []byte, rev Revision, message string) (Revision, error) {
	newRev, err := s.next.Update(ctx, path, data, rev, message)
	record("update", err)
	return newRev, err
}

func (s *InstrumentedStore) Delete(ctx context.Context, path string, rev Revision, message string) error {
	err := s.next.Delete(ctx, path, rev, message)
	record("delete", err)
	return err
}

func (s *InstrumentedStore) ReadPublic(ctx context.Context, path string) ([]byte, error) {
	data, err := s.next.ReadPublic(ctx, path)
	record("read_public", err)
	return data, err
}

func (s *InstrumentedStore) List(ctx context.Context, prefix string) ([]string, error) {
	paths, err := s.next.List(ctx, prefix)
	record("list", err)
	return paths, err
}

func (s *InstrumentedStore) HealthCheck(ctx context.Context) error {
	return s.next.HealthCheck(ctx)
}

// Ensure InstrumentedStore implements Store at compile time.
var _ Store = (*InstrumentedStore)(nil)
