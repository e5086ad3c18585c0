package store

import (
	"context"
	"errors"
	"time"

	"github.com/l0p7/streamcache/internal/metrics"
)

type instrumentedStore struct {
	Store
	backend  string
	recorder *metrics.Recorder
}

// Instrument wraps s so every coordinator-facing operation is counted and
// timed under the backend label. A nil recorder returns s unchanged.
func Instrument(s Store, backend string, recorder *metrics.Recorder) Store {
	if s == nil || recorder == nil {
		return s
	}
	return &instrumentedStore{Store: s, backend: backend, recorder: recorder}
}

func (s *instrumentedStore) observe(op metrics.StoreOperation, result metrics.StoreResult, start time.Time) {
	s.recorder.ObserveStore(s.backend, op, result, time.Since(start))
}

func resultFor(err error) metrics.StoreResult {
	switch {
	case err == nil:
		return metrics.StoreResultOK
	case errors.Is(err, ErrCreateConflict):
		return metrics.StoreResultConflict
	default:
		return metrics.StoreResultError
	}
}

func (s *instrumentedStore) Lookup(ctx context.Context, key Key) (*Snapshot, error) {
	start := time.Now()
	snap, err := s.Store.Lookup(ctx, key)
	result := metrics.StoreResultMiss
	switch {
	case err != nil:
		result = metrics.StoreResultError
	case snap != nil:
		result = metrics.StoreResultHit
	}
	s.observe(metrics.StoreOperationLookup, result, start)
	return snap, err
}

func (s *instrumentedStore) Create(ctx context.Context, key Key, meta Meta) (*Entry, error) {
	start := time.Now()
	entry, err := s.Store.Create(ctx, key, meta)
	s.observe(metrics.StoreOperationCreate, resultFor(err), start)
	return entry, err
}

func (s *instrumentedStore) Write(ctx context.Context, entry *Entry, chunk []byte) error {
	start := time.Now()
	err := s.Store.Write(ctx, entry, chunk)
	s.observe(metrics.StoreOperationWrite, resultFor(err), start)
	if err == nil {
		s.recorder.AddCapturedBytes(entry.meta.Rule, len(chunk))
	}
	return err
}

func (s *instrumentedStore) Finalize(ctx context.Context, entry *Entry) error {
	start := time.Now()
	err := s.Store.Finalize(ctx, entry)
	s.observe(metrics.StoreOperationFinalize, resultFor(err), start)
	return err
}

func (s *instrumentedStore) Abort(ctx context.Context, entry *Entry) {
	start := time.Now()
	s.Store.Abort(ctx, entry)
	s.observe(metrics.StoreOperationAbort, metrics.StoreResultOK, start)
}

func (s *instrumentedStore) Delete(ctx context.Context, key Key) (bool, error) {
	start := time.Now()
	deleted, err := s.Store.Delete(ctx, key)
	result := resultFor(err)
	if err == nil && !deleted {
		result = metrics.StoreResultMiss
	}
	s.observe(metrics.StoreOperationDelete, result, start)
	return deleted, err
}

func (s *instrumentedStore) Housekeeping(ctx context.Context) {
	start := time.Now()
	s.Store.Housekeeping(ctx)
	s.observe(metrics.StoreOperationHousekeeping, metrics.StoreResultOK, start)
}
