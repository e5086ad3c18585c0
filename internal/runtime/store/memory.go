package store

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// MemoryOptions tunes the in-process store.
type MemoryOptions struct {
	// MaxEntryBytes caps a single entry body; 0 disables the limit.
	MaxEntryBytes int64
	// SweepInterval throttles expiry sweeps triggered by Housekeeping.
	SweepInterval time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

type memoryStore struct {
	entries *xsync.MapOf[uint64, *Snapshot]
	pending *xsync.MapOf[uint64, *Entry]

	maxEntryBytes int64
	sweepInterval time.Duration
	lastSweep     atomic.Int64
	now           func() time.Time
}

// NewMemory returns a Store that keeps committed entries in process memory.
// Entries are indexed by key hash and verified against the full key on lookup.
func NewMemory(opts MemoryOptions) Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &memoryStore{
		entries:       xsync.NewMapOf[uint64, *Snapshot](),
		pending:       xsync.NewMapOf[uint64, *Entry](),
		maxEntryBytes: opts.MaxEntryBytes,
		sweepInterval: opts.SweepInterval,
		now:           now,
	}
}

func (s *memoryStore) Lookup(_ context.Context, key Key) (*Snapshot, error) {
	snap, ok := s.entries.Load(key.Hash)
	if !ok || snap.Key.Name != key.Name {
		return nil, nil
	}
	if snap.Expired(s.now()) {
		s.entries.Compute(key.Hash, func(current *Snapshot, loaded bool) (*Snapshot, bool) {
			return current, !loaded || current == snap
		})
		return nil, nil
	}
	return snap, nil
}

func (s *memoryStore) Create(_ context.Context, key Key, meta Meta) (*Entry, error) {
	entry := newEntry(key, meta, s.now())
	if _, loaded := s.pending.LoadOrStore(key.Hash, entry); loaded {
		return nil, ErrCreateConflict
	}
	return entry, nil
}

func (s *memoryStore) Write(_ context.Context, entry *Entry, chunk []byte) error {
	if err := entry.writable(); err != nil {
		return err
	}
	if err := entry.checkLimit(len(chunk), s.maxEntryBytes); err != nil {
		return err
	}
	entry.body = append(entry.body, chunk...)
	entry.size += int64(len(chunk))
	return nil
}

func (s *memoryStore) Finalize(_ context.Context, entry *Entry) error {
	if err := entry.writable(); err != nil {
		return err
	}
	entry.state = EntryValid
	s.entries.Store(entry.key.Hash, entry.snapshot(s.now()))
	entry.body = nil
	s.release(entry)
	return nil
}

func (s *memoryStore) Abort(_ context.Context, entry *Entry) {
	if entry == nil || entry.state != EntryCreating {
		return
	}
	entry.state = EntryInvalid
	entry.body = nil
	s.release(entry)
}

// release drops the pending slot only when entry still owns it.
func (s *memoryStore) release(entry *Entry) {
	s.pending.Compute(entry.key.Hash, func(current *Entry, loaded bool) (*Entry, bool) {
		return current, !loaded || current == entry
	})
}

func (s *memoryStore) Delete(_ context.Context, key Key) (bool, error) {
	deleted := false
	s.entries.Compute(key.Hash, func(current *Snapshot, loaded bool) (*Snapshot, bool) {
		if loaded && current.Key.Name == key.Name {
			deleted = true
			return current, true
		}
		return current, !loaded
	})
	return deleted, nil
}

func (s *memoryStore) Housekeeping(_ context.Context) {
	now := s.now()
	last := s.lastSweep.Load()
	if s.sweepInterval > 0 && now.UnixNano()-last < int64(s.sweepInterval) {
		return
	}
	if !s.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	s.entries.Range(func(hash uint64, snap *Snapshot) bool {
		if snap.Expired(now) {
			s.entries.Compute(hash, func(current *Snapshot, loaded bool) (*Snapshot, bool) {
				return current, !loaded || current == snap
			})
		}
		return true
	})
}

func (s *memoryStore) Size(_ context.Context) (int64, error) {
	return int64(s.entries.Size()), nil
}

func (s *memoryStore) Close(_ context.Context) error {
	s.entries.Clear()
	return nil
}
