// Package store defines the cache storage contract consumed by the exchange
// coordinator and ships the memory, redis and sqlite backends.
package store

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrCreateConflict is returned by Create when another exchange already
	// owns the in-progress entry for the same key.
	ErrCreateConflict = errors.New("store: entry creation in progress")
	// ErrEntryTooLarge is returned by Write when the entry would exceed the
	// configured per-entry size limit.
	ErrEntryTooLarge = errors.New("store: entry exceeds size limit")
	// ErrEntryClosed is returned when writing to or finalizing an entry that
	// was already finalized or aborted.
	ErrEntryClosed = errors.New("store: entry closed")
	// ErrLockLost is returned by Write or Finalize when the creator's claim on
	// its key expired and may now belong to another creator.
	ErrLockLost = errors.New("store: creation lock lost")
)

// Key identifies a cache entry by its rendered key and the key's hash.
type Key struct {
	Name string
	Hash uint64
}

// NewKey hashes name into a Key.
func NewKey(name string) Key {
	return Key{Name: name, Hash: HashKey(name)}
}

// Meta describes the response head stored alongside an entry body.
type Meta struct {
	Status int
	Header http.Header
	TTL    time.Duration
	// Rule names the rule that admitted the response.
	Rule string
}

// Snapshot is an immutable view of a committed entry served on a cache hit.
type Snapshot struct {
	Key       Key
	Status    int
	Header    http.Header
	Body      []byte
	StoredAt  time.Time
	ExpiresAt time.Time
	Rule      string
}

// Age reports how long ago the snapshot was stored.
func (s *Snapshot) Age(now time.Time) time.Duration {
	if s == nil || s.StoredAt.IsZero() || now.Before(s.StoredAt) {
		return 0
	}
	return now.Sub(s.StoredAt)
}

// Expired reports whether the snapshot is past its expiry at now.
func (s *Snapshot) Expired(now time.Time) bool {
	return s == nil || !now.Before(s.ExpiresAt)
}

// EntryState tracks an entry through creation.
type EntryState int

const (
	EntryCreating EntryState = iota
	EntryValid
	EntryInvalid
)

func (s EntryState) String() string {
	switch s {
	case EntryCreating:
		return "creating"
	case EntryValid:
		return "valid"
	case EntryInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Entry is an in-progress cache entry returned by Create. It is owned by a
// single exchange and is not safe for concurrent use.
type Entry struct {
	id        uuid.UUID
	key       Key
	meta      Meta
	state     EntryState
	size      int64
	createdAt time.Time
	// claimedAt is when the backend-side creation claim was last renewed.
	claimedAt time.Time

	// body buffers chunks for backends that commit in one step.
	body []byte
	// partial names the backend-side staging location for streamed chunks.
	partial string
}

func newEntry(key Key, meta Meta, now time.Time) *Entry {
	meta.Header = meta.Header.Clone()
	return &Entry{
		id:        uuid.New(),
		key:       key,
		meta:      meta,
		state:     EntryCreating,
		createdAt: now,
		claimedAt: now,
	}
}

// ID is the unique identifier of this creation attempt.
func (e *Entry) ID() uuid.UUID { return e.id }

// Key returns the key the entry is being created under.
func (e *Entry) Key() Key { return e.key }

// Meta returns the response head captured at creation.
func (e *Entry) Meta() Meta { return e.meta }

// Size reports the number of body bytes accepted so far.
func (e *Entry) Size() int64 { return e.size }

// State reports the entry's creation state.
func (e *Entry) State() EntryState { return e.state }

func (e *Entry) writable() error {
	if e == nil {
		return errors.New("store: nil entry")
	}
	if e.state != EntryCreating {
		return ErrEntryClosed
	}
	return nil
}

func (e *Entry) checkLimit(n int, limit int64) error {
	if limit > 0 && e.size+int64(n) > limit {
		return ErrEntryTooLarge
	}
	return nil
}

func (e *Entry) snapshot(now time.Time) *Snapshot {
	return &Snapshot{
		Key:       e.key,
		Status:    e.meta.Status,
		Header:    e.meta.Header.Clone(),
		Body:      e.body,
		StoredAt:  now,
		ExpiresAt: now.Add(e.meta.TTL),
		Rule:      e.meta.Rule,
	}
}

// Store is the cache storage contract. Implementations must be safe for
// concurrent use and must allow at most one in-progress Create per key: a
// concurrent Create for a key that already has a pending entry returns
// ErrCreateConflict. Every Entry returned by Create ends with exactly one of
// Finalize or Abort from its owner.
type Store interface {
	// Lookup returns the committed, unexpired entry for key, or nil on a miss.
	Lookup(ctx context.Context, key Key) (*Snapshot, error)
	// Create starts a new entry for key.
	Create(ctx context.Context, key Key, meta Meta) (*Entry, error)
	// Write appends a body chunk to the entry.
	Write(ctx context.Context, entry *Entry, chunk []byte) error
	// Finalize commits the entry, making it visible to Lookup. On failure the
	// store discards the partial data itself.
	Finalize(ctx context.Context, entry *Entry) error
	// Abort discards the entry. It is safe to call with zero bytes written
	// and after a failed Write.
	Abort(ctx context.Context, entry *Entry)
	// Delete removes the committed entry for key, reporting whether one existed.
	Delete(ctx context.Context, key Key) (bool, error)
	// Housekeeping is called opportunistically on every exchange. Stores
	// throttle the actual sweep of expired entries.
	Housekeeping(ctx context.Context)
	// Size reports the number of committed entries.
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}
