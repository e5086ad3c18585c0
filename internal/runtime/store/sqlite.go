package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	// Path is the database file. ":memory:" works for tests.
	Path string
	// MaxEntryBytes caps a single entry body; 0 disables the limit.
	MaxEntryBytes int64
	// SweepInterval throttles expiry sweeps triggered by Housekeeping.
	SweepInterval time.Duration
	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration
	// CreatorTimeout is how long a creation claim survives without being
	// renewed. Older claims are taken over by Create and removed by
	// Housekeeping. Default: 30 seconds
	CreatorTimeout time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// sqliteStore persists committed entries in SQLite. Chunks are buffered in
// the Entry and written in one transaction on finalize; the pending table's
// primary key enforces a single creator per key hash across processes sharing
// the database file. A claim left behind by a crashed creator goes stale
// after the creator timeout.
type sqliteStore struct {
	db             *sql.DB
	maxEntryBytes  int64
	sweepInterval  time.Duration
	creatorTimeout time.Duration
	now            func() time.Time
	lastSweep      atomic.Int64
	closeOnce      sync.Once

	lookupStmt       *sql.Stmt
	pendingStmt      *sql.Stmt
	renewStmt        *sql.Stmt
	releaseStmt      *sql.Stmt
	deleteStmt       *sql.Stmt
	sweepStmt        *sql.Stmt
	sweepPendingStmt *sql.Stmt
	countStmt        *sql.Stmt
}

// NewSQLite opens (or creates) the database at cfg.Path.
func NewSQLite(cfg SQLiteConfig) (Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("store: sqlite path required")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.CreatorTimeout <= 0 {
		cfg.CreatorTimeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	// SQLite only supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &sqliteStore{
		db:             db,
		maxEntryBytes:  cfg.MaxEntryBytes,
		sweepInterval:  cfg.SweepInterval,
		creatorTimeout: cfg.CreatorTimeout,
		now:            cfg.Now,
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: sqlite schema: %w", err)
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: sqlite prepare: %w", err)
	}
	return s, nil
}

func (s *sqliteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		hash TEXT PRIMARY KEY,
		key TEXT NOT NULL,
		status INTEGER NOT NULL,
		header TEXT NOT NULL,
		rule TEXT NOT NULL,
		body BLOB NOT NULL,
		stored_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_expires_at ON entries(expires_at);

	CREATE TABLE IF NOT EXISTS pending (
		hash TEXT PRIMARY KEY,
		entry_id TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pending_created_at ON pending(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *sqliteStore) prepareStatements() error {
	var err error

	s.lookupStmt, err = s.db.Prepare(`
		SELECT key, status, header, rule, body, stored_at, expires_at
		FROM entries WHERE hash = ?
	`)
	if err != nil {
		return fmt.Errorf("lookup: %w", err)
	}

	// A conflicting claim is taken over only once it is stale.
	s.pendingStmt, err = s.db.Prepare(`
		INSERT INTO pending (hash, entry_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT (hash) DO UPDATE SET
			entry_id = excluded.entry_id,
			created_at = excluded.created_at
		WHERE pending.created_at <= ?
	`)
	if err != nil {
		return fmt.Errorf("pending: %w", err)
	}

	s.renewStmt, err = s.db.Prepare(`UPDATE pending SET created_at = ? WHERE hash = ? AND entry_id = ?`)
	if err != nil {
		return fmt.Errorf("renew: %w", err)
	}

	s.releaseStmt, err = s.db.Prepare(`DELETE FROM pending WHERE hash = ? AND entry_id = ?`)
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}

	s.deleteStmt, err = s.db.Prepare(`DELETE FROM entries WHERE hash = ? AND key = ?`)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}

	s.sweepStmt, err = s.db.Prepare(`DELETE FROM entries WHERE expires_at <= ?`)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}

	s.sweepPendingStmt, err = s.db.Prepare(`DELETE FROM pending WHERE created_at <= ?`)
	if err != nil {
		return fmt.Errorf("sweep pending: %w", err)
	}

	s.countStmt, err = s.db.Prepare(`SELECT COUNT(*) FROM entries`)
	if err != nil {
		return fmt.Errorf("count: %w", err)
	}
	return nil
}

func hashText(hash uint64) string {
	return strconv.FormatUint(hash, 16)
}

func (s *sqliteStore) Lookup(ctx context.Context, key Key) (*Snapshot, error) {
	var (
		name      string
		status    int
		rawHeader string
		rule      string
		body      []byte
		storedAt  int64
		expiresAt int64
	)
	err := s.lookupStmt.QueryRowContext(ctx, hashText(key.Hash)).
		Scan(&name, &status, &rawHeader, &rule, &body, &storedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: sqlite lookup: %w", err)
	}
	if name != key.Name {
		return nil, nil
	}
	snap := &Snapshot{
		Key:       key,
		Status:    status,
		Body:      body,
		StoredAt:  time.UnixMilli(storedAt).UTC(),
		ExpiresAt: time.UnixMilli(expiresAt).UTC(),
		Rule:      rule,
	}
	if snap.Expired(s.now()) {
		return nil, nil
	}
	var header http.Header
	if err := json.Unmarshal([]byte(rawHeader), &header); err != nil {
		return nil, fmt.Errorf("store: sqlite decode header: %w", err)
	}
	snap.Header = header
	return snap, nil
}

// staleBefore is the claim timestamp at or below which a creator is presumed gone.
func (s *sqliteStore) staleBefore(now time.Time) int64 {
	return now.Add(-s.creatorTimeout).UnixMilli()
}

func (s *sqliteStore) Create(ctx context.Context, key Key, meta Meta) (*Entry, error) {
	now := s.now().UTC()
	entry := newEntry(key, meta, now)
	res, err := s.pendingStmt.ExecContext(ctx, hashText(key.Hash), entry.id.String(), now.UnixMilli(), s.staleBefore(now))
	if err != nil {
		return nil, fmt.Errorf("store: sqlite create: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("store: sqlite create: %w", err)
	}
	if rows == 0 {
		return nil, ErrCreateConflict
	}
	return entry, nil
}

func (s *sqliteStore) Write(ctx context.Context, entry *Entry, chunk []byte) error {
	if err := entry.writable(); err != nil {
		return err
	}
	if err := entry.checkLimit(len(chunk), s.maxEntryBytes); err != nil {
		return err
	}
	if err := s.renew(ctx, entry); err != nil {
		return err
	}
	entry.body = append(entry.body, chunk...)
	entry.size += int64(len(chunk))
	return nil
}

// renew refreshes the creation claim once half the creator timeout has passed.
func (s *sqliteStore) renew(ctx context.Context, entry *Entry) error {
	now := s.now().UTC()
	if now.Sub(entry.claimedAt) < s.creatorTimeout/2 {
		return nil
	}
	res, err := s.renewStmt.ExecContext(ctx, now.UnixMilli(), hashText(entry.key.Hash), entry.id.String())
	if err != nil {
		return fmt.Errorf("store: sqlite renew claim: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: sqlite renew claim: %w", err)
	}
	if rows == 0 {
		return ErrLockLost
	}
	entry.claimedAt = now
	return nil
}

func (s *sqliteStore) Finalize(ctx context.Context, entry *Entry) error {
	if err := entry.writable(); err != nil {
		return err
	}
	if err := s.commit(ctx, entry); err != nil {
		s.Abort(ctx, entry)
		return fmt.Errorf("store: sqlite finalize: %w", err)
	}
	entry.state = EntryValid
	entry.body = nil
	return nil
}

func (s *sqliteStore) commit(ctx context.Context, entry *Entry) error {
	header, err := json.Marshal(entry.meta.Header)
	if err != nil {
		return err
	}
	body := entry.body
	if body == nil {
		body = []byte{}
	}
	now := s.now().UTC()
	hash := hashText(entry.key.Hash)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.StmtContext(ctx, s.releaseStmt).ExecContext(ctx, hash, entry.id.String())
	if err != nil {
		return err
	}
	released, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if released == 0 {
		return ErrLockLost
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entries (hash, key, status, header, rule, body, stored_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (hash) DO UPDATE SET
			key = excluded.key,
			status = excluded.status,
			header = excluded.header,
			rule = excluded.rule,
			body = excluded.body,
			stored_at = excluded.stored_at,
			expires_at = excluded.expires_at
	`, hash, entry.key.Name, entry.meta.Status, string(header), entry.meta.Rule, body,
		now.UnixMilli(), now.Add(entry.meta.TTL).UnixMilli()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Abort(ctx context.Context, entry *Entry) {
	if entry == nil || entry.state != EntryCreating {
		return
	}
	entry.state = EntryInvalid
	entry.body = nil
	// A failed release leaves the claim until it goes stale.
	_, _ = s.releaseStmt.ExecContext(context.WithoutCancel(ctx), hashText(entry.key.Hash), entry.id.String())
}

func (s *sqliteStore) Delete(ctx context.Context, key Key) (bool, error) {
	res, err := s.deleteStmt.ExecContext(ctx, hashText(key.Hash), key.Name)
	if err != nil {
		return false, fmt.Errorf("store: sqlite delete: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: sqlite delete: %w", err)
	}
	return rows > 0, nil
}

// Housekeeping drops expired entries and stale creation claims.
func (s *sqliteStore) Housekeeping(ctx context.Context) {
	now := s.now()
	last := s.lastSweep.Load()
	if s.sweepInterval > 0 && now.UnixNano()-last < int64(s.sweepInterval) {
		return
	}
	if !s.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	_, _ = s.sweepStmt.ExecContext(ctx, now.UnixMilli())
	_, _ = s.sweepPendingStmt.ExecContext(ctx, s.staleBefore(now))
}

func (s *sqliteStore) Size(ctx context.Context) (int64, error) {
	var count int64
	if err := s.countStmt.QueryRowContext(ctx).Scan(&count); err != nil {
		return 0, fmt.Errorf("store: sqlite count: %w", err)
	}
	return count, nil
}

func (s *sqliteStore) Close(context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		for _, stmt := range []*sql.Stmt{
			s.lookupStmt, s.pendingStmt, s.renewStmt, s.releaseStmt,
			s.deleteStmt, s.sweepStmt, s.sweepPendingStmt, s.countStmt,
		} {
			if stmt != nil {
				stmt.Close()
			}
		}
		err = s.db.Close()
	})
	return err
}
