package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      RedisTLSConfig

	// KeyPrefix namespaces every key the store writes.
	KeyPrefix string
	// MaxEntryBytes caps a single entry body; 0 disables the limit.
	MaxEntryBytes int64
	// LockTTL bounds how long an abandoned creator can block a key. Every
	// written chunk renews it, so only idle creators lose the lock.
	LockTTL time.Duration
}

// Every script below touches only keys of one entry, which share a hash slot.
var (
	// appendScript appends a chunk while the caller still owns the lock and
	// refreshes the lock together with the staging key.
	appendScript = valkey.NewLuaScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return -1
end
local n = redis.call('APPEND', KEYS[2], ARGV[2])
redis.call('PEXPIRE', KEYS[2], ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return n
`)

	// commitScript moves the staged body into place and releases the lock,
	// but only for the lock owner.
	commitScript = valkey.NewLuaScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return -1
end
if ARGV[4] == '1' and redis.call('EXISTS', KEYS[2]) == 0 then
  return -2
end
redis.call('SET', KEYS[3], ARGV[2], 'PX', ARGV[3])
if ARGV[4] == '1' then
  redis.call('RENAME', KEYS[2], KEYS[4])
else
  redis.call('SET', KEYS[4], '')
end
redis.call('PEXPIRE', KEYS[4], ARGV[3])
redis.call('DEL', KEYS[1])
return 1
`)

	// releaseScript drops the staging key and the lock if the caller owns it.
	releaseScript = valkey.NewLuaScript(`
redis.call('DEL', KEYS[2])
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
)

type redisStore struct {
	client        valkey.Client
	prefix        string
	maxEntryBytes int64
	lockTTL       time.Duration
}

// redisMeta is the JSON document stored next to each committed body.
type redisMeta struct {
	Key       string      `json:"key"`
	Status    int         `json:"status"`
	Header    http.Header `json:"header,omitempty"`
	Rule      string      `json:"rule,omitempty"`
	StoredAt  time.Time   `json:"storedAt"`
	ExpiresAt time.Time   `json:"expiresAt"`
}

// NewRedis connects to a Redis or Valkey server. Entries stream into a
// staging key with APPEND and are renamed into place on finalize; expiry is
// left to the server.
func NewRedis(cfg RedisConfig) (Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("store: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("store: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("store: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("store: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("store: redis ping: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "streamcache"
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &redisStore{
		client:        client,
		prefix:        prefix,
		maxEntryBytes: cfg.MaxEntryBytes,
		lockTTL:       lockTTL,
	}, nil
}

// slot groups every key of one cache entry under a single cluster hash slot.
func (s *redisStore) slot(key Key) string {
	return s.prefix + ":{" + strconv.FormatUint(key.Hash, 16) + "}"
}

func (s *redisStore) metaKey(key Key) string { return s.slot(key) + ":meta" }
func (s *redisStore) bodyKey(key Key) string { return s.slot(key) + ":body" }
func (s *redisStore) lockKey(key Key) string { return s.slot(key) + ":lock" }

func (s *redisStore) Lookup(ctx context.Context, key Key) (*Snapshot, error) {
	resp := s.client.Do(ctx, s.client.B().Mget().Key(s.metaKey(key), s.bodyKey(key)).Build())
	values, err := resp.ToArray()
	if err != nil {
		return nil, fmt.Errorf("store: redis mget: %w", err)
	}
	if len(values) != 2 || values[0].IsNil() || values[1].IsNil() {
		return nil, nil
	}
	rawMeta, err := values[0].AsBytes()
	if err != nil {
		return nil, fmt.Errorf("store: redis meta bytes: %w", err)
	}
	var meta redisMeta
	if err := json.Unmarshal(rawMeta, &meta); err != nil {
		return nil, fmt.Errorf("store: redis unmarshal meta: %w", err)
	}
	if meta.Key != key.Name || !time.Now().Before(meta.ExpiresAt) {
		return nil, nil
	}
	body, err := values[1].AsBytes()
	if err != nil {
		return nil, fmt.Errorf("store: redis body bytes: %w", err)
	}
	return &Snapshot{
		Key:       key,
		Status:    meta.Status,
		Header:    meta.Header,
		Body:      body,
		StoredAt:  meta.StoredAt,
		ExpiresAt: meta.ExpiresAt,
		Rule:      meta.Rule,
	}, nil
}

func (s *redisStore) Create(ctx context.Context, key Key, meta Meta) (*Entry, error) {
	entry := newEntry(key, meta, time.Now().UTC())
	cmd := s.client.B().Set().Key(s.lockKey(key)).Value(entry.id.String()).Nx().PxMilliseconds(s.lockTTL.Milliseconds()).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, ErrCreateConflict
		}
		return nil, fmt.Errorf("store: redis lock: %w", err)
	}
	entry.partial = s.slot(key) + ":p:" + entry.id.String()
	return entry, nil
}

func (s *redisStore) Write(ctx context.Context, entry *Entry, chunk []byte) error {
	if err := entry.writable(); err != nil {
		return err
	}
	if err := entry.checkLimit(len(chunk), s.maxEntryBytes); err != nil {
		return err
	}
	length, err := appendScript.Exec(ctx, s.client,
		[]string{s.lockKey(entry.key), entry.partial},
		[]string{entry.id.String(), string(chunk), strconv.FormatInt(s.lockTTL.Milliseconds(), 10)},
	).AsInt64()
	if err != nil {
		return fmt.Errorf("store: redis append: %w", err)
	}
	if length < 0 {
		return ErrLockLost
	}
	if length != entry.size+int64(len(chunk)) {
		return fmt.Errorf("store: redis append: staged %d bytes, expected %d", length, entry.size+int64(len(chunk)))
	}
	entry.size = length
	return nil
}

func (s *redisStore) Finalize(ctx context.Context, entry *Entry) error {
	if err := entry.writable(); err != nil {
		return err
	}
	now := time.Now().UTC()
	ttl := entry.meta.TTL
	payload, err := json.Marshal(redisMeta{
		Key:       entry.key.Name,
		Status:    entry.meta.Status,
		Header:    entry.meta.Header,
		Rule:      entry.meta.Rule,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	})
	if err != nil {
		s.discard(ctx, entry)
		return fmt.Errorf("store: redis marshal meta: %w", err)
	}

	staged := "0"
	if entry.size > 0 {
		staged = "1"
	}
	result, err := commitScript.Exec(ctx, s.client,
		[]string{s.lockKey(entry.key), entry.partial, s.metaKey(entry.key), s.bodyKey(entry.key)},
		[]string{entry.id.String(), string(payload), strconv.FormatInt(ttl.Milliseconds(), 10), staged},
	).AsInt64()
	switch {
	case err != nil:
		s.discard(ctx, entry)
		return fmt.Errorf("store: redis finalize: %w", err)
	case result == -1:
		s.discard(ctx, entry)
		return ErrLockLost
	case result != 1:
		s.discard(ctx, entry)
		return errors.New("store: redis finalize: staged body expired")
	}
	entry.state = EntryValid
	return nil
}

func (s *redisStore) Abort(ctx context.Context, entry *Entry) {
	if entry == nil || entry.state != EntryCreating {
		return
	}
	s.discard(ctx, entry)
}

// discard drops the staging data and, when this entry still owns it, the
// creation lock. Failures are left to key expiry.
func (s *redisStore) discard(ctx context.Context, entry *Entry) {
	entry.state = EntryInvalid
	_ = releaseScript.Exec(ctx, s.client,
		[]string{s.lockKey(entry.key), entry.partial},
		[]string{entry.id.String()},
	).Error()
}

func (s *redisStore) Delete(ctx context.Context, key Key) (bool, error) {
	removed, err := s.client.Do(ctx, s.client.B().Del().Key(s.metaKey(key), s.bodyKey(key)).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("store: redis del: %w", err)
	}
	return removed > 0, nil
}

// Housekeeping is a no-op: the server expires keys itself.
func (s *redisStore) Housekeeping(context.Context) {}

// Size counts committed entries by scanning their meta keys.
func (s *redisStore) Size(ctx context.Context) (int64, error) {
	pattern := s.prefix + ":{*}:meta"
	var (
		cursor uint64
		total  int64
	)
	for {
		page, err := s.client.Do(ctx, s.client.B().Scan().Cursor(cursor).Match(pattern).Count(1000).Build()).AsScanEntry()
		if err != nil {
			return 0, fmt.Errorf("store: redis scan: %w", err)
		}
		total += int64(len(page.Elements))
		cursor = page.Cursor
		if cursor == 0 {
			return total, nil
		}
	}
}

func (s *redisStore) Close(context.Context) error {
	s.client.Close()
	return nil
}
