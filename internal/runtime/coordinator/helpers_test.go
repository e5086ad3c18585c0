package coordinator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/streamcache/internal/runtime/rules"
	"github.com/l0p7/streamcache/internal/runtime/store"
)

var errInjected = errors.New("injected store failure")

type storeCall struct {
	op    string
	key   string
	bytes int
}

// recordingStore wraps the memory store, records every call and injects
// failures on demand.
type recordingStore struct {
	store.Store

	mu    sync.Mutex
	calls []storeCall

	lookupErr   error
	createErr   error
	finalizeErr error
	// failWriteAt fails the nth Write call (1-based); 0 never fails.
	failWriteAt int
	writes      int
}

func newRecordingStore() *recordingStore {
	return &recordingStore{Store: store.NewMemory(store.MemoryOptions{})}
}

func (s *recordingStore) record(call storeCall) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

func (s *recordingStore) ops(names ...string) []storeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storeCall
	for _, call := range s.calls {
		for _, name := range names {
			if call.op == name {
				out = append(out, call)
			}
		}
	}
	return out
}

func (s *recordingStore) count(op string) int { return len(s.ops(op)) }

func (s *recordingStore) Lookup(ctx context.Context, key store.Key) (*store.Snapshot, error) {
	s.record(storeCall{op: "lookup", key: key.Name})
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	return s.Store.Lookup(ctx, key)
}

func (s *recordingStore) Create(ctx context.Context, key store.Key, meta store.Meta) (*store.Entry, error) {
	s.record(storeCall{op: "create", key: key.Name})
	if s.createErr != nil {
		return nil, s.createErr
	}
	return s.Store.Create(ctx, key, meta)
}

func (s *recordingStore) Write(ctx context.Context, entry *store.Entry, chunk []byte) error {
	s.record(storeCall{op: "write", key: entry.Key().Name, bytes: len(chunk)})
	s.writes++
	if s.failWriteAt > 0 && s.writes == s.failWriteAt {
		return errInjected
	}
	return s.Store.Write(ctx, entry, chunk)
}

func (s *recordingStore) Finalize(ctx context.Context, entry *store.Entry) error {
	s.record(storeCall{op: "finalize", key: entry.Key().Name})
	if s.finalizeErr != nil {
		s.Store.Abort(ctx, entry)
		return s.finalizeErr
	}
	return s.Store.Finalize(ctx, entry)
}

func (s *recordingStore) Abort(ctx context.Context, entry *store.Entry) {
	s.record(storeCall{op: "abort", key: entry.Key().Name})
	s.Store.Abort(ctx, entry)
}

func (s *recordingStore) Housekeeping(ctx context.Context) {
	s.record(storeCall{op: "housekeeping"})
	s.Store.Housekeeping(ctx)
}

// seed commits body under key directly through the wrapped store.
func (s *recordingStore) seed(t *testing.T, key string, status int, body string) {
	t.Helper()
	ctx := context.Background()
	entry, err := s.Store.Create(ctx, store.NewKey(key), store.Meta{Status: status, TTL: time.Minute, Header: http.Header{}})
	require.NoError(t, err)
	require.NoError(t, s.Store.Write(ctx, entry, []byte(body)))
	require.NoError(t, s.Store.Finalize(ctx, entry))
}

func compileRules(t *testing.T, specs ...rules.DefinitionSpec) *rules.Set {
	t.Helper()
	set, err := rules.Compile(specs, true, nil)
	require.NoError(t, err)
	return set
}

func newCoordinator(t *testing.T, st store.Store, set *rules.Set) *Coordinator {
	t.Helper()
	return New(Options{
		Store: st,
		Rules: set,
		TTL:   store.TTLPolicy{Default: time.Minute},
	})
}

func newExchange(method, target string) *Exchange {
	return NewExchange("x-1", httptest.NewRequest(method, target, nil))
}

// attachAndRequest attaches x and runs the request phase.
func attachAndRequest(t *testing.T, c *Coordinator, x *Exchange) Verdict {
	t.Helper()
	require.True(t, c.Attach(x))
	verdict, err := c.RequestHeaders(context.Background(), x)
	require.NoError(t, err)
	return verdict
}

func respond(c *Coordinator, x *Exchange, status int, header http.Header) Verdict {
	if header == nil {
		header = http.Header{}
	}
	x.SetResponse(status, header)
	return c.ResponseHeaders(context.Background(), x)
}
