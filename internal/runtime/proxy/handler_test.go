package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/streamcache/internal/runtime/coordinator"
	"github.com/l0p7/streamcache/internal/runtime/rules"
	"github.com/l0p7/streamcache/internal/runtime/store"
)

type upstream struct {
	*httptest.Server
	hits atomic.Int32
}

func newUpstream(t *testing.T, handler http.HandlerFunc) *upstream {
	t.Helper()
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(u.Close)
	return u
}

func echoPath(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("X-Origin", "upstream")
	if strings.HasPrefix(r.URL.Path, "/missing") {
		w.WriteHeader(http.StatusNotFound)
	}
	_, _ = io.WriteString(w, "body:"+r.URL.Path)
}

type fixture struct {
	store    store.Store
	coord    *coordinator.Coordinator
	upstream *upstream
	proxy    *httptest.Server
}

func newFixture(t *testing.T, handler http.HandlerFunc, specs ...rules.DefinitionSpec) *fixture {
	t.Helper()
	if len(specs) == 0 {
		specs = []rules.DefinitionSpec{{
			Name:    "static",
			Request: `request.path.startsWith("/static/") || request.path.startsWith("/missing")`,
			Codes:   []int{http.StatusOK},
		}}
	}
	set, err := rules.Compile(specs, true, nil)
	require.NoError(t, err)

	st := store.NewMemory(store.MemoryOptions{})
	coord := coordinator.New(coordinator.Options{
		Store: st,
		Rules: set,
		TTL:   store.TTLPolicy{Default: time.Minute},
	})
	up := newUpstream(t, handler)
	target, err := url.Parse(up.URL)
	require.NoError(t, err)

	h, err := New(Options{Upstream: target, Coordinator: coord, CorrelationHeader: "X-Request-ID"})
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return &fixture{store: st, coord: coord, upstream: up, proxy: srv}
}

func (f *fixture) do(t *testing.T, method, path string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, f.proxy.URL+path, nil)
	require.NoError(t, err)
	resp, err := f.proxy.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func (f *fixture) waitForEntries(t *testing.T, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		size, err := f.store.Size(context.Background())
		return err == nil && size == n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHandlerCapturesThenServesHits(t *testing.T) {
	f := newFixture(t, echoPath)

	resp, body := f.do(t, http.MethodGet, "/static/app.js")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "body:/static/app.js", body)
	require.Equal(t, "StreamCache; fwd=miss; fwd-status=200; stored; detail=static", resp.Header.Get(CacheStatusHeader))
	f.waitForEntries(t, 1)

	resp, body = f.do(t, http.MethodGet, "/static/app.js")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "body:/static/app.js", body)
	require.True(t, strings.HasPrefix(resp.Header.Get(CacheStatusHeader), "StreamCache; hit"))
	require.Equal(t, "upstream", resp.Header.Get("X-Origin"))
	require.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	require.NotEmpty(t, resp.Header.Get("Age"))
	require.Equal(t, int32(1), f.upstream.hits.Load())
}

func TestHandlerServesHeadFromCapturedGet(t *testing.T) {
	f := newFixture(t, echoPath)

	f.do(t, http.MethodGet, "/static/a")
	f.waitForEntries(t, 1)

	resp, body := f.do(t, http.MethodHead, "/static/a")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, body)
	require.Equal(t, int64(len("body:/static/a")), resp.ContentLength)
	require.True(t, strings.HasPrefix(resp.Header.Get(CacheStatusHeader), "StreamCache; hit"))
	require.Equal(t, int32(1), f.upstream.hits.Load())
}

func TestHandlerHeadMissIsNotStored(t *testing.T) {
	f := newFixture(t, echoPath)

	resp, _ := f.do(t, http.MethodHead, "/static/h")
	require.Equal(t, "StreamCache; fwd=miss; fwd-status=200; detail=static", resp.Header.Get(CacheStatusHeader))

	_, body := f.do(t, http.MethodGet, "/static/h")
	require.Equal(t, "body:/static/h", body)
	require.Equal(t, int32(2), f.upstream.hits.Load())
}

func TestHandlerForwardReasons(t *testing.T) {
	f := newFixture(t, echoPath)

	tests := []struct {
		name   string
		method string
		path   string
		status int
		want   string
	}{
		{name: "ineligible method", method: http.MethodPost, path: "/static/a", status: http.StatusOK, want: "StreamCache; fwd=method; fwd-status=200"},
		{name: "no rule matched", method: http.MethodGet, path: "/api/users", status: http.StatusOK, want: "StreamCache; fwd=bypass; fwd-status=200"},
		{name: "status not cacheable", method: http.MethodGet, path: "/missing/x", status: http.StatusNotFound, want: "StreamCache; fwd=miss; fwd-status=404; detail=static"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := f.do(t, tt.method, tt.path)
			require.Equal(t, tt.status, resp.StatusCode)
			require.Equal(t, tt.want, resp.Header.Get(CacheStatusHeader))
		})
	}

	size, err := f.store.Size(context.Background())
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestHandlerKeyFailureBypasses(t *testing.T) {
	f := newFixture(t, echoPath, rules.DefinitionSpec{Name: "tenant", Key: ":header.X-Tenant"})

	resp, _ := f.do(t, http.MethodGet, "/static/a")
	require.Equal(t, `StreamCache; fwd=bypass; fwd-status=200; detail=key`, resp.Header.Get(CacheStatusHeader))
}

func TestHandlerGlobalSwitchOff(t *testing.T) {
	f := newFixture(t, echoPath)
	f.coord.SetEnabled(false)

	for range 2 {
		resp, body := f.do(t, http.MethodGet, "/static/a")
		require.Equal(t, "body:/static/a", body)
		require.Equal(t, "StreamCache; fwd=bypass; fwd-status=200", resp.Header.Get(CacheStatusHeader))
	}
	require.Equal(t, int32(2), f.upstream.hits.Load())
}

func TestHandlerUpstreamUnavailable(t *testing.T) {
	f := newFixture(t, echoPath)
	f.upstream.Close()

	resp, _ := f.do(t, http.MethodGet, "/static/a")
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Equal(t, "StreamCache; fwd=bypass; detail=upstream-error", resp.Header.Get(CacheStatusHeader))
}

func TestHandlerTruncatedUpstreamBodyIsNotStored(t *testing.T) {
	var truncate atomic.Bool
	truncate.Store(true)
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if !truncate.Load() {
			echoPath(w, r)
			return
		}
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "partial")
		w.(http.Flusher).Flush()
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			_ = conn.Close()
		}
	})

	req, err := http.NewRequest(http.MethodGet, f.proxy.URL+"/static/t", nil)
	require.NoError(t, err)
	resp, err := f.proxy.Client().Do(req)
	if err == nil {
		_, _ = io.ReadAll(resp.Body)
		_ = resp.Body.Close()
	}

	truncate.Store(false)
	require.Eventually(t, func() bool {
		resp, err := f.proxy.Client().Get(f.proxy.URL + "/static/t")
		if err != nil {
			return false
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		return strings.HasSuffix(resp.Header.Get(CacheStatusHeader), "stored; detail=static")
	}, 2*time.Second, 10*time.Millisecond, "the aborted entry must release its key")
	f.waitForEntries(t, 1)

	_, body := f.do(t, http.MethodGet, "/static/t")
	require.Equal(t, "body:/static/t", body)
}

func TestHandlerExchangeID(t *testing.T) {
	f := newFixture(t, echoPath)
	target, err := url.Parse(f.upstream.URL)
	require.NoError(t, err)
	h, err := New(Options{Upstream: target, Coordinator: f.coord, CorrelationHeader: "X-Request-ID"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-42")
	require.Equal(t, "req-42", h.exchangeID(req))

	generated := h.exchangeID(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Len(t, generated, 36)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	target, err := url.Parse("http://origin.internal")
	require.NoError(t, err)
	_, err = New(Options{Upstream: target})
	require.Error(t, err)
}

func TestCaptureBodyFeedsChunksAndEnds(t *testing.T) {
	set, err := rules.Compile([]rules.DefinitionSpec{{Name: "all"}}, true, nil)
	require.NoError(t, err)
	st := store.NewMemory(store.MemoryOptions{})
	coord := coordinator.New(coordinator.Options{Store: st, Rules: set, TTL: store.TTLPolicy{Default: time.Minute}})

	ctx := context.Background()
	x := coordinator.NewExchange("x-1", httptest.NewRequest(http.MethodGet, "/a", nil))
	require.True(t, coord.Attach(x))
	_, err = coord.RequestHeaders(ctx, x)
	require.NoError(t, err)
	x.SetResponse(http.StatusOK, http.Header{})
	require.Equal(t, coordinator.VerdictCapture, coord.ResponseHeaders(ctx, x))

	body := &captureBody{
		ReadCloser: io.NopCloser(strings.NewReader("streamed body")),
		ctx:        ctx,
		coord:      coord,
		exchange:   x,
	}
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, "streamed body", string(data))
	require.True(t, x.Stored())
	require.Equal(t, int64(len(data)), x.Captured())

	_, err = body.Read(make([]byte, 8))
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, int64(len(data)), x.Captured(), "end runs once")

	coord.Detach(ctx, x)
	require.False(t, x.Attached())

	snap, err := st.Lookup(ctx, store.NewKey("GET.http.example.com./a"))
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Equal(t, "streamed body", string(snap.Body))
}
