package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"
)

func allocatePort(t *testing.T) int {
	t.Helper()
	var lc net.ListenConfig
	l, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func integrationURL(port int, path string) string {
	u := url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		Path:   path,
	}
	return u.String()
}

func waitForEndpoint(t *testing.T, client *http.Client, target string, timeout time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := client.Get(target) // #nosec G107 - test helper for local server
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode < 500
	}, timeout, 20*time.Millisecond, "server did not become ready")
}

// cacheStatus fetches path without failing the test so it can run inside
// require.Eventually.
func cacheStatus(client *http.Client, target string) string {
	resp, err := client.Get(target) // #nosec G107 - integration test
	if err != nil {
		return ""
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.Header.Get("Cache-Status")
}

const integrationRules = `rules:
  - name: static
    key: "/static/:path"
    request: "request.path.startsWith('/static/')"
    codes: [200]
    ttl: 30s
`

const reloadedRules = `rules:
  - name: static
    key: "/static/:path"
    request: "request.path.startsWith('/static/')"
    codes: [200]
    ttl: 30s
  - name: docs
    request: "request.path.startsWith('/docs/')"
`

func writeIntegrationConfig(t *testing.T, dir string, port int, upstream string) (string, string) {
	t.Helper()
	rulesPath := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(rulesPath, []byte(integrationRules), 0o600))

	contents := strings.Join([]string{
		"server:",
		"  listen:",
		"    address: 127.0.0.1",
		"    port: " + strconv.Itoa(port),
		"  logging:",
		"    level: warn",
		"    format: text",
		"  upstream:",
		"    url: " + upstream,
		"  rules:",
		"    rulesFile: " + rulesPath,
		"  cache:",
		"    backend: memory",
		"    defaultTTLSeconds: 60",
		"    sweepSchedule: \"@every 1m\"",
		"",
	}, "\n")
	path := filepath.Join(dir, "streamcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path, rulesPath
}

func TestIntegrationCachingProxy(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	var originHits atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originHits.Add(1)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "origin:"+r.URL.Path)
	}))
	t.Cleanup(origin.Close)

	port := allocatePort(t)
	configPath, rulesPath := writeIntegrationConfig(t, t.TempDir(), port, origin.URL)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, "STREAMCACHE_IT", configPath) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("run returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	client := &http.Client{Timeout: 5 * time.Second}
	waitForEndpoint(t, client, integrationURL(port, "/_streamcache/healthz"), 10*time.Second)

	expect := httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  integrationURL(port, ""),
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   client,
	})

	t.Run("miss is captured then served from cache", func(t *testing.T) {
		first := expect.GET("/static/app.js").Expect()
		first.Status(http.StatusOK)
		first.Body().IsEqual("origin:/static/app.js")
		first.Header("Cache-Status").IsEqual("StreamCache; fwd=miss; fwd-status=200; stored; detail=static")

		require.Eventually(t, func() bool {
			return strings.HasPrefix(cacheStatus(client, integrationURL(port, "/static/app.js")), "StreamCache; hit")
		}, 2*time.Second, 10*time.Millisecond)
		require.Equal(t, int32(1), originHits.Load())

		hit := expect.GET("/static/app.js").Expect()
		hit.Status(http.StatusOK)
		hit.Body().IsEqual("origin:/static/app.js")
		hit.Header("Content-Type").IsEqual("text/plain")
		hit.Header("Age").NotEmpty()
	})

	t.Run("unmatched and ineligible requests go upstream", func(t *testing.T) {
		expect.GET("/api/items").Expect().
			Status(http.StatusOK).
			Header("Cache-Status").IsEqual("StreamCache; fwd=bypass; fwd-status=200")
		expect.POST("/static/app.js").Expect().
			Status(http.StatusOK).
			Header("Cache-Status").IsEqual("StreamCache; fwd=method; fwd-status=200")
	})

	t.Run("admin api lists and toggles rules", func(t *testing.T) {
		rules := expect.GET("/_streamcache/rules").Expect().Status(http.StatusOK).JSON().Object()
		rules.Value("enabled").Boolean().IsTrue()
		rules.Value("rules").Array().Length().IsEqual(1)
		rules.Value("rules").Array().Value(0).Object().Value("name").String().IsEqual("static")

		expect.POST("/_streamcache/rules/static/disable").Expect().Status(http.StatusNoContent)
		expect.GET("/static/other.js").Expect().
			Header("Cache-Status").IsEqual("StreamCache; fwd=bypass; fwd-status=200")
		expect.POST("/_streamcache/rules/static/enable").Expect().Status(http.StatusNoContent)
		expect.POST("/_streamcache/rules/nope/enable").Expect().Status(http.StatusNotFound)

		expect.POST("/_streamcache/disable").Expect().Status(http.StatusNoContent)
		expect.GET("/static/app.js").Expect().
			Header("Cache-Status").IsEqual("StreamCache; fwd=bypass; fwd-status=200")
		expect.POST("/_streamcache/enable").Expect().Status(http.StatusNoContent)
	})

	t.Run("purge removes an entry", func(t *testing.T) {
		expect.DELETE("/_streamcache/entries").WithQuery("key", "/static/app.js").Expect().Status(http.StatusNoContent)
		expect.DELETE("/_streamcache/entries").WithQuery("key", "/static/app.js").Expect().Status(http.StatusNotFound)
		expect.GET("/static/app.js").Expect().
			Header("Cache-Status").IsEqual("StreamCache; fwd=miss; fwd-status=200; stored; detail=static")
	})

	t.Run("health and metrics", func(t *testing.T) {
		health := expect.GET("/_streamcache/healthz").Expect().Status(http.StatusOK).JSON().Object()
		health.Value("status").String().IsEqual("ok")
		health.Value("backend").String().IsEqual("memory")
		health.Value("rules").Number().IsEqual(1)
		health.Value("ruleSources").Array().Length().IsEqual(1)
		health.Value("nextSweep").String().NotEmpty()

		expect.GET("/metrics").Expect().Status(http.StatusOK).
			Body().Contains("streamcache_store_operations_total")
	})

	t.Run("rules file changes reload live", func(t *testing.T) {
		require.NoError(t, os.WriteFile(rulesPath, []byte(reloadedRules), 0o600))
		require.Eventually(t, func() bool {
			return strings.HasSuffix(cacheStatus(client, integrationURL(port, "/docs/intro")), "detail=docs")
		}, 5*time.Second, 25*time.Millisecond)

		expect.GET("/_streamcache/rules").Expect().Status(http.StatusOK).
			JSON().Object().Value("rules").Array().Length().IsEqual(2)
	})
}
