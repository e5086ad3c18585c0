// Package proxy forwards client requests to the upstream origin and runs
// each exchange through the caching coordinator.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/l0p7/streamcache/internal/logging"
	"github.com/l0p7/streamcache/internal/runtime/coordinator"
)

// Options configures a Handler.
type Options struct {
	Upstream *url.URL
	// UpstreamHost overrides the Host header sent upstream.
	UpstreamHost      string
	Coordinator       *coordinator.Coordinator
	CorrelationHeader string
	Transport         http.RoundTripper
	Logger            *slog.Logger
	// Now is used for Age and freshness on hits. Defaults to time.Now.
	Now func() time.Time
}

// Handler is the caching reverse proxy.
type Handler struct {
	coord             *coordinator.Coordinator
	proxy             *httputil.ReverseProxy
	logger            *slog.Logger
	correlationHeader string
	now               func() time.Time
}

type exchangeKey struct{}

// New builds a Handler forwarding to opts.Upstream.
func New(opts Options) (*Handler, error) {
	if opts.Upstream == nil || opts.Upstream.Host == "" {
		return nil, errors.New("proxy: upstream url required")
	}
	if opts.Coordinator == nil {
		return nil, errors.New("proxy: coordinator required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	h := &Handler{
		coord:             opts.Coordinator,
		logger:            logger.With(slog.String("agent", "proxy")),
		correlationHeader: strings.TrimSpace(opts.CorrelationHeader),
		now:               now,
	}

	upstream := opts.Upstream
	host := strings.TrimSpace(opts.UpstreamHost)
	h.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()
			if host != "" {
				pr.Out.Host = host
			}
		},
		Transport:      opts.Transport,
		ModifyResponse: h.modifyResponse,
		ErrorHandler:   h.upstreamError,
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	x := coordinator.NewExchange(h.exchangeID(r), r)
	ctx := r.Context()

	if h.coord.Attach(x) {
		// Runs on every exit, including client disconnects and aborted copies.
		defer h.finish(ctx, x, time.Now())

		verdict, err := h.coord.RequestHeaders(ctx, x)
		if err != nil {
			h.logger.LogAttrs(ctx, slog.LevelDebug, "request phase bypassed cache",
				slog.String("exchange_id", x.ID),
				slog.String("error", err.Error()),
			)
		}
		if verdict == coordinator.VerdictServeCached {
			h.serveSnapshot(w, r, x)
			return
		}
	}

	h.proxy.ServeHTTP(w, r.WithContext(context.WithValue(ctx, exchangeKey{}, x)))
}

func (h *Handler) finish(ctx context.Context, x *coordinator.Exchange, start time.Time) {
	attrs := []slog.Attr{
		slog.String("exchange_id", x.ID),
		slog.String("method", x.Request.Method),
		slog.String("path", x.Request.URL.Path),
		slog.String("state", x.State().String()),
		slog.Int("status", x.Status),
		slog.Bool("stored", x.Stored()),
		slog.Int64("captured_bytes", x.Captured()),
	}
	if rule := x.GoverningRule(); rule != nil {
		attrs = append(attrs, slog.String("rule", rule.Name))
	}
	h.coord.Detach(context.WithoutCancel(ctx), x)
	attrs = append(attrs, slog.Float64("latency_ms", float64(time.Since(start))/float64(time.Millisecond)))
	h.logger.LogAttrs(ctx, slog.LevelDebug, "exchange completed", attrs...)
}

func (h *Handler) exchangeID(r *http.Request) string {
	if h.correlationHeader != "" {
		if id := strings.TrimSpace(r.Header.Get(h.correlationHeader)); id != "" {
			return id
		}
	}
	return uuid.NewString()
}

func (h *Handler) serveSnapshot(w http.ResponseWriter, r *http.Request, x *coordinator.Exchange) {
	snap := x.Snapshot()
	now := h.now()
	x.SetResponse(snap.Status, snap.Header)

	header := w.Header()
	for name, values := range snap.Header {
		header[name] = append([]string(nil), values...)
	}
	header.Set("Age", strconv.FormatInt(int64(snap.Age(now)/time.Second), 10))
	header.Set("Content-Length", strconv.Itoa(len(snap.Body)))
	status := (&CacheStatus{}).Hit().TTL(snap.ExpiresAt.Sub(now))
	header.Set(CacheStatusHeader, status.String())

	w.WriteHeader(snap.Status)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(snap.Body); err != nil {
		h.logger.LogAttrs(r.Context(), slog.LevelDebug, "cached response write failed",
			slog.String("exchange_id", x.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (h *Handler) modifyResponse(resp *http.Response) error {
	x, ok := resp.Request.Context().Value(exchangeKey{}).(*coordinator.Exchange)
	if !ok || !x.Attached() {
		resp.Header.Set(CacheStatusHeader, (&CacheStatus{}).Forward(fwdBypass).FwdStatus(resp.StatusCode).String())
		return nil
	}
	ctx := resp.Request.Context()

	x.SetResponse(resp.StatusCode, resp.Header)
	verdict := h.coord.ResponseHeaders(ctx, x)
	resp.Header.Set(CacheStatusHeader, forwardStatus(x, verdict).String())

	// Upgraded connections need the raw read-write body.
	if resp.StatusCode == http.StatusSwitchingProtocols {
		return nil
	}
	resp.Body = &captureBody{
		ReadCloser: resp.Body,
		ctx:        ctx,
		coord:      h.coord,
		exchange:   x,
	}
	return nil
}

func (h *Handler) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	}
	if x, ok := r.Context().Value(exchangeKey{}).(*coordinator.Exchange); ok {
		attrs = append(attrs, slog.String("exchange_id", x.ID))
	}
	if errors.Is(err, context.Canceled) {
		h.logger.LogAttrs(r.Context(), slog.LevelDebug, "client canceled upstream request", attrs...)
		return
	}
	h.logger.LogAttrs(r.Context(), slog.LevelWarn, "upstream request failed", attrs...)
	w.Header().Set(CacheStatusHeader, (&CacheStatus{}).Forward(fwdBypass).Detail("upstream-error").String())
	http.Error(w, fmt.Sprintf("upstream unavailable: %s", http.StatusText(http.StatusBadGateway)), http.StatusBadGateway)
}

// captureBody feeds each upstream read through the coordinator while the
// reverse proxy copies it to the client.
type captureBody struct {
	io.ReadCloser
	ctx      context.Context
	coord    *coordinator.Coordinator
	exchange *coordinator.Exchange
	ended    bool
}

func (b *captureBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		b.coord.ResponseChunk(b.ctx, b.exchange, p[:n])
	}
	if errors.Is(err, io.EOF) && !b.ended {
		b.ended = true
		b.coord.ResponseEnd(b.ctx, b.exchange)
	}
	return n, err
}
