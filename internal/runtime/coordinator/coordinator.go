// Package coordinator decides, per exchange, whether a response is served
// from cache, captured into cache while it streams to the client, or left
// alone, and drives that decision across the request header, response
// header, body chunk, end and teardown hooks of the proxy.
package coordinator

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/l0p7/streamcache/internal/logging"
	"github.com/l0p7/streamcache/internal/metrics"
	"github.com/l0p7/streamcache/internal/runtime/rules"
	"github.com/l0p7/streamcache/internal/runtime/store"
)

// Verdict tells the proxy how to continue after a header hook.
type Verdict int

const (
	// VerdictContinue forwards the exchange normally.
	VerdictContinue Verdict = iota
	// VerdictServeCached answers the request from Exchange.Snapshot.
	VerdictServeCached
	// VerdictCapture means body chunks are being written to the store.
	VerdictCapture
	// VerdictDecline means a rule admitted the exchange but capture was refused.
	VerdictDecline
)

func (v Verdict) String() string {
	switch v {
	case VerdictContinue:
		return "continue"
	case VerdictServeCached:
		return "serve-cached"
	case VerdictCapture:
		return "capture"
	case VerdictDecline:
		return "decline"
	default:
		return "unknown"
	}
}

// DefaultMethods are the request methods eligible for caching when none are configured.
var DefaultMethods = []string{http.MethodGet, http.MethodHead}

// Options wires the coordinator's collaborators.
type Options struct {
	Store   store.Store
	Rules   *rules.Set
	Methods []string
	TTL     store.TTLPolicy
	// Disabled starts the coordinator with the global switch off.
	Disabled bool
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
}

// Coordinator is shared by every exchange. Per-exchange state lives on the
// Exchange; the coordinator itself only holds configuration.
type Coordinator struct {
	store   store.Store
	logger  *slog.Logger
	metrics *metrics.Recorder
	ttl     store.TTLPolicy
	methods map[string]struct{}

	enabled atomic.Bool
	rules   atomic.Pointer[rules.Set]
}

// New constructs a Coordinator.
func New(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	methods := opts.Methods
	if len(methods) == 0 {
		methods = DefaultMethods
	}
	c := &Coordinator{
		store:   opts.Store,
		logger:  logger.With(slog.String("agent", "coordinator")),
		metrics: opts.Metrics,
		ttl:     opts.TTL,
		methods: make(map[string]struct{}, len(methods)),
	}
	for _, method := range methods {
		c.methods[strings.ToUpper(strings.TrimSpace(method))] = struct{}{}
	}
	set := opts.Rules
	if set == nil {
		set = rules.Empty()
	}
	c.rules.Store(set)
	c.enabled.Store(!opts.Disabled)
	return c
}

// Enabled reports the global caching switch.
func (c *Coordinator) Enabled() bool { return c.enabled.Load() }

// SetEnabled flips the global caching switch. Exchanges already attached
// finish under the decision they started with.
func (c *Coordinator) SetEnabled(enabled bool) { c.enabled.Store(enabled) }

// Rules returns the active rule set.
func (c *Coordinator) Rules() *rules.Set { return c.rules.Load() }

// SwapRules installs a new rule set for exchanges attached from now on and
// returns the previous one.
func (c *Coordinator) SwapRules(set *rules.Set) *rules.Set {
	if set == nil {
		set = rules.Empty()
	}
	return c.rules.Swap(set)
}

// MethodEligible reports whether method may be cached.
func (c *Coordinator) MethodEligible(method string) bool {
	_, ok := c.methods[method]
	return ok
}

// Housekeeping forwards a maintenance tick to the store.
func (c *Coordinator) Housekeeping(ctx context.Context) {
	c.store.Housekeeping(ctx)
}

// Attach starts tracking x. It returns false, leaving x inert, when caching
// is switched off globally or for the active rule set.
func (c *Coordinator) Attach(x *Exchange) bool {
	if x == nil {
		return false
	}
	if x.cx != nil {
		return true
	}
	if !c.enabled.Load() {
		return false
	}
	set := c.rules.Load()
	if !set.Enabled() {
		return false
	}
	x.cx = &exchangeContext{
		phase:   initPhase{},
		rules:   set,
		started: time.Now(),
	}
	return true
}

// Detach ends tracking of x. A capture still in progress is aborted. Detach
// is safe to call more than once.
func (c *Coordinator) Detach(ctx context.Context, x *Exchange) {
	if !x.Attached() {
		return
	}
	cx := x.cx
	if p, ok := cx.phase.(createPhase); ok && !p.finalized {
		c.store.Abort(ctx, p.entry)
		c.logger.LogAttrs(ctx, slog.LevelDebug, "capture aborted on teardown",
			slog.String("exchange_id", x.ID),
			slog.String("rule", p.rule.Name),
			slog.Int64("captured_bytes", p.cursor),
		)
	}

	ruleName := ""
	if rule := governingRule(cx.phase); rule != nil {
		ruleName = rule.Name
	}
	c.metrics.ObserveExchange(ruleName, outcome(cx.phase), x.Status, time.Since(cx.started))
	x.cx = nil
}

// RequestHeaders runs the request phase: a housekeeping tick, the method
// check, then the ordered rule pass. A key build failure is returned after
// the exchange has been moved to BYPASS; the exchange itself continues.
func (c *Coordinator) RequestHeaders(ctx context.Context, x *Exchange) (Verdict, error) {
	if !x.Attached() {
		return VerdictContinue, nil
	}
	c.store.Housekeeping(ctx)

	cx := x.cx
	if _, ok := cx.phase.(initPhase); !ok {
		return VerdictContinue, nil
	}
	if x.Request == nil || !c.MethodEligible(x.Request.Method) {
		cx.phase = bypassPhase{reason: BypassMethod}
		return VerdictContinue, nil
	}
	return c.admitRequest(ctx, x)
}

// ResponseHeaders runs the response phase once the upstream status and
// headers are known and reports whether the body will be captured.
func (c *Coordinator) ResponseHeaders(ctx context.Context, x *Exchange) Verdict {
	if !x.Attached() || x.cx.answered {
		return VerdictContinue
	}
	cx := x.cx
	cx.answered = true

	switch cx.phase.(type) {
	case initPhase, bypassPhase:
		c.admitResponse(ctx, x)
	}

	p, ok := cx.phase.(passPhase)
	if !ok {
		return VerdictContinue
	}
	return c.startCapture(ctx, x, p.rule)
}

// ResponseChunk feeds one body chunk to the live entry and always reports
// the whole chunk as consumed.
func (c *Coordinator) ResponseChunk(ctx context.Context, x *Exchange, chunk []byte) int {
	if x.Attached() && len(chunk) > 0 {
		c.capture(ctx, x, chunk)
	}
	return len(chunk)
}

// ResponseEnd commits the live entry once the upstream body is complete.
func (c *Coordinator) ResponseEnd(ctx context.Context, x *Exchange) {
	if x.Attached() {
		c.finish(ctx, x)
	}
}
