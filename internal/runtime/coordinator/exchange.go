package coordinator

import (
	"net/http"
	"slices"
	"time"

	"github.com/l0p7/streamcache/internal/runtime/rules"
	"github.com/l0p7/streamcache/internal/runtime/store"
)

// Exchange is one client request and, once known, its upstream response
// head. An Exchange is confined to the goroutine serving it.
type Exchange struct {
	ID      string
	Request *http.Request
	Status  int
	Header  http.Header

	cx *exchangeContext
}

// exchangeContext exists between Attach and Detach. Exchanges without one
// are ignored by every hook.
type exchangeContext struct {
	phase    phase
	stash    stash
	rules    *rules.Set
	started  time.Time
	answered bool
}

// NewExchange wraps req for the coordinator.
func NewExchange(id string, req *http.Request) *Exchange {
	return &Exchange{ID: id, Request: req}
}

// SetResponse records the upstream response head before ResponseHeaders.
func (x *Exchange) SetResponse(status int, header http.Header) {
	x.Status = status
	x.Header = header
}

// Attached reports whether the coordinator is tracking the exchange.
func (x *Exchange) Attached() bool { return x != nil && x.cx != nil }

// State reports the current caching state. Detached exchanges report INIT.
func (x *Exchange) State() State {
	if !x.Attached() {
		return StateInit
	}
	return x.cx.phase.state()
}

// BypassReason reports why the exchange bypassed the cache, or "" when it did not.
func (x *Exchange) BypassReason() BypassReason {
	if !x.Attached() {
		return ""
	}
	if p, ok := x.cx.phase.(bypassPhase); ok {
		return p.reason
	}
	return ""
}

// Snapshot returns the committed entry to serve while in HIT.
func (x *Exchange) Snapshot() *store.Snapshot {
	if !x.Attached() {
		return nil
	}
	if p, ok := x.cx.phase.(hitPhase); ok {
		return p.snapshot
	}
	return nil
}

// GoverningRule returns the rule that admitted the exchange, if any.
func (x *Exchange) GoverningRule() *rules.Rule {
	if !x.Attached() {
		return nil
	}
	return governingRule(x.cx.phase)
}

// Captured reports how many body bytes the live entry has accepted.
func (x *Exchange) Captured() int64 {
	if !x.Attached() {
		return 0
	}
	if p, ok := x.cx.phase.(createPhase); ok {
		return p.cursor
	}
	return 0
}

// Stored reports whether the response was committed to the store.
func (x *Exchange) Stored() bool {
	if !x.Attached() {
		return false
	}
	p, ok := x.cx.phase.(createPhase)
	return ok && p.finalized
}

// Stash returns a copy of the keys recorded during the request phase.
func (x *Exchange) Stash() []StashEntry {
	if !x.Attached() {
		return nil
	}
	return slices.Clone(x.cx.stash)
}
