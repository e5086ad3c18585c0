package coordinator

import (
	"github.com/l0p7/streamcache/internal/runtime/rules"
	"github.com/l0p7/streamcache/internal/runtime/store"
)

// State is the caching decision an exchange has reached.
type State int

const (
	// StateInit means no decision has been made yet.
	StateInit State = iota
	// StateBypass means the request is ineligible or its key could not be built.
	StateBypass
	// StateHit means a committed entry will be served instead of the upstream.
	StateHit
	// StatePass means a rule admitted the exchange but nothing is being captured.
	StatePass
	// StateCreate means the response body is being captured into a store entry.
	StateCreate
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateBypass:
		return "bypass"
	case StateHit:
		return "hit"
	case StatePass:
		return "pass"
	case StateCreate:
		return "create"
	default:
		return "unknown"
	}
}

// BypassReason explains why an exchange entered BYPASS.
type BypassReason string

const (
	BypassMethod BypassReason = "method"
	BypassKey    BypassReason = "key"
)

// phase is the per-state payload. Each variant carries only the data valid in
// its state, so a snapshot and a live entry never coexist.
type phase interface {
	state() State
}

type initPhase struct{}

type bypassPhase struct {
	reason BypassReason
}

type hitPhase struct {
	snapshot *store.Snapshot
	rule     *rules.Rule
}

type passPhase struct {
	rule *rules.Rule
	// abandoned marks a capture that failed after the entry was created.
	abandoned bool
}

type createPhase struct {
	rule      *rules.Rule
	entry     *store.Entry
	cursor    int64
	finalized bool
}

func (initPhase) state() State   { return StateInit }
func (bypassPhase) state() State { return StateBypass }
func (hitPhase) state() State    { return StateHit }
func (passPhase) state() State   { return StatePass }
func (createPhase) state() State { return StateCreate }

func governingRule(p phase) *rules.Rule {
	switch v := p.(type) {
	case hitPhase:
		return v.rule
	case passPhase:
		return v.rule
	case createPhase:
		return v.rule
	default:
		return nil
	}
}

// outcome labels the final state for logs and metrics.
func outcome(p phase) string {
	switch v := p.(type) {
	case passPhase:
		if v.abandoned {
			return "abandoned"
		}
	case createPhase:
		if v.finalized {
			return "stored"
		}
		return "aborted"
	}
	return p.state().String()
}
