// Package rules compiles caching rule definitions into the ordered,
// runtime-togglable rule set consulted by the exchange coordinator.
package rules

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/l0p7/streamcache/internal/expr"
	"github.com/l0p7/streamcache/internal/templates"
)

// Phase selects which admission predicate Admit evaluates.
type Phase int

const (
	PhaseRequest Phase = iota
	PhaseResponse
)

func (p Phase) String() string {
	if p == PhaseResponse {
		return "response"
	}
	return "request"
}

// DefinitionSpec captures the declarative rule definition loaded from
// configuration prior to compilation.
type DefinitionSpec struct {
	Name               string
	Description        string
	Disabled           bool
	Key                string
	Request            string
	Response           string
	Codes              []int
	TTL                time.Duration
	FollowCacheControl bool
}

// Rule is a compiled caching rule. Rules are shared by every exchange for the
// lifetime of the rule set; only the enabled flag changes at runtime.
type Rule struct {
	Name               string
	Description        string
	Position           int
	TTL                time.Duration
	FollowCacheControl bool

	enabled  atomic.Bool
	key      *templates.KeyTemplate
	request  *expr.Program
	response *expr.Program
	codes    map[int]struct{}
}

// Enabled reports whether the rule currently participates in admission.
func (r *Rule) Enabled() bool { return r != nil && r.enabled.Load() }

// SetEnabled toggles the rule without recompiling the set.
func (r *Rule) SetEnabled(enabled bool) { r.enabled.Store(enabled) }

// KeySource returns the key template text.
func (r *Rule) KeySource() string { return r.key.Source() }

// RequestPredicate returns the request-phase CEL source, if any.
func (r *Rule) RequestPredicate() string {
	if r.request == nil {
		return ""
	}
	return r.request.Source()
}

// ResponsePredicate returns the response-phase CEL source, if any.
func (r *Rule) ResponsePredicate() string {
	if r.response == nil {
		return ""
	}
	return r.response.Source()
}

// Codes lists the accepted status codes in ascending order. Empty means any.
func (r *Rule) Codes() []int {
	out := make([]int, 0, len(r.codes))
	for code := range r.codes {
		out = append(out, code)
	}
	slices.Sort(out)
	return out
}

// AcceptsStatus reports whether a response with status may be captured.
func (r *Rule) AcceptsStatus(status int) bool {
	if len(r.codes) == 0 {
		return true
	}
	_, ok := r.codes[status]
	return ok
}

// BuildKey expands the rule's key template against req.
func (r *Rule) BuildKey(req *http.Request) (string, error) {
	return r.key.Build(req)
}

// Admit evaluates the rule's predicate for phase against vars.
//
// A rule without predicates admits every request. A rule that only declares
// a response predicate never admits at request time, and the response phase
// only consults rules that declare a response predicate.
func (r *Rule) Admit(phase Phase, vars map[string]any) (bool, error) {
	switch phase {
	case PhaseRequest:
		if r.request == nil {
			return r.response == nil, nil
		}
		return r.request.EvalBool(vars)
	case PhaseResponse:
		if r.response == nil {
			return false, nil
		}
		return r.response.EvalBool(vars)
	default:
		return false, fmt.Errorf("rules: unknown phase %d", phase)
	}
}

func compileRule(position int, spec DefinitionSpec, requestEnv, responseEnv *expr.Environment, renderer *templates.Renderer) (*Rule, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, fmt.Errorf("name required")
	}

	key, err := templates.CompileKey(renderer, spec.Key)
	if err != nil {
		return nil, fmt.Errorf("key: %w", err)
	}

	rule := &Rule{
		Name:               name,
		Description:        strings.TrimSpace(spec.Description),
		Position:           position,
		TTL:                spec.TTL,
		FollowCacheControl: spec.FollowCacheControl,
		key:                key,
	}
	rule.enabled.Store(!spec.Disabled)

	if source := strings.TrimSpace(spec.Request); source != "" {
		program, err := requestEnv.Compile(source)
		if err != nil {
			return nil, fmt.Errorf("request predicate: %w", err)
		}
		rule.request = &program
	}
	if source := strings.TrimSpace(spec.Response); source != "" {
		program, err := responseEnv.Compile(source)
		if err != nil {
			return nil, fmt.Errorf("response predicate: %w", err)
		}
		rule.response = &program
	}

	if len(spec.Codes) > 0 {
		rule.codes = make(map[int]struct{}, len(spec.Codes))
		for idx, code := range spec.Codes {
			if code < 100 || code > 599 {
				return nil, fmt.Errorf("codes[%d]: invalid status %d", idx, code)
			}
			rule.codes[code] = struct{}{}
		}
	}
	return rule, nil
}
