package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/streamcache/internal/config"
	"github.com/l0p7/streamcache/internal/logging"
	"github.com/l0p7/streamcache/internal/runtime/coordinator"
	"github.com/l0p7/streamcache/internal/runtime/rules"
	"github.com/l0p7/streamcache/internal/runtime/store"
	"github.com/l0p7/streamcache/internal/templates"
)

// SweepSchedule reports when the next scheduled housekeeping pass runs.
type SweepSchedule interface {
	NextRun() *time.Time
}

// PipelineOptions wires the long-lived pieces the admin surface reports on.
type PipelineOptions struct {
	Coordinator *coordinator.Coordinator
	Store       store.Store
	// Backend names the store implementation for health output.
	Backend string
	// UsingFallback marks a store that replaced the configured backend.
	UsingFallback      bool
	RulesetEnabled     bool
	RuleSources        []string
	SkippedDefinitions []config.DefinitionSkip
	Renderer           *templates.Renderer
	// Sweeps is optional; when set, health reports the next sweep.
	Sweeps SweepSchedule
	Logger *slog.Logger
}

// Pipeline owns rule reloads and the runtime switches exposed to operators.
// Request handling itself lives in the proxy and coordinator packages.
type Pipeline struct {
	logger   *slog.Logger
	coord    *coordinator.Coordinator
	store    store.Store
	backend  string
	renderer *templates.Renderer
	sweeps   SweepSchedule

	mu             sync.RWMutex
	rulesetEnabled bool
	ruleSources    []string
	skipped        []config.DefinitionSkip
	usingFallback  bool
	lastReload     time.Time
}

// NewPipeline constructs the operator-facing runtime.
func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	if opts.Coordinator == nil {
		return nil, errors.New("runtime: coordinator required")
	}
	if opts.Store == nil {
		return nil, errors.New("runtime: store required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	backend := strings.TrimSpace(opts.Backend)
	if backend == "" {
		backend = "memory"
	}
	return &Pipeline{
		logger:         logger.With(slog.String("agent", "runtime")),
		coord:          opts.Coordinator,
		store:          opts.Store,
		backend:        backend,
		renderer:       opts.Renderer,
		sweeps:         opts.Sweeps,
		rulesetEnabled: opts.RulesetEnabled,
		ruleSources:    cloneStringSlice(opts.RuleSources),
		skipped:        cloneDefinitionSkips(opts.SkippedDefinitions),
		usingFallback:  opts.UsingFallback,
	}, nil
}

// Reload compiles bundle and swaps it in. Exchanges already attached finish
// on the rule set they started with. A bundle that fails to compile leaves
// the active rules untouched.
func (p *Pipeline) Reload(ctx context.Context, bundle config.RuleBundle) error {
	p.mu.RLock()
	enabled := p.rulesetEnabled
	p.mu.RUnlock()

	set, err := rules.Compile(rules.SpecsFromConfig(bundle.Rules), enabled, p.renderer)
	if err != nil {
		p.logger.LogAttrs(ctx, slog.LevelError, "rules reload rejected",
			slog.String("event", "rules_reload"),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("runtime: reload: %w", err)
	}
	p.coord.SwapRules(set)

	p.mu.Lock()
	p.ruleSources = cloneStringSlice(bundle.Sources)
	p.skipped = cloneDefinitionSkips(bundle.Skipped)
	p.lastReload = time.Now().UTC()
	p.mu.Unlock()

	p.logger.LogAttrs(ctx, slog.LevelInfo, "configuration reloaded",
		slog.String("event", "rules_reload"),
		slog.Int("rules", set.Len()),
		slog.Int("skipped", len(bundle.Skipped)),
	)
	return nil
}

// SetCachingEnabled flips the global caching switch.
func (p *Pipeline) SetCachingEnabled(enabled bool) {
	p.coord.SetEnabled(enabled)
	p.logger.Info("caching switch changed", slog.Bool("enabled", enabled))
}

// SetRulesetEnabled flips the active rule set and remembers the choice for
// later reloads.
func (p *Pipeline) SetRulesetEnabled(enabled bool) {
	p.mu.Lock()
	p.rulesetEnabled = enabled
	p.mu.Unlock()
	p.coord.Rules().SetEnabled(enabled)
	p.logger.Info("ruleset switch changed", slog.Bool("enabled", enabled))
}

// SetRuleEnabled toggles one rule of the active set. It reports false when
// no rule has that name.
func (p *Pipeline) SetRuleEnabled(name string, enabled bool) bool {
	rule, ok := p.coord.Rules().Lookup(name)
	if !ok {
		return false
	}
	rule.SetEnabled(enabled)
	p.logger.Info("rule switch changed", slog.String("rule", rule.Name), slog.Bool("enabled", enabled))
	return true
}

// Purge removes the committed entry stored under key.
func (p *Pipeline) Purge(ctx context.Context, key string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, errors.New("runtime: purge key required")
	}
	deleted, err := p.store.Delete(ctx, store.NewKey(key))
	if err != nil {
		return false, fmt.Errorf("runtime: purge: %w", err)
	}
	if deleted {
		p.logger.LogAttrs(ctx, slog.LevelInfo, "cache entry purged", slog.String("key", key))
	}
	return deleted, nil
}

// EntryCount reports how many committed entries the store holds.
func (p *Pipeline) EntryCount(ctx context.Context) (int64, error) {
	return p.store.Size(ctx)
}

// ServeHealth reports store, switch and rule load status.
func (p *Pipeline) ServeHealth(w http.ResponseWriter, r *http.Request) {
	healthStatus, sources, skipped, fallback, lastReload := p.healthSnapshot()

	status := map[string]any{
		"status":         healthStatus,
		"enabled":        p.coord.Enabled(),
		"rulesetEnabled": p.coord.Rules().Enabled(),
		"rules":          p.coord.Rules().Len(),
		"backend":        p.backend,
		"observedAt":     time.Now().UTC(),
	}
	code := http.StatusOK
	size, err := p.EntryCount(r.Context())
	if err != nil {
		p.logger.Error("cache size query failed", slog.Any("error", err))
		status["status"] = "degraded"
		status["storeError"] = err.Error()
		code = http.StatusServiceUnavailable
	} else {
		status["cacheEntries"] = size
	}
	if p.sweeps != nil {
		if next := p.sweeps.NextRun(); next != nil {
			status["nextSweep"] = next.UTC()
		}
	}
	if fallback {
		status["usingFallback"] = true
	}
	if len(sources) > 0 {
		status["ruleSources"] = sources
	}
	if len(skipped) > 0 {
		status["skippedDefinitions"] = skipped
	}
	if !lastReload.IsZero() {
		status["lastReload"] = lastReload
	}
	p.writeJSON(w, code, status)
}

type ruleView struct {
	Name               string `json:"name"`
	Description        string `json:"description,omitempty"`
	Position           int    `json:"position"`
	Enabled            bool   `json:"enabled"`
	Key                string `json:"key"`
	Request            string `json:"request,omitempty"`
	Response           string `json:"response,omitempty"`
	Codes              []int  `json:"codes,omitempty"`
	TTL                string `json:"ttl,omitempty"`
	FollowCacheControl bool   `json:"followCacheControl,omitempty"`
}

// ServeRules lists the active rules in evaluation order.
func (p *Pipeline) ServeRules(w http.ResponseWriter, r *http.Request) {
	set := p.coord.Rules()
	views := make([]ruleView, 0, set.Len())
	for _, rule := range set.Rules() {
		view := ruleView{
			Name:               rule.Name,
			Description:        rule.Description,
			Position:           rule.Position,
			Enabled:            rule.Enabled(),
			Key:                rule.KeySource(),
			Request:            rule.RequestPredicate(),
			Response:           rule.ResponsePredicate(),
			Codes:              rule.Codes(),
			FollowCacheControl: rule.FollowCacheControl,
		}
		if rule.TTL > 0 {
			view.TTL = rule.TTL.String()
		}
		views = append(views, view)
	}
	p.writeJSON(w, http.StatusOK, map[string]any{
		"enabled": set.Enabled(),
		"rules":   views,
	})
}

// WriteError renders a JSON error body.
func (p *Pipeline) WriteError(w http.ResponseWriter, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	p.writeJSON(w, status, map[string]any{"error": message})
}

func (p *Pipeline) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		p.logger.Error("response encode failed", slog.Any("error", err))
	}
}

func (p *Pipeline) healthSnapshot() (string, []string, []config.DefinitionSkip, bool, time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status := "ok"
	if p.usingFallback || len(p.skipped) > 0 {
		status = "degraded"
	}
	return status, cloneStringSlice(p.ruleSources), cloneDefinitionSkips(p.skipped), p.usingFallback, p.lastReload
}

func cloneStringSlice(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneDefinitionSkips(in []config.DefinitionSkip) []config.DefinitionSkip {
	if len(in) == 0 {
		return nil
	}
	out := make([]config.DefinitionSkip, len(in))
	for i, skip := range in {
		out[i] = skip
		out[i].Sources = cloneStringSlice(skip.Sources)
	}
	return out
}
