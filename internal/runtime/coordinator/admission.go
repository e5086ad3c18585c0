package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/l0p7/streamcache/internal/expr"
	"github.com/l0p7/streamcache/internal/runtime/rules"
	"github.com/l0p7/streamcache/internal/runtime/store"
)

// admitRequest walks the enabled rules in order. The first rule whose key is
// already stored wins with HIT; otherwise the first whose request predicate
// holds wins with PASS. Every evaluated rule leaves one stash entry.
func (c *Coordinator) admitRequest(ctx context.Context, x *Exchange) (Verdict, error) {
	cx := x.cx
	var vars map[string]any
	for _, rule := range cx.rules.Rules() {
		if !rule.Enabled() {
			continue
		}

		name, err := rule.BuildKey(x.Request)
		if err != nil {
			cx.phase = bypassPhase{reason: BypassKey}
			c.logger.LogAttrs(ctx, slog.LevelWarn, "cache key build failed",
				slog.String("exchange_id", x.ID),
				slog.String("rule", rule.Name),
				slog.String("error", err.Error()),
			)
			return VerdictContinue, fmt.Errorf("coordinator: rule %q key: %w", rule.Name, err)
		}
		key := store.NewKey(name)
		cx.stash.add(rule, key)

		snapshot, err := c.store.Lookup(ctx, key)
		if err != nil {
			c.logger.LogAttrs(ctx, slog.LevelWarn, "cache lookup failed",
				slog.String("exchange_id", x.ID),
				slog.String("rule", rule.Name),
				slog.String("error", err.Error()),
			)
		} else if snapshot != nil {
			cx.phase = hitPhase{snapshot: snapshot, rule: rule}
			c.logger.LogAttrs(ctx, slog.LevelDebug, "cache hit",
				slog.String("exchange_id", x.ID),
				slog.String("rule", rule.Name),
				slog.String("key", name),
			)
			return VerdictServeCached, nil
		}

		if vars == nil {
			vars = expr.RequestContext(x.Request)
		}
		if c.admits(ctx, x, rule, rules.PhaseRequest, vars) {
			cx.phase = passPhase{rule: rule}
			return VerdictContinue, nil
		}
	}
	return VerdictContinue, nil
}

// admitResponse evaluates only response predicates, in rule order.
func (c *Coordinator) admitResponse(ctx context.Context, x *Exchange) {
	cx := x.cx
	var vars map[string]any
	for _, rule := range cx.rules.Rules() {
		if !rule.Enabled() {
			continue
		}
		if vars == nil {
			vars = expr.ResponseContext(x.Request, x.Status, x.Header)
		}
		if c.admits(ctx, x, rule, rules.PhaseResponse, vars) {
			cx.phase = passPhase{rule: rule}
			return
		}
	}
}

// admits treats predicate evaluation errors as no match.
func (c *Coordinator) admits(ctx context.Context, x *Exchange, rule *rules.Rule, phase rules.Phase, vars map[string]any) bool {
	ok, err := rule.Admit(phase, vars)
	if err != nil {
		c.logger.LogAttrs(ctx, slog.LevelDebug, "predicate evaluation failed",
			slog.String("exchange_id", x.ID),
			slog.String("rule", rule.Name),
			slog.String("phase", phase.String()),
			slog.String("error", err.Error()),
		)
		return false
	}
	return ok
}

// startCapture validates the response against the governing rule and opens
// a store entry under the key recorded for that rule at request time.
func (c *Coordinator) startCapture(ctx context.Context, x *Exchange, rule *rules.Rule) Verdict {
	cx := x.cx
	if !rule.AcceptsStatus(x.Status) {
		c.logger.LogAttrs(ctx, slog.LevelDebug, "capture declined: status not accepted",
			slog.String("exchange_id", x.ID),
			slog.String("rule", rule.Name),
			slog.Int("status", x.Status),
		)
		return VerdictDecline
	}

	if x.Request != nil && x.Request.Method == http.MethodHead {
		c.logger.LogAttrs(ctx, slog.LevelDebug, "capture declined: HEAD response carries no body",
			slog.String("exchange_id", x.ID),
			slog.String("rule", rule.Name),
		)
		return VerdictDecline
	}

	stashed, ok := cx.stash.find(rule)
	if !ok {
		c.logger.LogAttrs(ctx, slog.LevelError, "capture declined: no stashed key for rule",
			slog.String("exchange_id", x.ID),
			slog.String("rule", rule.Name),
		)
		return VerdictDecline
	}

	ttl := c.ttl.EffectiveTTL(rule.TTL, rule.FollowCacheControl, x.Header)
	if ttl <= 0 {
		c.logger.LogAttrs(ctx, slog.LevelDebug, "capture declined: zero ttl",
			slog.String("exchange_id", x.ID),
			slog.String("rule", rule.Name),
		)
		return VerdictDecline
	}

	entry, err := c.store.Create(ctx, stashed.StoreKey(), store.Meta{
		Status: x.Status,
		Header: x.Header,
		TTL:    ttl,
		Rule:   rule.Name,
	})
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, store.ErrCreateConflict) {
			level = slog.LevelDebug
		}
		c.logger.LogAttrs(ctx, level, "capture declined: entry not created",
			slog.String("exchange_id", x.ID),
			slog.String("rule", rule.Name),
			slog.String("error", err.Error()),
		)
		return VerdictDecline
	}

	cx.phase = createPhase{rule: rule, entry: entry}
	return VerdictCapture
}
