package coordinator

import (
	"context"
	"log/slog"
)

// capture writes chunk to the live entry. A failed write aborts the entry
// and drops the exchange back to PASS so later chunks are not forwarded.
func (c *Coordinator) capture(ctx context.Context, x *Exchange, chunk []byte) {
	p, ok := x.cx.phase.(createPhase)
	if !ok || p.finalized {
		return
	}
	if err := c.store.Write(ctx, p.entry, chunk); err != nil {
		c.store.Abort(ctx, p.entry)
		x.cx.phase = passPhase{rule: p.rule, abandoned: true}
		c.logger.LogAttrs(ctx, slog.LevelWarn, "capture abandoned: write failed",
			slog.String("exchange_id", x.ID),
			slog.String("rule", p.rule.Name),
			slog.Int64("captured_bytes", p.cursor),
			slog.String("error", err.Error()),
		)
		return
	}
	p.cursor += int64(len(chunk))
	x.cx.phase = p
}

// finish commits the live entry. The store discards partial data itself when
// finalize fails, so no abort follows.
func (c *Coordinator) finish(ctx context.Context, x *Exchange) {
	p, ok := x.cx.phase.(createPhase)
	if !ok || p.finalized {
		return
	}
	if err := c.store.Finalize(ctx, p.entry); err != nil {
		x.cx.phase = passPhase{rule: p.rule, abandoned: true}
		c.logger.LogAttrs(ctx, slog.LevelWarn, "capture abandoned: finalize failed",
			slog.String("exchange_id", x.ID),
			slog.String("rule", p.rule.Name),
			slog.Int64("captured_bytes", p.cursor),
			slog.String("error", err.Error()),
		)
		return
	}
	p.finalized = true
	x.cx.phase = p
	c.logger.LogAttrs(ctx, slog.LevelDebug, "response stored",
		slog.String("exchange_id", x.ID),
		slog.String("rule", p.rule.Name),
		slog.Int64("bytes", p.cursor),
		slog.Duration("ttl", p.entry.Meta().TTL),
	)
}
