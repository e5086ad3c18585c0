// Package housekeeping runs store expiry sweeps on a cron schedule, so
// entries expire even while no traffic drives the coordinator.
package housekeeping

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/l0p7/streamcache/internal/logging"
)

// Sweeper is anything that can run one housekeeping pass.
type Sweeper interface {
	Housekeeping(ctx context.Context)
}

// Scheduler ticks a Sweeper on a cron schedule.
type Scheduler struct {
	sweeper  Sweeper
	schedule string
	cron     *cron.Cron
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	entry   cron.EntryID
}

// NewScheduler prepares a scheduler. Empty schedules disable it.
//
// Accepted schedules are standard five-field cron expressions and the
// descriptors robfig/cron understands, for example "@every 1m" or "0 * * * *".
func NewScheduler(sweeper Sweeper, schedule string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Scheduler{
		sweeper:  sweeper,
		schedule: strings.TrimSpace(schedule),
		cron:     cron.New(),
		logger:   logger.With(slog.String("agent", "housekeeping")),
	}
}

// Start validates the schedule and begins ticking until ctx is done or Stop
// is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.logger.Info("sweep schedule not configured, skipping scheduler")
		return nil
	}
	if s.running {
		return nil
	}
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("housekeeping: invalid schedule %q: %w", s.schedule, err)
	}

	id, err := s.cron.AddFunc(s.schedule, func() { s.run(ctx) })
	if err != nil {
		return fmt.Errorf("housekeeping: schedule sweep: %w", err)
	}
	s.entry = id
	s.cron.Start()
	s.running = true
	s.logger.Info("housekeeping scheduler started", slog.String("schedule", s.schedule))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	s.sweeper.Housekeeping(ctx)
	s.logger.Debug("scheduled sweep completed",
		slog.Float64("latency_ms", float64(time.Since(start))/float64(time.Millisecond)),
	)
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("housekeeping scheduler stopped")
}

// Running reports whether the schedule is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun reports when the next sweep fires, or nil when not running.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	next := s.cron.Entry(s.entry).Next
	if next.IsZero() {
		return nil
	}
	return &next
}
