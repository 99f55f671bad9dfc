// Package scheduler fires the weekly newsletter trigger at the configured
// local day and hour.
package scheduler

import (
	"context"
	"time"

	"github.com/lotfb86/NewLetterAgent/internal/config"
	"github.com/lotfb86/NewLetterAgent/internal/core"
	"github.com/lotfb86/NewLetterAgent/internal/logging"
	"github.com/lotfb86/NewLetterAgent/internal/orchestrator"
)

// Scheduler computes the next weekly slot and triggers a run when it arrives.
// A trigger rejected because a run is already in flight is logged and the
// slot is skipped; the schedule never queues work.
type Scheduler struct {
	orch *orchestrator.Orchestrator
	cfg  config.ScheduleConfig
	log  *logging.Logger
	loc  *time.Location
	day  time.Weekday
	now  func() time.Time
}

// New creates a scheduler. Fails when the configured timezone or day is
// invalid.
func New(orch *orchestrator.Orchestrator, cfg config.ScheduleConfig, log *logging.Logger) (*Scheduler, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	day, err := cfg.Weekday()
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		orch: orch,
		cfg:  cfg,
		log:  log,
		loc:  loc,
		day:  day,
		now:  time.Now,
	}, nil
}

// NextRun returns the next scheduled slot strictly after now, in the
// configured timezone.
func (s *Scheduler) NextRun(now time.Time) time.Time {
	local := now.In(s.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), s.cfg.Hour, 0, 0, 0, s.loc)
	for next.Weekday() != s.day || !next.After(local) {
		next = next.AddDate(0, 0, 1)
		next = time.Date(next.Year(), next.Month(), next.Day(), s.cfg.Hour, 0, 0, 0, s.loc)
	}
	return next
}

// Run blocks until ctx is done, firing a scheduled trigger at each slot.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		next := s.NextRun(s.now())
		s.log.Info("next scheduled trigger", "at", next, "timezone", s.cfg.Timezone)

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		out, err := s.orch.Trigger(ctx, "scheduled")
		switch {
		case err == nil:
			s.log.Info("scheduled run started", "run_id", out.RunID, "draft_version", out.DraftVersion)
		case core.HasCode(err, core.CodeLockHeld):
			s.log.Warn("scheduled trigger skipped, a run is already in flight", "error", err)
		default:
			s.log.Error("scheduled trigger failed", "error", err)
		}
	}
}

// SetClock overrides the time source. Test hook.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}
