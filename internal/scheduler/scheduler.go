// Package scheduler drives the stale reaper's periodic sweep (spec.md
// §4.5.5) using gocron. It wraps a single gocron job, run in singleton
// mode so a slow sweep is never overlapped by the next tick, that calls
// into the instance manager's Sweep method on a fixed interval.
package scheduler

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// reaperTag identifies the stale-reaper job for later removal/inspection.
const reaperTag = "stale-reaper"

// Reaper is the subset of instancemanager.Manager the scheduler needs.
// Defined here, not imported from instancemanager, so this package stays
// free of a dependency on the core orchestrator's internals.
type Reaper interface {
	Sweep()
	ReaperInterval() time.Duration
}

// Scheduler wraps a gocron.Scheduler and registers the stale reaper's sweep
// as its one recurring job.
type Scheduler struct {
	cron   gocron.Scheduler
	reaper Reaper
	logger *zap.Logger
}

// New creates a Scheduler bound to the given Reaper. Call Start to begin
// sweeping on reaper.ReaperInterval().
func New(reaper Reaper, logger *zap.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: creating gocron scheduler: %w", err)
	}

	return &Scheduler{
		cron:   s,
		reaper: reaper,
		logger: logger.Named("scheduler"),
	}, nil
}

// Start registers the stale-reaper job and starts the underlying gocron
// scheduler. It should be called once at process startup.
func (s *Scheduler) Start() error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(s.reaper.ReaperInterval()),
		gocron.NewTask(func() {
			s.reaper.Sweep()
		}),
		gocron.WithTags(reaperTag),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("scheduler: registering stale reaper job: %w", err)
	}

	s.logger.Info("scheduler started", zap.Duration("reaper_interval", s.reaper.ReaperInterval()))
	s.cron.Start()
	return nil
}

// Stop gracefully shuts down the underlying gocron scheduler, waiting for
// any in-flight sweep to complete before returning.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutting down: %w", err)
	}
	return nil
}
