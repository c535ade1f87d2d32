package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"git.home.luguber.info/inful/buildmaster/internal/changesource"
	"git.home.luguber.info/inful/buildmaster/internal/logfields"
)

// Scheduler wraps gocron for the daemon's periodic work: change source polls
// and stats logging. Jobs are registered before Start.
type Scheduler struct {
	scheduler gocron.Scheduler
	pollers   []*changesource.Poller
}

// NewScheduler creates a stopped scheduler.
func NewScheduler() (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &Scheduler{scheduler: s}, nil
}

// RegisterPoller schedules a change source poll at its configured interval.
func (s *Scheduler) RegisterPoller(p *changesource.Poller) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(p.Interval()),
		gocron.NewTask(func(ctx context.Context) {
			start := time.Now()
			if err := p.Poll(ctx); err != nil {
				slog.Error("Change source poll failed",
					logfields.ChangeSource(p.Name()), logfields.Error(err))
				return
			}
			slog.Debug("Change source poll finished",
				logfields.ChangeSource(p.Name()),
				logfields.DurationMS(float64(time.Since(start).Milliseconds())))
		}),
		gocron.WithName(fmt.Sprintf("poll-%s", p.Name())),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule poller %s: %w", p.Name(), err)
	}
	s.pollers = append(s.pollers, p)
	return nil
}

// RegisterStatsLogger schedules a periodic stats callback.
func (s *Scheduler) RegisterStatsLogger(interval time.Duration, fn func()) {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(fn),
		gocron.WithName("stats"),
	)
	if err != nil {
		slog.Error("Failed to schedule stats logger", logfields.Error(err))
	}
}

// Name implements services.ManagedService.
func (s *Scheduler) Name() string { return "scheduler" }

// Dependencies returns the services polls publish through.
func (s *Scheduler) Dependencies() []string { return []string{"canceller"} }

// Start begins running scheduled jobs.
func (s *Scheduler) Start(_ context.Context) error {
	slog.Info("Starting scheduler", "pollers", len(s.pollers))
	s.scheduler.Start()
	return nil
}

// Stop shuts the scheduler down, waiting for running jobs.
func (s *Scheduler) Stop(_ context.Context) error {
	slog.Info("Stopping scheduler")
	return s.scheduler.Shutdown()
}
