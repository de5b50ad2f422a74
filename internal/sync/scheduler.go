package sync

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler turns change notifications into sync passes. Requests never
// block: a capacity-one channel holds at most one pending trigger, and a
// debounce window absorbs the burst of events a single save or bulk edit
// produces, so any flurry of requests collapses into one pass. An
// interval ticker guarantees a periodic pass even when nothing fires.
type Scheduler struct {
	run      func(ctx context.Context)
	debounce time.Duration
	interval time.Duration
	logger   *slog.Logger

	trigger chan string
}

// NewScheduler creates a scheduler that invokes run for each scheduled
// pass. run executes synchronously on the scheduler goroutine, so passes
// never overlap from this source.
func NewScheduler(run func(ctx context.Context), debounce, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		run:      run,
		debounce: debounce,
		interval: interval,
		logger:   logger,
		trigger:  make(chan string, 1),
	}
}

// Request asks for a sync pass, tagged with a reason for the logs. Safe
// from any goroutine and never blocks; a request made while one is
// already pending coalesces into it.
func (s *Scheduler) Request(reason string) {
	select {
	case s.trigger <- reason:
	default:
	}
}

// Run services triggers until ctx is cancelled. The first trigger arms
// the debounce timer; triggers arriving while it is armed are absorbed
// rather than extending it, so a continuous stream of events still
// syncs within one debounce window.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()

		case reason := <-s.trigger:
			s.logger.Debug("sync requested", slog.String("reason", reason))
			if timer == nil {
				timer = time.NewTimer(s.debounce)
				fire = timer.C
			}

		case <-fire:
			timer = nil
			fire = nil
			s.run(ctx)

		case <-ticker.C:
			s.logger.Debug("interval sync")
			s.run(ctx)
		}
	}
}
