// Package maintenance runs periodic housekeeping jobs: pruning the build
// event journal per its retention policy and sweeping stalled client
// connections.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"git.home.luguber.info/inful/devserve/internal/config"
	ferrors "git.home.luguber.info/inful/devserve/internal/foundation/errors"
	"git.home.luguber.info/inful/devserve/internal/journal"
)

// Scheduler wraps gocron for managing periodic tasks.
type Scheduler struct {
	scheduler gocron.Scheduler
}

// NewScheduler creates a scheduler instance.
func NewScheduler() (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryInternal, "create scheduler").Build()
	}
	return &Scheduler{scheduler: s}, nil
}

// ScheduleJournalPrune registers a periodic prune of the event journal.
func (s *Scheduler) ScheduleJournalPrune(store *journal.Store, cfg config.JournalConfig) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(cfg.PruneInterval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			cutoff := time.Now().Add(-cfg.Retention)
			n, pruneErr := store.PruneBefore(ctx, cutoff)
			if pruneErr != nil {
				slog.Warn("journal prune failed", "error", pruneErr)
				return
			}
			if n > 0 {
				slog.Info("journal pruned", "removed", n, "cutoff", cutoff)
			}
		}),
		gocron.WithName("journal-prune"),
	)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryInternal, "schedule journal prune").Build()
	}
	return nil
}

// StalledSweeper drops client connections that stopped draining their queue.
type StalledSweeper interface {
	SweepStalled() int
}

// ScheduleClientSweep registers a periodic sweep of stalled clients.
func (s *Scheduler) ScheduleClientSweep(sweeper StalledSweeper, interval time.Duration) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if n := sweeper.SweepStalled(); n > 0 {
				slog.Info("stalled clients dropped", "count", n)
			}
		}),
		gocron.WithName("client-sweep"),
	)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryInternal, "schedule client sweep").Build()
	}
	return nil
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	slog.Info("Starting maintenance scheduler")
	s.scheduler.Start()
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	slog.Info("Stopping maintenance scheduler")
	return s.scheduler.Shutdown()
}
