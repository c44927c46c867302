package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the reconciler on a cron schedule. Overlapping runs are
// skipped rather than queued.
type Scheduler struct {
	reconciler *Reconciler
	schedule   string
	cron       *cron.Cron
	logger     *slog.Logger

	mu      sync.Mutex
	running bool
}

func NewScheduler(r *Reconciler, schedule string) *Scheduler {
	logger := slog.Default().With("component", "reconciler")
	return &Scheduler{
		reconciler: r,
		schedule:   schedule,
		cron:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:     logger,
	}
}

// Start registers the job and returns; the scheduler stops when ctx is done.
// An empty schedule disables it.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.logger.Info("reconciler schedule not configured, skipping")
		return nil
	}

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.schedule, err)
	}

	if _, err := s.cron.AddFunc(s.schedule, func() { s.run(ctx) }); err != nil {
		return fmt.Errorf("scheduling reconciler: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("reconciler started", "schedule", s.schedule, "stale_after", s.reconciler.staleAfter)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	if _, err := s.reconciler.RunOnce(ctx); err != nil {
		s.logger.Error("reconciler run failed", "error", err)
	}
}

// Stop waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
		s.logger.Info("reconciler stopped")
	}
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
