package scheduler

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
)

// Scheduler runs the service's periodic background jobs.
type Scheduler struct {
	scheduler *gocron.Scheduler
	logger    zerolog.Logger
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(logger zerolog.Logger) *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	// A job that is still running when its next tick fires is skipped.
	s.SingletonModeAll()

	return &Scheduler{
		scheduler: s,
		logger:    logger,
	}
}

// Every registers job to run every interval, starting immediately once the
// scheduler is started.
func (s *Scheduler) Every(name string, interval time.Duration, job func()) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}

	_, err := s.scheduler.Every(interval).Tag(name).Do(func() {
		s.logger.Debug().Str("job", name).Msg("Running job")
		job()
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}

	s.logger.Info().Str("job", name).Dur("interval", interval).Msg("Scheduled job")

	return nil
}

// Start begins the scheduler's job execution.
func (s *Scheduler) Start() {
	s.scheduler.StartAsync()
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() {
	s.logger.Info().Msg("Stopping scheduler...")
	s.scheduler.Stop()
}
