package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/prite36/irrigation-shadow/internal/metrics"
	"github.com/prite36/irrigation-shadow/internal/mqtt"
)

// AckSweeper evicts acknowledgements older than a maximum age.
type AckSweeper interface {
	Cleanup(maxAge time.Duration, now time.Time) int
}

// Runner is a restartable subscription runner.
type Runner interface {
	Name() string
	State() mqtt.State
	Start(ctx context.Context) error
}

// Connector is the command publisher's connection.
type Connector interface {
	IsConnected() bool
	Connect(ctx context.Context) error
}

// AckCleanupJob evicts acknowledgements older than ttl.
func AckCleanupJob(acks AckSweeper, ttl time.Duration, now func() time.Time, logger zerolog.Logger) func() {
	if now == nil {
		now = time.Now
	}

	return func() {
		n := acks.Cleanup(ttl, now())
		if n == 0 {
			return
		}

		metrics.AckEvictions.Add(float64(n))
		logger.Debug().Int("evicted", n).Msg("Evicted expired acknowledgements")
	}
}

// SupervisorJob restarts stopped runners and connects the publisher if its
// first connection never succeeded. Each attempt is bounded by timeout.
func SupervisorJob(ctx context.Context, runners []Runner, publisher Connector, timeout time.Duration, logger zerolog.Logger) func() {
	return func() {
		for _, r := range runners {
			if r.State() != mqtt.StateStopped {
				continue
			}

			attemptCtx, cancel := context.WithTimeout(ctx, timeout)
			err := r.Start(attemptCtx)
			cancel()

			if err != nil {
				logger.Warn().Err(err).Str("runner", r.Name()).Msg("Runner still unable to connect")
			} else {
				logger.Info().Str("runner", r.Name()).Msg("Runner restarted")
			}
		}

		if publisher == nil || publisher.IsConnected() {
			return
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := publisher.Connect(attemptCtx); err != nil {
			logger.Warn().Err(err).Msg("Command publisher still unable to connect")
		}
	}
}
