// Package metrics defines the prometheus collectors of the shadow service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ingest outcomes.
const (
	OutcomeApplied  = "applied"
	OutcomeInvalid  = "invalid"
	OutcomeNoDevice = "unmatched_topic"
)

var (
	// IngestMessages counts inbound device messages by kind and outcome.
	IngestMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "irrigation",
		Subsystem: "ingest",
		Name:      "messages_total",
		Help:      "Inbound device messages by kind and outcome.",
	}, []string{"kind", "outcome"})

	// Commands counts command publish attempts by type and outcome.
	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "irrigation",
		Subsystem: "commands",
		Name:      "total",
		Help:      "Command publish attempts by type and outcome.",
	}, []string{"type", "outcome"})

	// AckEvictions counts acknowledgements removed by the TTL sweep.
	AckEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "irrigation",
		Subsystem: "acks",
		Name:      "evicted_total",
		Help:      "Acknowledgements evicted by the TTL sweep.",
	})

	// RunnerState is 1 for the current state of each subscription runner.
	RunnerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "irrigation",
		Subsystem: "runner",
		Name:      "state",
		Help:      "Current state of each subscription runner (1 = active state).",
	}, []string{"runner", "state"})

	// MirrorDropped counts persistence writes dropped because the queue was full.
	MirrorDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "irrigation",
		Subsystem: "persistence",
		Name:      "dropped_total",
		Help:      "Fallback writes dropped because the mirror queue was full.",
	})
)

// SetRunnerState marks state as the current one for runner.
func SetRunnerState(runner string, state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}

		RunnerState.WithLabelValues(runner, s).Set(v)
	}
}
