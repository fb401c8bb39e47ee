package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const (
	// OutcomeAlerted labels runs where at least one alert was published.
	OutcomeAlerted = "alerted"
	// OutcomeClear labels runs where every target stayed under the threshold.
	OutcomeClear = "clear"
	// OutcomeError labels runs that returned an error.
	OutcomeError = "error"
)

// Telemetry holds the run collectors in a private registry. A run is a batch
// job, so collected values are pushed to a Pushgateway instead of scraped.
// A nil *Telemetry is valid and records nothing.
type Telemetry struct {
	registry       *prometheus.Registry
	evaluations    *prometheus.CounterVec
	alerts         prometheus.Counter
	targetFailures *prometheus.CounterVec
	failureRate    prometheus.Histogram
	duration       prometheus.Histogram
	pusher         *push.Pusher
}

// NewTelemetry registers the collectors. pushgatewayURL may be empty, in
// which case Push is a no-op.
func NewTelemetry(pushgatewayURL, job string) *Telemetry {
	t := &Telemetry{
		registry: prometheus.NewRegistry(),
		evaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lambdawatch",
				Name:      "evaluations_total",
				Help:      "Total number of evaluation runs, partitioned by outcome.",
			},
			[]string{"outcome"},
		),
		alerts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lambdawatch",
			Name:      "alerts_total",
			Help:      "Total number of alerts published.",
		}),
		targetFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lambdawatch",
				Name:      "target_failures_total",
				Help:      "Target evaluations that failed, partitioned by stage.",
			},
			[]string{"stage"},
		),
		failureRate: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lambdawatch",
			Name:      "failure_rate",
			Help:      "Observed function failure rates.",
			Buckets:   []float64{0, 0.01, 0.05, 0.1, 0.25, 0.5, 0.75, 1},
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lambdawatch",
			Name:      "evaluation_seconds",
			Help:      "Evaluation run latency in seconds.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
	}

	t.registry.MustRegister(t.evaluations, t.alerts, t.targetFailures, t.failureRate, t.duration)

	if pushgatewayURL != "" {
		if job == "" {
			job = "lambdawatch"
		}
		t.pusher = push.New(pushgatewayURL, job).Gatherer(t.registry)
	}
	return t
}

// Registry exposes the underlying registry, mostly for tests.
func (t *Telemetry) Registry() *prometheus.Registry {
	if t == nil {
		return nil
	}
	return t.registry
}

func (t *Telemetry) ObserveRate(rate float64) {
	if t == nil {
		return
	}
	t.failureRate.Observe(rate)
}

func (t *Telemetry) ObserveAlert() {
	if t == nil {
		return
	}
	t.alerts.Inc()
}

func (t *Telemetry) ObserveTargetFailure(stage Stage) {
	if t == nil {
		return
	}
	t.targetFailures.WithLabelValues(string(stage)).Inc()
}

// ObserveRun records a run duration and outcome label.
func (t *Telemetry) ObserveRun(duration time.Duration, outcome string) {
	if t == nil {
		return
	}
	t.evaluations.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	t.duration.Observe(duration.Seconds())
}

// Push sends the current values to the Pushgateway, when one is configured.
func (t *Telemetry) Push(ctx context.Context) error {
	if t == nil || t.pusher == nil {
		return nil
	}
	return t.pusher.PushContext(ctx)
}
