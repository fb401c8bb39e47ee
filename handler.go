package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/getsentry/sentry-go"
)

// Backends are the region-bound gateways a run reads from.
type Backends struct {
	Metrics MetricsGateway
	Logs    LogGateway
}

// BackendFactory builds the gateways for one region.
type BackendFactory func(ctx context.Context, region string) (Backends, error)

// AWSBackends builds CloudWatch gateways from the default credential chain.
func AWSBackends(ctx context.Context, region string) (Backends, error) {
	awsConfig, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return Backends{}, fmt.Errorf("loading aws config: %w", err)
	}

	return Backends{
		Metrics: NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsConfig)),
		Logs:    NewCloudWatchLogs(cloudwatchlogs.NewFromConfig(awsConfig)),
	}, nil
}

type HandlerOptions struct {
	Summarizer Summarizer
	Notifier   Notifier
	Telemetry  *Telemetry
	// Backends defaults to AWSBackends.
	Backends BackendFactory
}

// Handler serves invocations. Backends are cached per region so warm
// invocations reuse their clients.
type Handler struct {
	config     Config
	summarizer Summarizer
	notifier   Notifier
	telemetry  *Telemetry
	factory    BackendFactory

	mu       sync.Mutex
	backends map[string]Backends
}

func NewHandler(config Config, options HandlerOptions) *Handler {
	if options.Backends == nil {
		options.Backends = AWSBackends
	}
	return &Handler{
		config:     config,
		summarizer: options.Summarizer,
		notifier:   options.Notifier,
		telemetry:  options.Telemetry,
		factory:    options.Backends,
		backends:   make(map[string]Backends),
	}
}

func (h *Handler) backendsFor(ctx context.Context, region string) (Backends, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if backends, ok := h.backends[region]; ok {
		return backends, nil
	}
	backends, err := h.factory(ctx, region)
	if err != nil {
		return Backends{}, err
	}
	h.backends[region] = backends
	return backends, nil
}

// Handle evaluates one invocation and reports whether any alert was
// published. Isolated target failures are logged and captured by the
// orchestrator and do not fail the invocation; only a fail-fast abort does.
func (h *Handler) Handle(ctx context.Context, event InvocationEvent) (bool, error) {
	defer sentry.Flush(2 * time.Second)

	invocation, err := event.Resolve(h.config)
	if err != nil {
		slog.WarnContext(ctx, "rejecting invocation", slog.String("error", err.Error()))
		return false, err
	}

	backends, err := h.backendsFor(ctx, invocation.Region)
	if err != nil {
		slog.ErrorContext(ctx, "building backends", slog.String("region", invocation.Region), slog.String("error", err.Error()))
		sentry.CaptureException(err)
		return false, err
	}

	orchestrator := NewOrchestrator(OrchestratorOptions{
		Metrics:             backends.Metrics,
		Logs:                backends.Logs,
		Summarizer:          h.summarizer,
		Notifier:            h.notifier,
		Telemetry:           h.telemetry,
		Concurrency:         h.config.Concurrency,
		FailFast:            h.config.FailFast,
		AlertWithoutSummary: h.config.AlertWithoutSummary,
	})

	result, err := orchestrator.Evaluate(ctx, invocation.Request)
	if err != nil {
		sentry.CaptureException(err)
		return false, err
	}
	if runErr := result.Err(); runErr != nil {
		slog.WarnContext(ctx, "some functions could not be evaluated",
			slog.Bool("alerted", result.Alerted),
			slog.String("error", runErr.Error()))
	}
	return result.Alerted, nil
}
