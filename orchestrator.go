package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultWindowMinutes = 5
	DefaultThreshold     = 0.05
	// MaxWindowMinutes is the CloudWatch retention for hourly datapoints (455 days).
	MaxWindowMinutes = 455 * 24 * 60
)

// EvaluateRequest is one batch check, already normalised at the boundary.
type EvaluateRequest struct {
	// Channel is where alerts are published. Required.
	Channel string
	// Targets is evaluated in order. Empty means every discoverable function.
	Targets []string
	// WindowMinutes is the look-back window length.
	WindowMinutes int
	// Threshold is the failure rate that must be exceeded to alert.
	Threshold float64
	// Credential overrides the summarizer API key for this request only.
	Credential string
}

// Validate reports the first invalid field. It never performs remote calls.
func (r EvaluateRequest) Validate() error {
	if strings.TrimSpace(r.Channel) == "" {
		return &ValidationError{Field: "channel", Reason: "is required"}
	}
	if r.WindowMinutes <= 0 {
		return &ValidationError{Field: "minutes", Reason: "must be positive"}
	}
	if r.WindowMinutes > MaxWindowMinutes {
		return &ValidationError{Field: "minutes", Reason: fmt.Sprintf("must be at most %d", MaxWindowMinutes)}
	}
	if r.Threshold < 0 || r.Threshold > 1 {
		return &ValidationError{Field: "threshold", Reason: "must be between 0 and 1"}
	}
	return nil
}

// AlertEvent exists only between deciding to alert and publishing.
type AlertEvent struct {
	Target    string
	Rate      float64
	Threshold float64
	Summary   string
	Timestamp time.Time
}

// Subject renders "<function> failure rate <percent>%" with one decimal.
func (a AlertEvent) Subject() string {
	return fmt.Sprintf("%s failure rate %.1f%%", a.Target, a.Rate*100)
}

// TargetResult is the outcome of evaluating one function.
type TargetResult struct {
	Target  string
	Rate    float64
	Alerted bool
	// Skipped is set when the run aborted before the target was evaluated.
	Skipped bool
	Err     error
}

// EvaluationResult aggregates every target of a run.
type EvaluationResult struct {
	Alerted bool
	Targets []TargetResult
}

// Err joins the per-target failures, or returns nil.
func (r EvaluationResult) Err() error {
	var errs []error
	for _, target := range r.Targets {
		if target.Err != nil {
			errs = append(errs, target.Err)
		}
	}
	return errors.Join(errs...)
}

type OrchestratorOptions struct {
	Metrics    MetricsGateway
	Logs       LogGateway
	Summarizer Summarizer
	Notifier   Notifier
	Telemetry  *Telemetry

	// Concurrency bounds how many targets are evaluated at once. Values
	// below 2 evaluate targets one after another in input order.
	Concurrency int
	// FailFast aborts the run on the first target failure. Otherwise
	// failures are isolated per target and reported in the result.
	FailFast bool
	// AlertWithoutSummary publishes the alert with the ranked error list
	// as body when the summarizer fails, instead of failing the target.
	AlertWithoutSummary bool
	// TopErrors is how many error signatures are mined. Defaults to 3.
	TopErrors int
	// Now is the clock used for windows. Defaults to time.Now.
	Now func() time.Time
}

// Orchestrator decides, per function, whether the failure rate warrants an
// alert and drives mining, summarizing and publishing when it does. It keeps
// no state between runs.
type Orchestrator struct {
	metrics             MetricsGateway
	logs                LogGateway
	summarizer          Summarizer
	notifier            Notifier
	telemetry           *Telemetry
	concurrency         int
	failFast            bool
	alertWithoutSummary bool
	topErrors           int
	now                 func() time.Time
}

func NewOrchestrator(options OrchestratorOptions) *Orchestrator {
	if options.TopErrors <= 0 {
		options.TopErrors = DefaultTopErrors
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	if options.Concurrency < 1 {
		options.Concurrency = 1
	}
	return &Orchestrator{
		metrics:             options.Metrics,
		logs:                options.Logs,
		summarizer:          options.Summarizer,
		notifier:            options.Notifier,
		telemetry:           options.Telemetry,
		concurrency:         options.Concurrency,
		failFast:            options.FailFast,
		alertWithoutSummary: options.AlertWithoutSummary,
		topErrors:           options.TopErrors,
		now:                 options.Now,
	}
}

// Evaluate checks every requested function. The returned error is non-nil
// for invalid requests, failed discovery, and, in fail-fast mode, the first
// target failure. Isolated target failures are only reported in the result.
func (o *Orchestrator) Evaluate(ctx context.Context, request EvaluateRequest) (EvaluationResult, error) {
	if err := request.Validate(); err != nil {
		return EvaluationResult{}, err
	}

	runStart := time.Now()
	logger := slog.Default().With(slog.String("run_id", uuid.NewString()))

	span := sentry.StartSpan(ctx, "function", sentry.WithDescription("Evaluate Functions"))
	ctx = span.Context()
	defer span.Finish()

	result, err := o.evaluate(ctx, logger, request)

	outcome := OutcomeClear
	switch {
	case err != nil:
		outcome = OutcomeError
	case result.Alerted:
		outcome = OutcomeAlerted
	}
	o.telemetry.ObserveRun(time.Since(runStart), outcome)
	if pushErr := o.telemetry.Push(ctx); pushErr != nil {
		logger.WarnContext(ctx, "pushing run metrics", slog.String("error", pushErr.Error()))
	}

	logger.InfoContext(ctx, "evaluation finished",
		slog.String("outcome", outcome),
		slog.Int("target_count", len(result.Targets)),
		slog.Duration("duration", time.Since(runStart)))
	return result, err
}

func (o *Orchestrator) evaluate(ctx context.Context, logger *slog.Logger, request EvaluateRequest) (EvaluationResult, error) {
	targets := request.Targets
	if len(targets) == 0 {
		discovered, err := o.logs.ListTargets(ctx)
		if err != nil {
			return EvaluationResult{}, fmt.Errorf("discovering functions: %w", err)
		}
		logger.InfoContext(ctx, "discovered functions", slog.Int("function_count", len(discovered)))
		targets = discovered
	}

	results := make([]TargetResult, len(targets))
	for i, target := range targets {
		results[i] = TargetResult{Target: target, Skipped: true}
	}

	var firstErr error
	if o.concurrency <= 1 {
		for i, target := range targets {
			results[i] = o.evaluateTarget(ctx, logger, target, request)
			if results[i].Err != nil && o.failFast {
				firstErr = results[i].Err
				break
			}
		}
	} else {
		firstErr = o.evaluateConcurrently(ctx, logger, targets, request, results)
	}

	evaluation := EvaluationResult{Targets: results}
	for _, target := range results {
		if target.Alerted {
			evaluation.Alerted = true
		}
	}
	if firstErr != nil {
		return evaluation, firstErr
	}
	return evaluation, nil
}

// evaluateConcurrently fills results and returns the first failure when
// running fail-fast.
func (o *Orchestrator) evaluateConcurrently(ctx context.Context, logger *slog.Logger, targets []string, request EvaluateRequest, results []TargetResult) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var firstErr error
	var once sync.Once
	s := semaphore.NewWeighted(int64(o.concurrency))
	wg := sync.WaitGroup{}
	for i, target := range targets {
		wg.Go(func() {
			if err := s.Acquire(ctx, 1); err != nil {
				// Only happens once a fail-fast run has been cancelled.
				return
			}
			defer s.Release(1)
			if ctx.Err() != nil {
				return
			}

			results[i] = o.evaluateTarget(ctx, logger, target, request)
			if results[i].Err != nil && o.failFast {
				once.Do(func() {
					firstErr = results[i].Err
					cancel()
				})
			}
		})
	}
	wg.Wait()
	return firstErr
}

func (o *Orchestrator) evaluateTarget(ctx context.Context, logger *slog.Logger, target string, request EvaluateRequest) TargetResult {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	ctx = sentry.SetHubOnContext(ctx, hub.Clone())
	span := sentry.StartSpan(ctx, "function", sentry.WithDescription("Evaluate Function"))
	span.SetTag("function", target)
	ctx = span.Context()
	defer span.Finish()

	logger = logger.With(slog.String("function", target))
	result := TargetResult{Target: target}

	alerted, rate, stage, err := o.runTarget(ctx, logger, target, request)
	result.Rate = rate
	result.Alerted = alerted
	if err != nil {
		result.Err = &TargetError{Target: target, Stage: stage, Err: err}
		o.telemetry.ObserveTargetFailure(stage)
		logger.ErrorContext(ctx, "evaluating function", slog.String("stage", string(stage)), slog.String("error", err.Error()))
		if hub := sentry.GetHubFromContext(ctx); hub != nil {
			hub.WithScope(func(scope *sentry.Scope) {
				scope.SetTag("function", target)
				scope.SetTag("stage", string(stage))
				hub.CaptureException(result.Err)
			})
		}
	}
	return result
}

func (o *Orchestrator) runTarget(ctx context.Context, logger *slog.Logger, target string, request EvaluateRequest) (alerted bool, rate float64, stage Stage, err error) {
	window := NewWindow(o.now(), request.WindowMinutes)

	rate, err = o.metrics.FailureRate(ctx, target, window)
	if err != nil {
		return false, 0, StageMetrics, err
	}
	o.telemetry.ObserveRate(rate)

	// Strictly greater: a rate equal to the threshold does not alert.
	if rate <= request.Threshold {
		logger.DebugContext(ctx, "failure rate within threshold", slog.Float64("rate", rate), slog.Float64("threshold", request.Threshold))
		return false, rate, "", nil
	}
	logger.InfoContext(ctx, "failure rate above threshold", slog.Float64("rate", rate), slog.Float64("threshold", request.Threshold))

	logs, err := o.logs.FetchLogs(ctx, target, window)
	if err != nil {
		return false, rate, StageLogs, err
	}

	top := TopErrors(logs, o.topErrors)
	logger.InfoContext(ctx, "mined error signatures", slog.Int("log_line_count", len(logs)), slog.Int("signature_count", len(top)))

	summary, err := o.summarizer.Summarize(ctx, signatureMessages(top), logs, request.Credential)
	if err != nil {
		if !o.alertWithoutSummary {
			return false, rate, StageSummary, err
		}
		logger.WarnContext(ctx, "summary unavailable, alerting without it", slog.String("error", err.Error()))
		summary = fallbackSummary(top, err)
	}

	alert := AlertEvent{
		Target:    target,
		Rate:      rate,
		Threshold: request.Threshold,
		Summary:   summary,
		Timestamp: o.now().UTC(),
	}
	if err := o.notifier.Publish(ctx, request.Channel, alert.Subject(), alert.Summary); err != nil {
		return false, rate, StageNotify, err
	}

	o.telemetry.ObserveAlert()
	logger.InfoContext(ctx, "alert published", slog.String("subject", alert.Subject()), slog.Time("occurred_at", alert.Timestamp))
	return true, rate, "", nil
}

// fallbackSummary lists the ranked signatures when no generated summary exists.
func fallbackSummary(top []ErrorSignature, cause error) string {
	var body strings.Builder
	body.WriteString("Automatic summary unavailable: " + cause.Error() + "\n")
	if len(top) == 0 {
		body.WriteString("No error signatures found in recent logs.")
		return body.String()
	}
	body.WriteString("Most frequent errors:")
	for _, signature := range top {
		fmt.Fprintf(&body, "\n- %s (%d)", signature.Message, signature.Count)
	}
	return body.String()
}
