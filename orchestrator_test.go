package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"gocloud.dev/pubsub"
)

type fakeMetrics struct {
	mu      sync.Mutex
	rates   map[string]float64
	errs    map[string]error
	calls   []string
	windows []Window
}

func (f *fakeMetrics) FailureRate(ctx context.Context, target string, window Window) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, target)
	f.windows = append(f.windows, window)
	if err := f.errs[target]; err != nil {
		return 0, err
	}
	return f.rates[target], nil
}

type fakeLogs struct {
	mu        sync.Mutex
	logs      map[string][]string
	targets   []string
	listErr   error
	listCalls int
	fetchErr  error
	fetched   []string
}

func (f *fakeLogs) FetchLogs(ctx context.Context, target string, window Window) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, target)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.logs[target], nil
}

func (f *fakeLogs) ListTargets(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return f.targets, f.listErr
}

type summarizeCall struct {
	topErrors  []string
	logs       []string
	credential string
}

type fakeSummarizer struct {
	mu    sync.Mutex
	text  string
	err   error
	calls []summarizeCall
}

func (f *fakeSummarizer) Summarize(ctx context.Context, topErrors []string, logs []string, credential string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, summarizeCall{topErrors: topErrors, logs: logs, credential: credential})
	return f.text, f.err
}

type publishedAlert struct {
	channel string
	subject string
	body    string
}

type recordingNotifier struct {
	mu        sync.Mutex
	published []publishedAlert
}

func (r *recordingNotifier) Publish(ctx context.Context, channel, subject, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, publishedAlert{channel: channel, subject: subject, body: body})
	return nil
}

type orchestratorFixture struct {
	metrics    *fakeMetrics
	logs       *fakeLogs
	summarizer *fakeSummarizer
	notifier   *recordingNotifier
}

func newOrchestratorFixture() *orchestratorFixture {
	return &orchestratorFixture{
		metrics:    &fakeMetrics{rates: map[string]float64{}, errs: map[string]error{}},
		logs:       &fakeLogs{logs: map[string][]string{}},
		summarizer: &fakeSummarizer{text: "summary"},
		notifier:   &recordingNotifier{},
	}
}

func (f *orchestratorFixture) orchestrator(mutate func(*OrchestratorOptions)) *Orchestrator {
	options := OrchestratorOptions{
		Metrics:    f.metrics,
		Logs:       f.logs,
		Summarizer: f.summarizer,
		Notifier:   f.notifier,
		Now:        func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) },
	}
	if mutate != nil {
		mutate(&options)
	}
	return NewOrchestrator(options)
}

func request(targets ...string) EvaluateRequest {
	return EvaluateRequest{
		Channel:       "mem://alerts",
		Targets:       targets,
		WindowMinutes: DefaultWindowMinutes,
		Threshold:     DefaultThreshold,
	}
}

func TestOrchestrator_ThresholdBoundary(t *testing.T) {
	tests := []struct {
		name    string
		rate    float64
		alerted bool
	}{
		{name: "equal to threshold", rate: DefaultThreshold, alerted: false},
		{name: "just above threshold", rate: DefaultThreshold + 1e-9, alerted: true},
		{name: "below threshold", rate: 0.01, alerted: false},
		{name: "zero", rate: 0, alerted: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fixture := newOrchestratorFixture()
			fixture.metrics.rates["checkout"] = tt.rate

			result, err := fixture.orchestrator(nil).Evaluate(t.Context(), request("checkout"))
			require.NoError(t, err)
			assert.Equal(t, tt.alerted, result.Alerted)
			if tt.alerted {
				assert.Len(t, fixture.notifier.published, 1)
			} else {
				assert.Empty(t, fixture.notifier.published)
				assert.Empty(t, fixture.logs.fetched, "logs must not be fetched below threshold")
			}
		})
	}
}

func TestOrchestrator_OnlySecondTargetAlerts(t *testing.T) {
	fixture := newOrchestratorFixture()
	fixture.metrics.rates = map[string]float64{"first": 0.01, "second": 0.125, "third": 0.05}
	fixture.logs.logs["second"] = []string{"ERROR: timeout", "ERROR: timeout", "ERROR: bad key"}

	result, err := fixture.orchestrator(nil).Evaluate(t.Context(), request("first", "second", "third"))
	require.NoError(t, err)
	assert.True(t, result.Alerted)
	assert.Equal(t, []string{"first", "second", "third"}, fixture.metrics.calls)

	require.Len(t, fixture.notifier.published, 1)
	alert := fixture.notifier.published[0]
	assert.Equal(t, "mem://alerts", alert.channel)
	assert.Equal(t, "second failure rate 12.5%", alert.subject)
	assert.Equal(t, "summary", alert.body)

	require.Len(t, fixture.summarizer.calls, 1)
	assert.Equal(t, []string{"timeout", "bad key"}, fixture.summarizer.calls[0].topErrors)

	require.Len(t, result.Targets, 3)
	assert.False(t, result.Targets[0].Alerted)
	assert.True(t, result.Targets[1].Alerted)
	assert.False(t, result.Targets[2].Alerted)
}

func TestOrchestrator_AutoDiscovery(t *testing.T) {
	fixture := newOrchestratorFixture()
	fixture.logs.targets = []string{"orders", "payments"}
	fixture.metrics.rates["payments"] = 0.5

	result, err := fixture.orchestrator(nil).Evaluate(t.Context(), request())
	require.NoError(t, err)
	assert.True(t, result.Alerted)
	assert.Equal(t, 1, fixture.logs.listCalls)
	assert.Equal(t, []string{"orders", "payments"}, fixture.metrics.calls)
}

func TestOrchestrator_ExplicitTargetsSkipDiscovery(t *testing.T) {
	fixture := newOrchestratorFixture()

	_, err := fixture.orchestrator(nil).Evaluate(t.Context(), request("a", "a"))
	require.NoError(t, err)
	assert.Zero(t, fixture.logs.listCalls)
	assert.Equal(t, []string{"a", "a"}, fixture.metrics.calls, "duplicates are evaluated as given")
}

func TestOrchestrator_DiscoveryFailure(t *testing.T) {
	fixture := newOrchestratorFixture()
	fixture.logs.listErr = ErrLogSourceUnavailable

	_, err := fixture.orchestrator(nil).Evaluate(t.Context(), request())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLogSourceUnavailable)
	assert.Empty(t, fixture.metrics.calls)
}

func TestOrchestrator_MissingChannel(t *testing.T) {
	fixture := newOrchestratorFixture()
	req := request("checkout")
	req.Channel = ""

	_, err := fixture.orchestrator(nil).Evaluate(t.Context(), req)
	require.Error(t, err)
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "channel", validationErr.Field)
	assert.ErrorIs(t, err, ErrValidation)

	assert.Empty(t, fixture.metrics.calls)
	assert.Zero(t, fixture.logs.listCalls)
}

func TestOrchestrator_WindowPerTarget(t *testing.T) {
	fixture := newOrchestratorFixture()
	req := request("checkout")
	req.WindowMinutes = 15

	_, err := fixture.orchestrator(nil).Evaluate(t.Context(), req)
	require.NoError(t, err)
	require.Len(t, fixture.metrics.windows, 1)
	assert.Equal(t, 15, fixture.metrics.windows[0].Minutes())
	assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), fixture.metrics.windows[0].End)
}

func TestOrchestrator_CredentialIsPerCall(t *testing.T) {
	fixture := newOrchestratorFixture()
	fixture.metrics.rates["checkout"] = 1
	orchestrator := fixture.orchestrator(nil)

	req := request("checkout")
	req.Credential = "per-call"
	_, err := orchestrator.Evaluate(t.Context(), req)
	require.NoError(t, err)

	_, err = orchestrator.Evaluate(t.Context(), request("checkout"))
	require.NoError(t, err)

	require.Len(t, fixture.summarizer.calls, 2)
	assert.Equal(t, "per-call", fixture.summarizer.calls[0].credential)
	assert.Equal(t, "", fixture.summarizer.calls[1].credential)
}

func TestOrchestrator_IsolatesTargetFailures(t *testing.T) {
	fixture := newOrchestratorFixture()
	fixture.metrics.errs["broken"] = ErrMetricsUnavailable
	fixture.metrics.rates["healthy"] = 0.9

	result, err := fixture.orchestrator(nil).Evaluate(t.Context(), request("broken", "healthy"))
	require.NoError(t, err)
	assert.True(t, result.Alerted)
	assert.Len(t, fixture.notifier.published, 1)

	runErr := result.Err()
	require.Error(t, runErr)
	assert.ErrorIs(t, runErr, ErrMetricsUnavailable)

	var targetErr *TargetError
	require.ErrorAs(t, runErr, &targetErr)
	assert.Equal(t, "broken", targetErr.Target)
	assert.Equal(t, StageMetrics, targetErr.Stage)
}

func TestOrchestrator_FailFast(t *testing.T) {
	fixture := newOrchestratorFixture()
	fixture.metrics.errs["broken"] = ErrMetricsUnavailable
	fixture.metrics.rates["healthy"] = 0.9

	result, err := fixture.orchestrator(func(o *OrchestratorOptions) {
		o.FailFast = true
	}).Evaluate(t.Context(), request("broken", "healthy"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMetricsUnavailable)
	assert.False(t, result.Alerted)
	assert.Equal(t, []string{"broken"}, fixture.metrics.calls)
	assert.Empty(t, fixture.notifier.published)
	require.Len(t, result.Targets, 2)
	assert.True(t, result.Targets[1].Skipped)
}

func TestOrchestrator_SummaryFailure(t *testing.T) {
	t.Run("propagates by default", func(t *testing.T) {
		fixture := newOrchestratorFixture()
		fixture.metrics.rates["checkout"] = 0.5
		fixture.summarizer.err = ErrSummaryUnavailable

		result, err := fixture.orchestrator(nil).Evaluate(t.Context(), request("checkout"))
		require.NoError(t, err)
		assert.False(t, result.Alerted)
		assert.Empty(t, fixture.notifier.published)

		var targetErr *TargetError
		require.ErrorAs(t, result.Err(), &targetErr)
		assert.Equal(t, StageSummary, targetErr.Stage)
	})

	t.Run("alerts with error list when allowed", func(t *testing.T) {
		fixture := newOrchestratorFixture()
		fixture.metrics.rates["checkout"] = 0.5
		fixture.logs.logs["checkout"] = []string{"ERROR: db down", "ERROR: db down"}
		fixture.summarizer.err = ErrSummaryUnavailable

		result, err := fixture.orchestrator(func(o *OrchestratorOptions) {
			o.AlertWithoutSummary = true
		}).Evaluate(t.Context(), request("checkout"))
		require.NoError(t, err)
		assert.True(t, result.Alerted)
		assert.NoError(t, result.Err())

		require.Len(t, fixture.notifier.published, 1)
		assert.Contains(t, fixture.notifier.published[0].body, "- db down (2)")
		assert.Contains(t, fixture.notifier.published[0].body, ErrSummaryUnavailable.Error())
	})
}

func TestOrchestrator_LogFetchFailure(t *testing.T) {
	fixture := newOrchestratorFixture()
	fixture.metrics.rates["checkout"] = 0.5
	fixture.logs.fetchErr = fmt.Errorf("%w: filtering log events for checkout: throttled", ErrLogSourceUnavailable)

	result, err := fixture.orchestrator(nil).Evaluate(t.Context(), request("checkout"))
	require.NoError(t, err)
	assert.False(t, result.Alerted)
	assert.Empty(t, fixture.summarizer.calls)
	assert.Empty(t, fixture.notifier.published)

	var targetErr *TargetError
	require.ErrorAs(t, result.Err(), &targetErr)
	assert.Equal(t, "checkout", targetErr.Target)
	assert.Equal(t, StageLogs, targetErr.Stage)
	assert.ErrorIs(t, result.Err(), ErrLogSourceUnavailable)
}

func TestOrchestrator_NotifyFailure(t *testing.T) {
	fixture := newOrchestratorFixture()
	fixture.metrics.rates["checkout"] = 0.5

	var gotChannel, gotSubject string
	failing := NotifierFunc(func(ctx context.Context, channel, subject, body string) error {
		gotChannel, gotSubject = channel, subject
		return fmt.Errorf("%w: sending message: broker down", ErrNotifyFailed)
	})

	result, err := fixture.orchestrator(func(o *OrchestratorOptions) {
		o.Notifier = failing
	}).Evaluate(t.Context(), request("checkout"))
	require.NoError(t, err)
	assert.False(t, result.Alerted)
	assert.Equal(t, "mem://alerts", gotChannel)
	assert.Equal(t, "checkout failure rate 50.0%", gotSubject)

	var targetErr *TargetError
	require.ErrorAs(t, result.Err(), &targetErr)
	assert.Equal(t, StageNotify, targetErr.Stage)
	assert.ErrorIs(t, result.Err(), ErrNotifyFailed)
}

func TestOrchestrator_Concurrent(t *testing.T) {
	fixture := newOrchestratorFixture()
	targets := []string{"a", "b", "c", "d", "e", "f"}
	fixture.metrics.rates = map[string]float64{"b": 0.2, "e": 0.3}

	result, err := fixture.orchestrator(func(o *OrchestratorOptions) {
		o.Concurrency = 3
	}).Evaluate(t.Context(), request(targets...))
	require.NoError(t, err)
	assert.True(t, result.Alerted)
	assert.Len(t, fixture.metrics.calls, len(targets))
	assert.Len(t, fixture.notifier.published, 2)

	for i, target := range targets {
		assert.Equal(t, target, result.Targets[i].Target)
		assert.False(t, result.Targets[i].Skipped)
	}
}

func TestOrchestrator_ConcurrentFailFast(t *testing.T) {
	fixture := newOrchestratorFixture()
	fixture.metrics.errs["broken"] = ErrMetricsUnavailable

	_, err := fixture.orchestrator(func(o *OrchestratorOptions) {
		o.Concurrency = 2
		o.FailFast = true
	}).Evaluate(t.Context(), request("broken", "ok"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMetricsUnavailable)
}

func TestOrchestrator_Telemetry(t *testing.T) {
	fixture := newOrchestratorFixture()
	fixture.metrics.rates = map[string]float64{"ok": 0.01, "hot": 0.5}
	fixture.metrics.errs["broken"] = ErrMetricsUnavailable
	telemetry := NewTelemetry("", "")

	_, err := fixture.orchestrator(func(o *OrchestratorOptions) {
		o.Telemetry = telemetry
	}).Evaluate(t.Context(), request("ok", "hot", "broken"))
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(telemetry.alerts))
	assert.Equal(t, 1.0, testutil.ToFloat64(telemetry.targetFailures.WithLabelValues(string(StageMetrics))))
	assert.Equal(t, uint64(2), failureRateSampleCount(t, telemetry))
	assert.Equal(t, 1.0, testutil.ToFloat64(telemetry.evaluations.WithLabelValues(OutcomeAlerted)))
}

func failureRateSampleCount(t *testing.T, telemetry *Telemetry) uint64 {
	t.Helper()
	families, err := telemetry.Registry().Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() == "lambdawatch_failure_rate" {
			require.Len(t, family.GetMetric(), 1, "failure rate must not be labelled per function")
			return family.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	t.Fatalf("lambdawatch_failure_rate not registered")
	return 0
}

// TestOrchestrator_EndToEnd wires the real summarizer and pubsub notifier
// against a fake chat endpoint and an in-memory topic.
func TestOrchestrator_EndToEnd(t *testing.T) {
	var promptLogLines int
	chat := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		prompt := gjson.GetBytes(body, "messages.0.content").String()
		_, recent, _ := strings.Cut(prompt, "Recent logs:\n")
		promptLogLines = len(strings.Split(recent, "\n"))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"Payments dependency is failing."}}]}`))
	}))
	defer chat.Close()

	ctx := t.Context()
	topic, err := pubsub.OpenTopic(ctx, "mem://alerts-e2e")
	require.NoError(t, err)
	subscription, err := pubsub.OpenSubscription(ctx, "mem://alerts-e2e")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = subscription.Shutdown(ctx)
		_ = topic.Shutdown(ctx)
	})

	var logs []string
	for range 50 {
		logs = append(logs, "ERROR: payments returned 503")
	}

	fixture := newOrchestratorFixture()
	fixture.metrics.rates["checkout"] = 0.2
	fixture.logs.logs["checkout"] = logs

	orchestrator := NewOrchestrator(OrchestratorOptions{
		Metrics:    fixture.metrics,
		Logs:       fixture.logs,
		Summarizer: NewChatSummarizer(ChatSummarizerOptions{Endpoint: chat.URL, HttpClient: chat.Client()}),
		Notifier:   NewRoutingNotifier(NewPubSubNotifier(), nil),
	})

	req := request("checkout")
	req.Channel = "mem://alerts-e2e"
	req.Credential = "event-key"
	result, err := orchestrator.Evaluate(ctx, req)
	require.NoError(t, err)
	require.NoError(t, result.Err())
	assert.True(t, result.Alerted)
	assert.LessOrEqual(t, promptLogLines, MaxPromptLogLines)

	receiveCtx, cancel := contextWithTimeout(t, 5*time.Second)
	defer cancel()
	message, err := subscription.Receive(receiveCtx)
	require.NoError(t, err)
	message.Ack()
	assert.Equal(t, "Payments dependency is failing.", string(message.Body))
	assert.Equal(t, "checkout failure rate 20.0%", message.Metadata["subject"])
}

func TestEvaluateRequest_Validate(t *testing.T) {
	tests := []struct {
		name  string
		req   EvaluateRequest
		field string
	}{
		{name: "valid", req: request("a")},
		{name: "blank channel", req: EvaluateRequest{Channel: "  ", WindowMinutes: 5, Threshold: 0.05}, field: "channel"},
		{name: "zero minutes", req: EvaluateRequest{Channel: "mem://x", WindowMinutes: 0, Threshold: 0.05}, field: "minutes"},
		{name: "negative threshold", req: EvaluateRequest{Channel: "mem://x", WindowMinutes: 5, Threshold: -0.1}, field: "threshold"},
		{name: "threshold above one", req: EvaluateRequest{Channel: "mem://x", WindowMinutes: 5, Threshold: 1.5}, field: "threshold"},
		{name: "window beyond retention", req: EvaluateRequest{Channel: "mem://x", WindowMinutes: MaxWindowMinutes + 1, Threshold: 0.05}, field: "minutes"},
		{name: "longest window is allowed", req: EvaluateRequest{Channel: "mem://x", WindowMinutes: MaxWindowMinutes, Threshold: 0.05}},
		{name: "zero threshold is allowed", req: EvaluateRequest{Channel: "mem://x", WindowMinutes: 5, Threshold: 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var validationErr *ValidationError
			require.True(t, errors.As(err, &validationErr))
			assert.Equal(t, tt.field, validationErr.Field)
		})
	}
}

func TestAlertEvent_Subject(t *testing.T) {
	assert.Equal(t, "checkout failure rate 12.5%", AlertEvent{Target: "checkout", Rate: 0.125}.Subject())
	assert.Equal(t, "orders failure rate 100.0%", AlertEvent{Target: "orders", Rate: 1}.Subject())
	assert.Equal(t, "orders failure rate 33.3%", AlertEvent{Target: "orders", Rate: 1.0 / 3}.Subject())
}
