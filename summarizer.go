package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptrace"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	// MaxPromptLogLines caps how many raw log lines reach the prompt. It is a
	// hard cap on the first lines, not a sample.
	MaxPromptLogLines = 20

	defaultSummarizerEndpoint = "https://api.openai.com/v1/chat/completions"
	defaultSummarizerModel    = "gpt-3.5-turbo"
	defaultSummarizerTimeout  = 60 * time.Second

	// maxSummarizerResponseSize keeps a misbehaving endpoint from exhausting memory.
	maxSummarizerResponseSize = 4 * 1024 * 1024
)

// Summarizer turns ranked error signatures and raw logs into a short
// diagnostic text. credential overrides the configured API key for this
// call only when non-empty.
type Summarizer interface {
	Summarize(ctx context.Context, topErrors []string, logs []string, credential string) (string, error)
}

type ChatSummarizerOptions struct {
	Endpoint   string
	Model      string
	APIKey     string
	Timeout    time.Duration
	HttpClient *http.Client
}

// ChatSummarizer talks to an OpenAI compatible chat completions endpoint.
type ChatSummarizer struct {
	endpoint   string
	model      string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
}

func NewChatSummarizer(options ChatSummarizerOptions) *ChatSummarizer {
	if options.Endpoint == "" {
		options.Endpoint = defaultSummarizerEndpoint
	}
	if options.Model == "" {
		options.Model = defaultSummarizerModel
	}
	if options.Timeout <= 0 {
		options.Timeout = defaultSummarizerTimeout
	}
	if options.HttpClient == nil {
		options.HttpClient = http.DefaultClient
	}
	return &ChatSummarizer{
		endpoint:   options.Endpoint,
		model:      options.Model,
		apiKey:     options.APIKey,
		timeout:    options.Timeout,
		httpClient: options.HttpClient,
	}
}

// BuildSummaryPrompt renders the prompt sent to the model.
func BuildSummaryPrompt(topErrors []string, logs []string) string {
	quoted := make([]string, 0, len(topErrors))
	for _, message := range topErrors {
		quoted = append(quoted, strconv.Quote(message))
	}
	if len(logs) > MaxPromptLogLines {
		logs = logs[:MaxPromptLogLines]
	}

	var prompt strings.Builder
	prompt.WriteString("You are an observability assistant. Summarize the probable root causes\n")
	prompt.WriteString("from these Lambda logs and suggest a fix if obvious.\n")
	prompt.WriteString("Top errors: [" + strings.Join(quoted, ", ") + "]\n")
	prompt.WriteString("Recent logs:\n")
	prompt.WriteString(strings.Join(logs, "\n"))
	return prompt.String()
}

func (s *ChatSummarizer) Summarize(ctx context.Context, topErrors []string, logs []string, credential string) (string, error) {
	apiKey := credential
	if apiKey == "" {
		apiKey = s.apiKey
	}
	if apiKey == "" {
		return "", fmt.Errorf("%w: no api key configured", ErrSummaryUnavailable)
	}

	requestBody, err := sjson.SetBytes([]byte(`{}`), "model", s.model)
	if err != nil {
		return "", fmt.Errorf("%w: building request: %w", ErrSummaryUnavailable, err)
	}
	requestBody, err = sjson.SetBytes(requestBody, "messages", []map[string]string{
		{"role": "user", "content": BuildSummaryPrompt(topErrors, logs)},
	})
	if err != nil {
		return "", fmt.Errorf("%w: building request: %w", ErrSummaryUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tracer := NewHTTPTracer()
	request, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, tracer.GetClientTrace()), http.MethodPost, s.endpoint, bytes.NewReader(requestBody))
	if err != nil {
		return "", fmt.Errorf("%w: creating request: %w", ErrSummaryUnavailable, err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+apiKey)
	request.Header.Set("User-Agent", "lambdawatch-summarizer/1.0")

	requestStart := time.Now()
	response, err := s.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("%w: sending request: %w", ErrSummaryUnavailable, err)
	}
	defer func() {
		if response.Body != nil {
			_ = response.Body.Close()
		}
	}()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxSummarizerResponseSize))
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %w", ErrSummaryUnavailable, err)
	}
	slog.DebugContext(ctx, "summary request completed",
		slog.Int("status_code", response.StatusCode),
		slog.Duration("duration", time.Since(requestStart)),
		slog.Any("timings", tracer.GetTimings()))

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		reason := gjson.GetBytes(responseBody, "error.message").String()
		if reason == "" {
			reason = http.StatusText(response.StatusCode)
		}
		return "", fmt.Errorf("%w: received status code %d: %s", ErrSummaryUnavailable, response.StatusCode, reason)
	}

	if !gjson.ValidBytes(responseBody) {
		return "", fmt.Errorf("%w: malformed response body", ErrSummaryUnavailable)
	}
	content := gjson.GetBytes(responseBody, "choices.0.message.content")
	if !content.Exists() || content.Type != gjson.String {
		return "", fmt.Errorf("%w: response has no message content", ErrSummaryUnavailable)
	}

	return strings.TrimSpace(content.String()), nil
}
