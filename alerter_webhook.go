package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptrace"
)

type WebhookNotifier struct {
	hmacSecret    string
	customHeaders map[string]string
	httpClient    *http.Client
}

func NewWebhookNotifier(hmacSecret string, customHeaders map[string]string, httpClient *http.Client) *WebhookNotifier {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &WebhookNotifier{
		hmacSecret:    hmacSecret,
		customHeaders: customHeaders,
		httpClient:    httpClient,
	}
}

type webhookRequestPayload struct {
	Subject string `json:"subject"`
	Message string `json:"message"`
}

// Publish posts the alert to the channel, which is the webhook URL itself.
func (w *WebhookNotifier) Publish(ctx context.Context, channel, subject, body string) error {
	requestBody, err := json.Marshal(webhookRequestPayload{
		Subject: subject,
		Message: body,
	})
	if err != nil {
		return fmt.Errorf("%w: marshaling webhook payload: %w", ErrNotifyFailed, err)
	}

	var signature string
	if w.hmacSecret != "" {
		signer := hmac.New(sha256.New, []byte(w.hmacSecret))
		signer.Write(requestBody)
		signature = fmt.Sprintf("%x", signer.Sum(nil))
	}

	tracer := NewHTTPTracer()
	ctx = httptrace.WithClientTrace(ctx, tracer.GetClientTrace())
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, channel, bytes.NewReader(requestBody))
	if err != nil {
		return fmt.Errorf("%w: creating webhook request: %w", ErrNotifyFailed, err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("User-Agent", "lambdawatch-webhook/1.0")
	for key, value := range w.customHeaders {
		request.Header.Set(key, value)
	}
	if signature != "" {
		request.Header.Set("X-Signature", signature)
	}

	response, err := w.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%w: sending webhook request: %w", ErrNotifyFailed, err)
	}
	defer func() {
		if response.Body != nil {
			_ = response.Body.Close()
		}
	}()
	slog.DebugContext(ctx, "webhook request completed", slog.Int("status_code", response.StatusCode), slog.Any("timings", tracer.GetTimings()))

	if response.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", ErrNotifyFailed, ErrAlerterRateLimited)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("%w: received non-2xx response code %d", ErrNotifyFailed, response.StatusCode)
	}

	return nil
}
