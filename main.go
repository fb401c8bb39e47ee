package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/getsentry/sentry-go"
	"github.com/guregu/null/v5"
	"github.com/joho/godotenv"
	_ "gocloud.dev/pubsub/awssnssqs"
	_ "gocloud.dev/pubsub/kafkapubsub"
	_ "gocloud.dev/pubsub/mempubsub"
	_ "gocloud.dev/pubsub/natspubsub"
	_ "gocloud.dev/pubsub/rabbitpubsub"
)

func main() {
	mode := flag.String("mode", "lambda", "The mode of the current process, possible values are: lambda, check")
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	functions := flag.String("function", "", "Comma separated function names to evaluate (only for check mode)")
	channel := flag.String("channel", "", "Channel to publish alerts to (only for check mode)")
	flag.Parse()

	if *mode == "check" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("failed to load .env file", slog.String("error", err.Error()))
		}
	}

	config, err := LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.SetDefault(NewLogger(os.Stderr, config.LogLevel, config.LogFormat))

	if config.Sentry.Dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              config.Sentry.Dsn,
			SampleRate:       config.Sentry.ErrorSampleRate,
			EnableTracing:    config.Sentry.TracesSampleRate > 0,
			TracesSampleRate: config.Sentry.TracesSampleRate,
			Debug:            config.Sentry.Debug,
		})
		if err != nil {
			slog.Error("failed to initialize sentry", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	pubsubNotifier := NewPubSubNotifier()
	handler := NewHandler(config, HandlerOptions{
		Summarizer: NewChatSummarizer(ChatSummarizerOptions{
			Endpoint: config.Summarizer.Endpoint,
			Model:    config.Summarizer.Model,
			APIKey:   config.Summarizer.ApiKey,
			Timeout:  time.Duration(config.Summarizer.TimeoutSeconds) * time.Second,
		}),
		Notifier: NewRoutingNotifier(
			pubsubNotifier,
			NewWebhookNotifier(config.Webhook.HmacSecret, config.Webhook.Headers, nil),
		),
		Telemetry: NewTelemetry(config.Pushgateway.Url, config.Pushgateway.Job),
	})

	switch *mode {
	case "lambda":
		lambda.Start(handler.Handle)
	case "check":
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		alerted, err := handler.Handle(ctx, checkEvent(*functions, *channel))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := pubsubNotifier.Shutdown(shutdownCtx); err != nil {
			slog.Warn("failed to shut down topics", slog.String("error", err.Error()))
		}
		cancel()
		stop()

		if err != nil {
			slog.Error("check failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		fmt.Println(alerted)
	default:
		slog.Error("unknown mode", "mode", *mode)
		os.Exit(1)
	}
}

// checkEvent builds the one-shot event from flags. Anything left empty falls
// back to the configuration.
func checkEvent(functions, channel string) InvocationEvent {
	event := InvocationEvent{FunctionNames: NoTargets{}}
	if functions != "" {
		event.FunctionNames = ManyTargets(strings.Split(functions, ","))
	}
	if channel != "" {
		event.Channel = null.StringFrom(channel)
	}
	return event
}
