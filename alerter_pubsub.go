package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"gocloud.dev/pubsub"
)

// snsSubjectLimit is the maximum subject length accepted by SNS.
const snsSubjectLimit = 100

// PubSubNotifier publishes alerts through gocloud.dev/pubsub. The channel is
// a pubsub URL (mem://, awssns://, kafka://, nats://, rabbit://, ...).
// Topics are opened on first use and kept until Shutdown so that warm
// invocations reuse connections.
type PubSubNotifier struct {
	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

func NewPubSubNotifier() *PubSubNotifier {
	return &PubSubNotifier{topics: make(map[string]*pubsub.Topic)}
}

func (p *PubSubNotifier) topic(ctx context.Context, channel string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if topic, ok := p.topics[channel]; ok {
		return topic, nil
	}
	topic, err := pubsub.OpenTopic(ctx, channel)
	if err != nil {
		return nil, err
	}
	p.topics[channel] = topic
	return topic, nil
}

func (p *PubSubNotifier) Publish(ctx context.Context, channel, subject, body string) error {
	topic, err := p.topic(ctx, channel)
	if err != nil {
		return fmt.Errorf("%w: opening topic: %w", ErrNotifyFailed, err)
	}

	err = topic.Send(ctx, &pubsub.Message{
		Body: []byte(body),
		Metadata: map[string]string{
			"subject": subject,
		},
		BeforeSend: func(asFunc func(any) bool) error {
			// SNS keeps the subject out of band; other drivers only see metadata.
			var entry *snstypes.PublishBatchRequestEntry
			if asFunc(&entry) && entry != nil {
				entry.Subject = aws.String(truncateSubject(subject))
				return nil
			}
			var input *sns.PublishInput
			if asFunc(&input) && input != nil {
				input.Subject = aws.String(truncateSubject(subject))
			}
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("%w: sending message: %w", ErrNotifyFailed, err)
	}
	return nil
}

// Shutdown flushes and closes every topic opened so far.
func (p *PubSubNotifier) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for channel, topic := range p.topics {
		if err := topic.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down topic %s: %w", channel, err))
		}
		delete(p.topics, channel)
	}
	return errors.Join(errs...)
}

func truncateSubject(subject string) string {
	if len(subject) <= snsSubjectLimit {
		return subject
	}
	truncated := subject[:snsSubjectLimit]
	for !utf8.ValidString(truncated) {
		truncated = truncated[:len(truncated)-1]
	}
	return truncated
}

// RoutingNotifier picks a transport from the shape of the channel identifier.
type RoutingNotifier struct {
	pubsub  *PubSubNotifier
	webhook *WebhookNotifier
}

func NewRoutingNotifier(pubsubNotifier *PubSubNotifier, webhookNotifier *WebhookNotifier) *RoutingNotifier {
	return &RoutingNotifier{pubsub: pubsubNotifier, webhook: webhookNotifier}
}

func (r *RoutingNotifier) Publish(ctx context.Context, channel, subject, body string) error {
	switch {
	case strings.HasPrefix(channel, "http://"), strings.HasPrefix(channel, "https://"):
		if r.webhook == nil {
			return fmt.Errorf("%w: %w: webhook notifier not configured", ErrNotifyFailed, ErrUnsupportedChannel)
		}
		return r.webhook.Publish(ctx, channel, subject, body)
	case strings.HasPrefix(channel, "arn:aws:sns:"):
		topicURL, err := snsTopicURL(channel)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrNotifyFailed, err)
		}
		slog.DebugContext(ctx, "routing alert to sns", slog.String("topic_url", topicURL))
		return r.pubsub.Publish(ctx, topicURL, subject, body)
	case strings.Contains(channel, "://"):
		return r.pubsub.Publish(ctx, channel, subject, body)
	default:
		return fmt.Errorf("%w: %w: %q", ErrNotifyFailed, ErrUnsupportedChannel, channel)
	}
}

// snsTopicURL converts an SNS topic ARN (arn:aws:sns:<region>:<account>:<name>)
// into the URL form understood by the gocloud awssnssqs driver.
func snsTopicURL(arn string) (string, error) {
	parts := strings.Split(arn, ":")
	if len(parts) != 6 || parts[3] == "" || parts[5] == "" {
		return "", fmt.Errorf("%w: malformed sns topic arn %q", ErrUnsupportedChannel, arn)
	}
	query := url.Values{}
	query.Set("region", parts[3])
	return "awssns:///" + arn + "?" + query.Encode(), nil
}
