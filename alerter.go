package main

import (
	"context"
	"errors"
)

// ErrNotifyFailed is returned when an alert cannot be handed over to the
// destination channel. This may occur when the channel cannot be opened,
// when the transport rejects the message, or when a webhook returns a
// non-2xx HTTP response.
var ErrNotifyFailed = errors.New("alert notification failed")

// ErrAlerterRateLimited is returned when a notifier has been rate limited
// and cannot send additional alerts until the rate limit period has passed.
var ErrAlerterRateLimited = errors.New("alerter rate limited")

// ErrUnsupportedChannel is returned when a channel identifier does not map to
// any known transport.
var ErrUnsupportedChannel = errors.New("unsupported alert channel")

// Notifier publishes an alert to a fan-out channel. Publishing is fire and
// forget: a nil error only means the transport accepted the message.
type Notifier interface {
	// Publish sends subject and body to the given channel.
	// The context ctx can be used to control the request lifetime and cancellation.
	Publish(ctx context.Context, channel, subject, body string) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, channel, subject, body string) error

// Publish implements Notifier.
func (f NotifierFunc) Publish(ctx context.Context, channel, subject, body string) error {
	return f(ctx, channel, subject, body)
}
