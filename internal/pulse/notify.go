package pulse

import (
	"context"
	"fmt"
	"log/slog"
)

// Notifier is the Postgres NOTIFY surface of the store.
type Notifier interface {
	Notify(ctx context.Context, channel, payload string) error
}

// NotifyTransport publishes envelopes with pg_notify on one channel. It
// serves deployments without a broker; listeners see the envelope JSON.
type NotifyTransport struct {
	db      Notifier
	channel string
}

// NewNotifyTransport creates a transport that notifies on channel.
func NewNotifyTransport(db Notifier, channel string) *NotifyTransport {
	return &NotifyTransport{db: db, channel: channel}
}

// Send implements Transport. The routing key travels inside the envelope.
func (t *NotifyTransport) Send(ctx context.Context, _, _ string, body []byte) error {
	// NOTIFY payloads are capped at 8000 bytes by Postgres.
	if len(body) >= 8000 {
		return fmt.Errorf("pulse: envelope of %d bytes exceeds the notify limit", len(body))
	}
	return t.db.Notify(ctx, t.channel, string(body))
}

// Close implements Transport.
func (t *NotifyTransport) Close() error { return nil }

// Listener is the Postgres LISTEN surface of the store.
type Listener interface {
	ListenEvents(ctx context.Context, channel string, handle func(context.Context, []byte) error) error
}

// NotifyConsumer feeds job messages received with LISTEN to a Handler.
// NOTIFY has no redelivery, so deferred messages are only logged; the
// next event for the same job retries its logs.
type NotifyConsumer struct {
	db      Listener
	channel string
	handler Handler
	logger  *slog.Logger
}

// NewNotifyConsumer creates a consumer of channel.
func NewNotifyConsumer(db Listener, channel string, handler Handler, logger *slog.Logger) *NotifyConsumer {
	return &NotifyConsumer{db: db, channel: channel, handler: handler, logger: logger}
}

// Run listens until ctx is done or the notify connection fails.
func (c *NotifyConsumer) Run(ctx context.Context) error {
	c.logger.Info("pulse: listening for job notifications", "channel", c.channel)
	err := c.db.ListenEvents(ctx, c.channel, func(ctx context.Context, body []byte) error {
		if err := c.handler(ctx, body); err != nil {
			c.logger.Warn("pulse: job notification not ingested", "error", err, "body", truncate(body, 512))
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("pulse: listen %s: %w", c.channel, err)
	}
	return nil
}
