package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mozilla/treeherder/internal/telemetry"
)

// Transport delivers an encoded envelope. Implementations must be safe for
// concurrent use.
type Transport interface {
	Send(ctx context.Context, exchange, routingKey string, body []byte) error
	Close() error
}

// MaxAttempts bounds delivery attempts per event.
const MaxAttempts = 3

// Publisher wraps events in envelopes and hands them to a transport.
// Publishing never fails the caller: exhausted retries are logged and
// counted.
type Publisher struct {
	transport  Transport
	logger     *slog.Logger
	now        func() time.Time
	newBackOff func() backoff.BackOff

	failures metric.Int64Counter
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithBackOff replaces the retry schedule between attempts.
func WithBackOff(fn func() backoff.BackOff) PublisherOption {
	return func(p *Publisher) { p.newBackOff = fn }
}

// WithPublishClock sets the source of sent_timestamp.
func WithPublishClock(now func() time.Time) PublisherOption {
	return func(p *Publisher) { p.now = now }
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return b
}

// NewPublisher creates a publisher over transport.
func NewPublisher(transport Transport, logger *slog.Logger, opts ...PublisherOption) (*Publisher, error) {
	p := &Publisher{
		transport:  transport,
		logger:     logger,
		now:        time.Now,
		newBackOff: defaultBackOff,
	}
	for _, opt := range opts {
		opt(p)
	}
	var err error
	p.failures, err = telemetry.Meter("treeherder/pulse").Int64Counter("treeherder.pulse.publish_failures",
		metric.WithDescription("Events dropped after exhausting publish retries"))
	if err != nil {
		return nil, fmt.Errorf("pulse: create counter: %w", err)
	}
	return p, nil
}

// Encode builds the envelope body for e.
func (p *Publisher) Encode(e Event) ([]byte, error) {
	env := Envelope{
		Payload: e.Payload,
		Meta: Meta{
			Exchange:      Exchange,
			RoutingKey:    e.RoutingKey(),
			Serializer:    "json",
			SentTimestamp: float64(p.now().UnixMicro()) / 1e6,
		},
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("pulse: encode %s: %w", e.Type, err)
	}
	return body, nil
}

// Publish sends e with up to MaxAttempts attempts.
func (p *Publisher) Publish(ctx context.Context, e Event) {
	if p == nil {
		return
	}
	body, err := p.Encode(e)
	if err != nil {
		p.fail(ctx, e, err)
		return
	}
	key := e.RoutingKey()
	b := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), MaxAttempts-1), ctx)
	err = backoff.Retry(func() error {
		if err := p.transport.Send(ctx, Exchange, key, body); err != nil {
			if errors.Is(err, context.Canceled) {
				return backoff.Permanent(err)
			}
			p.logger.Debug("pulse: send failed, retrying", "routing_key", key, "error", err)
			return err
		}
		return nil
	}, b)
	if err != nil {
		p.fail(ctx, e, err)
	}
}

func (p *Publisher) fail(ctx context.Context, e Event, err error) {
	p.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", string(e.Type))))
	p.logger.Error("pulse: publish failed", "routing_key", e.RoutingKey(), "error", err)
}

// Close closes the transport.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.transport.Close()
}
