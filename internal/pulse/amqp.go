package pulse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/metric"

	"github.com/mozilla/treeherder/internal/telemetry"
)

// AMQPTransport publishes envelopes to a topic exchange over AMQP 0-9-1.
type AMQPTransport struct {
	conn *amqp.Connection

	mu sync.Mutex // amqp channels are not safe for concurrent publishes
	ch *amqp.Channel
}

// DialAMQP connects to the broker and declares exchange as a durable topic
// exchange.
func DialAMQP(url, exchange string) (*AMQPTransport, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("pulse: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("pulse: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("pulse: declare exchange %s: %w", exchange, err)
	}
	return &AMQPTransport{conn: conn, ch: ch}, nil
}

// Send implements Transport.
func (t *AMQPTransport) Send(ctx context.Context, exchange, routingKey string, body []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

// Close implements Transport.
func (t *AMQPTransport) Close() error {
	return t.conn.Close()
}

// Handler processes one job message body.
type Handler func(ctx context.Context, body []byte) error

// ConsumerConfig describes the queue a Consumer reads.
type ConsumerConfig struct {
	URL      string
	Exchange string
	Queue    string
	// Binding defaults to "#.job.#".
	Binding  string
	Prefetch int
}

// Consumer feeds job messages from a durable queue to a Handler. Messages
// whose error satisfies Requeue are returned to the queue; every other
// outcome acks, so malformed input is never redelivered.
type Consumer struct {
	cfg     ConsumerConfig
	handler Handler
	requeue func(error) bool
	logger  *slog.Logger

	received metric.Int64Counter
}

// NewConsumer creates a consumer. requeue may be nil.
func NewConsumer(cfg ConsumerConfig, handler Handler, requeue func(error) bool, logger *slog.Logger) (*Consumer, error) {
	if cfg.Binding == "" {
		cfg.Binding = "#.job.#"
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 8
	}
	if requeue == nil {
		requeue = func(error) bool { return false }
	}
	c := &Consumer{cfg: cfg, handler: handler, requeue: requeue, logger: logger}
	var err error
	c.received, err = telemetry.Meter("treeherder/pulse").Int64Counter("treeherder.pulse.messages_received",
		metric.WithDescription("Job messages received from the bus"))
	if err != nil {
		return nil, fmt.Errorf("pulse: create counter: %w", err)
	}
	return c, nil
}

// Run consumes until ctx is done or the connection drops.
func (c *Consumer) Run(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("pulse: dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("pulse: open channel: %w", err)
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("pulse: set qos: %w", err)
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("pulse: declare queue %s: %w", c.cfg.Queue, err)
	}
	if err := ch.QueueBind(c.cfg.Queue, c.cfg.Binding, c.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("pulse: bind %s to %s: %w", c.cfg.Queue, c.cfg.Exchange, err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("pulse: consume %s: %w", c.cfg.Queue, err)
	}
	c.logger.Info("pulse: consuming", "queue", c.cfg.Queue, "exchange", c.cfg.Exchange, "binding", c.cfg.Binding)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("pulse: delivery channel closed")
			}
			c.deliver(ctx, d)
		}
	}
}

func (c *Consumer) deliver(ctx context.Context, d amqp.Delivery) {
	c.received.Add(ctx, 1)
	err := c.Dispatch(ctx, d.Body)
	switch {
	case err == nil:
		_ = d.Ack(false)
	case c.requeue(err):
		_ = d.Nack(false, true)
	default:
		_ = d.Ack(false)
	}
}

// Dispatch runs the handler on body and logs failures. It returns the
// handler's error so the caller can decide whether to redeliver.
func (c *Consumer) Dispatch(ctx context.Context, body []byte) error {
	err := c.handler(ctx, body)
	switch {
	case err == nil:
	case c.requeue(err):
		c.logger.Warn("pulse: message deferred", "error", err)
	default:
		c.logger.Error("pulse: message dropped", "error", err, "body", truncate(body, 512))
	}
	return err
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
