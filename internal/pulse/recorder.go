package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Message is one delivery captured by a Recorder.
type Message struct {
	Exchange   string
	RoutingKey string
	Body       []byte
}

// Recorder keeps every message in memory and optionally echoes each body
// as a line to W. It backs tests and the offline CLI commands.
type Recorder struct {
	W io.Writer

	mu       sync.Mutex
	messages []Message
}

// Send implements Transport.
func (r *Recorder) Send(_ context.Context, exchange, routingKey string, body []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{Exchange: exchange, RoutingKey: routingKey, Body: body})
	if r.W != nil {
		if _, err := fmt.Fprintf(r.W, "%s\n", body); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Transport.
func (r *Recorder) Close() error { return nil }

// Messages returns a copy of the captured messages.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// RoutingKeys lists the captured routing keys in order.
func (r *Recorder) RoutingKeys() []string {
	msgs := r.Messages()
	keys := make([]string, len(msgs))
	for i, m := range msgs {
		keys[i] = m.RoutingKey
	}
	return keys
}

// Payloads decodes the payload of every message sent with routingKey.
func (r *Recorder) Payloads(routingKey string) ([]map[string]any, error) {
	var out []map[string]any
	for _, m := range r.Messages() {
		if m.RoutingKey != routingKey {
			continue
		}
		var env struct {
			Payload map[string]any `json:"payload"`
		}
		if err := json.Unmarshal(m.Body, &env); err != nil {
			return nil, fmt.Errorf("pulse: decode recorded envelope: %w", err)
		}
		out = append(out, env.Payload)
	}
	return out, nil
}
