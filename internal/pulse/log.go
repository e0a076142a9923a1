package pulse

import (
	"context"
	"log/slog"
)

// LogTransport writes each envelope to a logger at debug level. It is the
// transport of deployments with neither a broker nor a notify connection.
type LogTransport struct {
	Logger *slog.Logger
}

// Send implements Transport.
func (t LogTransport) Send(ctx context.Context, exchange, routingKey string, body []byte) error {
	t.Logger.DebugContext(ctx, "pulse: event", "exchange", exchange, "routing_key", routingKey, "body", string(body))
	return nil
}

// Close implements Transport.
func (LogTransport) Close() error { return nil }
