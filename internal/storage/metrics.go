package storage

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mozilla/treeherder/internal/telemetry"
)

// RegisterPoolMetrics exposes connection pool gauges. Call it after
// telemetry.Init so the gauges bind to the configured provider.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter("treeherder/storage")

	_, err := meter.Int64ObservableGauge("treeherder.storage.pool_connections",
		metric.WithDescription("Connections in the pool by state"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			s := db.pool.Stat()
			o.Observe(int64(s.AcquiredConns()), metric.WithAttributes(stateAttr("acquired")))
			o.Observe(int64(s.IdleConns()), metric.WithAttributes(stateAttr("idle")))
			o.Observe(int64(s.TotalConns()), metric.WithAttributes(stateAttr("total")))
			return nil
		}),
	)
	if err != nil {
		db.logger.Warn("storage: register pool metrics", "error", err)
	}
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String("state", state)
}
