package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrNoNotifyConn is returned by ListenEvents when the DB was opened without
// a notify DSN.
var ErrNoNotifyConn = errors.New("storage: notify connection not configured")

// Notify publishes payload on channel through the pool. Postgres caps
// payloads below 8000 bytes.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	if _, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}

// ListenEvents subscribes the dedicated notify connection to channel and
// calls handle with every payload until ctx is done, which returns nil.
// A handler error does not end the subscription. The notify connection
// serves one listener at a time.
func (db *DB) ListenEvents(ctx context.Context, channel string, handle func(context.Context, []byte) error) error {
	if db.notifyConn == nil {
		return ErrNoNotifyConn
	}
	ident := pgx.Identifier{channel}.Sanitize()
	if _, err := db.notifyConn.Exec(ctx, "LISTEN "+ident); err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	defer func() {
		// ctx may already be cancelled; UNLISTEN on a fresh context.
		_, _ = db.notifyConn.Exec(context.WithoutCancel(ctx), "UNLISTEN "+ident)
	}()

	for {
		n, err := db.notifyConn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("storage: wait on %s: %w", channel, err)
		}
		if n.Channel != channel {
			continue
		}
		if err := handle(ctx, []byte(n.Payload)); err != nil {
			db.logger.Debug("storage: notification handler failed", "channel", channel, "error", err)
		}
	}
}
