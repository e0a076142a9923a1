package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// enqueueOutbox queues failure lines for the external similarity index in
// the caller's transaction, so the index never learns about a
// classification that was rolled back.
func enqueueOutbox(ctx context.Context, tx pgx.Tx, lineIDs []int64, operation string) error {
	if len(lineIDs) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO search_outbox (failure_line_id, operation)
		 SELECT unnest($1::bigint[]), $2`,
		lineIDs, operation,
	)
	if err != nil {
		return fmt.Errorf("enqueue search outbox: %w", err)
	}
	return nil
}
