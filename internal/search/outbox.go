package search

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/metric"

	"github.com/mozilla/treeherder/internal/telemetry"
)

// outboxEntry is one row of search_outbox.
type outboxEntry struct {
	ID            int64
	FailureLineID int64
	Operation     string
	Attempts      int
}

// OutboxWorker polls search_outbox and mirrors classified failure lines
// into the index.
type OutboxWorker struct {
	pool         *pgxpool.Pool
	index        Index
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started     atomic.Bool
	cancelLoop  context.CancelFunc
	done        chan struct{}
	once        sync.Once
	lastCleanup time.Time
	drainCh     chan context.Context // hands the drain context to pollLoop for the final poll
}

// NewOutboxWorker creates a new outbox worker.
func NewOutboxWorker(pool *pgxpool.Pool, index Index, logger *slog.Logger, pollInterval time.Duration, batchSize int) *OutboxWorker {
	return &OutboxWorker{
		pool:         pool,
		index:        index,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. Later calls are no-ops.
func (w *OutboxWorker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("search outbox: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain stops the poll loop after one last batch and blocks until it is
// done or ctx expires.
func (w *OutboxWorker) Drain(ctx context.Context) {
	if !w.started.Load() {
		return
	}
	// Must be sent before cancelLoop so pollLoop sees it on ctx.Done().
	select {
	case w.drainCh <- ctx:
	default:
	}
	w.cancelLoop()
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("search outbox: drain timed out")
	}
}

func (w *OutboxWorker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.processBatch(drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.processBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			w.processBatch(batchCtx)
			cancel()
		}
	}
}

const maxOutboxAttempts = 10

// processBatch claims up to batchSize entries and applies them. It returns
// the number of entries claimed.
func (w *OutboxWorker) processBatch(ctx context.Context) int {
	if w.pool == nil || w.index == nil {
		return 0
	}
	if err := w.index.Healthy(ctx); err != nil {
		w.logger.Warn("search outbox: index unavailable, skipping batch", "error", err)
		return 0
	}

	entries, err := w.claim(ctx)
	if err != nil {
		w.logger.Error("search outbox: claim entries", "error", err)
		return 0
	}
	if len(entries) == 0 {
		return 0
	}

	var upserts, deletes []outboxEntry
	for _, e := range entries {
		switch e.Operation {
		case "upsert":
			upserts = append(upserts, e)
		case "delete":
			deletes = append(deletes, e)
		}
	}
	if len(upserts) > 0 {
		w.processUpserts(ctx, upserts)
	}
	if len(deletes) > 0 {
		w.processDeletes(ctx, deletes)
	}

	if time.Since(w.lastCleanup) > time.Hour {
		w.cleanupDeadLetters(ctx)
		w.lastCleanup = time.Now()
	}
	return len(entries)
}

// claim selects pending entries and locks them for 60 seconds, longer than
// the 30 second batch timeout so a second worker cannot pick them up while
// this one is still working.
func (w *OutboxWorker) claim(ctx context.Context) ([]outboxEntry, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, failure_line_id, operation, attempts
		 FROM search_outbox
		 WHERE (locked_until IS NULL OR locked_until < now())
		   AND attempts < $1
		 ORDER BY created_at ASC, id ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		maxOutboxAttempts, w.batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}
	entries, err := scanOutboxEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE search_outbox SET locked_until = now() + interval '60 seconds' WHERE id = ANY($1)`, ids,
	); err != nil {
		return nil, fmt.Errorf("lock entries: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit lock: %w", err)
	}
	return entries, nil
}

func (w *OutboxWorker) cleanupDeadLetters(ctx context.Context) {
	tag, err := w.pool.Exec(ctx,
		`DELETE FROM search_outbox
		 WHERE attempts >= $1
		   AND created_at < now() - interval '7 days'`,
		maxOutboxAttempts,
	)
	if err != nil {
		w.logger.Error("search outbox: cleanup dead-letters failed", "error", err)
		return
	}
	if tag.RowsAffected() > 0 {
		w.logger.Info("search outbox: cleaned dead-letter entries", "deleted", tag.RowsAffected())
	}
}

func (w *OutboxWorker) processUpserts(ctx context.Context, entries []outboxEntry) {
	lineIDs := make([]int64, len(entries))
	for i, e := range entries {
		lineIDs[i] = e.FailureLineID
	}

	points, err := w.fetchLinesForIndex(ctx, lineIDs)
	if err != nil {
		w.logger.Error("search outbox: fetch failure lines", "error", err, "count", len(lineIDs))
		w.failEntries(ctx, entries, err.Error())
		return
	}

	// Lines that lost their classification or vector leave the index.
	found := make(map[int64]bool, len(points))
	for _, p := range points {
		found[p.FailureLineID] = true
	}
	var gone []int64
	for _, id := range lineIDs {
		if !found[id] {
			gone = append(gone, id)
		}
	}

	if err := w.index.Upsert(ctx, points); err != nil {
		w.logger.Error("search outbox: upsert", "error", err, "count", len(points))
		w.failEntries(ctx, entries, err.Error())
		return
	}
	if err := w.index.DeleteByIDs(ctx, gone); err != nil {
		w.logger.Error("search outbox: delete unclassified", "error", err, "count", len(gone))
		w.failEntries(ctx, entries, err.Error())
		return
	}

	w.succeedEntries(ctx, entries)
	w.logger.Debug("search outbox: upserted", "count", len(points), "removed", len(gone))
}

func (w *OutboxWorker) processDeletes(ctx context.Context, entries []outboxEntry) {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.FailureLineID
	}

	if err := w.index.DeleteByIDs(ctx, ids); err != nil {
		w.logger.Error("search outbox: delete", "error", err, "count", len(ids))
		w.failEntries(ctx, entries, err.Error())
		return
	}

	w.succeedEntries(ctx, entries)
	w.logger.Debug("search outbox: deleted", "count", len(ids))
}

func (w *OutboxWorker) succeedEntries(ctx context.Context, entries []outboxEntry) {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if _, err := w.pool.Exec(ctx, `DELETE FROM search_outbox WHERE id = ANY($1)`, ids); err != nil {
		w.logger.Error("search outbox: delete completed entries", "error", err)
	}
}

// failEntries backs the entries off for 2^attempts seconds, capped at five
// minutes.
func (w *OutboxWorker) failEntries(ctx context.Context, entries []outboxEntry, errMsg string) {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if _, err := w.pool.Exec(ctx,
		`UPDATE search_outbox
		 SET attempts = attempts + 1,
		     last_error = $1,
		     locked_until = now() + LEAST(POWER(2, attempts + 1), 300) * interval '1 second'
		 WHERE id = ANY($2)`,
		errMsg, ids,
	); err != nil {
		w.logger.Error("search outbox: update failed entries", "error", err)
	}

	for _, e := range entries {
		if e.Attempts+1 >= maxOutboxAttempts {
			w.logger.Warn("search outbox: dead-letter entry",
				"outbox_id", e.ID,
				"failure_line_id", e.FailureLineID,
				"operation", e.Operation,
				"attempts", e.Attempts+1,
			)
		}
	}
}

// fetchLinesForIndex loads the classified lines among ids that carry a
// token vector.
func (w *OutboxWorker) fetchLinesForIndex(ctx context.Context, ids []int64) ([]Point, error) {
	rows, err := w.pool.Query(ctx,
		`SELECT id, best_classification_id, repository_id, test, action, embedding
		 FROM failure_lines
		 WHERE id = ANY($1) AND best_classification_id IS NOT NULL AND embedding IS NOT NULL`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("search outbox: query failure lines: %w", err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var p Point
		var emb pgvector.Vector
		if err := rows.Scan(&p.FailureLineID, &p.ClassifiedFailureID, &p.RepositoryID, &p.Test, &p.Action, &emb); err != nil {
			return nil, fmt.Errorf("search outbox: scan failure line: %w", err)
		}
		p.Vector = emb.Slice()
		points = append(points, p)
	}
	return points, rows.Err()
}

func (w *OutboxWorker) registerMetrics() {
	meter := telemetry.Meter("treeherder/search")

	_, _ = meter.Int64ObservableGauge("treeherder.search.outbox_depth",
		metric.WithDescription("Number of pending entries in the search outbox"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			var count int64
			err := w.pool.QueryRow(ctx, `SELECT COUNT(*) FROM search_outbox WHERE attempts < $1`, maxOutboxAttempts).Scan(&count)
			if err != nil {
				return nil // skip this observation
			}
			o.Observe(count)
			return nil
		}),
	)
}

func scanOutboxEntries(rows pgx.Rows) ([]outboxEntry, error) {
	defer rows.Close()
	var entries []outboxEntry
	for rows.Next() {
		var e outboxEntry
		if err := rows.Scan(&e.ID, &e.FailureLineID, &e.Operation, &e.Attempts); err != nil {
			return nil, fmt.Errorf("search outbox: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
