package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mozilla/treeherder/internal/model"
)

const signatureColumns = `id, signature_hash, repository_id, framework_id, suite, test, platform, options,
	lower_is_better, should_alert, alert_change_type, alert_threshold, min_back_window, max_back_window,
	fore_window, last_updated, analyzed_at`

func scanSignature(row pgx.Row) (model.PerformanceSignature, error) {
	var s model.PerformanceSignature
	err := row.Scan(
		&s.ID, &s.SignatureHash, &s.RepositoryID, &s.FrameworkID, &s.Suite, &s.Test, &s.Platform, &s.Options,
		&s.LowerIsBetter, &s.ShouldAlert, &s.AlertChangeType, &s.AlertThreshold, &s.MinBackWindow, &s.MaxBackWindow,
		&s.ForeWindow, &s.LastUpdated, &s.AnalyzedAt,
	)
	return s, err
}

func collectSignatures(rows pgx.Rows) ([]model.PerformanceSignature, error) {
	defer rows.Close()
	var out []model.PerformanceSignature
	for rows.Next() {
		s, err := scanSignature(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpsertPerformanceFramework returns the framework with the given name, creating it if needed.
func (db *DB) UpsertPerformanceFramework(ctx context.Context, name string) (model.PerformanceFramework, error) {
	f := model.PerformanceFramework{Name: name}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO performance_frameworks (name) VALUES ($1)
		 ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id`, name,
	).Scan(&f.ID)
	if err != nil {
		return model.PerformanceFramework{}, fmt.Errorf("storage: upsert framework %q: %w", name, err)
	}
	return f, nil
}

// UpsertPerformanceSignature creates a signature or refreshes its alerting
// properties.
func (db *DB) UpsertPerformanceSignature(ctx context.Context, sig model.PerformanceSignature) (model.PerformanceSignature, error) {
	changeType := sig.AlertChangeType
	if changeType == "" {
		changeType = model.ChangeTypePercentage
	}
	out, err := scanSignature(db.pool.QueryRow(ctx,
		`INSERT INTO performance_signatures (signature_hash, repository_id, framework_id, suite, test, platform,
			options, lower_is_better, should_alert, alert_change_type, alert_threshold, min_back_window,
			max_back_window, fore_window)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (repository_id, framework_id, signature_hash) DO UPDATE SET
			lower_is_better = EXCLUDED.lower_is_better,
			should_alert = EXCLUDED.should_alert,
			alert_change_type = EXCLUDED.alert_change_type,
			alert_threshold = EXCLUDED.alert_threshold,
			min_back_window = EXCLUDED.min_back_window,
			max_back_window = EXCLUDED.max_back_window,
			fore_window = EXCLUDED.fore_window
		 RETURNING `+signatureColumns,
		sig.SignatureHash, sig.RepositoryID, sig.FrameworkID, sig.Suite, sig.Test, sig.Platform,
		sig.Options, sig.LowerIsBetter, sig.ShouldAlert, string(changeType), sig.AlertThreshold, sig.MinBackWindow,
		sig.MaxBackWindow, sig.ForeWindow,
	))
	if err != nil {
		return model.PerformanceSignature{}, fmt.Errorf("storage: upsert signature %s: %w", sig.SignatureHash, err)
	}
	return out, nil
}

// GetPerformanceSignature returns a signature by id.
func (db *DB) GetPerformanceSignature(ctx context.Context, id int64) (model.PerformanceSignature, error) {
	s, err := scanSignature(db.pool.QueryRow(ctx,
		`SELECT `+signatureColumns+` FROM performance_signatures WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.PerformanceSignature{}, ErrNotFound
	}
	if err != nil {
		return model.PerformanceSignature{}, fmt.Errorf("storage: get signature %d: %w", id, err)
	}
	return s, nil
}

// FindPerformanceSignatures looks signatures up by hash. An empty
// repository matches every repository.
func (db *DB) FindPerformanceSignatures(ctx context.Context, hash, repository string) ([]model.PerformanceSignature, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+signatureColumns+` FROM performance_signatures
		 WHERE signature_hash = $1
		   AND ($2 = '' OR repository_id = (SELECT id FROM repositories WHERE name = $2))
		 ORDER BY id`, hash, repository,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: find signatures: %w", err)
	}
	sigs, err := collectSignatures(rows)
	if err != nil {
		return nil, fmt.Errorf("storage: find signatures: %w", err)
	}
	return sigs, nil
}

// ListSignaturesNeedingAnalysis returns signatures with data newer than
// their last analysis, oldest change first.
func (db *DB) ListSignaturesNeedingAnalysis(ctx context.Context, limit int) ([]model.PerformanceSignature, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+signatureColumns+` FROM performance_signatures
		 WHERE analyzed_at IS NULL OR analyzed_at < last_updated
		 ORDER BY last_updated, id
		 LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list signatures needing analysis: %w", err)
	}
	sigs, err := collectSignatures(rows)
	if err != nil {
		return nil, fmt.Errorf("storage: list signatures needing analysis: %w", err)
	}
	return sigs, nil
}

// MarkSignatureAnalyzed records that the series was analyzed at the given time.
func (db *DB) MarkSignatureAnalyzed(ctx context.Context, id int64, at time.Time) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE performance_signatures SET analyzed_at = $2 WHERE id = $1`, id, at,
	); err != nil {
		return fmt.Errorf("storage: mark signature analyzed: %w", err)
	}
	return nil
}

// InsertPerfDatum inserts a datum unless the (signature, job) pair exists.
// A new datum marks its signature for re-analysis.
func (db *DB) InsertPerfDatum(ctx context.Context, d model.PerformanceDatum) (bool, error) {
	var inserted bool
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO performance_data (signature_id, push_id, job_id, value, push_timestamp, machine)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT DO NOTHING`,
			d.SignatureID, d.PushID, d.JobID, d.Value, d.PushTimestamp, d.Machine,
		)
		if err != nil {
			return err
		}
		inserted = tag.RowsAffected() == 1
		if !inserted {
			return nil
		}
		_, err = tx.Exec(ctx, `UPDATE performance_signatures SET last_updated = now() WHERE id = $1`, d.SignatureID)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("storage: insert perf datum: %w", err)
	}
	return inserted, nil
}

// GetPerfSeries returns a series in (push_timestamp, push_id) order.
func (db *DB) GetPerfSeries(ctx context.Context, signatureID int64, since time.Time) ([]model.PerformanceDatum, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, signature_id, push_id, job_id, value, push_timestamp, machine
		 FROM performance_data
		 WHERE signature_id = $1 AND push_timestamp >= $2
		 ORDER BY push_timestamp, push_id, id`, signatureID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get perf series: %w", err)
	}
	defer rows.Close()

	var out []model.PerformanceDatum
	for rows.Next() {
		var d model.PerformanceDatum
		if err := rows.Scan(&d.ID, &d.SignatureID, &d.PushID, &d.JobID, &d.Value, &d.PushTimestamp, &d.Machine); err != nil {
			return nil, fmt.Errorf("storage: scan perf datum: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

const summaryColumns = `id, repository_id, framework_id, push_id, prev_push_id, status, bug_number, created_at, last_updated`

func scanSummary(row pgx.Row) (model.PerformanceAlertSummary, error) {
	var s model.PerformanceAlertSummary
	err := row.Scan(&s.ID, &s.RepositoryID, &s.FrameworkID, &s.PushID, &s.PrevPushID, &s.Status,
		&s.BugNumber, &s.CreatedAt, &s.LastUpdated)
	return s, err
}

// UpsertAlertSummary returns the summary for (repository, framework, push,
// prev_push), creating it untriaged if absent.
func (db *DB) UpsertAlertSummary(ctx context.Context, s model.PerformanceAlertSummary) (model.PerformanceAlertSummary, error) {
	out, err := scanSummary(db.pool.QueryRow(ctx,
		`INSERT INTO performance_alert_summaries (repository_id, framework_id, push_id, prev_push_id, status)
		 VALUES ($1, $2, $3, $4, 'untriaged')
		 ON CONFLICT (repository_id, framework_id, push_id, prev_push_id) DO UPDATE SET last_updated = now()
		 RETURNING `+summaryColumns,
		s.RepositoryID, s.FrameworkID, s.PushID, s.PrevPushID,
	))
	if err != nil {
		return model.PerformanceAlertSummary{}, fmt.Errorf("storage: upsert alert summary: %w", err)
	}
	return out, nil
}

// GetAlertSummary returns a summary by id.
func (db *DB) GetAlertSummary(ctx context.Context, id int64) (model.PerformanceAlertSummary, error) {
	s, err := scanSummary(db.pool.QueryRow(ctx,
		`SELECT `+summaryColumns+` FROM performance_alert_summaries WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.PerformanceAlertSummary{}, ErrNotFound
	}
	if err != nil {
		return model.PerformanceAlertSummary{}, fmt.Errorf("storage: get alert summary: %w", err)
	}
	return s, nil
}

// UpdateAlertSummaryStatus applies a status transition, rejecting
// transitions not permitted from the current status.
func (db *DB) UpdateAlertSummaryStatus(ctx context.Context, id int64, to model.SummaryStatus, admin bool) (model.PerformanceAlertSummary, error) {
	var out model.PerformanceAlertSummary
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		var from model.SummaryStatus
		err := tx.QueryRow(ctx,
			`SELECT status FROM performance_alert_summaries WHERE id = $1 FOR UPDATE`, id,
		).Scan(&from)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !from.CanTransition(to, admin) {
			return fmt.Errorf("summary %d %s -> %s: %w", id, from, to, model.ErrInvalidStateTransition)
		}
		out, err = scanSummary(tx.QueryRow(ctx,
			`UPDATE performance_alert_summaries SET status = $2, last_updated = now()
			 WHERE id = $1 RETURNING `+summaryColumns, id, string(to),
		))
		return err
	})
	if err != nil {
		return model.PerformanceAlertSummary{}, fmt.Errorf("storage: update summary status: %w", err)
	}
	return out, nil
}

// SetAlertSummaryBug links a summary to a bug, or unlinks it when bugNumber is nil.
func (db *DB) SetAlertSummaryBug(ctx context.Context, id int64, bugNumber *int) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE performance_alert_summaries SET bug_number = $2, last_updated = now() WHERE id = $1`,
		id, bugNumber,
	)
	if err != nil {
		return fmt.Errorf("storage: set summary bug: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const alertColumns = `id, summary_id, series_signature_id, is_regression, amount_pct, amount_abs,
	prev_value, new_value, t_value, status, created_at`

func scanAlert(row pgx.Row, extra ...any) (model.PerformanceAlert, error) {
	var a model.PerformanceAlert
	var t float64
	dest := []any{&a.ID, &a.SummaryID, &a.SeriesSignatureID, &a.IsRegression, &a.AmountPct, &a.AmountAbs,
		&a.PrevValue, &a.NewValue, &t, &a.Status, &a.CreatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return model.PerformanceAlert{}, err
	}
	a.TValue = model.TScore(t)
	return a, nil
}

// UpsertAlert creates the alert or refreshes its measurements, leaving any
// triage status in place.
func (db *DB) UpsertAlert(ctx context.Context, a model.PerformanceAlert) (model.PerformanceAlert, bool, error) {
	var created bool
	out, err := scanAlert(db.pool.QueryRow(ctx,
		`INSERT INTO performance_alerts (summary_id, series_signature_id, is_regression, amount_pct, amount_abs,
			prev_value, new_value, t_value, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'untriaged')
		 ON CONFLICT (summary_id, series_signature_id) DO UPDATE SET
			is_regression = EXCLUDED.is_regression,
			amount_pct = EXCLUDED.amount_pct,
			amount_abs = EXCLUDED.amount_abs,
			prev_value = EXCLUDED.prev_value,
			new_value = EXCLUDED.new_value,
			t_value = EXCLUDED.t_value
		 RETURNING `+alertColumns+`, (xmax = 0)`,
		a.SummaryID, a.SeriesSignatureID, a.IsRegression, a.AmountPct, a.AmountAbs,
		a.PrevValue, a.NewValue, float64(a.TValue),
	), &created)
	if err != nil {
		return model.PerformanceAlert{}, false, fmt.Errorf("storage: upsert alert: %w", err)
	}
	return out, created, nil
}

// ListAlerts returns the alerts of a summary.
func (db *DB) ListAlerts(ctx context.Context, summaryID int64) ([]model.PerformanceAlert, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+alertColumns+` FROM performance_alerts WHERE summary_id = $1 ORDER BY id`, summaryID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list alerts: %w", err)
	}
	defer rows.Close()

	var out []model.PerformanceAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAlertStatus applies an alert status transition.
func (db *DB) UpdateAlertStatus(ctx context.Context, id int64, to model.AlertStatus) (model.PerformanceAlert, error) {
	var out model.PerformanceAlert
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		var from model.AlertStatus
		err := tx.QueryRow(ctx, `SELECT status FROM performance_alerts WHERE id = $1 FOR UPDATE`, id).Scan(&from)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !from.CanTransition(to) {
			return fmt.Errorf("alert %d %s -> %s: %w", id, from, to, model.ErrInvalidStateTransition)
		}
		out, err = scanAlert(tx.QueryRow(ctx,
			`UPDATE performance_alerts SET status = $2 WHERE id = $1 RETURNING `+alertColumns, id, string(to),
		))
		return err
	})
	if err != nil {
		return model.PerformanceAlert{}, fmt.Errorf("storage: update alert status: %w", err)
	}
	return out, nil
}
