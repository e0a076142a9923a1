package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/mozilla/treeherder/internal/model"
)

const failureLineColumns = `l.id, l.job_log_id, l.job_guid, l.repository_id, l.line, l.action, l.test, l.subtest,
	l.status, l.expected, l.signature, l.message, l.level, l.fingerprint, l.embedding,
	l.best_classification_id, l.best_score, l.best_is_verified, l.created_at`

func scanFailureLine(row pgx.Row, extra ...any) (model.FailureLine, error) {
	var l model.FailureLine
	var emb *pgvector.Vector
	dest := []any{
		&l.ID, &l.JobLogID, &l.JobGUID, &l.RepositoryID, &l.Line, &l.Action, &l.Test, &l.Subtest,
		&l.Status, &l.Expected, &l.Signature, &l.Message, &l.Level, &l.Fingerprint, &emb,
		&l.BestClassificationID, &l.BestScore, &l.BestIsVerified, &l.CreatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return model.FailureLine{}, err
	}
	if emb != nil {
		l.Vector = emb.Slice()
	}
	return l, nil
}

func (db *DB) queryFailureLines(ctx context.Context, where string, arg any) ([]model.FailureLine, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+failureLineColumns+` FROM failure_lines l WHERE `+where+` ORDER BY l.job_log_id, l.line`, arg,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []model.FailureLine
	for rows.Next() {
		l, err := scanFailureLine(rows)
		if err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// FindFailureLines returns the failure lines of one log ordered by line.
func (db *DB) FindFailureLines(ctx context.Context, jobLogID int64) ([]model.FailureLine, error) {
	lines, err := db.queryFailureLines(ctx, `l.job_log_id = $1`, jobLogID)
	if err != nil {
		return nil, fmt.Errorf("storage: find failure lines: %w", err)
	}
	return lines, nil
}

// ListFailureLinesByJob returns the failure lines of every log of a job.
func (db *DB) ListFailureLinesByJob(ctx context.Context, jobGUID string) ([]model.FailureLine, error) {
	lines, err := db.queryFailureLines(ctx, `l.job_guid = $1`, jobGUID)
	if err != nil {
		return nil, fmt.Errorf("storage: list failure lines: %w", err)
	}
	return lines, nil
}

// FindSimilarLines yields classified lines sharing the fingerprint's
// signature, test or key, nearest fingerprint vector first. Rows are streamed:
// the query stays open only while the caller keeps ranging.
func (db *DB) FindSimilarLines(ctx context.Context, fp model.Fingerprint, limit int, window time.Duration) iter.Seq2[model.SimilarLine, error] {
	return func(yield func(model.SimilarLine, error) bool) {
		if fp.Signature == "" && fp.Test == "" && fp.Key == "" {
			return
		}
		ctx, cancel := db.withTimeout(ctx)
		defer cancel()

		distance := `0::float8`
		args := []any{fp.Signature, fp.Test, fp.ExcludeLineID, time.Now().Add(-window), limit, fp.Key}
		if len(fp.Vector) > 0 {
			distance = `COALESCE(l.embedding <=> $7, 1)`
			args = append(args, pgvector.NewVector(fp.Vector))
		}

		rows, err := db.pool.Query(ctx,
			`SELECT `+failureLineColumns+`, `+distance+` AS distance
			 FROM failure_lines l
			 WHERE l.best_classification_id IS NOT NULL
			   AND l.id <> $3
			   AND l.created_at >= $4
			   AND (($1 <> '' AND left(l.signature, 50) = left($1, 50) AND l.signature = $1)
			     OR ($2 <> '' AND left(l.test, 50) = left($2, 50) AND l.test = $2)
			     OR ($6 <> '' AND l.fingerprint = $6))
			 ORDER BY distance ASC, l.created_at DESC, l.id DESC
			 LIMIT $5`,
			args...,
		)
		if err != nil {
			yield(model.SimilarLine{}, fmt.Errorf("storage: find similar lines: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var dist float64
			l, err := scanFailureLine(rows, &dist)
			if err != nil {
				yield(model.SimilarLine{}, fmt.Errorf("storage: scan similar line: %w", err))
				return
			}
			sl := model.SimilarLine{
				Line:                l,
				ClassifiedFailureID: *l.BestClassificationID,
				BaseScore:           clampUnit(1 - dist),
			}
			if !yield(sl, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(model.SimilarLine{}, fmt.Errorf("storage: find similar lines: %w", err))
		}
	}
}

func clampUnit(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// InsertFailureMatch records a match unless one already exists for the
// (line, classified failure) pair.
func (db *DB) InsertFailureMatch(ctx context.Context, m model.FailureMatch) (bool, error) {
	if m.Score < 0 || m.Score > 1 {
		return false, fmt.Errorf("storage: match score %v out of range: %w", m.Score, model.ErrMalformedInput)
	}
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO failure_matches (failure_line_id, classified_failure_id, score, matcher_name)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (failure_line_id, classified_failure_id) DO NOTHING`,
		m.FailureLineID, m.ClassifiedFailureID, m.Score, m.MatcherName,
	)
	if err != nil {
		return false, fmt.Errorf("storage: insert failure match: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListFailureMatches returns matches for the given lines, best first per line.
func (db *DB) ListFailureMatches(ctx context.Context, lineIDs []int64) ([]model.FailureMatch, error) {
	if len(lineIDs) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, failure_line_id, classified_failure_id, score, matcher_name, created_at
		 FROM failure_matches WHERE failure_line_id = ANY($1)
		 ORDER BY failure_line_id, score DESC, classified_failure_id`, lineIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list failure matches: %w", err)
	}
	defer rows.Close()

	var out []model.FailureMatch
	for rows.Next() {
		var m model.FailureMatch
		if err := rows.Scan(&m.ID, &m.FailureLineID, &m.ClassifiedFailureID, &m.Score, &m.MatcherName, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan failure match: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SetBestClassification assigns a best classification and queues the line
// for the external similarity index. A score of zero or less is stored as
// no score.
func (db *DB) SetBestClassification(ctx context.Context, lineID, classifiedFailureID int64, score float64) (bool, error) {
	var updated bool
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE failure_lines
			 SET best_classification_id = $2,
			     best_score = CASE WHEN $3::float8 > 0 THEN $3::float8 END
			 WHERE id = $1 AND NOT best_is_verified
			   AND (best_classification_id IS NULL OR best_score < $3::float8)`,
			lineID, classifiedFailureID, score,
		)
		if err != nil {
			return err
		}
		updated = tag.RowsAffected() == 1
		if !updated {
			return nil
		}
		return enqueueOutbox(ctx, tx, []int64{lineID}, "upsert")
	})
	if err != nil {
		return false, fmt.Errorf("storage: set best classification for line %d: %w", lineID, err)
	}
	return updated, nil
}

// CreateClassifiedFailure creates a classified failure, optionally linked to a bug.
func (db *DB) CreateClassifiedFailure(ctx context.Context, bugNumber *int) (model.ClassifiedFailure, error) {
	cf := model.ClassifiedFailure{BugNumber: bugNumber}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO classified_failures (bug_number) VALUES ($1) RETURNING id, created_at, modified`, bugNumber,
	).Scan(&cf.ID, &cf.CreatedAt, &cf.Modified)
	if err != nil {
		return model.ClassifiedFailure{}, fmt.Errorf("storage: create classified failure: %w", err)
	}
	return cf, nil
}

// MergeDuplicateClassifiedFailures folds every classified failure into the
// lowest-id failure sharing its bug number. Matches colliding on the same
// line keep the higher score.
func (db *DB) MergeDuplicateClassifiedFailures(ctx context.Context) (int, error) {
	var merged int
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		merged = 0
		if _, err := tx.Exec(ctx, `LOCK TABLE classified_failures IN SHARE ROW EXCLUSIVE MODE`); err != nil {
			return fmt.Errorf("lock: %w", err)
		}
		tag, err := tx.Exec(ctx,
			`CREATE TEMP TABLE cf_merge ON COMMIT DROP AS
			 SELECT id AS dup, keeper FROM (
				SELECT id, min(id) OVER (PARTITION BY bug_number) AS keeper
				FROM classified_failures WHERE bug_number IS NOT NULL
			 ) d WHERE id <> keeper`,
		)
		if err != nil {
			return fmt.Errorf("collect duplicates: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		stmts := []string{
			`UPDATE failure_matches k SET score = GREATEST(k.score, d.score)
			 FROM failure_matches d JOIN cf_merge m ON d.classified_failure_id = m.dup
			 WHERE k.classified_failure_id = m.keeper AND k.failure_line_id = d.failure_line_id`,
			`DELETE FROM failure_matches d USING cf_merge m
			 WHERE d.classified_failure_id = m.dup
			   AND EXISTS (SELECT 1 FROM failure_matches k
			               WHERE k.classified_failure_id = m.keeper AND k.failure_line_id = d.failure_line_id)`,
			`UPDATE failure_matches d SET classified_failure_id = m.keeper
			 FROM cf_merge m WHERE d.classified_failure_id = m.dup`,
			`INSERT INTO search_outbox (failure_line_id, operation)
			 SELECT l.id, 'upsert' FROM failure_lines l JOIN cf_merge m ON l.best_classification_id = m.dup`,
			`UPDATE failure_lines l SET best_classification_id = m.keeper
			 FROM cf_merge m WHERE l.best_classification_id = m.dup`,
		}
		for _, q := range stmts {
			if _, err := tx.Exec(ctx, q); err != nil {
				return fmt.Errorf("re-point duplicates: %w", err)
			}
		}
		del, err := tx.Exec(ctx, `DELETE FROM classified_failures c USING cf_merge m WHERE c.id = m.dup`)
		if err != nil {
			return fmt.Errorf("delete duplicates: %w", err)
		}
		merged = int(del.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("storage: merge classified failures: %w", err)
	}
	return merged, nil
}

// CountUnclassifiedFailures counts failure lines of a repository that have
// no best classification.
func (db *DB) CountUnclassifiedFailures(ctx context.Context, repository string) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM failure_lines l JOIN repositories r ON r.id = l.repository_id
		 WHERE r.name = $1 AND l.best_classification_id IS NULL AND l.action <> 'truncated'`, repository,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count unclassified failures: %w", err)
	}
	return n, nil
}

// GetClassifiedFailure returns a classified failure by id.
func (db *DB) GetClassifiedFailure(ctx context.Context, id int64) (model.ClassifiedFailure, error) {
	var cf model.ClassifiedFailure
	err := db.pool.QueryRow(ctx,
		`SELECT id, bug_number, created_at, modified FROM classified_failures WHERE id = $1`, id,
	).Scan(&cf.ID, &cf.BugNumber, &cf.CreatedAt, &cf.Modified)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ClassifiedFailure{}, ErrNotFound
	}
	if err != nil {
		return model.ClassifiedFailure{}, fmt.Errorf("storage: get classified failure: %w", err)
	}
	return cf, nil
}
