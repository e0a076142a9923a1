package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mozilla/treeherder/internal/model"
)

const taskRequestSelect = `SELECT t.repository_id, r.name, t.counter, t.last_request, t.reset_delta
	FROM task_requests t JOIN repositories r ON r.id = t.repository_id
	WHERE r.name = $1`

func scanTaskRequest(row pgx.Row) (model.TaskRequest, error) {
	var t model.TaskRequest
	var seconds int
	if err := row.Scan(&t.RepositoryID, &t.Repository, &t.Counter, &t.LastRequest, &seconds); err != nil {
		return model.TaskRequest{}, err
	}
	t.ResetDelta = time.Duration(seconds) * time.Second
	return t, nil
}

// GetTaskRequest returns the sweep throttle of a repository, creating it
// with a zero counter when absent.
func (db *DB) GetTaskRequest(ctx context.Context, repository string, resetDelta time.Duration) (model.TaskRequest, error) {
	var out model.TaskRequest
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		repoID, err := upsertRepository(ctx, tx, repository)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO task_requests (repository_id, reset_delta) VALUES ($1, $2)
			 ON CONFLICT (repository_id) DO NOTHING`,
			repoID, int(resetDelta/time.Second),
		); err != nil {
			return err
		}
		out, err = scanTaskRequest(tx.QueryRow(ctx, taskRequestSelect, repository))
		return err
	})
	if err != nil {
		return model.TaskRequest{}, fmt.Errorf("storage: get task request %q: %w", repository, err)
	}
	return out, nil
}

// RecentRegressionKeys returns the job types of failed jobs annotated as
// fixed by commit since the given time.
func (db *DB) RecentRegressionKeys(ctx context.Context, repository string, since time.Time) ([]model.PriorityKey, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT j.job_type, j.option_collection, j.platform
		 FROM jobs j
		 JOIN repositories r ON r.id = j.repository_id
		 JOIN job_notes n ON n.job_id = j.id
		 WHERE r.name = $1
		   AND j.result = 'testfailed'
		   AND n.failure_classification = $2
		   AND n.created_at >= $3
		 ORDER BY 1, 2, 3`,
		repository, string(model.ClassificationFixedByCommit), since,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: recent regression keys: %w", err)
	}
	defer rows.Close()

	var out []model.PriorityKey
	for rows.Next() {
		var k model.PriorityKey
		if err := rows.Scan(&k.TestType, &k.BuildType, &k.Platform); err != nil {
			return nil, fmt.Errorf("storage: scan regression key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// ListJobPriorities returns every job priority.
func (db *DB) ListJobPriorities(ctx context.Context) ([]model.JobPriority, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, testtype, buildtype, platform, priority, timeout, expiration_date, buildsystem
		 FROM job_priorities ORDER BY testtype, buildtype, platform`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list job priorities: %w", err)
	}
	defer rows.Close()

	var out []model.JobPriority
	for rows.Next() {
		var p model.JobPriority
		if err := rows.Scan(&p.ID, &p.TestType, &p.BuildType, &p.Platform, &p.Priority, &p.Timeout,
			&p.ExpirationDate, &p.BuildSystem); err != nil {
			return nil, fmt.Errorf("storage: scan job priority: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertJobPriorities inserts rows for unknown job types. A known job type
// seen from a second build system has its build system widened to "*".
func (db *DB) UpsertJobPriorities(ctx context.Context, rows []model.JobPriority) (int, error) {
	for _, p := range rows {
		if err := p.Validate(); err != nil {
			return 0, fmt.Errorf("storage: upsert job priorities: %w", err)
		}
	}
	var inserted int
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		inserted = 0
		for _, p := range rows {
			var created bool
			err := tx.QueryRow(ctx,
				`INSERT INTO job_priorities (testtype, buildtype, platform, priority, timeout, expiration_date, buildsystem)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)
				 ON CONFLICT (testtype, buildtype, platform) DO UPDATE SET
					buildsystem = CASE WHEN job_priorities.buildsystem = EXCLUDED.buildsystem
						THEN job_priorities.buildsystem ELSE $8 END
				 RETURNING (xmax = 0)`,
				p.TestType, p.BuildType, p.Platform, p.Priority, p.Timeout, p.ExpirationDate, p.BuildSystem,
				model.BuildSystemAny,
			).Scan(&created)
			if err != nil {
				return err
			}
			if created {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("storage: upsert job priorities: %w", err)
	}
	return inserted, nil
}

// ApplySetaSweep updates priorities and advances the throttle atomically.
// A sweep that lost a race with another sweep gets ErrConflict.
func (db *DB) ApplySetaSweep(ctx context.Context, repository string, expectedCounter int64, updates []model.JobPriority, now time.Time) (model.TaskRequest, error) {
	for _, p := range updates {
		if err := p.Validate(); err != nil {
			return model.TaskRequest{}, fmt.Errorf("storage: apply seta sweep: %w", err)
		}
	}
	var out model.TaskRequest
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		current, err := scanTaskRequest(tx.QueryRow(ctx, taskRequestSelect+` FOR UPDATE OF t`, repository))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if current.Counter != expectedCounter {
			return ErrConflict
		}

		batch := &pgx.Batch{}
		for _, p := range updates {
			batch.Queue(
				`UPDATE job_priorities SET priority = $4, timeout = $5, expiration_date = $6
				 WHERE testtype = $1 AND buildtype = $2 AND platform = $3`,
				p.TestType, p.BuildType, p.Platform, p.Priority, p.Timeout, p.ExpirationDate,
			)
		}
		if batch.Len() > 0 {
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("update priorities: %w", err)
			}
		}

		if _, err := tx.Exec(ctx,
			`UPDATE task_requests SET counter = counter + 1, last_request = $2 WHERE repository_id = $1`,
			current.RepositoryID, now,
		); err != nil {
			return err
		}
		out = current
		out.Counter++
		out.LastRequest = now
		return nil
	})
	if err != nil {
		return model.TaskRequest{}, fmt.Errorf("storage: apply seta sweep %q: %w", repository, err)
	}
	return out, nil
}
