package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/mozilla/treeherder/internal/model"
)

const jobColumns = `j.id, j.guid, j.repository_id, r.name, j.push_id, j.signature, j.job_type, j.job_symbol,
	j.platform, j.build_platform, j.option_collection, j.machine, j.reason, j.who, j.product_name,
	j.state, j.result, j.submit_time, j.start_time, j.end_time, j.autoclassify_status, j.last_modified`

func scanJob(row pgx.Row) (model.Job, error) {
	var j model.Job
	err := row.Scan(
		&j.ID, &j.GUID, &j.RepositoryID, &j.Repository, &j.PushID, &j.Signature, &j.JobType, &j.JobSymbol,
		&j.Platform, &j.BuildPlatform, &j.OptionCollection, &j.Machine, &j.Reason, &j.Who, &j.ProductName,
		&j.State, &j.Result, &j.SubmitTime, &j.StartTime, &j.EndTime, &j.AutoclassifyStatus, &j.LastModified,
	)
	return j, err
}

func upsertRepository(ctx context.Context, tx pgx.Tx, name string) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx,
		`INSERT INTO repositories (name) VALUES ($1)
		 ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id`, name,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert repository %q: %w", name, err)
	}
	return id, nil
}

// UpsertPush creates the push and its commits if the revision is new to the
// repository. Existing pushes are returned unchanged.
func (db *DB) UpsertPush(ctx context.Context, p model.Push) (model.Push, bool, error) {
	if len(p.Commits) == 0 {
		return model.Push{}, false, fmt.Errorf("storage: push %s has no commits: %w", p.Revision, model.ErrMalformedInput)
	}
	var created bool
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		created = false
		repoID, err := upsertRepository(ctx, tx, p.Repository)
		if err != nil {
			return err
		}
		p.RepositoryID = repoID

		err = tx.QueryRow(ctx,
			`INSERT INTO pushes (repository_id, revision, author, push_timestamp)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (repository_id, revision) DO NOTHING
			 RETURNING id`,
			repoID, p.Revision, p.Author, p.PushTimestamp,
		).Scan(&p.ID)
		if errors.Is(err, pgx.ErrNoRows) {
			return tx.QueryRow(ctx,
				`SELECT id, author, push_timestamp FROM pushes WHERE repository_id = $1 AND revision = $2`,
				repoID, p.Revision,
			).Scan(&p.ID, &p.Author, &p.PushTimestamp)
		}
		if err != nil {
			return fmt.Errorf("insert push: %w", err)
		}
		created = true

		rows := make([][]any, len(p.Commits))
		for i, c := range p.Commits {
			rows[i] = []any{p.ID, c.Revision, c.Author, c.Comments, c.Position}
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"commits"},
			[]string{"push_id", "revision", "author", "comments", "position"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("copy commits: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Push{}, false, fmt.Errorf("storage: upsert push %s: %w", p.Revision, err)
	}
	for i := range p.Commits {
		p.Commits[i].PushID = p.ID
	}
	return p, created, nil
}

// UpsertJob inserts or updates a job. Writers for the same guid are
// serialized with a transaction-scoped advisory lock.
func (db *DB) UpsertJob(ctx context.Context, job model.Job) (model.JobUpsert, error) {
	if err := job.Validate(); err != nil {
		return model.JobUpsert{}, err
	}
	var out model.JobUpsert
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		out = model.JobUpsert{}
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, job.GUID); err != nil {
			return fmt.Errorf("lock job: %w", err)
		}

		existing, err := scanJob(tx.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM jobs j JOIN repositories r ON r.id = j.repository_id WHERE j.guid = $1`,
			job.GUID,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return insertJob(ctx, tx, job, &out)
		}
		if err != nil {
			return fmt.Errorf("select job: %w", err)
		}

		if !existing.State.CanTransition(job.State) {
			out.Job = existing
			out.Dropped = true
			return nil
		}

		result := existing.Result
		if job.State == model.JobStateCompleted {
			result = job.Result
		}
		out.Job, err = scanJob(tx.QueryRow(ctx,
			`WITH updated AS (
				UPDATE jobs SET
					state = $2, result = $3,
					start_time = COALESCE($4, start_time),
					end_time = COALESCE($5, end_time),
					machine = CASE WHEN $6 = '' THEN machine ELSE $6 END,
					last_modified = now()
				WHERE id = $1
				RETURNING *
			)
			SELECT `+jobColumns+` FROM updated j JOIN repositories r ON r.id = j.repository_id`,
			existing.ID, string(job.State), string(result), job.StartTime, job.EndTime, job.Machine,
		))
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.JobUpsert{}, fmt.Errorf("storage: upsert job %s: %w", job.GUID, err)
	}
	return out, nil
}

func insertJob(ctx context.Context, tx pgx.Tx, job model.Job, out *model.JobUpsert) error {
	repoID := job.RepositoryID
	if repoID == 0 {
		var err error
		if repoID, err = upsertRepository(ctx, tx, job.Repository); err != nil {
			return err
		}
	}
	status := job.AutoclassifyStatus
	if status == "" {
		status = model.AutoclassifyPending
	}
	if job.State != model.JobStateCompleted || job.Result == "" {
		job.Result = model.ResultUnknown
	}
	j, err := scanJob(tx.QueryRow(ctx,
		`WITH inserted AS (
			INSERT INTO jobs (guid, repository_id, push_id, signature, job_type, job_symbol, platform,
				build_platform, option_collection, machine, reason, who, product_name, state, result,
				submit_time, start_time, end_time, autoclassify_status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
			RETURNING *
		)
		SELECT `+jobColumns+` FROM inserted j JOIN repositories r ON r.id = j.repository_id`,
		job.GUID, repoID, job.PushID, job.Signature, job.JobType, job.JobSymbol, job.Platform,
		job.BuildPlatform, job.OptionCollection, job.Machine, job.Reason, job.Who, job.ProductName,
		string(job.State), string(job.Result), job.SubmitTime, job.StartTime, job.EndTime, string(status),
	))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	out.Job = j
	out.Created = true
	return nil
}

// GetJob returns a job by guid.
func (db *DB) GetJob(ctx context.Context, guid string) (model.Job, error) {
	j, err := scanJob(db.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs j JOIN repositories r ON r.id = j.repository_id WHERE j.guid = $1`, guid,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Job{}, ErrNotFound
	}
	if err != nil {
		return model.Job{}, fmt.Errorf("storage: get job %s: %w", guid, err)
	}
	return j, nil
}

// SetAutoclassifyStatus records the outcome of an autoclassification pass.
func (db *DB) SetAutoclassifyStatus(ctx context.Context, jobID int64, status model.AutoclassifyStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE jobs SET autoclassify_status = $2, last_modified = now() WHERE id = $1`,
		jobID, string(status),
	)
	if err != nil {
		return fmt.Errorf("storage: set autoclassify status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// EnsureJobLogs creates a pending log for each new (job, url) reference.
func (db *DB) EnsureJobLogs(ctx context.Context, jobID int64, refs []model.LogReference) ([]model.JobLog, error) {
	if len(refs) > 0 {
		batch := &pgx.Batch{}
		for _, ref := range refs {
			batch.Queue(
				`INSERT INTO job_logs (job_id, name, url) VALUES ($1, $2, $3)
				 ON CONFLICT (job_id, url) DO NOTHING`,
				jobID, ref.Name, ref.URL,
			)
		}
		if err := db.pool.SendBatch(ctx, batch).Close(); err != nil {
			return nil, fmt.Errorf("storage: insert job logs: %w", err)
		}
	}
	return db.ListJobLogs(ctx, jobID)
}

// ListJobLogs returns the logs of a job in creation order.
func (db *DB) ListJobLogs(ctx context.Context, jobID int64) ([]model.JobLog, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, job_id, name, url, status, error_message FROM job_logs WHERE job_id = $1 ORDER BY id`, jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list job logs: %w", err)
	}
	defer rows.Close()

	var logs []model.JobLog
	for rows.Next() {
		var l model.JobLog
		if err := rows.Scan(&l.ID, &l.JobID, &l.Name, &l.URL, &l.Status, &l.ErrorMessage); err != nil {
			return nil, fmt.Errorf("storage: scan job log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// MarkJobLog moves a pending log to a terminal status.
func (db *DB) MarkJobLog(ctx context.Context, logID int64, status model.JobLogStatus, message string) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE job_logs SET status = $2, error_message = $3 WHERE id = $1 AND status = 'pending'`,
		logID, string(status), message,
	)
	if err != nil {
		return false, fmt.Errorf("storage: mark job log %d: %w", logID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// StoreParsedLog writes the parse artifacts of a pending log and marks it
// parsed, atomically. A log that is not pending is left untouched.
func (db *DB) StoreParsedLog(ctx context.Context, logID int64, parsed model.ParsedLog) (bool, error) {
	var stored bool
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		stored = false
		var (
			jobID, repoID int64
			jobGUID       string
		)
		err := tx.QueryRow(ctx,
			`UPDATE job_logs l SET status = 'parsed', error_message = ''
			 FROM jobs j
			 WHERE l.id = $1 AND l.status = 'pending' AND j.id = l.job_id
			 RETURNING j.id, j.guid, j.repository_id`, logID,
		).Scan(&jobID, &jobGUID, &repoID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("claim log: %w", err)
		}

		stepIDs := make(map[int]int64, len(parsed.Steps))
		for _, s := range parsed.Steps {
			var id int64
			if err := tx.QueryRow(ctx,
				`INSERT INTO text_log_steps (job_log_id, name, result, started, finished, started_line, finished_line, step_order)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
				logID, s.Name, string(s.Result), s.Started, s.Finished, s.StartedLine, s.FinishedLine, s.Order,
			).Scan(&id); err != nil {
				return fmt.Errorf("insert step %d: %w", s.Order, err)
			}
			stepIDs[s.Order] = id
		}

		if len(parsed.Errors) > 0 {
			rows := make([][]any, len(parsed.Errors))
			for i, e := range parsed.Errors {
				var stepID *int64
				if id, ok := stepIDs[e.StepOrder]; ok {
					stepID = &id
				}
				rows[i] = []any{logID, stepID, e.LineNumber, e.Line}
			}
			if _, err := tx.CopyFrom(ctx, pgx.Identifier{"text_log_errors"},
				[]string{"job_log_id", "step_id", "line_number", "line"},
				pgx.CopyFromRows(rows),
			); err != nil {
				return fmt.Errorf("copy text log errors: %w", err)
			}
		}

		for _, d := range parsed.Details {
			if _, err := tx.Exec(ctx,
				`INSERT INTO job_details (job_id, title, value, url) VALUES ($1, $2, $3, $4)
				 ON CONFLICT (job_id, title, value) DO NOTHING`,
				jobID, d.Title, d.Value, d.URL,
			); err != nil {
				return fmt.Errorf("insert job detail: %w", err)
			}
		}

		if len(parsed.FailureLines) > 0 {
			rows := make([][]any, len(parsed.FailureLines))
			for i, l := range parsed.FailureLines {
				var vec *pgvector.Vector
				if len(l.Vector) > 0 {
					v := pgvector.NewVector(l.Vector)
					vec = &v
				}
				rows[i] = []any{
					logID, jobGUID, repoID, l.Line, string(l.Action), l.Test, l.Subtest,
					l.Status, l.Expected, l.Signature, l.Message, l.Level, l.Fingerprint, vec,
				}
			}
			if _, err := tx.CopyFrom(ctx, pgx.Identifier{"failure_lines"},
				[]string{"job_log_id", "job_guid", "repository_id", "line", "action", "test", "subtest",
					"status", "expected", "signature", "message", "level", "fingerprint", "embedding"},
				pgx.CopyFromRows(rows),
			); err != nil {
				return fmt.Errorf("copy failure lines: %w", err)
			}
		}
		stored = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("storage: store parsed log %d: %w", logID, err)
	}
	return stored, nil
}

// ListTextLogSteps returns the steps of a log in order.
func (db *DB) ListTextLogSteps(ctx context.Context, logID int64) ([]model.TextLogStep, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, job_log_id, name, result, started, finished, started_line, finished_line, step_order
		 FROM text_log_steps WHERE job_log_id = $1 ORDER BY step_order`, logID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list steps: %w", err)
	}
	defer rows.Close()

	var steps []model.TextLogStep
	for rows.Next() {
		var s model.TextLogStep
		if err := rows.Scan(&s.ID, &s.JobLogID, &s.Name, &s.Result, &s.Started, &s.Finished,
			&s.StartedLine, &s.FinishedLine, &s.Order); err != nil {
			return nil, fmt.Errorf("storage: scan step: %w", err)
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// ListTextLogErrors returns the error lines of a log in line order.
func (db *DB) ListTextLogErrors(ctx context.Context, logID int64) ([]model.TextLogError, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT e.id, e.job_log_id, e.step_id, COALESCE(s.step_order, -1), e.line_number, e.line
		 FROM text_log_errors e LEFT JOIN text_log_steps s ON s.id = e.step_id
		 WHERE e.job_log_id = $1 ORDER BY e.line_number`, logID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list text log errors: %w", err)
	}
	defer rows.Close()

	var out []model.TextLogError
	for rows.Next() {
		var e model.TextLogError
		if err := rows.Scan(&e.ID, &e.JobLogID, &e.StepID, &e.StepOrder, &e.LineNumber, &e.Line); err != nil {
			return nil, fmt.Errorf("storage: scan text log error: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreateJobNote records a classification against a job.
func (db *DB) CreateJobNote(ctx context.Context, note model.JobNote) (model.JobNote, error) {
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now().UTC()
	}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO job_notes (job_id, failure_classification, who, text, created_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		note.JobID, note.FailureClassification, note.Who, note.Text, note.CreatedAt,
	).Scan(&note.ID)
	if err != nil {
		return model.JobNote{}, fmt.Errorf("storage: create job note: %w", err)
	}
	return note, nil
}

// ListJobNotes returns the notes of a job, oldest first.
func (db *DB) ListJobNotes(ctx context.Context, jobID int64) ([]model.JobNote, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, job_id, failure_classification, who, text, created_at
		 FROM job_notes WHERE job_id = $1 ORDER BY created_at, id`, jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list job notes: %w", err)
	}
	defer rows.Close()

	var notes []model.JobNote
	for rows.Next() {
		var n model.JobNote
		if err := rows.Scan(&n.ID, &n.JobID, &n.FailureClassification, &n.Who, &n.Text, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan job note: %w", err)
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// ListRepositories returns every known repository.
func (db *DB) ListRepositories(ctx context.Context) ([]model.Repository, error) {
	rows, err := db.pool.Query(ctx, `SELECT id, name, created_at FROM repositories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("storage: list repositories: %w", err)
	}
	defer rows.Close()

	var repos []model.Repository
	for rows.Next() {
		var r model.Repository
		if err := rows.Scan(&r.ID, &r.Name, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan repository: %w", err)
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}
