package storage

import (
	"context"
	"iter"
	"time"

	"github.com/mozilla/treeherder/internal/model"
)

// JobStore persists pushes, jobs and the artifacts parsed from their logs.
type JobStore interface {
	// UpsertPush creates the push and its commits if the (repository,
	// revision) pair is new. created reports whether a row was inserted.
	UpsertPush(ctx context.Context, push model.Push) (p model.Push, created bool, err error)

	// UpsertJob inserts or updates a job by guid under a per-guid lock.
	// Backward state transitions are not applied and are reported as Dropped.
	UpsertJob(ctx context.Context, job model.Job) (model.JobUpsert, error)
	GetJob(ctx context.Context, guid string) (model.Job, error)
	SetAutoclassifyStatus(ctx context.Context, jobID int64, status model.AutoclassifyStatus) error

	// EnsureJobLogs creates pending logs for new references and returns every
	// log of the job.
	EnsureJobLogs(ctx context.Context, jobID int64, refs []model.LogReference) ([]model.JobLog, error)
	ListJobLogs(ctx context.Context, jobID int64) ([]model.JobLog, error)

	// StoreParsedLog moves a pending log to parsed and writes its artifacts in
	// the same transaction. It returns false and writes nothing when the log
	// is no longer pending.
	StoreParsedLog(ctx context.Context, logID int64, parsed model.ParsedLog) (bool, error)

	// MarkJobLog moves a pending log to a terminal status.
	MarkJobLog(ctx context.Context, logID int64, status model.JobLogStatus, message string) (bool, error)
	ListTextLogSteps(ctx context.Context, logID int64) ([]model.TextLogStep, error)
	ListTextLogErrors(ctx context.Context, logID int64) ([]model.TextLogError, error)

	CreateJobNote(ctx context.Context, note model.JobNote) (model.JobNote, error)
	ListJobNotes(ctx context.Context, jobID int64) ([]model.JobNote, error)
	ListRepositories(ctx context.Context) ([]model.Repository, error)
}

// FailureStore persists failure lines, classified failures and matches.
type FailureStore interface {
	// FindFailureLines returns the failure lines of a log ordered by line.
	FindFailureLines(ctx context.Context, jobLogID int64) ([]model.FailureLine, error)
	ListFailureLinesByJob(ctx context.Context, jobGUID string) ([]model.FailureLine, error)

	// FindSimilarLines lazily yields previously classified lines sharing the
	// fingerprint's test, signature or key, closest first, ties broken by
	// (created DESC, id DESC).
	FindSimilarLines(ctx context.Context, fp model.Fingerprint, limit int, window time.Duration) iter.Seq2[model.SimilarLine, error]

	// InsertFailureMatch is idempotent on (failure line, classified failure).
	InsertFailureMatch(ctx context.Context, m model.FailureMatch) (bool, error)
	ListFailureMatches(ctx context.Context, lineIDs []int64) ([]model.FailureMatch, error)

	// SetBestClassification assigns the line's best classification when it
	// has none or score is strictly greater than the current best.
	// Verified lines are never changed.
	SetBestClassification(ctx context.Context, lineID, classifiedFailureID int64, score float64) (bool, error)

	CreateClassifiedFailure(ctx context.Context, bugNumber *int) (model.ClassifiedFailure, error)
	GetClassifiedFailure(ctx context.Context, id int64) (model.ClassifiedFailure, error)

	// MergeDuplicateClassifiedFailures folds classified failures sharing a
	// bug number into the lowest id. It returns the number removed.
	MergeDuplicateClassifiedFailures(ctx context.Context) (int, error)
	CountUnclassifiedFailures(ctx context.Context, repository string) (int, error)
}

// PerfStore persists performance series, alerts and summaries.
type PerfStore interface {
	UpsertPerformanceFramework(ctx context.Context, name string) (model.PerformanceFramework, error)
	UpsertPerformanceSignature(ctx context.Context, sig model.PerformanceSignature) (model.PerformanceSignature, error)
	GetPerformanceSignature(ctx context.Context, id int64) (model.PerformanceSignature, error)
	// FindPerformanceSignatures looks signatures up by hash, optionally
	// restricted to one repository.
	FindPerformanceSignatures(ctx context.Context, hash, repository string) ([]model.PerformanceSignature, error)
	ListSignaturesNeedingAnalysis(ctx context.Context, limit int) ([]model.PerformanceSignature, error)
	MarkSignatureAnalyzed(ctx context.Context, id int64, at time.Time) error

	// InsertPerfDatum is idempotent on (signature, job).
	InsertPerfDatum(ctx context.Context, d model.PerformanceDatum) (bool, error)
	// GetPerfSeries returns the series ordered by (push_timestamp, push_id).
	GetPerfSeries(ctx context.Context, signatureID int64, since time.Time) ([]model.PerformanceDatum, error)

	// UpsertAlertSummary is atomic on (repository, framework, push, prev_push).
	UpsertAlertSummary(ctx context.Context, s model.PerformanceAlertSummary) (model.PerformanceAlertSummary, error)
	GetAlertSummary(ctx context.Context, id int64) (model.PerformanceAlertSummary, error)
	UpdateAlertSummaryStatus(ctx context.Context, id int64, to model.SummaryStatus, admin bool) (model.PerformanceAlertSummary, error)
	SetAlertSummaryBug(ctx context.Context, id int64, bugNumber *int) error

	// UpsertAlert is idempotent on (summary, series signature). Triage
	// status is never touched by re-analysis.
	UpsertAlert(ctx context.Context, a model.PerformanceAlert) (alert model.PerformanceAlert, created bool, err error)
	ListAlerts(ctx context.Context, summaryID int64) ([]model.PerformanceAlert, error)
	UpdateAlertStatus(ctx context.Context, id int64, to model.AlertStatus) (model.PerformanceAlert, error)
}

// SetaStore persists job priorities and the per-repository sweep throttle.
type SetaStore interface {
	// GetTaskRequest returns the repository's throttle row, creating it with
	// resetDelta when absent.
	GetTaskRequest(ctx context.Context, repository string, resetDelta time.Duration) (model.TaskRequest, error)
	// RecentRegressionKeys returns job types with a testfailed job classified
	// as fixed by commit since the given time.
	RecentRegressionKeys(ctx context.Context, repository string, since time.Time) ([]model.PriorityKey, error)
	ListJobPriorities(ctx context.Context) ([]model.JobPriority, error)
	// UpsertJobPriorities inserts new rows and merges the build system of
	// existing ones. It returns the number of rows inserted.
	UpsertJobPriorities(ctx context.Context, rows []model.JobPriority) (int, error)
	// ApplySetaSweep writes the priority updates and advances the throttle in
	// one transaction. It fails with ErrConflict when the throttle counter is
	// no longer expectedCounter.
	ApplySetaSweep(ctx context.Context, repository string, expectedCounter int64, updates []model.JobPriority, now time.Time) (model.TaskRequest, error)
}

// Store is the full persistence surface of the analytical core.
type Store interface {
	JobStore
	FailureStore
	PerfStore
	SetaStore
}

var _ Store = (*DB)(nil)
