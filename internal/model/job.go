// Package model defines the core domain types for the Treeherder analytical core.
//
// Types correspond directly to database tables and bus payloads. Entities
// reference each other by id, never by pointer; the store owns lifetimes.
package model

import (
	"fmt"
	"time"
)

// JobState is the lifecycle state of a CI job.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
)

func (s JobState) rank() int {
	switch s {
	case JobStatePending:
		return 1
	case JobStateRunning:
		return 2
	case JobStateCompleted:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is a known state.
func (s JobState) Valid() bool { return s.rank() > 0 }

// CanTransition reports whether a job in state s may move to next.
// Re-applying the same state is allowed; moving backwards is not.
func (s JobState) CanTransition(next JobState) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	return next.rank() >= s.rank()
}

// JobResult is the outcome of a job or of a single log step.
type JobResult string

const (
	ResultSuccess    JobResult = "success"
	ResultTestFailed JobResult = "testfailed"
	ResultBusted     JobResult = "busted"
	ResultSkipped    JobResult = "skipped"
	ResultException  JobResult = "exception"
	ResultRetry      JobResult = "retry"
	ResultUserCancel JobResult = "usercancel"
	ResultUnknown    JobResult = "unknown"
)

// resultCodes is indexed by the numeric result code emitted by buildbot-style
// step markers.
var resultCodes = []JobResult{
	ResultSuccess,
	ResultTestFailed,
	ResultBusted,
	ResultSkipped,
	ResultException,
	ResultRetry,
	ResultUserCancel,
}

// ResultFromCode maps a numeric step result code to a JobResult.
func ResultFromCode(code int) JobResult {
	if code < 0 || code >= len(resultCodes) {
		return ResultUnknown
	}
	return resultCodes[code]
}

// ParseJobResult normalizes a result string. Unrecognized values map to unknown.
func ParseJobResult(s string) JobResult {
	for _, r := range resultCodes {
		if string(r) == s {
			return r
		}
	}
	return ResultUnknown
}

// Failed reports whether the result represents a failing job.
func (r JobResult) Failed() bool {
	return r == ResultTestFailed || r == ResultBusted || r == ResultException
}

// AutoclassifyStatus tracks the autoclassification pass for a job.
type AutoclassifyStatus string

const (
	AutoclassifyPending         AutoclassifyStatus = "pending"
	AutoclassifyCrossreferenced AutoclassifyStatus = "crossreferenced"
	AutoclassifyAutoclassified  AutoclassifyStatus = "autoclassified"
	AutoclassifySkipped         AutoclassifyStatus = "skipped"
	AutoclassifyFailed          AutoclassifyStatus = "failed"
)

// Repository is a source repository. Identity is the name.
type Repository struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Push is a set of commits pushed to a repository together.
// Identity is (repository, revision); immutable once created.
type Push struct {
	ID            int64     `json:"id"`
	RepositoryID  int64     `json:"repository_id"`
	Repository    string    `json:"repository"`
	Revision      string    `json:"revision"`
	Author        string    `json:"author"`
	PushTimestamp time.Time `json:"push_timestamp"`
	Commits       []Commit  `json:"commits,omitempty"`
}

// Commit belongs to exactly one push.
type Commit struct {
	ID       int64  `json:"id"`
	PushID   int64  `json:"push_id"`
	Revision string `json:"revision"`
	Author   string `json:"author"`
	Comments string `json:"comments"`
	Position int    `json:"position"`
}

// Job is a single CI job run against a push.
type Job struct {
	ID                 int64              `json:"id"`
	GUID               string             `json:"job_guid"`
	RepositoryID       int64              `json:"repository_id"`
	Repository         string             `json:"repository"`
	PushID             int64              `json:"push_id"`
	Signature          string             `json:"signature"`
	JobType            string             `json:"job_type"`
	JobSymbol          string             `json:"job_symbol"`
	Platform           string             `json:"platform"`
	BuildPlatform      string             `json:"build_platform"`
	OptionCollection   string             `json:"option_collection"`
	Machine            string             `json:"machine"`
	Reason             string             `json:"reason"`
	Who                string             `json:"who"`
	ProductName        string             `json:"product_name"`
	State              JobState           `json:"state"`
	Result             JobResult          `json:"result"`
	SubmitTime         time.Time          `json:"submit_time"`
	StartTime          *time.Time         `json:"start_time,omitempty"`
	EndTime            *time.Time         `json:"end_time,omitempty"`
	AutoclassifyStatus AutoclassifyStatus `json:"autoclassify_status"`
	LastModified       time.Time          `json:"last_modified"`
}

// JobUpsert reports what UpsertJob did with an incoming job.
type JobUpsert struct {
	Job     Job
	Created bool
	// Dropped is set when the incoming state would move the job backwards.
	// Job then holds the stored, unchanged row.
	Dropped bool
}

// JobLogStatus is the parse state of a job log.
type JobLogStatus string

const (
	JobLogPending JobLogStatus = "pending"
	JobLogParsed  JobLogStatus = "parsed"
	JobLogFailed  JobLogStatus = "failed"
	JobLogSkipped JobLogStatus = "skipped"
)

// Terminal reports whether no further parse attempt will be made.
func (s JobLogStatus) Terminal() bool { return s != JobLogPending }

// JobLog is a log file reference attached to a job.
type JobLog struct {
	ID           int64        `json:"id"`
	JobID        int64        `json:"job_id"`
	Name         string       `json:"name"`
	URL          string       `json:"url"`
	Status       JobLogStatus `json:"status"`
	ErrorMessage string       `json:"error_message,omitempty"`
}

// LogReference is a log attached to an incoming job event.
type LogReference struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

// TextLogStep is one step of a parsed log.
type TextLogStep struct {
	ID           int64      `json:"id"`
	JobLogID     int64      `json:"job_log_id"`
	Name         string     `json:"name"`
	Result       JobResult  `json:"result"`
	Started      *time.Time `json:"started,omitempty"`
	Finished     *time.Time `json:"finished,omitempty"`
	StartedLine  int        `json:"started_line"`
	FinishedLine *int       `json:"finished_line,omitempty"`
	Order        int        `json:"order"`
}

// TextLogError is one error line of a parsed log. StepOrder links the
// error to its step before the step has been assigned an id.
type TextLogError struct {
	ID         int64  `json:"id"`
	JobLogID   int64  `json:"job_log_id"`
	StepID     *int64 `json:"step_id,omitempty"`
	StepOrder  int    `json:"step_order"`
	LineNumber int    `json:"line_number"`
	Line       string `json:"line"`
}

// JobDetail is a key/value attribute extracted from log headers.
type JobDetail struct {
	Title string `json:"title,omitempty"`
	Value string `json:"value"`
	URL   string `json:"url,omitempty"`
}

// ParsedLog is everything stored for a job log on a successful parse.
type ParsedLog struct {
	Steps        []TextLogStep
	Errors       []TextLogError
	Details      []JobDetail
	FailureLines []FailureLine
}

// Failure classification names used on job notes.
const (
	ClassificationNotClassified              = "not classified"
	ClassificationFixedByCommit              = "fixed by commit"
	ClassificationExpectedFail               = "expected fail"
	ClassificationIntermittent               = "intermittent"
	ClassificationInfra                      = "infra"
	ClassificationIntermittentNeedsFiling    = "intermittent needs filing"
	ClassificationAutoclassifiedIntermittent = "autoclassified intermittent"
)

// JobNote is a classification recorded against a job by a sheriff or by
// the autoclassifier.
type JobNote struct {
	ID                    int64     `json:"id"`
	JobID                 int64     `json:"job_id"`
	FailureClassification string    `json:"failure_classification"`
	Who                   string    `json:"who"`
	Text                  string    `json:"text"`
	CreatedAt             time.Time `json:"created_at"`
}

// Validate checks the fields required to persist a job.
func (j Job) Validate() error {
	if j.GUID == "" {
		return fmt.Errorf("%w: job_guid is required", ErrMalformedInput)
	}
	if !j.State.Valid() {
		return fmt.Errorf("%w: invalid job state %q", ErrMalformedInput, j.State)
	}
	if j.Repository == "" && j.RepositoryID == 0 {
		return fmt.Errorf("%w: job %s has no repository", ErrMalformedInput, j.GUID)
	}
	return nil
}
