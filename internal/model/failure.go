package model

import "time"

// FailureAction is the kind of a structured failure line.
type FailureAction string

const (
	ActionTestResult FailureAction = "test_result"
	ActionLog        FailureAction = "log"
	ActionCrash      FailureAction = "crash"
	// ActionTruncated marks the line stored past the per-log cutoff.
	ActionTruncated FailureAction = "truncated"
)

// FailureLine is a structured failure extracted from a job log.
type FailureLine struct {
	ID                   int64         `json:"id"`
	JobLogID             int64         `json:"job_log_id"`
	JobGUID              string        `json:"job_guid"`
	RepositoryID         int64         `json:"repository_id"`
	Line                 int           `json:"line"`
	Action               FailureAction `json:"action"`
	Test                 string        `json:"test,omitempty"`
	Subtest              string        `json:"subtest,omitempty"`
	Status               string        `json:"status,omitempty"`
	Expected             string        `json:"expected,omitempty"`
	Signature            string        `json:"signature,omitempty"`
	Message              string        `json:"message,omitempty"`
	Level                string        `json:"level,omitempty"`
	Fingerprint          string        `json:"fingerprint,omitempty"`
	Vector               []float32     `json:"-"`
	BestClassificationID *int64        `json:"best_classification,omitempty"`
	BestScore            *float64      `json:"best_score,omitempty"`
	BestIsVerified       bool          `json:"best_is_verified"`
	CreatedAt            time.Time     `json:"created_at"`
}

// Classified reports whether the line has a best classification.
func (l FailureLine) Classified() bool { return l.BestClassificationID != nil }

// Fingerprint is the normalized identity of a failure line used to look up
// previously classified lines.
type Fingerprint struct {
	// Key is the digest of the normalized identity fields.
	Key       string
	Test      string
	Subtest   string
	Status    string
	Expected  string
	Signature string
	// Vector is the hashed token vector of the normalized message.
	Vector []float32
	// ExcludeLineID removes the source line from its own candidates.
	ExcludeLineID int64
}

// SimilarLine is a candidate returned by FindSimilarLines: a previously
// classified line, its classification and how close its fingerprint is.
type SimilarLine struct {
	Line                FailureLine
	ClassifiedFailureID int64
	BaseScore           float64
}

// ClassifiedFailure is a known failure, optionally linked to a bug.
type ClassifiedFailure struct {
	ID        int64     `json:"id"`
	BugNumber *int      `json:"bug_number,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Modified  time.Time `json:"modified"`
}

// FailureMatch records that a matcher believes a failure line is an
// instance of a classified failure. At most one per (line, classified failure).
type FailureMatch struct {
	ID                  int64     `json:"id"`
	FailureLineID       int64     `json:"failure_line_id"`
	ClassifiedFailureID int64     `json:"classified_failure_id"`
	Score               float64   `json:"score"`
	MatcherName         string    `json:"matcher_name"`
	CreatedAt           time.Time `json:"created_at"`
}
