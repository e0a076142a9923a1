package model

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"time"
)

// AlertChangeType selects how an alert threshold is interpreted.
type AlertChangeType string

const (
	ChangeTypePercentage AlertChangeType = "percentage"
	ChangeTypeAbsolute   AlertChangeType = "absolute"
)

// PerformanceFramework is a named harness producing performance data.
type PerformanceFramework struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// PerformanceSignature identifies one performance time series.
type PerformanceSignature struct {
	ID              int64           `json:"id"`
	SignatureHash   string          `json:"signature_hash"`
	RepositoryID    int64           `json:"repository_id"`
	FrameworkID     int64           `json:"framework_id"`
	Suite           string          `json:"suite"`
	Test            string          `json:"test,omitempty"`
	Platform        string          `json:"platform"`
	Options         string          `json:"options,omitempty"`
	LowerIsBetter   bool            `json:"lower_is_better"`
	ShouldAlert     *bool           `json:"should_alert,omitempty"`
	AlertChangeType AlertChangeType `json:"alert_change_type"`
	AlertThreshold  *float64        `json:"alert_threshold,omitempty"`
	MinBackWindow   *int            `json:"min_back_window,omitempty"`
	MaxBackWindow   *int            `json:"max_back_window,omitempty"`
	ForeWindow      *int            `json:"fore_window,omitempty"`
	LastUpdated     time.Time       `json:"last_updated"`
	AnalyzedAt      *time.Time      `json:"analyzed_at,omitempty"`
}

// Alerting reports whether alerts should be generated for the series.
// Signatures default to alerting unless explicitly disabled.
func (s PerformanceSignature) Alerting() bool {
	return s.ShouldAlert == nil || *s.ShouldAlert
}

// PerformanceDatum is one measurement in a series.
type PerformanceDatum struct {
	ID            int64     `json:"id"`
	SignatureID   int64     `json:"signature_id"`
	PushID        int64     `json:"push_id"`
	JobID         *int64    `json:"job_id,omitempty"`
	Value         float64   `json:"value"`
	PushTimestamp time.Time `json:"push_timestamp"`
	Machine       string    `json:"machine,omitempty"`
}

// TScore is a t statistic. It may be infinite when both compared windows
// have zero variance, so it is encoded in JSON as a string in that case.
type TScore float64

// MarshalJSON encodes infinities as "inf" and "-inf".
func (t TScore) MarshalJSON() ([]byte, error) {
	f := float64(t)
	switch {
	case math.IsInf(f, 1):
		return []byte(`"inf"`), nil
	case math.IsInf(f, -1):
		return []byte(`"-inf"`), nil
	case math.IsNaN(f):
		return nil, fmt.Errorf("model: t score is NaN")
	}
	return json.Marshal(f)
}

// UnmarshalJSON accepts either a number or one of the infinity strings.
func (t *TScore) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		s, err := strconv.Unquote(string(b))
		if err != nil {
			return err
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("model: t score %q: %w", s, err)
		}
		*t = TScore(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*t = TScore(f)
	return nil
}

// AlertStatus is the triage state of a single alert.
type AlertStatus string

const (
	AlertUntriaged     AlertStatus = "untriaged"
	AlertInvalid       AlertStatus = "invalid"
	AlertWontfix       AlertStatus = "wontfix"
	AlertInvestigating AlertStatus = "investigating"
	AlertResolved      AlertStatus = "resolved"
	AlertDuplicate     AlertStatus = "duplicate"
	AlertDownstream    AlertStatus = "downstream"
	AlertReassigned    AlertStatus = "reassigned"
	AlertAcknowledged  AlertStatus = "acknowledged"
)

var alertStatuses = []AlertStatus{
	AlertUntriaged, AlertInvalid, AlertWontfix, AlertInvestigating, AlertResolved,
	AlertDuplicate, AlertDownstream, AlertReassigned, AlertAcknowledged,
}

// Valid reports whether s is a known alert status.
func (s AlertStatus) Valid() bool { return slices.Contains(alertStatuses, s) }

// CanTransition reports whether an alert may move from s to next.
// Untriaged alerts may take any status; triaged alerts may only be reset.
func (s AlertStatus) CanTransition(next AlertStatus) bool {
	if !s.Valid() || !next.Valid() || s == next {
		return false
	}
	return s == AlertUntriaged || next == AlertUntriaged
}

// PerformanceAlert is a detected change in one series.
type PerformanceAlert struct {
	ID                int64       `json:"id"`
	SummaryID         int64       `json:"summary_id"`
	SeriesSignatureID int64       `json:"series_signature_id"`
	IsRegression      bool        `json:"is_regression"`
	AmountPct         *float64    `json:"amount_pct"`
	AmountAbs         float64     `json:"amount_abs"`
	PrevValue         float64     `json:"prev_value"`
	NewValue          float64     `json:"new_value"`
	TValue            TScore      `json:"t_value"`
	Status            AlertStatus `json:"status"`
	CreatedAt         time.Time   `json:"created_at"`
}

// SummaryStatus is the triage state of an alert summary.
type SummaryStatus string

const (
	SummaryUntriaged     SummaryStatus = "untriaged"
	SummaryDownstream    SummaryStatus = "downstream"
	SummaryInvalid       SummaryStatus = "invalid"
	SummaryImprovement   SummaryStatus = "improvement"
	SummaryInvestigating SummaryStatus = "investigating"
	SummaryWontfix       SummaryStatus = "wontfix"
	SummaryFixed         SummaryStatus = "fixed"
	SummaryBackedout     SummaryStatus = "backedout"
)

var summaryTransitions = map[SummaryStatus][]SummaryStatus{
	SummaryUntriaged: {
		SummaryDownstream, SummaryInvalid, SummaryImprovement, SummaryInvestigating,
		SummaryWontfix, SummaryFixed, SummaryBackedout,
	},
	SummaryInvestigating: {SummaryFixed, SummaryWontfix, SummaryBackedout, SummaryInvalid},
}

// Valid reports whether s is a known summary status.
func (s SummaryStatus) Valid() bool {
	switch s {
	case SummaryUntriaged, SummaryDownstream, SummaryInvalid, SummaryImprovement,
		SummaryInvestigating, SummaryWontfix, SummaryFixed, SummaryBackedout:
		return true
	}
	return false
}

// CanTransition reports whether a summary may move from s to next.
// Admins may invalidate a summary from any status.
func (s SummaryStatus) CanTransition(next SummaryStatus, admin bool) bool {
	if !s.Valid() || !next.Valid() || s == next {
		return false
	}
	if admin && next == SummaryInvalid {
		return true
	}
	return slices.Contains(summaryTransitions[s], next)
}

// PerformanceAlertSummary groups alerts sharing (repository, framework, push).
type PerformanceAlertSummary struct {
	ID           int64         `json:"id"`
	RepositoryID int64         `json:"repository_id"`
	FrameworkID  int64         `json:"framework_id"`
	PushID       int64         `json:"push_id"`
	PrevPushID   int64         `json:"prev_push_id"`
	Status       SummaryStatus `json:"status"`
	BugNumber    *int          `json:"bug_number,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	LastUpdated  time.Time     `json:"last_updated"`
}
