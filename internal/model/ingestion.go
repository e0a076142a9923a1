package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// IngestionEvent is a job message consumed from the bus.
type IngestionEvent struct {
	Sources      []EventSource `json:"sources"`
	Job          EventJob      `json:"job"`
	RevisionHash string        `json:"revision_hash,omitempty"`
}

// EventSource is one revision of the push a job ran against.
type EventSource struct {
	Repository    string `json:"repository"`
	Revision      string `json:"revision"`
	PushTimestamp int64  `json:"push_timestamp"`
	Comments      string `json:"comments"`
	Author        string `json:"author,omitempty"`
}

// EventPlatform describes a machine or build platform.
type EventPlatform struct {
	OSName       string `json:"os_name,omitempty"`
	Platform     string `json:"platform"`
	Architecture string `json:"architecture,omitempty"`
}

// EventJob is the job portion of an ingestion event.
type EventJob struct {
	JobGUID          string          `json:"job_guid"`
	SubmitTimestamp  int64           `json:"submit_timestamp"`
	StartTimestamp   *int64          `json:"start_timestamp"`
	EndTimestamp     *int64          `json:"end_timestamp"`
	State            JobState        `json:"state"`
	Result           string          `json:"result"`
	Machine          string          `json:"machine"`
	MachinePlatform  EventPlatform   `json:"machine_platform"`
	BuildPlatform    EventPlatform   `json:"build_platform"`
	OptionCollection map[string]bool `json:"option_collection"`
	LogReferences    []LogReference  `json:"log_references"`
	Reason           string          `json:"reason"`
	Who              string          `json:"who"`
	ProductName      string          `json:"product_name"`
	JobType          string          `json:"job_type"`
	JobSymbol        string          `json:"job_symbol,omitempty"`
	Signature        string          `json:"signature,omitempty"`
}

// DecodeIngestionEvent parses and validates a bus message body.
// Every failure wraps ErrMalformedInput.
func DecodeIngestionEvent(data []byte) (IngestionEvent, error) {
	var e IngestionEvent
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&e); err != nil {
		return IngestionEvent{}, fmt.Errorf("%w: decode job event: %v", ErrMalformedInput, err)
	}
	if err := e.Validate(); err != nil {
		return IngestionEvent{}, err
	}
	return e, nil
}

// Validate checks the fields the pipeline depends on.
func (e IngestionEvent) Validate() error {
	if e.Job.JobGUID == "" {
		return fmt.Errorf("%w: job.job_guid is required", ErrMalformedInput)
	}
	if !e.Job.State.Valid() {
		return fmt.Errorf("%w: job %s: invalid state %q", ErrMalformedInput, e.Job.JobGUID, e.Job.State)
	}
	if len(e.Sources) == 0 {
		return fmt.Errorf("%w: job %s: sources are required", ErrMalformedInput, e.Job.JobGUID)
	}
	for i, s := range e.Sources {
		if s.Repository == "" || s.Revision == "" {
			return fmt.Errorf("%w: job %s: source %d lacks repository or revision", ErrMalformedInput, e.Job.JobGUID, i)
		}
	}
	for i, ref := range e.Job.LogReferences {
		if ref.URL == "" {
			return fmt.Errorf("%w: job %s: log reference %d has no url", ErrMalformedInput, e.Job.JobGUID, i)
		}
	}
	return nil
}

// Repository returns the repository the job belongs to.
func (e IngestionEvent) Repository() string { return e.Sources[0].Repository }

// Push builds the push described by the event sources. The first source
// is the push head; every source becomes a commit.
func (e IngestionEvent) Push() Push {
	head := e.Sources[0]
	author := head.Author
	if author == "" {
		author = e.Job.Who
	}
	p := Push{
		Repository:    head.Repository,
		Revision:      head.Revision,
		Author:        author,
		PushTimestamp: time.Unix(head.PushTimestamp, 0).UTC(),
	}
	for i, s := range e.Sources {
		p.Commits = append(p.Commits, Commit{
			Revision: s.Revision,
			Author:   s.Author,
			Comments: s.Comments,
			Position: i,
		})
	}
	return p
}

// ToJob converts the event into a Job row. Ids are resolved by the store.
func (e IngestionEvent) ToJob() Job {
	j := e.Job
	result := ParseJobResult(j.Result)
	if j.State != JobStateCompleted {
		result = ResultUnknown
	}
	job := Job{
		GUID:               j.JobGUID,
		Repository:         e.Repository(),
		Signature:          j.Signature,
		JobType:            j.JobType,
		JobSymbol:          j.JobSymbol,
		Platform:           j.MachinePlatform.Platform,
		BuildPlatform:      j.BuildPlatform.Platform,
		OptionCollection:   OptionCollectionKey(j.OptionCollection),
		Machine:            j.Machine,
		Reason:             j.Reason,
		Who:                j.Who,
		ProductName:        j.ProductName,
		State:              j.State,
		Result:             result,
		SubmitTime:         time.Unix(j.SubmitTimestamp, 0).UTC(),
		AutoclassifyStatus: AutoclassifyPending,
	}
	if j.StartTimestamp != nil {
		t := time.Unix(*j.StartTimestamp, 0).UTC()
		job.StartTime = &t
	}
	if j.EndTimestamp != nil {
		t := time.Unix(*j.EndTimestamp, 0).UTC()
		job.EndTime = &t
	}
	return job
}

// OptionCollectionKey flattens an option collection such as
// {"debug": true, "asan": true} into "asan debug".
func OptionCollectionKey(opts map[string]bool) string {
	keys := make([]string, 0, len(opts))
	for k, on := range opts {
		if on {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return strings.Join(keys, " ")
}
