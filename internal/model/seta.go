package model

import (
	"fmt"
	"time"
)

// Priority bounds and defaults for SETA job priorities.
const (
	HighValuePriority = 1
	LowValuePriority  = 5
	HighValueTimeout  = 0
	LowValueTimeout   = 5400

	// BuildSystemAny marks a job type present in more than one build system.
	BuildSystemAny = "*"
)

// PriorityKey identifies a job type for SETA.
type PriorityKey struct {
	TestType  string `json:"testtype"`
	BuildType string `json:"buildtype"`
	Platform  string `json:"platform"`
}

// JobPriority says how important it is to run a job type.
// 1 is most important, 5 least.
type JobPriority struct {
	ID             int64      `json:"id"`
	TestType       string     `json:"testtype"`
	BuildType      string     `json:"buildtype"`
	Platform       string     `json:"platform"`
	Priority       int        `json:"priority"`
	Timeout        int        `json:"timeout"`
	ExpirationDate *time.Time `json:"expiration_date"`
	BuildSystem    string     `json:"buildsystem"`
}

// Key returns the (testtype, buildtype, platform) identity.
func (p JobPriority) Key() PriorityKey {
	return PriorityKey{TestType: p.TestType, BuildType: p.BuildType, Platform: p.Platform}
}

// Expired reports whether the expiration date has passed.
func (p JobPriority) Expired(now time.Time) bool {
	return p.ExpirationDate != nil && p.ExpirationDate.Before(now)
}

// Validate checks the priority bounds. High-value rows must carry an expiration.
func (p JobPriority) Validate() error {
	if p.Priority < HighValuePriority || p.Priority > LowValuePriority {
		return fmt.Errorf("%w: priority %d out of range", ErrMalformedInput, p.Priority)
	}
	if p.Priority == HighValuePriority && p.ExpirationDate == nil {
		return fmt.Errorf("%w: priority %d requires an expiration date", ErrMalformedInput, p.Priority)
	}
	return nil
}

// TaskRequest throttles the SETA sweep of one repository.
type TaskRequest struct {
	RepositoryID int64         `json:"repository_id"`
	Repository   string        `json:"repository"`
	Counter      int64         `json:"counter"`
	LastRequest  time.Time     `json:"last_request"`
	ResetDelta   time.Duration `json:"reset_delta"`
}

// Due reports whether a sweep may run at now.
func (t TaskRequest) Due(now time.Time) bool {
	return !t.LastRequest.Add(t.ResetDelta).After(now)
}

// RunnableJob describes a job type a build system can schedule.
type RunnableJob struct {
	TestType    string `json:"testtype"`
	BuildType   string `json:"buildtype"`
	Platform    string `json:"platform"`
	BuildSystem string `json:"buildsystem"`
}

// Key returns the priority key of the runnable job.
func (r RunnableJob) Key() PriorityKey {
	return PriorityKey{TestType: r.TestType, BuildType: r.BuildType, Platform: r.Platform}
}
