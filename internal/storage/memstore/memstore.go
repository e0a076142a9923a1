// Package memstore is an in-memory implementation of storage.Store.
//
// It backs the command-line tools, which analyze a single log or series
// without a database, and the service tests. Every method takes one lock,
// so writers for the same job guid are trivially serialized.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/mozilla/treeherder/internal/model"
	"github.com/mozilla/treeherder/internal/storage"
)

// Store holds every table in maps keyed by id.
type Store struct {
	mu  sync.Mutex
	now func() time.Time
	seq int64

	repos     map[int64]model.Repository
	pushes    map[int64]model.Push
	jobs      map[int64]model.Job
	logs      map[int64]model.JobLog
	steps     map[int64]model.TextLogStep
	errs      map[int64]model.TextLogError
	details   map[int64][]model.JobDetail
	notes     map[int64]model.JobNote
	lines     map[int64]model.FailureLine
	failures  map[int64]model.ClassifiedFailure
	matches   map[int64]model.FailureMatch
	outbox    []int64
	fws       map[int64]model.PerformanceFramework
	sigs      map[int64]model.PerformanceSignature
	data      map[int64]model.PerformanceDatum
	summaries map[int64]model.PerformanceAlertSummary
	alerts    map[int64]model.PerformanceAlert
	prios     map[model.PriorityKey]model.JobPriority
	requests  map[int64]model.TaskRequest
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used for created and updated timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		now:       func() time.Time { return time.Now().UTC() },
		repos:     map[int64]model.Repository{},
		pushes:    map[int64]model.Push{},
		jobs:      map[int64]model.Job{},
		logs:      map[int64]model.JobLog{},
		steps:     map[int64]model.TextLogStep{},
		errs:      map[int64]model.TextLogError{},
		details:   map[int64][]model.JobDetail{},
		notes:     map[int64]model.JobNote{},
		lines:     map[int64]model.FailureLine{},
		failures:  map[int64]model.ClassifiedFailure{},
		matches:   map[int64]model.FailureMatch{},
		fws:       map[int64]model.PerformanceFramework{},
		sigs:      map[int64]model.PerformanceSignature{},
		data:      map[int64]model.PerformanceDatum{},
		summaries: map[int64]model.PerformanceAlertSummary{},
		alerts:    map[int64]model.PerformanceAlert{},
		prios:     map[model.PriorityKey]model.JobPriority{},
		requests:  map[int64]model.TaskRequest{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) nextID() int64 {
	s.seq++
	return s.seq
}

// sorted returns the values of m ordered by key.
func sorted[V any](m map[int64]V) []V {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]V, len(keys))
	for i, k := range keys {
		out[i] = m[k]
	}
	return out
}

// SearchOutbox returns the failure line ids queued for the similarity index.
func (s *Store) SearchOutbox() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.outbox)
}

func (s *Store) repoByName(name string) (model.Repository, bool) {
	for _, r := range s.repos {
		if r.Name == name {
			return r, true
		}
	}
	return model.Repository{}, false
}

func (s *Store) ensureRepo(name string) model.Repository {
	if r, ok := s.repoByName(name); ok {
		return r
	}
	r := model.Repository{ID: s.nextID(), Name: name, CreatedAt: s.now()}
	s.repos[r.ID] = r
	return r
}

// UpsertPush creates the push and its commits if the revision is new.
func (s *Store) UpsertPush(_ context.Context, p model.Push) (model.Push, bool, error) {
	if len(p.Commits) == 0 {
		return model.Push{}, false, fmt.Errorf("memstore: push %s has no commits: %w", p.Revision, model.ErrMalformedInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	repo := s.ensureRepo(p.Repository)
	for _, existing := range s.pushes {
		if existing.RepositoryID == repo.ID && existing.Revision == p.Revision {
			return existing, false, nil
		}
	}
	p.ID = s.nextID()
	p.RepositoryID = repo.ID
	p.Commits = slices.Clone(p.Commits)
	for i := range p.Commits {
		p.Commits[i].ID = s.nextID()
		p.Commits[i].PushID = p.ID
	}
	s.pushes[p.ID] = p
	return p, true, nil
}

func (s *Store) jobByGUID(guid string) (model.Job, bool) {
	for _, j := range s.jobs {
		if j.GUID == guid {
			return j, true
		}
	}
	return model.Job{}, false
}

// UpsertJob inserts or updates a job. Backward transitions are dropped.
func (s *Store) UpsertJob(_ context.Context, job model.Job) (model.JobUpsert, error) {
	if err := job.Validate(); err != nil {
		return model.JobUpsert{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.jobByGUID(job.GUID)
	if !ok {
		if job.RepositoryID == 0 {
			job.RepositoryID = s.ensureRepo(job.Repository).ID
		}
		job.Repository = s.repos[job.RepositoryID].Name
		if job.AutoclassifyStatus == "" {
			job.AutoclassifyStatus = model.AutoclassifyPending
		}
		if job.State != model.JobStateCompleted || job.Result == "" {
			job.Result = model.ResultUnknown
		}
		job.ID = s.nextID()
		job.LastModified = s.now()
		s.jobs[job.ID] = job
		return model.JobUpsert{Job: job, Created: true}, nil
	}

	if !existing.State.CanTransition(job.State) {
		return model.JobUpsert{Job: existing, Dropped: true}, nil
	}
	existing.State = job.State
	if job.State == model.JobStateCompleted {
		existing.Result = job.Result
	}
	if job.StartTime != nil {
		existing.StartTime = job.StartTime
	}
	if job.EndTime != nil {
		existing.EndTime = job.EndTime
	}
	if job.Machine != "" {
		existing.Machine = job.Machine
	}
	existing.LastModified = s.now()
	s.jobs[existing.ID] = existing
	return model.JobUpsert{Job: existing}, nil
}

// GetJob returns a job by guid.
func (s *Store) GetJob(_ context.Context, guid string) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobByGUID(guid); ok {
		return j, nil
	}
	return model.Job{}, storage.ErrNotFound
}

// SetAutoclassifyStatus records the outcome of an autoclassification pass.
func (s *Store) SetAutoclassifyStatus(_ context.Context, jobID int64, status model.AutoclassifyStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return storage.ErrNotFound
	}
	j.AutoclassifyStatus = status
	j.LastModified = s.now()
	s.jobs[jobID] = j
	return nil
}

// EnsureJobLogs creates a pending log for each new url and returns every log.
func (s *Store) EnsureJobLogs(ctx context.Context, jobID int64, refs []model.LogReference) ([]model.JobLog, error) {
	s.mu.Lock()
	for _, ref := range refs {
		known := false
		for _, l := range s.logs {
			if l.JobID == jobID && l.URL == ref.URL {
				known = true
				break
			}
		}
		if !known {
			id := s.nextID()
			s.logs[id] = model.JobLog{ID: id, JobID: jobID, Name: ref.Name, URL: ref.URL, Status: model.JobLogPending}
		}
	}
	s.mu.Unlock()
	return s.ListJobLogs(ctx, jobID)
}

// ListJobLogs returns the logs of a job in creation order.
func (s *Store) ListJobLogs(_ context.Context, jobID int64) ([]model.JobLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.JobLog
	for _, l := range sorted(s.logs) {
		if l.JobID == jobID {
			out = append(out, l)
		}
	}
	return out, nil
}

// MarkJobLog moves a pending log to a terminal status.
func (s *Store) MarkJobLog(_ context.Context, logID int64, status model.JobLogStatus, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[logID]
	if !ok || l.Status != model.JobLogPending {
		return false, nil
	}
	l.Status = status
	l.ErrorMessage = message
	s.logs[logID] = l
	return true, nil
}

// StoreParsedLog writes the artifacts of a pending log and marks it parsed.
func (s *Store) StoreParsedLog(_ context.Context, logID int64, parsed model.ParsedLog) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[logID]
	if !ok || l.Status != model.JobLogPending {
		return false, nil
	}
	l.Status = model.JobLogParsed
	l.ErrorMessage = ""
	s.logs[logID] = l

	stepIDs := make(map[int]int64, len(parsed.Steps))
	for _, st := range parsed.Steps {
		st.ID = s.nextID()
		st.JobLogID = logID
		s.steps[st.ID] = st
		stepIDs[st.Order] = st.ID
	}
	for _, e := range parsed.Errors {
		e.ID = s.nextID()
		e.JobLogID = logID
		e.StepID = nil
		if id, ok := stepIDs[e.StepOrder]; ok {
			e.StepID = &id
		} else {
			e.StepOrder = -1
		}
		s.errs[e.ID] = e
	}
	for _, d := range parsed.Details {
		if !slices.Contains(s.details[l.JobID], d) {
			s.details[l.JobID] = append(s.details[l.JobID], d)
		}
	}
	now := s.now()
	job := s.jobs[l.JobID]
	for _, fl := range parsed.FailureLines {
		fl.ID = s.nextID()
		fl.JobLogID = logID
		fl.JobGUID = job.GUID
		fl.RepositoryID = job.RepositoryID
		fl.BestClassificationID = nil
		fl.BestScore = nil
		fl.BestIsVerified = false
		fl.CreatedAt = now
		s.lines[fl.ID] = fl
	}
	return true, nil
}

// ListTextLogSteps returns the steps of a log in order.
func (s *Store) ListTextLogSteps(_ context.Context, logID int64) ([]model.TextLogStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.TextLogStep
	for _, st := range s.steps {
		if st.JobLogID == logID {
			out = append(out, st)
		}
	}
	slices.SortFunc(out, func(a, b model.TextLogStep) int { return cmp.Compare(a.Order, b.Order) })
	return out, nil
}

// ListTextLogErrors returns the error lines of a log in line order.
func (s *Store) ListTextLogErrors(_ context.Context, logID int64) ([]model.TextLogError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.TextLogError
	for _, e := range s.errs {
		if e.JobLogID == logID {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b model.TextLogError) int { return cmp.Compare(a.LineNumber, b.LineNumber) })
	return out, nil
}

// JobDetails returns the details extracted for a job.
func (s *Store) JobDetails(jobID int64) []model.JobDetail {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.details[jobID])
}

// CreateJobNote records a classification against a job.
func (s *Store) CreateJobNote(_ context.Context, note model.JobNote) (model.JobNote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[note.JobID]; !ok {
		return model.JobNote{}, fmt.Errorf("memstore: create job note: %w", storage.ErrNotFound)
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = s.now()
	}
	note.ID = s.nextID()
	s.notes[note.ID] = note
	return note, nil
}

// ListJobNotes returns the notes of a job, oldest first.
func (s *Store) ListJobNotes(_ context.Context, jobID int64) ([]model.JobNote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.JobNote
	for _, n := range sorted(s.notes) {
		if n.JobID == jobID {
			out = append(out, n)
		}
	}
	slices.SortStableFunc(out, func(a, b model.JobNote) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// ListRepositories returns every known repository by name.
func (s *Store) ListRepositories(_ context.Context) ([]model.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := sorted(s.repos)
	slices.SortFunc(out, func(a, b model.Repository) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

func lineOrder(a, b model.FailureLine) int {
	return cmp.Or(cmp.Compare(a.JobLogID, b.JobLogID), cmp.Compare(a.Line, b.Line))
}

// FindFailureLines returns the failure lines of one log ordered by line.
func (s *Store) FindFailureLines(_ context.Context, jobLogID int64) ([]model.FailureLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.FailureLine
	for _, l := range s.lines {
		if l.JobLogID == jobLogID {
			out = append(out, l)
		}
	}
	slices.SortFunc(out, lineOrder)
	return out, nil
}

// ListFailureLinesByJob returns the failure lines of every log of a job.
func (s *Store) ListFailureLinesByJob(_ context.Context, jobGUID string) ([]model.FailureLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.FailureLine
	for _, l := range s.lines {
		if l.JobGUID == jobGUID {
			out = append(out, l)
		}
	}
	slices.SortFunc(out, lineOrder)
	return out, nil
}

// FindSimilarLines yields classified lines sharing the fingerprint's
// signature or test, by cosine distance then newest first.
func (s *Store) FindSimilarLines(_ context.Context, fp model.Fingerprint, limit int, window time.Duration) iter.Seq2[model.SimilarLine, error] {
	return func(yield func(model.SimilarLine, error) bool) {
		if fp.Signature == "" && fp.Test == "" && fp.Key == "" {
			return
		}
		s.mu.Lock()
		cutoff := s.now().Add(-window)
		type candidate struct {
			line model.FailureLine
			dist float64
		}
		var cands []candidate
		for _, l := range s.lines {
			if !l.Classified() || l.ID == fp.ExcludeLineID || l.CreatedAt.Before(cutoff) {
				continue
			}
			if !(fp.Signature != "" && l.Signature == fp.Signature) &&
				!(fp.Test != "" && l.Test == fp.Test) &&
				!(fp.Key != "" && l.Fingerprint == fp.Key) {
				continue
			}
			var dist float64
			if len(fp.Vector) > 0 {
				dist = cosineDistance(fp.Vector, l.Vector)
			}
			cands = append(cands, candidate{line: l, dist: dist})
		}
		s.mu.Unlock()

		slices.SortFunc(cands, func(a, b candidate) int {
			return cmp.Or(
				cmp.Compare(a.dist, b.dist),
				b.line.CreatedAt.Compare(a.line.CreatedAt),
				cmp.Compare(b.line.ID, a.line.ID),
			)
		})
		if len(cands) > limit {
			cands = cands[:limit]
		}
		for _, c := range cands {
			sl := model.SimilarLine{
				Line:                c.line,
				ClassifiedFailureID: *c.line.BestClassificationID,
				BaseScore:           min(max(1-c.dist, 0), 1),
			}
			if !yield(sl, nil) {
				return
			}
		}
	}
}

// cosineDistance matches pgvector's <=> operator. Lines without a vector
// are treated as maximally distant.
func cosineDistance(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// InsertFailureMatch records a match unless the pair already has one.
func (s *Store) InsertFailureMatch(_ context.Context, m model.FailureMatch) (bool, error) {
	if m.Score < 0 || m.Score > 1 {
		return false, fmt.Errorf("memstore: match score %v out of range: %w", m.Score, model.ErrMalformedInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.matches {
		if existing.FailureLineID == m.FailureLineID && existing.ClassifiedFailureID == m.ClassifiedFailureID {
			return false, nil
		}
	}
	m.ID = s.nextID()
	m.CreatedAt = s.now()
	s.matches[m.ID] = m
	return true, nil
}

// ListFailureMatches returns matches for the given lines, best first per line.
func (s *Store) ListFailureMatches(_ context.Context, lineIDs []int64) ([]model.FailureMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.FailureMatch
	for _, m := range s.matches {
		if slices.Contains(lineIDs, m.FailureLineID) {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(a, b model.FailureMatch) int {
		return cmp.Or(
			cmp.Compare(a.FailureLineID, b.FailureLineID),
			cmp.Compare(b.Score, a.Score),
			cmp.Compare(a.ClassifiedFailureID, b.ClassifiedFailureID),
		)
	})
	return out, nil
}

// SetBestClassification assigns a best classification if it improves on
// the current one and the line is not verified.
func (s *Store) SetBestClassification(_ context.Context, lineID, classifiedFailureID int64, score float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lines[lineID]
	if !ok || l.BestIsVerified {
		return false, nil
	}
	if l.BestClassificationID != nil && (l.BestScore == nil || *l.BestScore >= score) {
		return false, nil
	}
	l.BestClassificationID = &classifiedFailureID
	l.BestScore = nil
	if score > 0 {
		l.BestScore = &score
	}
	s.lines[lineID] = l
	s.outbox = append(s.outbox, lineID)
	return true, nil
}

// VerifyLine marks a line's best classification as verified by a human.
func (s *Store) VerifyLine(lineID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.lines[lineID]; ok {
		l.BestIsVerified = true
		s.lines[lineID] = l
	}
}

// CreateClassifiedFailure creates a classified failure.
func (s *Store) CreateClassifiedFailure(_ context.Context, bugNumber *int) (model.ClassifiedFailure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cf := model.ClassifiedFailure{ID: s.nextID(), BugNumber: bugNumber, CreatedAt: now, Modified: now}
	s.failures[cf.ID] = cf
	return cf, nil
}

// GetClassifiedFailure returns a classified failure by id.
func (s *Store) GetClassifiedFailure(_ context.Context, id int64) (model.ClassifiedFailure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cf, ok := s.failures[id]
	if !ok {
		return model.ClassifiedFailure{}, storage.ErrNotFound
	}
	return cf, nil
}

// MergeDuplicateClassifiedFailures folds classified failures sharing a bug
// number into the lowest id.
func (s *Store) MergeDuplicateClassifiedFailures(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keeper := map[int]int64{}
	dups := map[int64]int64{}
	for _, cf := range sorted(s.failures) {
		if cf.BugNumber == nil {
			continue
		}
		if k, ok := keeper[*cf.BugNumber]; ok {
			dups[cf.ID] = k
			continue
		}
		keeper[*cf.BugNumber] = cf.ID
	}
	if len(dups) == 0 {
		return 0, nil
	}

	for _, m := range sorted(s.matches) {
		k, ok := dups[m.ClassifiedFailureID]
		if !ok {
			continue
		}
		collided := false
		for id, other := range s.matches {
			if other.ClassifiedFailureID == k && other.FailureLineID == m.FailureLineID {
				other.Score = max(other.Score, m.Score)
				s.matches[id] = other
				collided = true
				break
			}
		}
		if collided {
			delete(s.matches, m.ID)
			continue
		}
		m.ClassifiedFailureID = k
		s.matches[m.ID] = m
	}
	for id, l := range s.lines {
		if l.BestClassificationID == nil {
			continue
		}
		if k, ok := dups[*l.BestClassificationID]; ok {
			l.BestClassificationID = &k
			s.lines[id] = l
			s.outbox = append(s.outbox, id)
		}
	}
	for id := range dups {
		delete(s.failures, id)
	}
	return len(dups), nil
}

// CountUnclassifiedFailures counts failure lines of a repository without a
// best classification.
func (s *Store) CountUnclassifiedFailures(_ context.Context, repository string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo, ok := s.repoByName(repository)
	if !ok {
		return 0, nil
	}
	n := 0
	for _, l := range s.lines {
		if l.RepositoryID == repo.ID && !l.Classified() && l.Action != model.ActionTruncated {
			n++
		}
	}
	return n, nil
}
