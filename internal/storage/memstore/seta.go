package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/mozilla/treeherder/internal/model"
	"github.com/mozilla/treeherder/internal/storage"
)

// GetTaskRequest returns the sweep throttle of a repository, creating it if absent.
func (s *Store) GetTaskRequest(_ context.Context, repository string, resetDelta time.Duration) (model.TaskRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo := s.ensureRepo(repository)
	tr, ok := s.requests[repo.ID]
	if !ok {
		tr = model.TaskRequest{
			RepositoryID: repo.ID,
			Repository:   repo.Name,
			LastRequest:  time.Unix(0, 0).UTC(),
			ResetDelta:   resetDelta.Truncate(time.Second),
		}
		s.requests[repo.ID] = tr
	}
	return tr, nil
}

// RecentRegressionKeys returns job types of failed jobs annotated as fixed
// by commit since the given time.
func (s *Store) RecentRegressionKeys(_ context.Context, repository string, since time.Time) ([]model.PriorityKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo, ok := s.repoByName(repository)
	if !ok {
		return nil, nil
	}
	seen := map[model.PriorityKey]bool{}
	for _, n := range s.notes {
		if n.FailureClassification != model.ClassificationFixedByCommit || n.CreatedAt.Before(since) {
			continue
		}
		j, ok := s.jobs[n.JobID]
		if !ok || j.RepositoryID != repo.ID || j.Result != model.ResultTestFailed {
			continue
		}
		seen[model.PriorityKey{TestType: j.JobType, BuildType: j.OptionCollection, Platform: j.Platform}] = true
	}
	out := make([]model.PriorityKey, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	slices.SortFunc(out, comparePriorityKeys)
	return out, nil
}

func comparePriorityKeys(a, b model.PriorityKey) int {
	return cmp.Or(cmp.Compare(a.TestType, b.TestType), cmp.Compare(a.BuildType, b.BuildType), cmp.Compare(a.Platform, b.Platform))
}

// ListJobPriorities returns every job priority ordered by key.
func (s *Store) ListJobPriorities(_ context.Context) ([]model.JobPriority, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.JobPriority, 0, len(s.prios))
	for _, p := range s.prios {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b model.JobPriority) int { return comparePriorityKeys(a.Key(), b.Key()) })
	return out, nil
}

// UpsertJobPriorities inserts unknown job types and widens the build system
// of known ones seen from another build system.
func (s *Store) UpsertJobPriorities(_ context.Context, rows []model.JobPriority) (int, error) {
	for _, p := range rows {
		if err := p.Validate(); err != nil {
			return 0, fmt.Errorf("memstore: upsert job priorities: %w", err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, p := range rows {
		existing, ok := s.prios[p.Key()]
		if !ok {
			p.ID = s.nextID()
			s.prios[p.Key()] = p
			inserted++
			continue
		}
		if existing.BuildSystem != p.BuildSystem {
			existing.BuildSystem = model.BuildSystemAny
			s.prios[p.Key()] = existing
		}
	}
	return inserted, nil
}

// ApplySetaSweep writes priority updates and advances the throttle if the
// counter still equals expectedCounter.
func (s *Store) ApplySetaSweep(_ context.Context, repository string, expectedCounter int64, updates []model.JobPriority, now time.Time) (model.TaskRequest, error) {
	for _, p := range updates {
		if err := p.Validate(); err != nil {
			return model.TaskRequest{}, fmt.Errorf("memstore: apply seta sweep: %w", err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	repo, ok := s.repoByName(repository)
	if !ok {
		return model.TaskRequest{}, storage.ErrNotFound
	}
	tr, ok := s.requests[repo.ID]
	if !ok {
		return model.TaskRequest{}, storage.ErrNotFound
	}
	if tr.Counter != expectedCounter {
		return model.TaskRequest{}, storage.ErrConflict
	}
	for _, p := range updates {
		existing, ok := s.prios[p.Key()]
		if !ok {
			continue
		}
		existing.Priority = p.Priority
		existing.Timeout = p.Timeout
		existing.ExpirationDate = p.ExpirationDate
		s.prios[p.Key()] = existing
	}
	tr.Counter++
	tr.LastRequest = now
	s.requests[repo.ID] = tr
	return tr, nil
}
