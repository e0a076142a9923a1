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

// UpsertPerformanceFramework returns the named framework, creating it if needed.
func (s *Store) UpsertPerformanceFramework(_ context.Context, name string) (model.PerformanceFramework, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.fws {
		if f.Name == name {
			return f, nil
		}
	}
	f := model.PerformanceFramework{ID: s.nextID(), Name: name}
	s.fws[f.ID] = f
	return f, nil
}

// UpsertPerformanceSignature creates a signature or refreshes its alerting
// properties.
func (s *Store) UpsertPerformanceSignature(_ context.Context, sig model.PerformanceSignature) (model.PerformanceSignature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sig.AlertChangeType == "" {
		sig.AlertChangeType = model.ChangeTypePercentage
	}
	for id, existing := range s.sigs {
		if existing.RepositoryID == sig.RepositoryID && existing.FrameworkID == sig.FrameworkID &&
			existing.SignatureHash == sig.SignatureHash {
			existing.LowerIsBetter = sig.LowerIsBetter
			existing.ShouldAlert = sig.ShouldAlert
			existing.AlertChangeType = sig.AlertChangeType
			existing.AlertThreshold = sig.AlertThreshold
			existing.MinBackWindow = sig.MinBackWindow
			existing.MaxBackWindow = sig.MaxBackWindow
			existing.ForeWindow = sig.ForeWindow
			s.sigs[id] = existing
			return existing, nil
		}
	}
	sig.ID = s.nextID()
	sig.LastUpdated = s.now()
	sig.AnalyzedAt = nil
	s.sigs[sig.ID] = sig
	return sig, nil
}

// GetPerformanceSignature returns a signature by id.
func (s *Store) GetPerformanceSignature(_ context.Context, id int64) (model.PerformanceSignature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.sigs[id]
	if !ok {
		return model.PerformanceSignature{}, storage.ErrNotFound
	}
	return sig, nil
}

// FindPerformanceSignatures looks signatures up by hash, optionally within
// one repository.
func (s *Store) FindPerformanceSignatures(_ context.Context, hash, repository string) ([]model.PerformanceSignature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var repoID int64 = -1
	if repository != "" {
		if r, ok := s.repoByName(repository); ok {
			repoID = r.ID
		} else {
			return nil, nil
		}
	}
	var out []model.PerformanceSignature
	for _, sig := range sorted(s.sigs) {
		if sig.SignatureHash == hash && (repoID < 0 || sig.RepositoryID == repoID) {
			out = append(out, sig)
		}
	}
	return out, nil
}

// ListSignaturesNeedingAnalysis returns signatures with data newer than
// their last analysis.
func (s *Store) ListSignaturesNeedingAnalysis(_ context.Context, limit int) ([]model.PerformanceSignature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.PerformanceSignature
	for _, sig := range sorted(s.sigs) {
		if sig.AnalyzedAt == nil || sig.AnalyzedAt.Before(sig.LastUpdated) {
			out = append(out, sig)
		}
	}
	slices.SortStableFunc(out, func(a, b model.PerformanceSignature) int { return a.LastUpdated.Compare(b.LastUpdated) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkSignatureAnalyzed records the analysis time of a series.
func (s *Store) MarkSignatureAnalyzed(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.sigs[id]
	if !ok {
		return storage.ErrNotFound
	}
	sig.AnalyzedAt = &at
	s.sigs[id] = sig
	return nil
}

// InsertPerfDatum inserts a datum unless its (signature, job) pair exists.
func (s *Store) InsertPerfDatum(_ context.Context, d model.PerformanceDatum) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.sigs[d.SignatureID]
	if !ok {
		return false, fmt.Errorf("memstore: insert perf datum: %w", storage.ErrNotFound)
	}
	for _, existing := range s.data {
		if existing.SignatureID != d.SignatureID {
			continue
		}
		if d.JobID != nil && existing.JobID != nil && *existing.JobID == *d.JobID {
			return false, nil
		}
		if d.JobID == nil && existing.JobID == nil && existing.PushID == d.PushID {
			return false, nil
		}
	}
	d.ID = s.nextID()
	s.data[d.ID] = d
	sig.LastUpdated = s.now()
	s.sigs[sig.ID] = sig
	return true, nil
}

// GetPerfSeries returns a series ordered by (push_timestamp, push_id).
func (s *Store) GetPerfSeries(_ context.Context, signatureID int64, since time.Time) ([]model.PerformanceDatum, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.PerformanceDatum
	for _, d := range s.data {
		if d.SignatureID == signatureID && !d.PushTimestamp.Before(since) {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, func(a, b model.PerformanceDatum) int {
		return cmp.Or(a.PushTimestamp.Compare(b.PushTimestamp), cmp.Compare(a.PushID, b.PushID), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// UpsertAlertSummary returns the summary for (repository, framework, push,
// prev_push), creating it untriaged if absent.
func (s *Store) UpsertAlertSummary(_ context.Context, sum model.PerformanceAlertSummary) (model.PerformanceAlertSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, existing := range s.summaries {
		if existing.RepositoryID == sum.RepositoryID && existing.FrameworkID == sum.FrameworkID &&
			existing.PushID == sum.PushID && existing.PrevPushID == sum.PrevPushID {
			existing.LastUpdated = now
			s.summaries[id] = existing
			return existing, nil
		}
	}
	sum.ID = s.nextID()
	sum.Status = model.SummaryUntriaged
	sum.BugNumber = nil
	sum.CreatedAt = now
	sum.LastUpdated = now
	s.summaries[sum.ID] = sum
	return sum, nil
}

// GetAlertSummary returns a summary by id.
func (s *Store) GetAlertSummary(_ context.Context, id int64) (model.PerformanceAlertSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum, ok := s.summaries[id]
	if !ok {
		return model.PerformanceAlertSummary{}, storage.ErrNotFound
	}
	return sum, nil
}

// UpdateAlertSummaryStatus applies a summary status transition.
func (s *Store) UpdateAlertSummaryStatus(_ context.Context, id int64, to model.SummaryStatus, admin bool) (model.PerformanceAlertSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum, ok := s.summaries[id]
	if !ok {
		return model.PerformanceAlertSummary{}, storage.ErrNotFound
	}
	if !sum.Status.CanTransition(to, admin) {
		return model.PerformanceAlertSummary{}, fmt.Errorf("memstore: summary %d %s -> %s: %w",
			id, sum.Status, to, model.ErrInvalidStateTransition)
	}
	sum.Status = to
	sum.LastUpdated = s.now()
	s.summaries[id] = sum
	return sum, nil
}

// SetAlertSummaryBug links a summary to a bug.
func (s *Store) SetAlertSummaryBug(_ context.Context, id int64, bugNumber *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum, ok := s.summaries[id]
	if !ok {
		return storage.ErrNotFound
	}
	sum.BugNumber = bugNumber
	sum.LastUpdated = s.now()
	s.summaries[id] = sum
	return nil
}

// UpsertAlert creates the alert or refreshes its measurements.
func (s *Store) UpsertAlert(_ context.Context, a model.PerformanceAlert) (model.PerformanceAlert, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.summaries[a.SummaryID]; !ok {
		return model.PerformanceAlert{}, false, fmt.Errorf("memstore: upsert alert: %w", storage.ErrNotFound)
	}
	for id, existing := range s.alerts {
		if existing.SummaryID == a.SummaryID && existing.SeriesSignatureID == a.SeriesSignatureID {
			existing.IsRegression = a.IsRegression
			existing.AmountPct = a.AmountPct
			existing.AmountAbs = a.AmountAbs
			existing.PrevValue = a.PrevValue
			existing.NewValue = a.NewValue
			existing.TValue = a.TValue
			s.alerts[id] = existing
			return existing, false, nil
		}
	}
	a.ID = s.nextID()
	a.Status = model.AlertUntriaged
	a.CreatedAt = s.now()
	s.alerts[a.ID] = a
	return a, true, nil
}

// ListAlerts returns the alerts of a summary.
func (s *Store) ListAlerts(_ context.Context, summaryID int64) ([]model.PerformanceAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.PerformanceAlert
	for _, a := range sorted(s.alerts) {
		if a.SummaryID == summaryID {
			out = append(out, a)
		}
	}
	return out, nil
}

// UpdateAlertStatus applies an alert status transition.
func (s *Store) UpdateAlertStatus(_ context.Context, id int64, to model.AlertStatus) (model.PerformanceAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return model.PerformanceAlert{}, storage.ErrNotFound
	}
	if !a.Status.CanTransition(to) {
		return model.PerformanceAlert{}, fmt.Errorf("memstore: alert %d %s -> %s: %w", id, a.Status, to, model.ErrInvalidStateTransition)
	}
	a.Status = to
	s.alerts[id] = a
	return a, nil
}
