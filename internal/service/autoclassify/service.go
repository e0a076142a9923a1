// Package autoclassify turns matcher output into best classifications and
// decides whether a job is fully autoclassified.
package autoclassify

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mozilla/treeherder/internal/model"
	"github.com/mozilla/treeherder/internal/pulse"
	"github.com/mozilla/treeherder/internal/service/matcher"
	"github.com/mozilla/treeherder/internal/storage"
	"github.com/mozilla/treeherder/internal/telemetry"
)

// DefaultThreshold is the lowest match score accepted as a best
// classification.
const DefaultThreshold = 0.8

// Who is recorded on notes and events written by the autoclassifier.
const Who = "autoclassifier"

// Store is the persistence surface the autoclassifier needs.
type Store interface {
	storage.JobStore
	storage.FailureStore
}

// Matcher proposes matches for a job's lines before classification.
type Matcher interface {
	MatchJob(ctx context.Context, jobGUID string) (matcher.Result, error)
}

// Publisher receives the events emitted after a pass.
type Publisher interface {
	Publish(ctx context.Context, e pulse.Event)
}

// Outcome summarizes one classification pass.
type Outcome struct {
	Status model.AutoclassifyStatus
	// Lines counts the job's failure lines, excluding the truncation marker.
	Lines int
	// Classified counts lines holding a best classification after the pass.
	Classified int
	// Updated counts best classifications written by this pass.
	Updated int
}

// Service runs the classification pass.
type Service struct {
	store     Store
	matcher   Matcher
	publisher Publisher
	threshold float64
	logger    *slog.Logger

	jobs metric.Int64Counter
}

// New creates the service. matcher may be nil, in which case Run only
// classifies from existing matches.
func New(store Store, m Matcher, publisher Publisher, threshold float64, logger *slog.Logger) (*Service, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	s := &Service{store: store, matcher: m, publisher: publisher, threshold: threshold, logger: logger}
	var err error
	s.jobs, err = telemetry.Meter("treeherder/autoclassify").Int64Counter("treeherder.autoclassify.jobs",
		metric.WithDescription("Autoclassification passes by resulting job status"))
	if err != nil {
		return nil, fmt.Errorf("autoclassify: create counter: %w", err)
	}
	return s, nil
}

// Run matches the job's lines and classifies them.
func (s *Service) Run(ctx context.Context, jobGUID string) (Outcome, error) {
	if s.matcher != nil {
		if _, err := s.matcher.MatchJob(ctx, jobGUID); err != nil {
			s.markFailed(ctx, jobGUID)
			return Outcome{Status: model.AutoclassifyFailed}, fmt.Errorf("autoclassify: match job %s: %w", jobGUID, err)
		}
	}
	return s.Classify(ctx, jobGUID)
}

// Classify applies the best match of every line scoring at least the
// threshold and records the job's autoclassify status. Re-running it is
// a no-op.
func (s *Service) Classify(ctx context.Context, jobGUID string) (Outcome, error) {
	job, err := s.store.GetJob(ctx, jobGUID)
	if err != nil {
		return Outcome{}, fmt.Errorf("autoclassify: get job %s: %w", jobGUID, err)
	}

	out, err := s.classify(ctx, job)
	if err != nil {
		out.Status = model.AutoclassifyFailed
	}
	if serr := s.store.SetAutoclassifyStatus(ctx, job.ID, out.Status); serr != nil && err == nil {
		err = serr
		out.Status = model.AutoclassifyFailed
	}
	s.jobs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(out.Status))))
	if err != nil {
		return out, fmt.Errorf("autoclassify: job %s: %w", jobGUID, err)
	}

	s.logger.Debug("autoclassify: pass complete",
		"job_guid", jobGUID, "status", out.Status, "lines", out.Lines, "classified", out.Classified, "updated", out.Updated)

	if out.Status == model.AutoclassifyAutoclassified {
		if err := s.noteJob(ctx, job); err != nil {
			return out, fmt.Errorf("autoclassify: note job %s: %w", jobGUID, err)
		}
	}
	if out.Status != model.AutoclassifySkipped {
		s.publishCount(ctx, job.Repository)
	}
	return out, nil
}

func (s *Service) classify(ctx context.Context, job model.Job) (Outcome, error) {
	if !job.Result.Failed() {
		return Outcome{Status: model.AutoclassifySkipped}, nil
	}
	all, err := s.store.ListFailureLinesByJob(ctx, job.GUID)
	if err != nil {
		return Outcome{}, fmt.Errorf("list failure lines: %w", err)
	}
	var lines []model.FailureLine
	for _, l := range all {
		if l.Action != model.ActionTruncated {
			lines = append(lines, l)
		}
	}
	out := Outcome{Lines: len(lines)}
	if len(lines) == 0 {
		out.Status = model.AutoclassifySkipped
		return out, nil
	}

	ids := make([]int64, len(lines))
	for i, l := range lines {
		ids[i] = l.ID
	}
	matches, err := s.store.ListFailureMatches(ctx, ids)
	if err != nil {
		return out, fmt.Errorf("list failure matches: %w", err)
	}
	best := BestMatches(matches)

	for _, l := range lines {
		m, ok := best[l.ID]
		if !ok || m.Score < s.threshold {
			if l.Classified() {
				out.Classified++
			}
			continue
		}
		updated, err := s.store.SetBestClassification(ctx, l.ID, m.ClassifiedFailureID, m.Score)
		if err != nil {
			return out, fmt.Errorf("set best classification of line %d: %w", l.ID, err)
		}
		if updated {
			out.Updated++
		}
		out.Classified++
	}

	if out.Classified == out.Lines {
		out.Status = model.AutoclassifyAutoclassified
	} else {
		out.Status = model.AutoclassifyCrossreferenced
	}
	return out, nil
}

// BestMatches picks the highest scoring match per failure line; ties go to
// the lowest classified failure id.
func BestMatches(matches []model.FailureMatch) map[int64]model.FailureMatch {
	best := make(map[int64]model.FailureMatch, len(matches))
	for _, m := range matches {
		cur, ok := best[m.FailureLineID]
		if !ok || m.Score > cur.Score ||
			(m.Score == cur.Score && cmp.Less(m.ClassifiedFailureID, cur.ClassifiedFailureID)) {
			best[m.FailureLineID] = m
		}
	}
	return best
}

// noteJob records the autoclassifier's note unless the job already has one.
func (s *Service) noteJob(ctx context.Context, job model.Job) error {
	notes, err := s.store.ListJobNotes(ctx, job.ID)
	if err != nil {
		return err
	}
	if len(notes) > 0 {
		return nil
	}
	if _, err := s.store.CreateJobNote(ctx, model.JobNote{
		JobID:                 job.ID,
		FailureClassification: model.ClassificationAutoclassifiedIntermittent,
		Who:                   Who,
	}); err != nil {
		return err
	}
	s.publish(ctx, pulse.JobClassificationEvent(job.Repository, job.ID, Who))
	return nil
}

func (s *Service) publishCount(ctx context.Context, repo string) {
	n, err := s.store.CountUnclassifiedFailures(ctx, repo)
	if err != nil {
		s.logger.Warn("autoclassify: count unclassified failures", "repository", repo, "error", err)
		return
	}
	s.publish(ctx, pulse.UnclassifiedCountEvent(repo, n))
}

func (s *Service) publish(ctx context.Context, e pulse.Event) {
	if s.publisher != nil {
		s.publisher.Publish(ctx, e)
	}
}

func (s *Service) markFailed(ctx context.Context, jobGUID string) {
	job, err := s.store.GetJob(ctx, jobGUID)
	if err != nil {
		return
	}
	if err := s.store.SetAutoclassifyStatus(ctx, job.ID, model.AutoclassifyFailed); err != nil {
		s.logger.Warn("autoclassify: record failed status", "job_guid", jobGUID, "error", err)
	}
	s.jobs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(model.AutoclassifyFailed))))
}

// MergeDuplicates folds classified failures that share a bug number into
// the lowest id. Running it twice is a no-op.
func (s *Service) MergeDuplicates(ctx context.Context) (int, error) {
	n, err := s.store.MergeDuplicateClassifiedFailures(ctx)
	if err != nil {
		return 0, fmt.Errorf("autoclassify: merge duplicates: %w", err)
	}
	if n > 0 {
		s.logger.Info("autoclassify: merged duplicate classified failures", "removed", n)
	}
	return n, nil
}
