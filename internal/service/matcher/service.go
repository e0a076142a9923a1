// Package matcher proposes classified-failure candidates for new failure
// lines by comparing their fingerprints with previously classified lines.
package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/mozilla/treeherder/internal/model"
	"github.com/mozilla/treeherder/internal/storage"
	"github.com/mozilla/treeherder/internal/telemetry"
	"github.com/mozilla/treeherder/internal/timebox"
)

// Config tunes the matcher. Zero values select the defaults.
type Config struct {
	// Matchers lists the enabled registry names, in evaluation order.
	Matchers   []string
	Limit      int
	Window     time.Duration
	MaxMatches int
	MinScore   float64
	Budget     time.Duration
}

// Defaults for Config.
const (
	DefaultLimit      = 200
	DefaultWindow     = 90 * 24 * time.Hour
	DefaultMaxMatches = 20
	DefaultMinScore   = 0.3
	DefaultBudget     = 2 * time.Second
)

// DefaultMatchers is the registry order used when Config.Matchers is empty.
var DefaultMatchers = []string{PreciseTestMatcherName, CrashSignatureMatcherName}

func (c *Config) setDefaults() {
	if len(c.Matchers) == 0 {
		c.Matchers = DefaultMatchers
	}
	if c.Limit <= 0 {
		c.Limit = DefaultLimit
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.MaxMatches <= 0 {
		c.MaxMatches = DefaultMaxMatches
	}
	if c.MinScore <= 0 {
		c.MinScore = DefaultMinScore
	}
	if c.Budget <= 0 {
		c.Budget = DefaultBudget
	}
}

// Result summarizes one MatchJob call.
type Result struct {
	Lines     int
	Processed int
	Inserted  int
	// Complete is false when the budget ran out before every line was
	// matched. Remaining lines stay unclassified for the next sweep.
	Complete bool
}

// Service runs the enabled matchers over a job's failure lines.
type Service struct {
	store    storage.FailureStore
	matchers []Matcher
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	matchesInserted metric.Int64Counter
	duration        metric.Float64Histogram
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source used for the budget.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New resolves the configured matchers. index may be nil unless
// SearchTestMatcher is enabled.
func New(store storage.FailureStore, index Index, logger *slog.Logger, cfg Config, opts ...Option) (*Service, error) {
	cfg.setDefaults()
	s := &Service{store: store, cfg: cfg, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	for _, name := range cfg.Matchers {
		m, err := newMatcher(name, index, cfg.Limit)
		if err != nil {
			return nil, err
		}
		s.matchers = append(s.matchers, m)
	}

	meter := telemetry.Meter("treeherder/matcher")
	var err error
	s.matchesInserted, err = meter.Int64Counter("treeherder.matcher.matches_inserted",
		metric.WithDescription("Failure matches inserted by the matcher"))
	if err != nil {
		return nil, fmt.Errorf("matcher: create counter: %w", err)
	}
	s.duration, err = meter.Float64Histogram("treeherder.matcher.duration",
		metric.WithDescription("Time spent matching the failure lines of one job"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("matcher: create histogram: %w", err)
	}
	return s, nil
}

type lineOutcome struct {
	inserted int
	err      error
}

// MatchJob matches every unclassified failure line of the job within the
// configured budget.
func (s *Service) MatchJob(ctx context.Context, jobGUID string) (Result, error) {
	start := s.now()
	lines, err := s.store.ListFailureLinesByJob(ctx, jobGUID)
	if err != nil {
		return Result{}, fmt.Errorf("matcher: list failure lines: %w", err)
	}
	var pending []model.FailureLine
	for _, l := range lines {
		if !l.Classified() && l.Action != model.ActionTruncated {
			pending = append(pending, l)
		}
	}

	res := Result{Lines: len(pending)}
	if len(pending) == 0 {
		res.Complete = true
		return res, nil
	}

	seq := func(yield func(model.FailureLine) bool) {
		for _, l := range pending {
			if !yield(l) {
				return
			}
		}
	}
	for out := range timebox.RunWithClock(ctx, seq, s.cfg.Budget, s.matchLine, s.now) {
		if out.err != nil {
			return res, out.err
		}
		res.Processed++
		res.Inserted += out.inserted
	}
	res.Complete = res.Processed == len(pending)
	if !res.Complete {
		s.logger.Info("matcher: budget exhausted",
			"job_guid", jobGUID, "processed", res.Processed, "lines", len(pending))
	}
	s.duration.Record(ctx, float64(s.now().Sub(start).Microseconds())/1000.0)
	return res, nil
}

func (s *Service) matchLine(ctx context.Context, line model.FailureLine) lineOutcome {
	fp := Normalize(line)
	q := &Query{
		Line:        line,
		Fingerprint: fp,
		similar: func(ctx context.Context) ([]model.SimilarLine, error) {
			var out []model.SimilarLine
			for sl, err := range s.store.FindSimilarLines(ctx, fp, s.cfg.Limit, s.cfg.Window) {
				if err != nil {
					return nil, err
				}
				out = append(out, sl)
			}
			return out, nil
		},
	}

	var cands []scored
	for _, m := range s.matchers {
		found, err := m.Match(ctx, q)
		if err != nil {
			return lineOutcome{err: fmt.Errorf("matcher: %s line %d: %w", m.Name(), line.ID, err)}
		}
		for _, c := range found {
			cands = append(cands, scored{Candidate: c, matcher: m.Name()})
		}
	}

	inserted := 0
	for _, c := range rankCandidates(cands, s.cfg.MaxMatches, s.cfg.MinScore) {
		ok, err := s.store.InsertFailureMatch(ctx, model.FailureMatch{
			FailureLineID:       line.ID,
			ClassifiedFailureID: c.ClassifiedFailureID,
			Score:               c.Score,
			MatcherName:         c.matcher,
		})
		if err != nil {
			return lineOutcome{err: fmt.Errorf("matcher: insert match: %w", err)}
		}
		if ok {
			inserted++
		}
	}
	if inserted > 0 {
		s.matchesInserted.Add(ctx, int64(inserted))
	}
	return lineOutcome{inserted: inserted}
}
