// Package seta maintains job priorities that tell schedulers which job
// types have recently caught regressions and must keep running.
package seta

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mozilla/treeherder/internal/model"
	"github.com/mozilla/treeherder/internal/storage"
	"github.com/mozilla/treeherder/internal/telemetry"
)

// Defaults for Config.
const (
	DefaultResetDelta = 24 * time.Hour
	DefaultLongTTL    = 14 * 24 * time.Hour
)

// Store is the persistence surface SETA needs.
type Store interface {
	storage.SetaStore
	ListRepositories(ctx context.Context) ([]model.Repository, error)
}

// Config tunes the sweep.
type Config struct {
	// ResetDelta is both the sweep throttle and the lookback for recent
	// regressions.
	ResetDelta time.Duration
	// LongTTL is how long a job type stays high value after a regression.
	LongTTL time.Duration
}

// SweepResult reports one repository sweep.
type SweepResult struct {
	Repository string
	// Ran is false when the repository was swept less than ResetDelta ago.
	Ran      bool
	Promoted int
	Demoted  int
	Counter  int64
}

// Service runs SETA sweeps.
type Service struct {
	store  Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	sweeps metric.Int64Counter
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates the service.
func New(store Store, cfg Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if cfg.ResetDelta <= 0 {
		cfg.ResetDelta = DefaultResetDelta
	}
	if cfg.LongTTL <= 0 {
		cfg.LongTTL = DefaultLongTTL
	}
	s := &Service{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	var err error
	s.sweeps, err = telemetry.Meter("treeherder/seta").Int64Counter("treeherder.seta.sweeps",
		metric.WithDescription("SETA sweeps by outcome"))
	if err != nil {
		return nil, fmt.Errorf("seta: create counter: %w", err)
	}
	return s, nil
}

// Sweep promotes job types with recent regressions to priority 1 and
// demotes expired rows by one step, clearing their expiration. It is a no-op until ResetDelta has
// passed since the previous sweep. A concurrent sweep of the same
// repository makes it fail with storage.ErrConflict.
func (s *Service) Sweep(ctx context.Context, repository string) (SweepResult, error) {
	res := SweepResult{Repository: repository}
	now := s.now()

	tr, err := s.store.GetTaskRequest(ctx, repository, s.cfg.ResetDelta)
	if err != nil {
		return res, fmt.Errorf("seta: get task request %s: %w", repository, err)
	}
	res.Counter = tr.Counter
	if !tr.Due(now) {
		s.sweeps.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "throttled")))
		return res, nil
	}

	recent, err := s.store.RecentRegressionKeys(ctx, repository, now.Add(-tr.ResetDelta))
	if err != nil {
		return res, fmt.Errorf("seta: recent regressions %s: %w", repository, err)
	}
	rows, err := s.store.ListJobPriorities(ctx)
	if err != nil {
		return res, fmt.Errorf("seta: list priorities: %w", err)
	}

	updates, promoted, demoted := s.plan(rows, recent, now)
	tr, err = s.store.ApplySetaSweep(ctx, repository, tr.Counter, updates, now)
	if err != nil {
		outcome := "error"
		if errors.Is(err, storage.ErrConflict) {
			outcome = "conflict"
		}
		s.sweeps.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
		return res, fmt.Errorf("seta: apply sweep %s: %w", repository, err)
	}
	s.sweeps.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "applied")))

	res.Ran = true
	res.Promoted = promoted
	res.Demoted = demoted
	res.Counter = tr.Counter
	s.logger.Info("seta: sweep applied",
		"repository", repository, "promoted", promoted, "demoted", demoted, "counter", tr.Counter)
	return res, nil
}

// plan computes the priority changes of one sweep.
func (s *Service) plan(rows []model.JobPriority, recent []model.PriorityKey, now time.Time) (updates []model.JobPriority, promoted, demoted int) {
	hot := make(map[model.PriorityKey]bool, len(recent))
	for _, k := range recent {
		hot[k] = true
	}
	expires := now.Add(s.cfg.LongTTL)
	for _, p := range rows {
		switch {
		case hot[p.Key()]:
			p.Priority = model.HighValuePriority
			p.Timeout = model.HighValueTimeout
			p.ExpirationDate = &expires
			promoted++
		case p.Expired(now):
			// Clearing the expiration makes the demotion happen once, however
			// many repositories are swept before the next promotion.
			p.ExpirationDate = nil
			if p.Priority < model.LowValuePriority {
				p.Priority++
				demoted++
			}
			if p.Priority == model.LowValuePriority {
				p.Timeout = model.LowValueTimeout
			}
		default:
			continue
		}
		updates = append(updates, p)
	}
	return updates, promoted, demoted
}

// SweepAll sweeps every known repository. Conflicts are logged and skipped;
// another worker already swept that repository.
func (s *Service) SweepAll(ctx context.Context) ([]SweepResult, error) {
	repos, err := s.store.ListRepositories(ctx)
	if err != nil {
		return nil, fmt.Errorf("seta: list repositories: %w", err)
	}
	var out []SweepResult
	var errs []error
	for _, r := range repos {
		res, err := s.Sweep(ctx, r.Name)
		switch {
		case errors.Is(err, storage.ErrConflict):
			s.logger.Debug("seta: sweep lost race", "repository", r.Name)
		case err != nil:
			errs = append(errs, err)
		default:
			out = append(out, res)
		}
	}
	return out, errors.Join(errs...)
}

// GetPriorities returns the rows of buildsystem, including those shared by
// every build system, that have not expired. An empty buildsystem matches
// all rows.
func (s *Service) GetPriorities(ctx context.Context, buildsystem string) ([]model.JobPriority, error) {
	rows, err := s.store.ListJobPriorities(ctx)
	if err != nil {
		return nil, fmt.Errorf("seta: list priorities: %w", err)
	}
	now := s.now()
	var out []model.JobPriority
	for _, p := range rows {
		if buildsystem != "" && p.BuildSystem != buildsystem && p.BuildSystem != model.BuildSystemAny {
			continue
		}
		if p.Expired(now) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// RegisterJobTypes adds runnable job types missing from the priority table.
// While the table is empty every job type starts low value; afterwards new
// job types start high value for LongTTL. It returns the number added.
func (s *Service) RegisterJobTypes(ctx context.Context, jobs []model.RunnableJob) (int, error) {
	existing, err := s.store.ListJobPriorities(ctx)
	if err != nil {
		return 0, fmt.Errorf("seta: list priorities: %w", err)
	}

	priority, timeout := model.HighValuePriority, model.HighValueTimeout
	expires := s.now().Add(s.cfg.LongTTL)
	expiration := &expires
	if len(existing) == 0 {
		priority, timeout, expiration = model.LowValuePriority, model.LowValueTimeout, nil
	}

	var rows []model.JobPriority
	for _, j := range Sanitize(jobs) {
		rows = append(rows, model.JobPriority{
			TestType:       j.TestType,
			BuildType:      j.BuildType,
			Platform:       j.Platform,
			Priority:       priority,
			Timeout:        timeout,
			ExpirationDate: expiration,
			BuildSystem:    j.BuildSystem,
		})
	}
	n, err := s.store.UpsertJobPriorities(ctx, rows)
	if err != nil {
		return 0, fmt.Errorf("seta: upsert priorities: %w", err)
	}
	if n > 0 {
		s.logger.Info("seta: registered job types", "added", n, "priority", priority)
	}
	return n, nil
}

// Sanitize drops runnable jobs without a platform or test type and folds
// duplicates. A job type listed under two build systems gets
// model.BuildSystemAny.
func Sanitize(jobs []model.RunnableJob) []model.RunnableJob {
	var out []model.RunnableJob
	index := map[model.PriorityKey]int{}
	for _, j := range jobs {
		if j.Platform == "" || j.TestType == "" {
			continue
		}
		i, ok := index[j.Key()]
		if !ok {
			index[j.Key()] = len(out)
			out = append(out, j)
			continue
		}
		if out[i].BuildSystem != j.BuildSystem {
			out[i].BuildSystem = model.BuildSystemAny
		}
	}
	return out
}

// Run sweeps every repository each interval until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepAll(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("seta: sweep", "error", err)
			}
		}
	}
}
