// Package alertsummary turns detected performance changes into alerts
// grouped by push and manages their triage status.
package alertsummary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mozilla/treeherder/internal/model"
	"github.com/mozilla/treeherder/internal/service/perfalert"
	"github.com/mozilla/treeherder/internal/storage"
	"github.com/mozilla/treeherder/internal/telemetry"
)

// Defaults for Config.
const (
	DefaultMaxAge     = 365 * 24 * time.Hour
	DefaultSweepBatch = 100
)

// Config tunes alert generation.
type Config struct {
	// Variant names the perfalert analyzer variant.
	Variant string
	// MaxAge bounds how far back a series is loaded for analysis.
	MaxAge time.Duration
	// SweepBatch caps the signatures re-analyzed per sweep.
	SweepBatch int
}

// Generated is one alert written by an analysis, with its summary.
type Generated struct {
	Summary model.PerformanceAlertSummary `json:"summary"`
	Alert   model.PerformanceAlert        `json:"alert"`
	Created bool                          `json:"created"`
}

// Service writes alerts and summaries for analyzed series.
type Service struct {
	store  storage.PerfStore
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	created metric.Int64Counter
	sweeps  metric.Int64Counter
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source used for the analysis window and
// analyzed-at stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates the service. It fails on an unknown analyzer variant.
func New(store storage.PerfStore, cfg Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if cfg.Variant == "" {
		cfg.Variant = perfalert.VariantWelch
	}
	if err := perfalert.CheckVariant(cfg.Variant); err != nil {
		return nil, err
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = DefaultSweepBatch
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

	meter := telemetry.Meter("treeherder/perfalert")
	var err error
	s.created, err = meter.Int64Counter("treeherder.perfalert.alerts_created",
		metric.WithDescription("Performance alerts created"))
	if err != nil {
		return nil, fmt.Errorf("alertsummary: create counter: %w", err)
	}
	s.sweeps, err = meter.Int64Counter("treeherder.perfalert.signatures_analyzed",
		metric.WithDescription("Performance signatures analyzed by the sweep"))
	if err != nil {
		return nil, fmt.Errorf("alertsummary: create counter: %w", err)
	}
	return s, nil
}

// AnalyzeSignature analyzes one series and writes an alert for every
// change found. Re-running it refreshes measurements without touching
// triage status.
func (s *Service) AnalyzeSignature(ctx context.Context, signatureID int64) ([]Generated, error) {
	sig, err := s.store.GetPerformanceSignature(ctx, signatureID)
	if err != nil {
		return nil, fmt.Errorf("alertsummary: get signature %d: %w", signatureID, err)
	}
	return s.analyze(ctx, sig, time.Time{})
}

// AnalyzeHash analyzes every series with the given signature hash,
// optionally restricted to one repository. A zero since falls back to the
// configured maximum age.
func (s *Service) AnalyzeHash(ctx context.Context, hash, repository string, since time.Time) ([]Generated, error) {
	sigs, err := s.store.FindPerformanceSignatures(ctx, hash, repository)
	if err != nil {
		return nil, fmt.Errorf("alertsummary: find signatures %s: %w", hash, err)
	}
	if len(sigs) == 0 {
		return nil, fmt.Errorf("alertsummary: signature %s: %w", hash, storage.ErrNotFound)
	}
	var out []Generated
	for _, sig := range sigs {
		gen, err := s.analyze(ctx, sig, since)
		out = append(out, gen...)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

func (s *Service) analyze(ctx context.Context, sig model.PerformanceSignature, since time.Time) ([]Generated, error) {
	if !sig.Alerting() {
		return nil, nil
	}
	if since.IsZero() {
		since = s.now().Add(-s.cfg.MaxAge)
	}
	series, err := s.store.GetPerfSeries(ctx, sig.ID, since)
	if err != nil {
		return nil, fmt.Errorf("alertsummary: load series %d: %w", sig.ID, err)
	}
	results, err := perfalert.Analyze(series, perfalert.ParamsFor(sig, s.cfg.Variant))
	if err != nil {
		return nil, fmt.Errorf("alertsummary: analyze %d: %w", sig.ID, err)
	}

	var out []Generated
	touched := map[int64]bool{}
	for i, r := range results {
		if !r.IsChange() {
			continue
		}
		prevPushID, ok := previousPush(results, i)
		if !ok {
			continue
		}
		g, err := s.write(ctx, sig, r, prevPushID)
		if err != nil {
			return out, err
		}
		out = append(out, g)
		touched[g.Summary.ID] = true
	}

	for id := range touched {
		if err := s.autoImprove(ctx, id); err != nil {
			return out, err
		}
	}
	return out, nil
}

// previousPush returns the push of the newest result before i that belongs
// to another push; retriggers share the push of the change point.
func previousPush(results []perfalert.Result, i int) (int64, bool) {
	push := results[i].Datum.PushID
	for j := i - 1; j >= 0; j-- {
		if id := results[j].Datum.PushID; id != push {
			return id, true
		}
	}
	return 0, false
}

func (s *Service) write(ctx context.Context, sig model.PerformanceSignature, r perfalert.Result, prevPushID int64) (Generated, error) {
	summary, err := s.store.UpsertAlertSummary(ctx, model.PerformanceAlertSummary{
		RepositoryID: sig.RepositoryID,
		FrameworkID:  sig.FrameworkID,
		PushID:       r.Datum.PushID,
		PrevPushID:   prevPushID,
	})
	if err != nil {
		return Generated{}, fmt.Errorf("alertsummary: upsert summary: %w", err)
	}

	delta := r.Delta()
	if delta < 0 {
		delta = -delta
	}
	alert, created, err := s.store.UpsertAlert(ctx, model.PerformanceAlert{
		SummaryID:         summary.ID,
		SeriesSignatureID: sig.ID,
		IsRegression:      r.State == perfalert.StateRegression,
		AmountPct:         r.AmountPct(),
		AmountAbs:         delta,
		PrevValue:         r.Back.Avg,
		NewValue:          r.Fore.Avg,
		TValue:            model.TScore(r.T),
	})
	if err != nil {
		return Generated{}, fmt.Errorf("alertsummary: upsert alert: %w", err)
	}
	if created {
		s.created.Add(ctx, 1, metric.WithAttributes(attribute.Bool("regression", alert.IsRegression)))
		s.logger.Info("alertsummary: alert created",
			"signature", sig.SignatureHash, "push_id", r.Datum.PushID, "regression", alert.IsRegression,
			"summary_id", summary.ID, "alert_id", alert.ID)
	}
	return Generated{Summary: summary, Alert: alert, Created: created}, nil
}

// autoImprove moves an untriaged summary whose alerts are all
// improvements to the improvement status.
func (s *Service) autoImprove(ctx context.Context, summaryID int64) error {
	summary, err := s.store.GetAlertSummary(ctx, summaryID)
	if err != nil {
		return fmt.Errorf("alertsummary: get summary %d: %w", summaryID, err)
	}
	if summary.Status != model.SummaryUntriaged {
		return nil
	}
	alerts, err := s.store.ListAlerts(ctx, summaryID)
	if err != nil {
		return fmt.Errorf("alertsummary: list alerts %d: %w", summaryID, err)
	}
	if len(alerts) == 0 {
		return nil
	}
	for _, a := range alerts {
		if a.IsRegression {
			return nil
		}
	}
	if _, err := s.store.UpdateAlertSummaryStatus(ctx, summaryID, model.SummaryImprovement, false); err != nil {
		return fmt.Errorf("alertsummary: mark improvement %d: %w", summaryID, err)
	}
	return nil
}

// Sweep re-analyzes signatures that received data since their last
// analysis. It returns the number of signatures analyzed.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	sigs, err := s.store.ListSignaturesNeedingAnalysis(ctx, s.cfg.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("alertsummary: list signatures: %w", err)
	}
	var errs []error
	n := 0
	for _, sig := range sigs {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if _, err := s.analyze(ctx, sig, time.Time{}); err != nil {
			s.logger.Error("alertsummary: analyze signature", "signature_id", sig.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		if err := s.store.MarkSignatureAnalyzed(ctx, sig.ID, s.now()); err != nil {
			errs = append(errs, fmt.Errorf("alertsummary: mark analyzed %d: %w", sig.ID, err))
			continue
		}
		n++
	}
	s.sweeps.Add(ctx, int64(n))
	return n, errors.Join(errs...)
}

// UpdateStatus applies a summary triage transition.
func (s *Service) UpdateStatus(ctx context.Context, summaryID int64, to model.SummaryStatus, admin bool) (model.PerformanceAlertSummary, error) {
	summary, err := s.store.UpdateAlertSummaryStatus(ctx, summaryID, to, admin)
	if err != nil {
		return model.PerformanceAlertSummary{}, fmt.Errorf("alertsummary: update status %d: %w", summaryID, err)
	}
	return summary, nil
}

// UpdateAlertStatus applies an alert triage transition.
func (s *Service) UpdateAlertStatus(ctx context.Context, alertID int64, to model.AlertStatus) (model.PerformanceAlert, error) {
	alert, err := s.store.UpdateAlertStatus(ctx, alertID, to)
	if err != nil {
		return model.PerformanceAlert{}, fmt.Errorf("alertsummary: update alert %d: %w", alertID, err)
	}
	return alert, nil
}

// AssignBug links a summary to a bug, or unlinks it when bugNumber is nil.
func (s *Service) AssignBug(ctx context.Context, summaryID int64, bugNumber *int) error {
	if err := s.store.SetAlertSummaryBug(ctx, summaryID, bugNumber); err != nil {
		return fmt.Errorf("alertsummary: assign bug %d: %w", summaryID, err)
	}
	return nil
}

// Run sweeps every interval until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("alertsummary: sweep", "analyzed", n, "error", err)
			} else if n > 0 {
				s.logger.Debug("alertsummary: sweep", "analyzed", n)
			}
		}
	}
}
