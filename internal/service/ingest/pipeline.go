// Package ingest builds the artifacts of incoming job events: pushes,
// jobs, parsed logs, failure lines and performance data.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mozilla/treeherder/internal/logparse"
	"github.com/mozilla/treeherder/internal/model"
	"github.com/mozilla/treeherder/internal/pulse"
	"github.com/mozilla/treeherder/internal/service/alertsummary"
	"github.com/mozilla/treeherder/internal/service/autoclassify"
	"github.com/mozilla/treeherder/internal/service/matcher"
	"github.com/mozilla/treeherder/internal/storage"
	"github.com/mozilla/treeherder/internal/telemetry"
)

// ErrIngestionDeferred is returned when a log could not be fetched after
// every retry, or when a store call failed transiently. The event should
// be redelivered later.
var ErrIngestionDeferred = errors.New("ingest: ingestion deferred")

var tracer = telemetry.Tracer("treeherder/ingest")

// Defaults for Config.
const (
	DefaultLogWorkers    = 4
	DefaultFetchAttempts = 3
)

// Store is the persistence surface of the pipeline.
type Store interface {
	storage.JobStore
	storage.FailureStore
	storage.PerfStore
}

// Classifier runs the autoclassification pass of a job.
type Classifier interface {
	Run(ctx context.Context, jobGUID string) (autoclassify.Outcome, error)
}

// PerfAnalyzer generates alerts for a series that received new data.
type PerfAnalyzer interface {
	AnalyzeSignature(ctx context.Context, signatureID int64) ([]alertsummary.Generated, error)
}

// Publisher receives job and push events.
type Publisher interface {
	Publish(ctx context.Context, e pulse.Event)
}

// Config tunes the pipeline.
type Config struct {
	LogWorkers         int
	FetchAttempts      int
	FailureLinesCutoff int
}

// Result reports what one IngestJob call did.
type Result struct {
	Job model.Job
	// PushCreated is set when the event introduced a new push.
	PushCreated bool
	// Dropped is set when the event would have moved the job backwards.
	Dropped bool
	Logs    []model.JobLog
	// Classification is set when the autoclassification pass ran.
	Classification *autoclassify.Outcome
}

// Pipeline ingests job events.
type Pipeline struct {
	store      Store
	parser     *logparse.Parser
	fetcher    *logparse.Fetcher
	publisher  Publisher
	classifier Classifier
	perf       PerfAnalyzer
	cfg        Config
	logger     *slog.Logger
	newBackOff func() backoff.BackOff

	dropped   metric.Int64Counter
	malformed metric.Int64Counter
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClassifier runs the autoclassifier once every log of a job is
// terminal.
func WithClassifier(c Classifier) Option {
	return func(p *Pipeline) { p.classifier = c }
}

// WithPerfAnalyzer analyzes every series that received data.
func WithPerfAnalyzer(a PerfAnalyzer) Option {
	return func(p *Pipeline) { p.perf = a }
}

// WithBackOff replaces the fetch retry policy.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(p *Pipeline) { p.newBackOff = fn }
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	return b
}

// New creates a pipeline. publisher may be nil.
func New(store Store, parser *logparse.Parser, fetcher *logparse.Fetcher, publisher Publisher, logger *slog.Logger, cfg Config, opts ...Option) (*Pipeline, error) {
	if cfg.LogWorkers <= 0 {
		cfg.LogWorkers = DefaultLogWorkers
	}
	if cfg.FetchAttempts <= 0 {
		cfg.FetchAttempts = DefaultFetchAttempts
	}
	if cfg.FailureLinesCutoff <= 0 {
		cfg.FailureLinesCutoff = logparse.DefaultFailureLinesCutoff
	}
	p := &Pipeline{
		store:      store,
		parser:     parser,
		fetcher:    fetcher,
		publisher:  publisher,
		cfg:        cfg,
		logger:     logger,
		newBackOff: defaultBackOff,
	}
	for _, o := range opts {
		o(p)
	}

	meter := telemetry.Meter("treeherder/ingest")
	var err error
	p.dropped, err = meter.Int64Counter("treeherder.ingest.job_state_regression_dropped",
		metric.WithDescription("Job events dropped because they would move a job backwards"))
	if err != nil {
		return nil, fmt.Errorf("ingest: create counter: %w", err)
	}
	p.malformed, err = meter.Int64Counter("treeherder.ingest.malformed_events",
		metric.WithDescription("Job events rejected as malformed"))
	if err != nil {
		return nil, fmt.Errorf("ingest: create counter: %w", err)
	}
	return p, nil
}

// HandleMessage decodes a bus message body and ingests it. Malformed
// bodies are counted and dropped.
func (p *Pipeline) HandleMessage(ctx context.Context, body []byte) error {
	e, err := model.DecodeIngestionEvent(body)
	if err != nil {
		p.malformed.Add(ctx, 1)
		return err
	}
	_, err = p.IngestJob(ctx, e)
	return err
}

// IngestJob stores the push, job and logs described by e and parses the
// job's pending logs. Ingesting the same event twice is a no-op.
func (p *Pipeline) IngestJob(ctx context.Context, e model.IngestionEvent) (Result, error) {
	ctx, span := tracer.Start(ctx, "ingest.job", trace.WithAttributes(
		attribute.String("job.guid", e.Job.JobGUID),
		attribute.String("job.state", string(e.Job.State)),
	))
	defer span.End()

	res, err := p.ingestJob(ctx, e)
	if err != nil && !errors.Is(err, ErrIngestionDeferred) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, deferTransient(err)
}

// deferTransient marks err as ErrIngestionDeferred unless redelivering the
// same event can never succeed: malformed events, backward state moves and
// rows that are gone.
func deferTransient(err error) error {
	switch {
	case err == nil,
		errors.Is(err, ErrIngestionDeferred),
		errors.Is(err, model.ErrMalformedInput),
		errors.Is(err, model.ErrInvalidStateTransition),
		errors.Is(err, storage.ErrNotFound):
		return err
	}
	return fmt.Errorf("%w: %w", ErrIngestionDeferred, err)
}

func (p *Pipeline) ingestJob(ctx context.Context, e model.IngestionEvent) (Result, error) {
	if err := e.Validate(); err != nil {
		p.malformed.Add(ctx, 1)
		p.logger.Warn("ingest: malformed event", "job_guid", e.Job.JobGUID, "error", err)
		return Result{}, err
	}
	repo := e.Repository()

	push, created, err := p.store.UpsertPush(ctx, e.Push())
	if err != nil {
		return Result{}, fmt.Errorf("ingest: upsert push %s/%s: %w", repo, e.Sources[0].Revision, err)
	}
	if created {
		p.publish(ctx, pulse.ResultsetEvent(repo, push.ID, push.Author))
	}

	job := e.ToJob()
	job.PushID = push.ID
	up, err := p.store.UpsertJob(ctx, job)
	if err != nil {
		return Result{}, fmt.Errorf("ingest: upsert job %s: %w", job.GUID, err)
	}
	res := Result{Job: up.Job, PushCreated: created, Dropped: up.Dropped}
	if up.Dropped {
		p.dropped.Add(ctx, 1)
		p.logger.Info("ingest: dropped backward job state",
			"job_guid", job.GUID, "stored", up.Job.State, "incoming", job.State)
		return res, nil
	}

	logs, err := p.store.EnsureJobLogs(ctx, up.Job.ID, e.Job.LogReferences)
	if err != nil {
		return res, fmt.Errorf("ingest: ensure logs %s: %w", job.GUID, err)
	}

	var deferred error
	if up.Job.State == model.JobStateCompleted {
		logs, deferred = p.parseLogs(ctx, up.Job, push, logs)
	}
	res.Logs = logs

	p.publish(ctx, pulse.JobEvent(repo, up.Job.ID, push.ID, string(up.Job.State)))
	if up.Job.State == model.JobStateCompleted && up.Job.Result.Failed() {
		p.publish(ctx, pulse.JobFailureEvent(repo, up.Job.ID))
	}
	if deferred != nil {
		return res, deferred
	}

	if p.classifier != nil && up.Job.State == model.JobStateCompleted && allTerminal(logs) {
		out, err := p.classifier.Run(ctx, up.Job.GUID)
		res.Classification = &out
		if err != nil {
			return res, fmt.Errorf("ingest: classify %s: %w", job.GUID, err)
		}
	}
	return res, nil
}

func (p *Pipeline) publish(ctx context.Context, e pulse.Event) {
	if p.publisher != nil {
		p.publisher.Publish(ctx, e)
	}
}

func allTerminal(logs []model.JobLog) bool {
	for _, l := range logs {
		if !l.Status.Terminal() {
			return false
		}
	}
	return true
}

// parseLogs parses the pending logs of job with at most LogWorkers in
// flight and returns the job's logs afterwards. Logs that could not be
// fetched stay pending and make the result ErrIngestionDeferred.
func (p *Pipeline) parseLogs(ctx context.Context, job model.Job, push model.Push, logs []model.JobLog) ([]model.JobLog, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.LogWorkers)

	deferred := make([]bool, len(logs))
	for i, l := range logs {
		if l.Status != model.JobLogPending {
			continue
		}
		g.Go(func() error {
			err := p.parseLog(gctx, job, push, l)
			if errors.Is(err, ErrIngestionDeferred) {
				deferred[i] = true
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return logs, err
	}

	refreshed, err := p.store.ListJobLogs(ctx, job.ID)
	if err != nil {
		return logs, fmt.Errorf("ingest: list logs %s: %w", job.GUID, err)
	}
	var n int
	for _, d := range deferred {
		if d {
			n++
		}
	}
	if n > 0 {
		return refreshed, fmt.Errorf("%w: %d log(s) of job %s unavailable", ErrIngestionDeferred, n, job.GUID)
	}
	return refreshed, nil
}

// parseLog fetches, parses and stores one log. Only store failures are
// returned as plain errors; fetch exhaustion is ErrIngestionDeferred.
func (p *Pipeline) parseLog(ctx context.Context, job model.Job, push model.Push, l model.JobLog) error {
	logger := p.logger.With("job_guid", job.GUID, "log_url", l.URL)

	var art *logparse.Artifacts
	attempt := 0
	b := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), uint64(p.cfg.FetchAttempts-1)), ctx) //nolint:gosec
	err := backoff.Retry(func() error {
		attempt++
		var err error
		art, err = p.parser.ParseURL(ctx, p.fetcher, l.URL)
		var fe *logparse.FetchError
		if errors.As(err, &fe) && fe.Retryable() {
			logger.Debug("ingest: fetch failed, retrying", "attempt", attempt, "error", err)
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, b)

	var fe *logparse.FetchError
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.As(err, &fe) && fe.Unavailable():
		logger.Info("ingest: log unavailable", "status", fe.StatusCode)
		return p.markLog(ctx, l, model.JobLogSkipped, err)
	case errors.As(err, &fe) && fe.Retryable():
		logger.Warn("ingest: log fetch exhausted retries", "attempts", attempt, "error", err)
		return fmt.Errorf("%w: %v", ErrIngestionDeferred, err)
	default:
		logger.Warn("ingest: log parse failed", "error", err)
		return p.markLog(ctx, l, model.JobLogFailed, err)
	}

	parsed := art.ParsedLog(p.cfg.FailureLinesCutoff)
	matcher.Apply(parsed.FailureLines)

	// Perf datums go first: the log stays pending until they are committed,
	// so a redelivery parses it again. Datum inserts are idempotent.
	if len(art.PerformanceData) > 0 {
		if err := p.storePerf(ctx, job, push, art.PerformanceData); err != nil {
			return err
		}
	}

	stored, err := p.store.StoreParsedLog(ctx, l.ID, parsed)
	if err != nil {
		return fmt.Errorf("ingest: store parsed log %d: %w", l.ID, err)
	}
	if !stored {
		logger.Debug("ingest: log already handled")
		return nil
	}
	logger.Debug("ingest: log parsed",
		"lines", art.Stats.Lines, "errors", len(parsed.Errors), "failure_lines", len(parsed.FailureLines))
	return nil
}

func (p *Pipeline) markLog(ctx context.Context, l model.JobLog, status model.JobLogStatus, cause error) error {
	msg := cause.Error()
	if len(msg) > 255 {
		msg = strings.ToValidUTF8(msg[:255], "")
	}
	if _, err := p.store.MarkJobLog(ctx, l.ID, status, msg); err != nil {
		return fmt.Errorf("ingest: mark log %d %s: %w", l.ID, status, err)
	}
	return nil
}
