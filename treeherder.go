// Package treeherder assembles the ingestion, classification, alerting and
// SETA services into one process.
//
//	app, err := treeherder.New(
//	    treeherder.WithVersion(version),
//	    treeherder.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// Run blocks until ctx is done or the job consumer fails, then shuts
// everything down. The one-shot operations (Classify, AnalyzePerf,
// MergeDuplicates) work on a constructed App without calling Run.
package treeherder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/mozilla/treeherder/internal/config"
	"github.com/mozilla/treeherder/internal/logparse"
	"github.com/mozilla/treeherder/internal/model"
	"github.com/mozilla/treeherder/internal/pulse"
	"github.com/mozilla/treeherder/internal/search"
	"github.com/mozilla/treeherder/internal/service/alertsummary"
	"github.com/mozilla/treeherder/internal/service/autoclassify"
	"github.com/mozilla/treeherder/internal/service/ingest"
	"github.com/mozilla/treeherder/internal/service/matcher"
	"github.com/mozilla/treeherder/internal/service/seta"
	"github.com/mozilla/treeherder/internal/storage"
	"github.com/mozilla/treeherder/internal/telemetry"
	"github.com/mozilla/treeherder/migrations"
)

// App is the Treeherder process lifecycle. Construct with New, run with Run.
type App struct {
	cfg          config.Config
	store        storage.Store
	db           *storage.DB // nil when an external store was supplied
	publisher    *pulse.Publisher
	matcher      *matcher.Service
	classifier   *autoclassify.Service
	alerts       *alertsummary.Service
	seta         *seta.Service
	pipeline     *ingest.Pipeline
	consumer     *pulse.Consumer      // nil when no job queue is configured
	listener     *pulse.NotifyConsumer // nil when no job channel is configured
	outbox       *search.OutboxWorker // nil when Qdrant is not configured
	qdrantIndex  *search.QdrantIndex
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New loads configuration, connects the store and wires every service.
// It starts no goroutines.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	var cfg config.Config
	if o.config != nil {
		cfg = *o.config
	} else {
		// A missing .env is normal outside development.
		_ = godotenv.Load()
		var err error
		if cfg, err = config.Load(); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}

	a := &App{cfg: cfg, logger: logger, version: version}
	if err := a.init(o); err != nil {
		_ = a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(o resolvedOptions) error {
	ctx := context.Background()
	cfg := a.cfg
	logger := a.logger

	var err error
	a.otelShutdown, err = telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     a.version,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	if o.store != nil {
		a.store = o.store
	} else {
		a.db, err = storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		a.db.SetQueryTimeout(cfg.StoreQueryTimeout)
		a.db.RegisterPoolMetrics()
		if cfg.SkipMigrations {
			logger.Info("embedded migrations skipped by config")
		} else if err := a.db.RunMigrations(ctx, migrations.FS); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		a.store = a.db
	}

	transport, err := a.transport(o)
	if err != nil {
		return err
	}
	if a.publisher, err = pulse.NewPublisher(transport, logger); err != nil {
		_ = transport.Close()
		return fmt.Errorf("publisher: %w", err)
	}

	parser, err := logparse.NewParser(logger, logparse.Options{MaxStepErrors: cfg.MaxStepErrors})
	if err != nil {
		return fmt.Errorf("parser: %w", err)
	}
	fetcher := logparse.NewFetcher(cfg.FetchTimeout)

	var index matcher.Index
	if cfg.QdrantURL != "" {
		if a.db == nil {
			return errors.New("qdrant: the search index requires the Postgres store")
		}
		a.qdrantIndex, err = search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       matcher.VectorDims,
		}, logger)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		if err := a.qdrantIndex.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("qdrant ensure collection: %w", err)
		}
		index = a.qdrantIndex
		a.outbox = search.NewOutboxWorker(a.db.Pool(), a.qdrantIndex, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL)")
	}

	a.matcher, err = matcher.New(a.store, index, logger, matcher.Config{
		Matchers: cfg.Matchers,
		Limit:    cfg.MatcherCandidates,
		Window:   cfg.MatcherWindow,
		Budget:   cfg.MatcherBudget,
	})
	if err != nil {
		return fmt.Errorf("matcher: %w", err)
	}
	a.classifier, err = autoclassify.New(a.store, a.matcher, a.publisher, cfg.AutoclassifyThreshold, logger)
	if err != nil {
		return fmt.Errorf("autoclassify: %w", err)
	}
	a.alerts, err = alertsummary.New(a.store, alertsummary.Config{
		Variant:    cfg.PerfVariant,
		MaxAge:     cfg.PerfMaxAge,
		SweepBatch: cfg.PerfSweepBatch,
	}, logger)
	if err != nil {
		return fmt.Errorf("alertsummary: %w", err)
	}
	a.seta, err = seta.New(a.store, seta.Config{ResetDelta: cfg.SetaResetDelta, LongTTL: cfg.SetaLongTTL}, logger)
	if err != nil {
		return fmt.Errorf("seta: %w", err)
	}

	a.pipeline, err = ingest.New(a.store, parser, fetcher, a.publisher, logger, ingest.Config{
		LogWorkers:         cfg.LogWorkers,
		FetchAttempts:      cfg.FetchAttempts,
		FailureLinesCutoff: cfg.FailureLinesCutoff,
	}, ingest.WithClassifier(a.classifier), ingest.WithPerfAnalyzer(a.alerts))
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}

	if cfg.PulseQueue != "" {
		a.consumer, err = pulse.NewConsumer(pulse.ConsumerConfig{
			URL:      cfg.PulseURL,
			Exchange: cfg.PulseJobExchange,
			Queue:    cfg.PulseQueue,
			Binding:  cfg.PulseBinding,
			Prefetch: cfg.PulsePrefetch,
		}, a.pipeline.HandleMessage, isDeferred, logger)
		if err != nil {
			return fmt.Errorf("consumer: %w", err)
		}
	} else {
		logger.Info("pulse: job consumer disabled (no TH_PULSE_QUEUE)")
	}

	if cfg.NotifyJobChannel != "" {
		if a.db == nil || !a.db.HasNotifyConn() {
			return errors.New("pulse: TH_NOTIFY_JOB_CHANNEL requires the Postgres store and NOTIFY_URL")
		}
		a.listener = pulse.NewNotifyConsumer(a.db, cfg.NotifyJobChannel, a.pipeline.HandleMessage, logger)
	}
	return nil
}

// transport picks the event transport: an option override first, then
// TH_EVENT_TRANSPORT.
func (a *App) transport(o resolvedOptions) (pulse.Transport, error) {
	if o.transport != nil {
		return o.transport, nil
	}
	switch a.cfg.EventTransport {
	case "amqp":
		t, err := pulse.DialAMQP(a.cfg.PulseURL, pulse.Exchange)
		if err != nil {
			return nil, fmt.Errorf("pulse: %w", err)
		}
		return t, nil
	case "notify":
		if a.db == nil {
			return nil, errors.New("pulse: the notify transport requires the Postgres store")
		}
		return pulse.NewNotifyTransport(a.db, a.cfg.NotifyChannel), nil
	default:
		return pulse.LogTransport{Logger: a.logger}, nil
	}
}

func isDeferred(err error) bool {
	return errors.Is(err, ingest.ErrIngestionDeferred)
}

// Run starts the job consumer, the search outbox and the periodic sweeps,
// then blocks until ctx is cancelled or the consumer fails. Shutdown runs
// on return; callers should not call it separately.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("treeherder starting", "version", a.version)

	if a.outbox != nil {
		a.outbox.Start(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.alerts.Run(gctx, a.cfg.PerfSweepInterval)
		return nil
	})
	g.Go(func() error {
		a.seta.Run(gctx, a.cfg.SetaSweepInterval)
		return nil
	})
	if a.consumer != nil {
		g.Go(func() error {
			if err := a.consumer.Run(gctx); err != nil {
				return fmt.Errorf("consumer: %w", err)
			}
			return nil
		})
	}
	if a.listener != nil {
		g.Go(func() error {
			return a.listener.Run(gctx)
		})
	}
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// Shutdown drains the search outbox and releases every connection.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("treeherder shutting down")
	if a.outbox != nil {
		a.outbox.Drain(ctx)
	}
	err := a.close()
	a.logger.Info("treeherder stopped")
	return err
}

func (a *App) close() error {
	var errs []error
	if a.qdrantIndex != nil {
		errs = append(errs, a.qdrantIndex.Close())
	}
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
	}
	if a.otelShutdown != nil {
		errs = append(errs, a.otelShutdown(context.Background()))
	}
	if a.db != nil {
		a.db.Close(context.Background())
	}
	return errors.Join(errs...)
}

// Ingest runs one job event through the pipeline.
func (a *App) Ingest(ctx context.Context, e model.IngestionEvent) (ingest.Result, error) {
	return a.pipeline.IngestJob(ctx, e)
}

// Classify matches and autoclassifies the failure lines of one job.
func (a *App) Classify(ctx context.Context, jobGUID string) (autoclassify.Outcome, error) {
	return a.classifier.Run(ctx, jobGUID)
}

// AnalyzePerf runs change detection over every series with the given
// signature hash. Empty repository matches all; zero since uses the
// configured maximum age.
func (a *App) AnalyzePerf(ctx context.Context, signatureHash, repository string, since time.Time) ([]alertsummary.Generated, error) {
	return a.alerts.AnalyzeHash(ctx, signatureHash, repository, since)
}

// MergeDuplicates folds every classified failure into the lowest-id one
// sharing its bug number and returns how many were merged away.
func (a *App) MergeDuplicates(ctx context.Context) (int, error) {
	n, err := a.store.MergeDuplicateClassifiedFailures(ctx)
	if err != nil {
		return 0, fmt.Errorf("merge duplicates: %w", err)
	}
	return n, nil
}

// SweepSeta runs one SETA sweep over every repository.
func (a *App) SweepSeta(ctx context.Context) ([]seta.SweepResult, error) {
	return a.seta.SweepAll(ctx)
}
