package treeherder

import (
	"log/slog"

	"github.com/mozilla/treeherder/internal/config"
	"github.com/mozilla/treeherder/internal/pulse"
	"github.com/mozilla/treeherder/internal/storage"
)

// Option configures an App.
type Option func(*resolvedOptions)

type resolvedOptions struct {
	databaseURL string
	notifyURL   string
	logger      *slog.Logger
	version     string
	config      *config.Config
	store       storage.Store
	transport   pulse.Transport
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY
// (NOTIFY_URL env var). Set this when queries go through a connection pooler.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithConfig uses cfg instead of reading the environment.
func WithConfig(cfg config.Config) Option {
	return func(o *resolvedOptions) { o.config = &cfg }
}

// WithStore replaces the Postgres store. No database connection is opened
// and migrations do not run; the Qdrant index and notify transport are
// unavailable.
func WithStore(st storage.Store) Option {
	return func(o *resolvedOptions) { o.store = st }
}

// WithTransport replaces the event transport selected by
// TH_EVENT_TRANSPORT.
func WithTransport(t pulse.Transport) Option {
	return func(o *resolvedOptions) { o.transport = t }
}
