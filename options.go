package ragcascade

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

type resolvedOptions struct {
	store           string
	databaseURL     string
	notifyURL       string
	sqlitePath      string
	workers         int
	logger          *slog.Logger
	version         string
	eventHooks      []EventHook
	extraMigrations []fs.FS
}

// WithStore selects the backend, "postgres" or "sqlite" (RAGCASCADE_STORE env var).
func WithStore(store string) Option {
	return func(o *resolvedOptions) { o.store = store }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// LISTEN/NOTIFY needs a connection that bypasses any pooler.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithSQLitePath overrides the SQLite file (RAGCASCADE_SQLITE_PATH env var).
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithWorkers overrides how many nodes a run evaluates at once (RAGCASCADE_WORKERS env var).
func WithWorkers(n int) Option {
	return func(o *resolvedOptions) { o.workers = n }
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

// WithEventHook registers a hook notified after every committed run.
// Multiple hooks may be registered; all receive every event.
func WithEventHook(hook EventHook) Option {
	return func(o *resolvedOptions) { o.eventHooks = append(o.eventHooks, hook) }
}

// WithExtraMigrations adds a SQL migration filesystem applied after the
// built-in migrations. Postgres only.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
