// Package localstore implements the cascade's Reader and Writer on an
// embedded SQLite file. It needs no server, which suits the CLI and local
// evaluation; it does not emit score notifications.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashita-ai/ragcascade/internal/model"
)

// ErrNotFound is model.ErrNotFound.
var ErrNotFound = model.ErrNotFound

// Store manages engine state in SQLite.
type Store struct {
	Path   string
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the database at path.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("localstore: resolve path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("localstore: ensure dir: %w", err)
	}

	db, err := sql.Open("sqlite", absPath+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("localstore: open: %w", err)
	}
	// SQLite has a single writer. One connection turns every transaction into
	// a critical section, which is the serialization CommitRun relies on.
	db.SetMaxOpenConns(1)

	s := &Store{Path: absPath, db: db, logger: logger}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS nodes (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	parent_id TEXT REFERENCES nodes(id),
	position INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent_id, position);

CREATE TABLE IF NOT EXISTS band_definitions (
	indicator_id TEXT NOT NULL,
	label TEXT NOT NULL,
	weight REAL NOT NULL,
	sort_order INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (indicator_id, label)
);

CREATE TABLE IF NOT EXISTS indicator_links (
	indicator_id TEXT NOT NULL,
	customer_id TEXT NOT NULL,
	feature_id TEXT NOT NULL,
	period TEXT NOT NULL,
	PRIMARY KEY (indicator_id, period, customer_id, feature_id)
);

CREATE TABLE IF NOT EXISTS raw_scores (
	indicator_id TEXT NOT NULL,
	feature_id TEXT NOT NULL,
	customer_id TEXT NOT NULL,
	period TEXT NOT NULL,
	band_label TEXT NOT NULL,
	submitted_at TEXT NOT NULL,
	PRIMARY KEY (indicator_id, period, customer_id, feature_id)
);

CREATE TABLE IF NOT EXISTS formula_configs (
	node_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	name TEXT NOT NULL,
	weights_json TEXT NOT NULL DEFAULT '{}',
	active INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (node_id, version)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_formula_active ON formula_configs(node_id) WHERE active = 1;

CREATE TABLE IF NOT EXISTS cascade_runs (
	id TEXT PRIMARY KEY,
	root_id TEXT NOT NULL,
	period TEXT NOT NULL,
	partial INTEGER NOT NULL DEFAULT 0,
	node_count INTEGER NOT NULL,
	rejections INTEGER NOT NULL DEFAULT 0,
	errors INTEGER NOT NULL DEFAULT 0,
	root_hash TEXT NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_root_period ON cascade_runs(root_id, period, finished_at);

CREATE TABLE IF NOT EXISTS node_values (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	run_id TEXT NOT NULL REFERENCES cascade_runs(id),
	node_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	period TEXT NOT NULL,
	value REAL,
	status TEXT NOT NULL,
	formula TEXT NOT NULL DEFAULT '',
	formula_version INTEGER NOT NULL DEFAULT 0,
	threshold_version TEXT NOT NULL,
	inputs_json TEXT NOT NULL DEFAULT '[]',
	explanation_json TEXT NOT NULL DEFAULT '{}',
	error TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL,
	supersedes_id TEXT,
	computed_at TEXT NOT NULL,
	valid_from TEXT NOT NULL,
	valid_to TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_values_current ON node_values(node_id, period) WHERE valid_to IS NULL;
CREATE INDEX IF NOT EXISTS idx_values_history ON node_values(node_id, period, seq);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("localstore: create schema: %w", err)
	}
	return nil
}

// timeLayout has a fixed width so stored times sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("localstore: parse time %q: %w", s, err)
	}
	return t, nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("localstore: "+format+": %w", append(args, ErrNotFound)...)
	}
	return fmt.Errorf("localstore: "+format+": %w", append(args, err)...)
}
