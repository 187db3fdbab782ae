package localstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/ragcascade/internal/model"
)

const runColumns = `id, root_id, period, partial, node_count, rejections, errors, root_hash, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(r rowScanner) (model.CascadeRun, error) {
	var (
		run               model.CascadeRun
		id                string
		started, finished string
	)
	if err := r.Scan(&id, &run.RootID, &run.Period, &run.Partial, &run.NodeCount,
		&run.Rejections, &run.Errors, &run.RootHash, &started, &finished); err != nil {
		return model.CascadeRun{}, err
	}
	var err error
	if run.ID, err = uuid.Parse(id); err != nil {
		return model.CascadeRun{}, fmt.Errorf("parse run id: %w", err)
	}
	if run.StartedAt, err = parseTime(started); err != nil {
		return model.CascadeRun{}, err
	}
	if run.FinishedAt, err = parseTime(finished); err != nil {
		return model.CascadeRun{}, err
	}
	return run, nil
}

// GetRun retrieves a committed run by ID.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (model.CascadeRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM cascade_runs WHERE id = ?`, id.String()))
	if err != nil {
		return model.CascadeRun{}, notFound(err, "run %s", id)
	}
	return run, nil
}

// ListRuns returns the runs committed for (rootID, period), newest first.
func (s *Store) ListRuns(ctx context.Context, rootID, period string, limit int) ([]model.CascadeRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM cascade_runs
		 WHERE root_id = ? AND period = ?
		 ORDER BY finished_at DESC, rowid DESC
		 LIMIT ?`, rootID, period, limit)
	if err != nil {
		return nil, fmt.Errorf("localstore: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.CascadeRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("localstore: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RunSnapshotHashes returns the content hashes committed by run id in byte
// order, ready for integrity.BuildMerkleRoot.
func (s *Store) RunSnapshotHashes(ctx context.Context, id uuid.UUID) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT content_hash FROM node_values WHERE run_id = ? ORDER BY content_hash`, id.String())
	if err != nil {
		return nil, fmt.Errorf("localstore: query run hashes: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("localstore: scan run hash: %w", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}
