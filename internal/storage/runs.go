package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/ragcascade/internal/model"
)

const runColumns = `id, root_id, period, partial, node_count, rejections, errors, root_hash, started_at, finished_at`

func scanRun(r pgx.CollectableRow) (model.CascadeRun, error) {
	var run model.CascadeRun
	err := r.Scan(&run.ID, &run.RootID, &run.Period, &run.Partial, &run.NodeCount,
		&run.Rejections, &run.Errors, &run.RootHash, &run.StartedAt, &run.FinishedAt)
	return run, err
}

// GetRun retrieves a committed run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.CascadeRun, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+runColumns+` FROM cascade_runs WHERE id = $1`, id)
	if err != nil {
		return model.CascadeRun{}, fmt.Errorf("storage: get run: %w", err)
	}
	run, err := pgx.CollectExactlyOneRow(rows, scanRun)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.CascadeRun{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.CascadeRun{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the runs committed for (rootID, period), newest first.
func (db *DB) ListRuns(ctx context.Context, rootID, period string, limit int) ([]model.CascadeRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM cascade_runs
		 WHERE root_id = $1 AND period = $2
		 ORDER BY finished_at DESC
		 LIMIT $3`,
		rootID, period, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	runs, err := pgx.CollectRows(rows, scanRun)
	if err != nil {
		return nil, fmt.Errorf("storage: scan runs: %w", err)
	}
	return runs, nil
}

// RunSnapshotHashes returns the content hashes committed by run id, sorted.
// Rebuilding their Merkle root and comparing it with the run's root_hash
// detects tampering with any snapshot of the run.
func (db *DB) RunSnapshotHashes(ctx context.Context, id uuid.UUID) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT content_hash FROM node_values WHERE run_id = $1 ORDER BY content_hash COLLATE "C"`, id)
	if err != nil {
		return nil, fmt.Errorf("storage: query run hashes: %w", err)
	}
	hashes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("storage: scan run hashes: %w", err)
	}
	return hashes, nil
}
