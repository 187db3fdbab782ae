package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/ragcascade/internal/model"
)

const nodeValueColumns = `id, run_id, node_id, kind, period, value, status, formula, formula_version,
	threshold_version, inputs, explanation, error, content_hash, supersedes_id,
	computed_at, valid_from, valid_to`

// CommitRun persists a run and its snapshots in one transaction. Advisory
// locks on every (node, period) key are taken in sorted order first, so two
// runs over overlapping trees serialize instead of interleaving; the later
// committer's snapshots end up current. Each previous current snapshot gets
// valid_to set and is referenced by its successor's supersedes_id.
//
// ValidFrom of every value is restamped in place with the instant the locks
// were acquired, which keeps validity intervals ordered by commit.
func (db *DB) CommitRun(ctx context.Context, run model.CascadeRun, values []model.NodeValue) error {
	return WithRetry(ctx, commitRetries, commitBaseDelay, func() error {
		return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
			return commitRun(ctx, tx, run, values)
		})
	})
}

func commitRun(ctx context.Context, tx pgx.Tx, run model.CascadeRun, values []model.NodeValue) error {
	keys := make([]string, 0, len(values))
	nodeIDs := make([]string, 0, len(values))
	for _, nv := range values {
		if nv.Period != run.Period {
			return fmt.Errorf("storage: snapshot %s has period %q, run has %q", nv.NodeID, nv.Period, run.Period)
		}
		keys = append(keys, lockKey(nv.NodeID, nv.Period))
		nodeIDs = append(nodeIDs, nv.NodeID)
	}
	slices.Sort(keys)

	if _, err := tx.Exec(ctx,
		`SELECT count(pg_advisory_xact_lock(hashtextextended(k, 0)))
		 FROM (SELECT k FROM unnest($1::text[]) AS k ORDER BY k) AS ordered`,
		keys,
	); err != nil {
		return fmt.Errorf("storage: lock snapshots: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO cascade_runs (id, root_id, period, partial, node_count, rejections, errors, root_hash, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID, run.RootID, run.Period, run.Partial, run.NodeCount, run.Rejections, run.Errors,
		run.RootHash, run.StartedAt, run.FinishedAt,
	); err != nil {
		return fmt.Errorf("storage: insert run: %w", err)
	}

	if len(values) == 0 {
		return nil
	}

	var validFrom time.Time
	if err := tx.QueryRow(ctx, `SELECT clock_timestamp()`).Scan(&validFrom); err != nil {
		return fmt.Errorf("storage: read commit time: %w", err)
	}
	validFrom = validFrom.UTC()
	for i := range values {
		values[i].ValidFrom = validFrom
	}
	rows, err := tx.Query(ctx,
		`UPDATE node_values SET valid_to = $1
		 WHERE period = $2 AND node_id = ANY($3) AND valid_to IS NULL
		 RETURNING node_id, id`,
		validFrom, run.Period, nodeIDs,
	)
	if err != nil {
		return fmt.Errorf("storage: close current snapshots: %w", err)
	}
	superseded := make(map[string]uuid.UUID)
	for rows.Next() {
		var (
			nodeID string
			id     uuid.UUID
		)
		if err := rows.Scan(&nodeID, &id); err != nil {
			rows.Close()
			return fmt.Errorf("storage: scan superseded: %w", err)
		}
		superseded[nodeID] = id
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("storage: close current snapshots: %w", err)
	}

	copyRows := make([][]any, len(values))
	for i, nv := range values {
		var supersedes any
		if id, ok := superseded[nv.NodeID]; ok {
			supersedes = id
		}
		copyRows[i] = []any{
			nv.ID, nv.RunID, nv.NodeID, string(nv.Kind), nv.Period, nv.Value, string(nv.Status),
			string(nv.Formula), nv.FormulaVersion, nv.ThresholdVersion, nonNilInputs(nv.Inputs), nv.Explanation,
			nv.Error, nv.ContentHash, supersedes, nv.ComputedAt, nv.ValidFrom, nv.ValidTo,
		}
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"node_values"},
		[]string{
			"id", "run_id", "node_id", "kind", "period", "value", "status", "formula", "formula_version",
			"threshold_version", "inputs", "explanation", "error", "content_hash", "supersedes_id",
			"computed_at", "valid_from", "valid_to",
		},
		pgx.CopyFromRows(copyRows),
	); err != nil {
		return fmt.Errorf("storage: copy snapshots: %w", err)
	}
	return nil
}

func lockKey(nodeID, period string) string {
	return nodeID + "\x00" + period
}

func nonNilInputs(in []model.ChildValue) []model.ChildValue {
	if in == nil {
		return []model.ChildValue{}
	}
	return in
}

// CurrentValues returns the current snapshot of each listed node that has one.
func (db *DB) CurrentValues(ctx context.Context, nodeIDs []string, period string) (map[string]model.NodeValue, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+nodeValueColumns+` FROM node_values
		 WHERE period = $1 AND node_id = ANY($2) AND valid_to IS NULL`,
		period, nodeIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query current values: %w", err)
	}
	values, err := pgx.CollectRows(rows, scanNodeValue)
	if err != nil {
		return nil, fmt.Errorf("storage: scan current values: %w", err)
	}
	out := make(map[string]model.NodeValue, len(values))
	for _, nv := range values {
		out[nv.NodeID] = nv
	}
	return out, nil
}

// GetSnapshot returns the current snapshot of (nodeID, period).
func (db *DB) GetSnapshot(ctx context.Context, nodeID, period string) (model.NodeValue, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+nodeValueColumns+` FROM node_values
		 WHERE node_id = $1 AND period = $2 AND valid_to IS NULL`,
		nodeID, period,
	)
	if err != nil {
		return model.NodeValue{}, fmt.Errorf("storage: get snapshot: %w", err)
	}
	nv, err := pgx.CollectExactlyOneRow(rows, scanNodeValue)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.NodeValue{}, fmt.Errorf("storage: snapshot %s/%s: %w", nodeID, period, ErrNotFound)
		}
		return model.NodeValue{}, fmt.Errorf("storage: get snapshot: %w", err)
	}
	return nv, nil
}

// History returns every snapshot of (nodeID, period), newest first. limit <= 0
// means all.
func (db *DB) History(ctx context.Context, nodeID, period string, limit int) ([]model.NodeValue, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+nodeValueColumns+` FROM node_values
		 WHERE node_id = $1 AND period = $2
		 ORDER BY valid_from DESC, computed_at DESC
		 LIMIT $3`,
		nodeID, period, lim,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query history: %w", err)
	}
	values, err := pgx.CollectRows(rows, scanNodeValue)
	if err != nil {
		return nil, fmt.Errorf("storage: scan history: %w", err)
	}
	return values, nil
}

func scanNodeValue(r pgx.CollectableRow) (model.NodeValue, error) {
	var nv model.NodeValue
	err := r.Scan(
		&nv.ID, &nv.RunID, &nv.NodeID, &nv.Kind, &nv.Period, &nv.Value, &nv.Status, &nv.Formula,
		&nv.FormulaVersion, &nv.ThresholdVersion, &nv.Inputs, &nv.Explanation, &nv.Error,
		&nv.ContentHash, &nv.SupersedesID, &nv.ComputedAt, &nv.ValidFrom, &nv.ValidTo,
	)
	if len(nv.Inputs) == 0 {
		nv.Inputs = nil
	}
	nv.ComputedAt = nv.ComputedAt.UTC()
	nv.ValidFrom = nv.ValidFrom.UTC()
	return nv, err
}
