package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/ragcascade/internal/model"
)

const nodeValueColumns = `id, run_id, node_id, kind, period, value, status, formula, formula_version,
	threshold_version, inputs_json, explanation_json, error, content_hash, supersedes_id,
	computed_at, valid_from, valid_to`

// CommitRun persists a run and its snapshots in one transaction. The single
// connection serializes commits, so each value's ValidFrom is restamped with
// the time the transaction started writing.
func (s *Store) CommitRun(ctx context.Context, run model.CascadeRun, values []model.NodeValue) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("localstore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cascade_runs (id, root_id, period, partial, node_count, rejections, errors, root_hash, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID.String(), run.RootID, run.Period, run.Partial, run.NodeCount, run.Rejections, run.Errors,
		run.RootHash, formatTime(run.StartedAt), formatTime(run.FinishedAt)); err != nil {
		return fmt.Errorf("localstore: insert run: %w", err)
	}

	validFrom := time.Now().UTC()
	for i := range values {
		nv := &values[i]
		if nv.Period != run.Period {
			return fmt.Errorf("localstore: snapshot %s has period %q, run has %q", nv.NodeID, nv.Period, run.Period)
		}
		nv.ValidFrom = validFrom

		var supersedes sql.NullString
		err := tx.QueryRowContext(ctx, `
			UPDATE node_values SET valid_to = ?
			WHERE node_id = ? AND period = ? AND valid_to IS NULL
			RETURNING id
		`, formatTime(validFrom), nv.NodeID, nv.Period).Scan(&supersedes)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("localstore: close current snapshot of %s: %w", nv.NodeID, err)
		}

		inputs, err := json.Marshal(nonNilInputs(nv.Inputs))
		if err != nil {
			return fmt.Errorf("localstore: encode inputs of %s: %w", nv.NodeID, err)
		}
		explanation, err := json.Marshal(nv.Explanation)
		if err != nil {
			return fmt.Errorf("localstore: encode explanation of %s: %w", nv.NodeID, err)
		}
		var value sql.NullFloat64
		if nv.Value != nil {
			value = sql.NullFloat64{Float64: *nv.Value, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO node_values (`+nodeValueColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		`, nv.ID.String(), nv.RunID.String(), nv.NodeID, string(nv.Kind), nv.Period, value, string(nv.Status),
			string(nv.Formula), nv.FormulaVersion, nv.ThresholdVersion, string(inputs), string(explanation),
			nv.Error, nv.ContentHash, supersedes, formatTime(nv.ComputedAt), formatTime(nv.ValidFrom),
		); err != nil {
			return fmt.Errorf("localstore: insert snapshot of %s: %w", nv.NodeID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("localstore: commit run: %w", err)
	}
	s.logger.Debug("localstore: run committed", "run_id", run.ID, "snapshots", len(values))
	return nil
}

func nonNilInputs(in []model.ChildValue) []model.ChildValue {
	if in == nil {
		return []model.ChildValue{}
	}
	return in
}

// CurrentValues returns the current snapshot of each listed node that has one.
func (s *Store) CurrentValues(ctx context.Context, nodeIDs []string, period string) (map[string]model.NodeValue, error) {
	out := make(map[string]model.NodeValue)
	if len(nodeIDs) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(nodeIDs)+1)
	args = append(args, period)
	for _, id := range nodeIDs {
		args = append(args, id)
	}
	values, err := s.queryValues(ctx,
		`SELECT `+nodeValueColumns+` FROM node_values
		 WHERE period = ? AND valid_to IS NULL AND node_id IN (`+placeholders(len(nodeIDs))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("localstore: current values: %w", err)
	}
	for _, nv := range values {
		out[nv.NodeID] = nv
	}
	return out, nil
}

// GetSnapshot returns the current snapshot of (nodeID, period).
func (s *Store) GetSnapshot(ctx context.Context, nodeID, period string) (model.NodeValue, error) {
	values, err := s.queryValues(ctx,
		`SELECT `+nodeValueColumns+` FROM node_values
		 WHERE node_id = ? AND period = ? AND valid_to IS NULL`, nodeID, period)
	if err != nil {
		return model.NodeValue{}, fmt.Errorf("localstore: get snapshot: %w", err)
	}
	if len(values) == 0 {
		return model.NodeValue{}, fmt.Errorf("localstore: snapshot %s/%s: %w", nodeID, period, ErrNotFound)
	}
	return values[0], nil
}

// History returns every snapshot of (nodeID, period), newest first. limit <= 0
// means all.
func (s *Store) History(ctx context.Context, nodeID, period string, limit int) ([]model.NodeValue, error) {
	if limit <= 0 {
		limit = -1
	}
	values, err := s.queryValues(ctx,
		`SELECT `+nodeValueColumns+` FROM node_values
		 WHERE node_id = ? AND period = ?
		 ORDER BY seq DESC
		 LIMIT ?`, nodeID, period, limit)
	if err != nil {
		return nil, fmt.Errorf("localstore: history: %w", err)
	}
	return values, nil
}

func (s *Store) queryValues(ctx context.Context, query string, args ...any) ([]model.NodeValue, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.NodeValue
	for rows.Next() {
		nv, err := scanNodeValue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, nv)
	}
	return out, rows.Err()
}

func scanNodeValue(rows *sql.Rows) (model.NodeValue, error) {
	var (
		nv                    model.NodeValue
		id, runID             string
		value                 sql.NullFloat64
		inputs, explanation   string
		supersedes, validTo   sql.NullString
		computedAt, validFrom string
		kind, status, formula string
	)
	if err := rows.Scan(&id, &runID, &nv.NodeID, &kind, &nv.Period, &value, &status, &formula,
		&nv.FormulaVersion, &nv.ThresholdVersion, &inputs, &explanation, &nv.Error,
		&nv.ContentHash, &supersedes, &computedAt, &validFrom, &validTo); err != nil {
		return model.NodeValue{}, fmt.Errorf("scan snapshot: %w", err)
	}
	nv.Kind = model.NodeKind(kind)
	nv.Status = model.Status(status)
	nv.Formula = model.Formula(formula)

	var err error
	if nv.ID, err = uuid.Parse(id); err != nil {
		return model.NodeValue{}, fmt.Errorf("parse snapshot id: %w", err)
	}
	if nv.RunID, err = uuid.Parse(runID); err != nil {
		return model.NodeValue{}, fmt.Errorf("parse run id: %w", err)
	}
	if value.Valid {
		v := value.Float64
		nv.Value = &v
	}
	if err := json.Unmarshal([]byte(inputs), &nv.Inputs); err != nil {
		return model.NodeValue{}, fmt.Errorf("decode inputs: %w", err)
	}
	if len(nv.Inputs) == 0 {
		nv.Inputs = nil
	}
	if err := json.Unmarshal([]byte(explanation), &nv.Explanation); err != nil {
		return model.NodeValue{}, fmt.Errorf("decode explanation: %w", err)
	}
	if supersedes.Valid {
		sid, err := uuid.Parse(supersedes.String)
		if err != nil {
			return model.NodeValue{}, fmt.Errorf("parse supersedes id: %w", err)
		}
		nv.SupersedesID = &sid
	}
	if nv.ComputedAt, err = parseTime(computedAt); err != nil {
		return model.NodeValue{}, err
	}
	if nv.ValidFrom, err = parseTime(validFrom); err != nil {
		return model.NodeValue{}, err
	}
	if validTo.Valid {
		t, err := parseTime(validTo.String)
		if err != nil {
			return model.NodeValue{}, err
		}
		nv.ValidTo = &t
	}
	return nv, nil
}
