package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/ragcascade/internal/model"
)

// ActiveFormulas returns the active formula configuration of each listed node
// that has one.
func (db *DB) ActiveFormulas(ctx context.Context, nodeIDs []string) (map[string]model.FormulaConfig, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT node_id, version, name, weights FROM formula_configs
		 WHERE node_id = ANY($1) AND active`,
		nodeIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query formulas: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.FormulaConfig)
	for rows.Next() {
		var cfg model.FormulaConfig
		if err := rows.Scan(&cfg.NodeID, &cfg.Version, &cfg.Name, &cfg.Weights); err != nil {
			return nil, fmt.Errorf("storage: scan formula: %w", err)
		}
		out[cfg.NodeID] = cfg
	}
	return out, rows.Err()
}

// SetFormula stores a new version of nodeID's formula configuration and makes
// it the active one. The name is stored verbatim; unsupported names surface as
// configuration errors when the node is evaluated.
func (db *DB) SetFormula(ctx context.Context, nodeID, name string, weights map[string]float64) (model.FormulaConfig, error) {
	if weights == nil {
		weights = map[string]float64{}
	}
	cfg := model.FormulaConfig{NodeID: nodeID, Name: name, Weights: weights}
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		// Serialize concurrent writers for the same node on its row.
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT true FROM nodes WHERE id = $1 FOR UPDATE`, nodeID,
		).Scan(&exists); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("node %s: %w", nodeID, ErrNotFound)
			}
			return err
		}
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(version), 0) + 1 FROM formula_configs WHERE node_id = $1`, nodeID,
		).Scan(&cfg.Version); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE formula_configs SET active = false WHERE node_id = $1 AND active`, nodeID,
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO formula_configs (node_id, version, name, weights, active)
			 VALUES ($1, $2, $3, $4, true)`,
			nodeID, cfg.Version, name, weights,
		)
		return err
	})
	if err != nil {
		return model.FormulaConfig{}, fmt.Errorf("storage: set formula: %w", err)
	}
	return cfg, nil
}

// IndicatorData reads an indicator's bands, links, and scores for period from
// one consistent snapshot.
func (db *DB) IndicatorData(ctx context.Context, indicatorID, period string) (model.IndicatorData, error) {
	var data model.IndicatorData
	err := pgx.BeginTxFunc(ctx, db.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT indicator_id, label, weight, sort_order FROM band_definitions
			 WHERE indicator_id = $1 ORDER BY sort_order, label`, indicatorID)
		if err != nil {
			return err
		}
		data.Bands, err = pgx.CollectRows(rows, func(r pgx.CollectableRow) (model.BandDefinition, error) {
			var b model.BandDefinition
			err := r.Scan(&b.IndicatorID, &b.Label, &b.Weight, &b.SortOrder)
			return b, err
		})
		if err != nil {
			return err
		}

		rows, err = tx.Query(ctx,
			`SELECT indicator_id, customer_id, feature_id, period FROM indicator_links
			 WHERE indicator_id = $1 AND period = $2`, indicatorID, period)
		if err != nil {
			return err
		}
		data.Links, err = pgx.CollectRows(rows, func(r pgx.CollectableRow) (model.IndicatorLink, error) {
			var l model.IndicatorLink
			err := r.Scan(&l.IndicatorID, &l.CustomerID, &l.FeatureID, &l.Period)
			return l, err
		})
		if err != nil {
			return err
		}

		rows, err = tx.Query(ctx,
			`SELECT indicator_id, feature_id, customer_id, period, band_label, submitted_at FROM raw_scores
			 WHERE indicator_id = $1 AND period = $2`, indicatorID, period)
		if err != nil {
			return err
		}
		data.Scores, err = pgx.CollectRows(rows, scanScore)
		return err
	})
	if err != nil {
		return model.IndicatorData{}, fmt.Errorf("storage: indicator %s inputs: %w", indicatorID, err)
	}
	return data, nil
}

func scanScore(r pgx.CollectableRow) (model.RawScore, error) {
	var s model.RawScore
	err := r.Scan(&s.IndicatorID, &s.FeatureID, &s.CustomerID, &s.Period, &s.BandLabel, &s.SubmittedAt)
	return s, err
}

// ReplaceBands swaps the band registry of an indicator.
func (db *DB) ReplaceBands(ctx context.Context, indicatorID string, bands []model.BandDefinition) error {
	rows := make([][]any, len(bands))
	for i, b := range bands {
		rows[i] = []any{indicatorID, b.Label, b.Weight, b.SortOrder}
	}
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM band_definitions WHERE indicator_id = $1`, indicatorID); err != nil {
			return err
		}
		_, err := tx.CopyFrom(ctx, pgx.Identifier{"band_definitions"},
			[]string{"indicator_id", "label", "weight", "sort_order"}, pgx.CopyFromRows(rows))
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: replace bands of %s: %w", indicatorID, err)
	}
	return nil
}

// ReplaceLinks swaps the (customer, feature) pairs an indicator is evaluated
// against for period.
func (db *DB) ReplaceLinks(ctx context.Context, indicatorID, period string, links []model.IndicatorLink) error {
	rows := make([][]any, len(links))
	for i, l := range links {
		rows[i] = []any{indicatorID, l.CustomerID, l.FeatureID, period}
	}
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM indicator_links WHERE indicator_id = $1 AND period = $2`, indicatorID, period,
		); err != nil {
			return err
		}
		_, err := tx.CopyFrom(ctx, pgx.Identifier{"indicator_links"},
			[]string{"indicator_id", "customer_id", "feature_id", "period"}, pgx.CopyFromRows(rows))
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: replace links of %s: %w", indicatorID, err)
	}
	return nil
}
