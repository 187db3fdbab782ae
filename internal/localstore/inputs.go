package localstore

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ashita-ai/ragcascade/internal/model"
)

// maxDepth bounds recursive walks over parent links.
const maxDepth = 64

// SaveNodes inserts or updates nodes. Each saved node's Children list replaces
// its previous one: children it no longer lists are detached. A link that
// would close a loop fails with model.ErrInvalidHierarchy.
func (s *Store) SaveNodes(ctx context.Context, nodes []model.Node) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("localstore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, n := range nodes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO nodes (id, kind, name) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET kind = excluded.kind, name = excluded.name
		`, n.ID, string(n.Kind), n.Name); err != nil {
			return fmt.Errorf("localstore: save node %s: %w", n.ID, err)
		}
	}
	for _, n := range nodes {
		q := `UPDATE nodes SET parent_id = NULL, position = 0 WHERE parent_id = ?`
		args := []any{n.ID}
		if len(n.Children) > 0 {
			q += ` AND id NOT IN (` + placeholders(len(n.Children)) + `)`
			for _, c := range n.Children {
				args = append(args, c)
			}
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("localstore: detach children of %s: %w", n.ID, err)
		}
	}
	for _, n := range nodes {
		for pos, child := range n.Children {
			res, err := tx.ExecContext(ctx,
				`UPDATE nodes SET parent_id = ?, position = ? WHERE id = ?`, n.ID, pos, child)
			if err != nil {
				return fmt.Errorf("localstore: link %s -> %s: %w", n.ID, child, err)
			}
			if affected, _ := res.RowsAffected(); affected == 0 {
				return fmt.Errorf("localstore: link %s -> %s: child %w", n.ID, child, ErrNotFound)
			}
		}
	}
	for _, n := range nodes {
		if len(n.Children) == 0 {
			continue
		}
		if err := checkAcyclic(ctx, tx, n.ID); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("localstore: commit nodes: %w", err)
	}
	return nil
}

// checkAcyclic walks parent links upward from nodeID and fails if the walk
// comes back to nodeID or runs past maxDepth.
func checkAcyclic(ctx context.Context, tx *sql.Tx, nodeID string) error {
	var bad bool
	err := tx.QueryRowContext(ctx, `
		WITH RECURSIVE up(id, parent_id, depth) AS (
			SELECT id, parent_id, 0 FROM nodes WHERE id = ?1
			UNION ALL
			SELECT n.id, n.parent_id, up.depth + 1
			FROM nodes n JOIN up ON n.id = up.parent_id
			WHERE up.depth < ?2 AND (up.depth = 0 OR up.id <> ?1)
		)
		SELECT COALESCE(MAX((depth > 0 AND id = ?1) OR depth >= ?2), 0) FROM up
	`, nodeID, maxDepth).Scan(&bad)
	if err != nil {
		return fmt.Errorf("localstore: check ancestry of %s: %w", nodeID, err)
	}
	if bad {
		return fmt.Errorf("localstore: node %s: %w: cycle through parent links", nodeID, model.ErrInvalidHierarchy)
	}
	return nil
}

// Hierarchy returns rootID and every node below it.
func (s *Store) Hierarchy(ctx context.Context, rootID string) ([]model.Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE sub(id, kind, name, parent_id, position, depth) AS (
			SELECT id, kind, name, parent_id, position, 0 FROM nodes WHERE id = ?
			UNION ALL
			SELECT n.id, n.kind, n.name, n.parent_id, n.position, sub.depth + 1
			FROM nodes n JOIN sub ON n.parent_id = sub.id
			WHERE sub.depth < ?
		)
		SELECT id, kind, name, COALESCE(parent_id, ''), position FROM sub
	`, rootID, maxDepth)
	if err != nil {
		return nil, fmt.Errorf("localstore: query hierarchy: %w", err)
	}
	defer rows.Close()

	type child struct {
		id  string
		pos int
	}
	var nodes []model.Node
	kids := make(map[string][]child)
	seen := make(map[string]bool)
	for rows.Next() {
		var (
			n   model.Node
			pos int
		)
		if err := rows.Scan(&n.ID, &n.Kind, &n.Name, &n.ParentID, &pos); err != nil {
			return nil, fmt.Errorf("localstore: scan node: %w", err)
		}
		if seen[n.ID] {
			return nil, fmt.Errorf("localstore: root %s: %w: node %s reached twice", rootID, model.ErrInvalidHierarchy, n.ID)
		}
		seen[n.ID] = true
		nodes = append(nodes, n)
		if n.ID != rootID && n.ParentID != "" {
			kids[n.ParentID] = append(kids[n.ParentID], child{n.ID, pos})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("localstore: query hierarchy: %w", err)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("localstore: root %s: %w", rootID, ErrNotFound)
	}

	for i := range nodes {
		cs := kids[nodes[i].ID]
		slices.SortFunc(cs, func(a, b child) int {
			return cmp.Or(cmp.Compare(a.pos, b.pos), strings.Compare(a.id, b.id))
		})
		for _, c := range cs {
			nodes[i].Children = append(nodes[i].Children, c.id)
		}
	}
	return nodes, nil
}

// RootOf walks parent links upward from nodeID.
func (s *Store) RootOf(ctx context.Context, nodeID string) (string, error) {
	var root string
	err := s.db.QueryRowContext(ctx, `
		WITH RECURSIVE up(id, parent_id, depth) AS (
			SELECT id, parent_id, 0 FROM nodes WHERE id = ?
			UNION ALL
			SELECT n.id, n.parent_id, up.depth + 1
			FROM nodes n JOIN up ON n.id = up.parent_id
			WHERE up.depth < ?
		)
		SELECT id FROM up WHERE parent_id IS NULL
	`, nodeID, maxDepth).Scan(&root)
	if err != nil {
		return "", notFound(err, "root of %s", nodeID)
	}
	return root, nil
}

// ActiveFormulas returns the active formula configuration of each listed node
// that has one.
func (s *Store) ActiveFormulas(ctx context.Context, nodeIDs []string) (map[string]model.FormulaConfig, error) {
	out := make(map[string]model.FormulaConfig)
	if len(nodeIDs) == 0 {
		return out, nil
	}
	args := make([]any, len(nodeIDs))
	for i, id := range nodeIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, version, name, weights_json FROM formula_configs
		 WHERE active = 1 AND node_id IN (`+placeholders(len(nodeIDs))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("localstore: query formulas: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cfg     model.FormulaConfig
			weights string
		)
		if err := rows.Scan(&cfg.NodeID, &cfg.Version, &cfg.Name, &weights); err != nil {
			return nil, fmt.Errorf("localstore: scan formula: %w", err)
		}
		if err := json.Unmarshal([]byte(weights), &cfg.Weights); err != nil {
			return nil, fmt.Errorf("localstore: decode weights of %s: %w", cfg.NodeID, err)
		}
		out[cfg.NodeID] = cfg
	}
	return out, rows.Err()
}

// SetFormula stores and activates a new version of nodeID's formula.
func (s *Store) SetFormula(ctx context.Context, nodeID, name string, weights map[string]float64) (model.FormulaConfig, error) {
	if weights == nil {
		weights = map[string]float64{}
	}
	weightsJSON, err := json.Marshal(weights)
	if err != nil {
		return model.FormulaConfig{}, fmt.Errorf("localstore: encode weights: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.FormulaConfig{}, fmt.Errorf("localstore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE id = ?`, nodeID).Scan(&exists); err != nil {
		return model.FormulaConfig{}, notFound(err, "node %s", nodeID)
	}
	cfg := model.FormulaConfig{NodeID: nodeID, Name: name, Weights: weights}
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM formula_configs WHERE node_id = ?`, nodeID,
	).Scan(&cfg.Version); err != nil {
		return model.FormulaConfig{}, fmt.Errorf("localstore: next formula version: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE formula_configs SET active = 0 WHERE node_id = ? AND active = 1`, nodeID); err != nil {
		return model.FormulaConfig{}, fmt.Errorf("localstore: deactivate formula: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO formula_configs (node_id, version, name, weights_json, active) VALUES (?, ?, ?, ?, 1)`,
		nodeID, cfg.Version, name, string(weightsJSON)); err != nil {
		return model.FormulaConfig{}, fmt.Errorf("localstore: insert formula: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.FormulaConfig{}, fmt.Errorf("localstore: commit formula: %w", err)
	}
	return cfg, nil
}

// IndicatorData reads an indicator's bands, links, and scores for period in
// one read transaction.
func (s *Store) IndicatorData(ctx context.Context, indicatorID, period string) (model.IndicatorData, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return model.IndicatorData{}, fmt.Errorf("localstore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var data model.IndicatorData
	if err := collect(ctx, tx, func(r *sql.Rows) error {
		var b model.BandDefinition
		if err := r.Scan(&b.IndicatorID, &b.Label, &b.Weight, &b.SortOrder); err != nil {
			return err
		}
		data.Bands = append(data.Bands, b)
		return nil
	}, `SELECT indicator_id, label, weight, sort_order FROM band_definitions
	    WHERE indicator_id = ? ORDER BY sort_order, label`, indicatorID); err != nil {
		return model.IndicatorData{}, fmt.Errorf("localstore: bands of %s: %w", indicatorID, err)
	}

	if err := collect(ctx, tx, func(r *sql.Rows) error {
		var l model.IndicatorLink
		if err := r.Scan(&l.IndicatorID, &l.CustomerID, &l.FeatureID, &l.Period); err != nil {
			return err
		}
		data.Links = append(data.Links, l)
		return nil
	}, `SELECT indicator_id, customer_id, feature_id, period FROM indicator_links
	    WHERE indicator_id = ? AND period = ?`, indicatorID, period); err != nil {
		return model.IndicatorData{}, fmt.Errorf("localstore: links of %s: %w", indicatorID, err)
	}

	if err := collect(ctx, tx, func(r *sql.Rows) error {
		var (
			sc          model.RawScore
			submittedAt string
		)
		if err := r.Scan(&sc.IndicatorID, &sc.FeatureID, &sc.CustomerID, &sc.Period, &sc.BandLabel, &submittedAt); err != nil {
			return err
		}
		t, err := parseTime(submittedAt)
		if err != nil {
			return err
		}
		sc.SubmittedAt = t
		data.Scores = append(data.Scores, sc)
		return nil
	}, `SELECT indicator_id, feature_id, customer_id, period, band_label, submitted_at FROM raw_scores
	    WHERE indicator_id = ? AND period = ?`, indicatorID, period); err != nil {
		return model.IndicatorData{}, fmt.Errorf("localstore: scores of %s: %w", indicatorID, err)
	}
	return data, nil
}

// ReplaceBands swaps the band registry of an indicator.
func (s *Store) ReplaceBands(ctx context.Context, indicatorID string, bands []model.BandDefinition) error {
	return s.replace(ctx, `DELETE FROM band_definitions WHERE indicator_id = ?`, []any{indicatorID},
		`INSERT INTO band_definitions (indicator_id, label, weight, sort_order) VALUES (?, ?, ?, ?)`,
		len(bands), func(i int) []any { return []any{indicatorID, bands[i].Label, bands[i].Weight, bands[i].SortOrder} })
}

// ReplaceLinks swaps the (customer, feature) pairs of an indicator for period.
func (s *Store) ReplaceLinks(ctx context.Context, indicatorID, period string, links []model.IndicatorLink) error {
	return s.replace(ctx, `DELETE FROM indicator_links WHERE indicator_id = ? AND period = ?`, []any{indicatorID, period},
		`INSERT INTO indicator_links (indicator_id, customer_id, feature_id, period) VALUES (?, ?, ?, ?)`,
		len(links), func(i int) []any { return []any{indicatorID, links[i].CustomerID, links[i].FeatureID, period} })
}

func (s *Store) replace(ctx context.Context, del string, delArgs []any, ins string, n int, row func(int) []any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("localstore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, del, delArgs...); err != nil {
		return fmt.Errorf("localstore: clear: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, ins)
	if err != nil {
		return fmt.Errorf("localstore: prepare insert: %w", err)
	}
	defer stmt.Close()
	for i := range n {
		if _, err := stmt.ExecContext(ctx, row(i)...); err != nil {
			return fmt.Errorf("localstore: insert row %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// UpsertScore records a raw score, replacing any prior score for its key.
func (s *Store) UpsertScore(ctx context.Context, sc model.RawScore) (model.RawScore, error) {
	if sc.SubmittedAt.IsZero() {
		sc.SubmittedAt = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_scores (indicator_id, feature_id, customer_id, period, band_label, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(indicator_id, period, customer_id, feature_id)
		DO UPDATE SET band_label = excluded.band_label, submitted_at = excluded.submitted_at
	`, sc.IndicatorID, sc.FeatureID, sc.CustomerID, sc.Period, sc.BandLabel, formatTime(sc.SubmittedAt)); err != nil {
		return model.RawScore{}, fmt.Errorf("localstore: upsert score: %w", err)
	}
	return sc, nil
}

func collect(ctx context.Context, tx *sql.Tx, scan func(*sql.Rows) error, query string, args ...any) error {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
