package storage

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/ragcascade/internal/model"
)

// maxDepth bounds recursive walks over parent links. Real hierarchies have
// six levels.
const maxDepth = 64

// SaveNodes inserts or updates nodes. Parent links and child positions are
// taken from each node's Children list, so a parent and its children must be
// saved in the same call. A saved node's Children list replaces its previous
// one; children it no longer lists are detached. A link that would close a
// loop fails with model.ErrInvalidHierarchy.
func (db *DB) SaveNodes(ctx context.Context, nodes []model.Node) error {
	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		for _, n := range nodes {
			if _, err := tx.Exec(ctx,
				`INSERT INTO nodes (id, kind, name) VALUES ($1, $2, $3)
				 ON CONFLICT (id) DO UPDATE SET kind = EXCLUDED.kind, name = EXCLUDED.name`,
				n.ID, string(n.Kind), n.Name,
			); err != nil {
				return fmt.Errorf("storage: save node %s: %w", n.ID, err)
			}
		}
		for _, n := range nodes {
			keep := n.Children
			if keep == nil {
				keep = []string{}
			}
			if _, err := tx.Exec(ctx,
				`UPDATE nodes SET parent_id = NULL, position = 0
				 WHERE parent_id = $1 AND id <> ALL($2)`,
				n.ID, keep,
			); err != nil {
				return fmt.Errorf("storage: detach children of %s: %w", n.ID, err)
			}
		}
		for _, n := range nodes {
			for pos, child := range n.Children {
				tag, err := tx.Exec(ctx,
					`UPDATE nodes SET parent_id = $1, position = $2 WHERE id = $3`,
					n.ID, pos, child,
				)
				if err != nil {
					return fmt.Errorf("storage: link %s -> %s: %w", n.ID, child, err)
				}
				if tag.RowsAffected() == 0 {
					return fmt.Errorf("storage: link %s -> %s: child %w", n.ID, child, ErrNotFound)
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
		return nil
	})
}

// checkAcyclic walks parent links upward from nodeID and fails if the walk
// comes back to nodeID or runs past maxDepth.
func checkAcyclic(ctx context.Context, tx pgx.Tx, nodeID string) error {
	var bad bool
	err := tx.QueryRow(ctx,
		`WITH RECURSIVE up AS (
			SELECT id, parent_id, 0 AS depth FROM nodes WHERE id = $1
			UNION ALL
			SELECT n.id, n.parent_id, up.depth + 1
			FROM nodes n JOIN up ON n.id = up.parent_id
			WHERE up.depth < $2 AND (up.depth = 0 OR up.id <> $1)
		 )
		 SELECT COALESCE(bool_or((depth > 0 AND id = $1) OR depth >= $2), false) FROM up`,
		nodeID, maxDepth,
	).Scan(&bad)
	if err != nil {
		return fmt.Errorf("storage: check ancestry of %s: %w", nodeID, err)
	}
	if bad {
		return fmt.Errorf("storage: node %s: %w: cycle through parent links", nodeID, model.ErrInvalidHierarchy)
	}
	return nil
}

// Hierarchy returns rootID and every node below it. Children are ordered by
// position.
func (db *DB) Hierarchy(ctx context.Context, rootID string) ([]model.Node, error) {
	rows, err := db.pool.Query(ctx,
		`WITH RECURSIVE sub AS (
			SELECT id, kind, name, parent_id, position, 0 AS depth FROM nodes WHERE id = $1
			UNION ALL
			SELECT n.id, n.kind, n.name, n.parent_id, n.position, s.depth + 1
			FROM nodes n JOIN sub s ON n.parent_id = s.id
			WHERE s.depth < $2
		 )
		 SELECT id, kind, name, COALESCE(parent_id, ''), position FROM sub`,
		rootID, maxDepth,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query hierarchy: %w", err)
	}
	defer rows.Close()

	var (
		nodes     []model.Node
		positions []int
	)
	seen := make(map[string]bool)
	for rows.Next() {
		var (
			n   model.Node
			pos int
		)
		if err := rows.Scan(&n.ID, &n.Kind, &n.Name, &n.ParentID, &pos); err != nil {
			return nil, fmt.Errorf("storage: scan node: %w", err)
		}
		if seen[n.ID] {
			return nil, fmt.Errorf("storage: root %s: %w: node %s reached twice", rootID, model.ErrInvalidHierarchy, n.ID)
		}
		seen[n.ID] = true
		nodes = append(nodes, n)
		positions = append(positions, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: query hierarchy: %w", err)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("storage: root %s: %w", rootID, ErrNotFound)
	}
	assembleChildren(nodes, positions)
	return nodes, nil
}

// assembleChildren fills each node's Children from the parent links of the
// others, ordered by position and then id.
func assembleChildren(nodes []model.Node, positions []int) {
	type child struct {
		id  string
		pos int
	}
	kids := make(map[string][]child)
	for i, n := range nodes {
		if n.ParentID != "" {
			kids[n.ParentID] = append(kids[n.ParentID], child{n.ID, positions[i]})
		}
	}
	for i := range nodes {
		cs := kids[nodes[i].ID]
		slices.SortFunc(cs, func(a, b child) int {
			if c := cmp.Compare(a.pos, b.pos); c != 0 {
				return c
			}
			return cmp.Compare(a.id, b.id)
		})
		nodes[i].Children = nil
		for _, c := range cs {
			nodes[i].Children = append(nodes[i].Children, c.id)
		}
	}
}

// RootOf walks parent links upward from nodeID.
func (db *DB) RootOf(ctx context.Context, nodeID string) (string, error) {
	var root string
	err := db.pool.QueryRow(ctx,
		`WITH RECURSIVE up AS (
			SELECT id, parent_id, 0 AS depth FROM nodes WHERE id = $1
			UNION ALL
			SELECT n.id, n.parent_id, up.depth + 1
			FROM nodes n JOIN up ON n.id = up.parent_id
			WHERE up.depth < $2
		 )
		 SELECT id FROM up WHERE parent_id IS NULL`,
		nodeID, maxDepth,
	).Scan(&root)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("storage: root of %s: %w", nodeID, ErrNotFound)
		}
		return "", fmt.Errorf("storage: root of %s: %w", nodeID, err)
	}
	return root, nil
}
