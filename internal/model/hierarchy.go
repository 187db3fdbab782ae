// Package model defines the domain types of the rollup engine: the node
// hierarchy, raw scoring inputs, formula configuration, and computed snapshots.
package model

import (
	"errors"
	"fmt"
)

// NodeKind identifies the level of a node in the performance hierarchy.
type NodeKind string

const (
	KindBusinessOutcome     NodeKind = "business_outcome"
	KindOrgObjective        NodeKind = "org_objective"
	KindDepartment          NodeKind = "department"
	KindFunctionalObjective NodeKind = "functional_objective"
	KindKeyResult           NodeKind = "key_result"
	KindIndicator           NodeKind = "indicator"
)

// Valid reports whether k is one of the known node kinds.
func (k NodeKind) Valid() bool {
	switch k {
	case KindBusinessOutcome, KindOrgObjective, KindDepartment,
		KindFunctionalObjective, KindKeyResult, KindIndicator:
		return true
	default:
		return false
	}
}

// IsLeaf reports whether nodes of this kind are evaluated from raw scores.
func (k NodeKind) IsLeaf() bool { return k == KindIndicator }

var (
	// ErrInvalidHierarchy is returned when the supplied nodes do not form a tree.
	ErrInvalidHierarchy = errors.New("model: invalid hierarchy")

	// ErrNotFound is returned by stores when a node or snapshot does not exist.
	ErrNotFound = errors.New("not found")
)

// Node is one element of the hierarchy. Children are owned references held in
// display order; ParentID is a non-owning back reference used for traversal.
type Node struct {
	ID       string   `json:"id"`
	Kind     NodeKind `json:"kind"`
	Name     string   `json:"name,omitempty"`
	ParentID string   `json:"parent_id,omitempty"`
	Children []string `json:"children,omitempty"`
}

// Tree is a validated, rooted hierarchy.
type Tree struct {
	root  string
	nodes map[string]Node
	order []string // post-order, children before parents
}

// NewTree builds a tree rooted at rootID from nodes. Nodes not reachable from
// the root are ignored. A child referenced twice, a cycle, a missing child, or
// a child whose ParentID disagrees with its position returns ErrInvalidHierarchy.
func NewTree(rootID string, nodes []Node) (*Tree, error) {
	byID := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("%w: node with empty id", ErrInvalidHierarchy)
		}
		if _, dup := byID[n.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node %q", ErrInvalidHierarchy, n.ID)
		}
		byID[n.ID] = n
	}
	root, ok := byID[rootID]
	if !ok {
		return nil, fmt.Errorf("%w: root %q not found", ErrInvalidHierarchy, rootID)
	}

	t := &Tree{root: rootID, nodes: make(map[string]Node)}
	root.ParentID = ""
	t.nodes[rootID] = root

	// Iterative DFS: each node is pushed once when first seen, emitted after its children.
	type frame struct {
		id   string
		next int
	}
	stack := []frame{{id: rootID}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		n := t.nodes[top.id]
		if top.next == len(n.Children) {
			t.order = append(t.order, top.id)
			stack = stack[:len(stack)-1]
			continue
		}
		childID := n.Children[top.next]
		top.next++

		child, ok := byID[childID]
		if !ok {
			return nil, fmt.Errorf("%w: node %q references missing child %q", ErrInvalidHierarchy, n.ID, childID)
		}
		if _, seen := t.nodes[childID]; seen {
			return nil, fmt.Errorf("%w: node %q reached twice (cycle or second parent)", ErrInvalidHierarchy, childID)
		}
		if child.ParentID != "" && child.ParentID != n.ID {
			return nil, fmt.Errorf("%w: node %q lists parent %q but is a child of %q", ErrInvalidHierarchy, childID, child.ParentID, n.ID)
		}
		child.ParentID = n.ID
		t.nodes[childID] = child
		stack = append(stack, frame{id: childID})
	}
	return t, nil
}

// Root returns the root node id.
func (t *Tree) Root() string { return t.root }

// Len returns the number of nodes in the tree.
func (t *Tree) Len() int { return len(t.nodes) }

// Node returns the node with the given id.
func (t *Tree) Node(id string) (Node, bool) {
	n, ok := t.nodes[id]
	return n, ok
}

// Parent returns the parent id of id, or "" for the root.
func (t *Tree) Parent(id string) string { return t.nodes[id].ParentID }

// PostOrder returns node ids with every child before its parent.
// The returned slice must not be modified.
func (t *Tree) PostOrder() []string { return t.order }

// Leaves returns the ids of nodes with no children, in post-order.
func (t *Tree) Leaves() []string {
	var out []string
	for _, id := range t.order {
		if len(t.nodes[id].Children) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// PathToRoot returns id followed by each of its ancestors up to the root.
func (t *Tree) PathToRoot(id string) []string {
	if _, ok := t.nodes[id]; !ok {
		return nil
	}
	var path []string
	for cur := id; cur != ""; cur = t.nodes[cur].ParentID {
		path = append(path, cur)
	}
	return path
}

// Indicators returns the ids of all indicator nodes in post-order.
func (t *Tree) Indicators() []string {
	var out []string
	for _, id := range t.order {
		if t.nodes[id].Kind == KindIndicator {
			out = append(out, id)
		}
	}
	return out
}
