package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleNodes() []Node {
	return []Node{
		{ID: "bo", Kind: KindBusinessOutcome, Children: []string{"oo"}},
		{ID: "oo", Kind: KindOrgObjective, Children: []string{"dep"}},
		{ID: "dep", Kind: KindDepartment, Children: []string{"fo"}},
		{ID: "fo", Kind: KindFunctionalObjective, Children: []string{"kr1", "kr2"}},
		{ID: "kr1", Kind: KindKeyResult, Children: []string{"i1", "i2"}},
		{ID: "kr2", Kind: KindKeyResult, Children: []string{"i3"}},
		{ID: "i1", Kind: KindIndicator},
		{ID: "i2", Kind: KindIndicator},
		{ID: "i3", Kind: KindIndicator},
		{ID: "orphan", Kind: KindIndicator},
	}
}

func TestNewTree_PostOrderPutsChildrenFirst(t *testing.T) {
	tree, err := NewTree("bo", sampleNodes())
	require.NoError(t, err)

	assert.Equal(t, []string{"i1", "i2", "kr1", "i3", "kr2", "fo", "dep", "oo", "bo"}, tree.PostOrder())
	assert.Equal(t, 9, tree.Len(), "unreachable nodes are ignored")
	assert.Equal(t, "bo", tree.Root())
	assert.Equal(t, "kr1", tree.Parent("i2"))
	assert.Equal(t, "", tree.Parent("bo"))
	assert.Equal(t, []string{"i1", "i2", "i3"}, tree.Indicators())
	assert.Equal(t, []string{"i1", "i2", "i3"}, tree.Leaves())
}

func TestNewTree_PathToRoot(t *testing.T) {
	tree, err := NewTree("bo", sampleNodes())
	require.NoError(t, err)

	assert.Equal(t, []string{"i3", "kr2", "fo", "dep", "oo", "bo"}, tree.PathToRoot("i3"))
	assert.Nil(t, tree.PathToRoot("orphan"))
}

func TestNewTree_RejectsCycle(t *testing.T) {
	nodes := []Node{
		{ID: "a", Kind: KindKeyResult, Children: []string{"b"}},
		{ID: "b", Kind: KindKeyResult, Children: []string{"a"}},
	}
	_, err := NewTree("a", nodes)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidHierarchy))
}

func TestNewTree_RejectsSecondParent(t *testing.T) {
	nodes := []Node{
		{ID: "kr", Kind: KindKeyResult, Children: []string{"x", "y"}},
		{ID: "x", Kind: KindKeyResult, Children: []string{"i"}},
		{ID: "y", Kind: KindKeyResult, Children: []string{"i"}},
		{ID: "i", Kind: KindIndicator},
	}
	_, err := NewTree("kr", nodes)
	assert.ErrorIs(t, err, ErrInvalidHierarchy)
}

func TestNewTree_RejectsMissingChildAndRoot(t *testing.T) {
	_, err := NewTree("kr", []Node{{ID: "kr", Kind: KindKeyResult, Children: []string{"ghost"}}})
	assert.ErrorIs(t, err, ErrInvalidHierarchy)

	_, err = NewTree("nope", sampleNodes())
	assert.ErrorIs(t, err, ErrInvalidHierarchy)
}

func TestNewTree_RejectsParentMismatch(t *testing.T) {
	nodes := []Node{
		{ID: "kr", Kind: KindKeyResult, Children: []string{"i"}},
		{ID: "i", Kind: KindIndicator, ParentID: "other"},
	}
	_, err := NewTree("kr", nodes)
	assert.ErrorIs(t, err, ErrInvalidHierarchy)
}

func TestParseFormula(t *testing.T) {
	tests := []struct {
		in   string
		want Formula
	}{
		{"", FormulaAvg},
		{"avg", FormulaAvg},
		{" SUM ", FormulaSum},
		{"min", FormulaMin},
		{"MAX", FormulaMax},
		{"weighted_avg", FormulaWeightedAvg},
	}
	for _, tt := range tests {
		got, err := ParseFormula(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseFormula("MEDIAN")
	assert.ErrorIs(t, err, ErrUnsupportedFormula)
}
