package model

import (
	"errors"
	"fmt"
	"strings"
)

// Formula is the aggregation applied at a non-leaf node. The set is closed:
// names outside it are rejected by ParseFormula.
type Formula string

const (
	FormulaAvg         Formula = "AVG"
	FormulaSum         Formula = "SUM"
	FormulaMin         Formula = "MIN"
	FormulaMax         Formula = "MAX"
	FormulaWeightedAvg Formula = "WEIGHTED_AVG"
)

// DefaultFormula is used when a node has no formula configured.
const DefaultFormula = FormulaAvg

// Configuration errors. A node that hits one of these is marked NotSet with an
// error annotation; the rest of the cascade continues.
var (
	ErrUnsupportedFormula = errors.New("unsupported formula")
	ErrInvalidWeight      = errors.New("invalid formula weight")
	ErrInvalidBand        = errors.New("invalid band definition")
	ErrMisplacedFormula   = errors.New("formula configured on an indicator")
	ErrKindMismatch       = errors.New("node kind does not match its position")
)

// ParseFormula maps a configured name to a Formula. An empty name selects the
// default. Matching ignores case and surrounding whitespace.
func ParseFormula(name string) (Formula, error) {
	switch f := Formula(strings.ToUpper(strings.TrimSpace(name))); f {
	case "":
		return DefaultFormula, nil
	case FormulaAvg, FormulaSum, FormulaMin, FormulaMax, FormulaWeightedAvg:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormula, name)
	}
}

// FormulaConfig is the active, versioned formula configuration of one node.
// Version 0 denotes the implicit default (no configuration row).
type FormulaConfig struct {
	NodeID  string             `json:"node_id"`
	Version int                `json:"version"`
	Name    string             `json:"name"`
	Weights map[string]float64 `json:"weights,omitempty"`
}
