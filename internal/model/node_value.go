package model

import (
	"time"

	"github.com/google/uuid"
)

// Status is the RAG classification of a node.
type Status string

const (
	StatusGreen  Status = "green"
	StatusAmber  Status = "amber"
	StatusRed    Status = "red"
	StatusNotSet Status = "not_set"
)

// ThresholdVersion identifies the fixed RAG boundaries used by the classifier.
// It is stamped onto every snapshot so historical derivations stay explainable.
const ThresholdVersion = "rag-v1"

// ChildValue is one input to a formula: a child id and its value, nil when
// the child has no data.
type ChildValue struct {
	NodeID string   `json:"node_id"`
	Value  *float64 `json:"value"`
}

// Contribution is one row of the explainability breakdown. Source is the child
// node id for internal nodes and the customer id for indicators.
type Contribution struct {
	Source string   `json:"source"`
	Value  *float64 `json:"value"`
	Weight *float64 `json:"weight,omitempty"`
}

// BandCount is one bucket of an indicator's band-label histogram.
type BandCount struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// CustomerAverage is the per-customer mean of band weights for an indicator.
type CustomerAverage struct {
	CustomerID   string  `json:"customer_id"`
	Average      float64 `json:"average"`
	FeatureCount int     `json:"feature_count"`
}

// Explanation records how a node value was derived.
type Explanation struct {
	ContributorCount int               `json:"contributor_count"`
	Breakdown        []Contribution    `json:"breakdown"`
	BandHistogram    []BandCount       `json:"band_histogram,omitempty"`
	CustomerAverages []CustomerAverage `json:"customer_averages,omitempty"`
	Rejections       []Rejection       `json:"rejections,omitempty"`
	// RawValue is the formula output before clamping to [0,100].
	RawValue *float64 `json:"raw_value,omitempty"`
}

// NodeValue is an immutable snapshot of one node's computed value for a
// period. Recomputation appends a new NodeValue; the prior one gets ValidTo.
type NodeValue struct {
	ID               uuid.UUID    `json:"id"`
	RunID            uuid.UUID    `json:"run_id"`
	NodeID           string       `json:"node_id"`
	Kind             NodeKind     `json:"kind"`
	Period           string       `json:"period"`
	Value            *float64     `json:"value"`
	Status           Status       `json:"status"`
	Formula          Formula      `json:"formula,omitempty"`
	FormulaVersion   int          `json:"formula_version"`
	ThresholdVersion string       `json:"threshold_version"`
	Inputs           []ChildValue `json:"inputs,omitempty"`
	Explanation      Explanation  `json:"explanation"`
	// Error annotates a configuration failure at this node. Empty on success.
	Error string `json:"error,omitempty"`

	// Tamper-evident SHA-256 over the computed fields (see integrity package).
	ContentHash string `json:"content_hash"`

	SupersedesID *uuid.UUID `json:"supersedes_id,omitempty"`
	ComputedAt   time.Time  `json:"computed_at"`
	ValidFrom    time.Time  `json:"valid_from"`
	ValidTo      *time.Time `json:"valid_to,omitempty"`
}

// CascadeRun is the ledger entry written alongside a committed run.
type CascadeRun struct {
	ID         uuid.UUID `json:"id"`
	RootID     string    `json:"root_id"`
	Period     string    `json:"period"`
	Partial    bool      `json:"partial"` // true for a path recompute
	NodeCount  int       `json:"node_count"`
	Rejections int       `json:"rejections"`
	Errors     int       `json:"errors"`
	RootHash   string    `json:"root_hash"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
