package ragcascade

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

// Node kinds, root to leaf.
const (
	KindBusinessOutcome     = "business_outcome"
	KindOrgObjective        = "org_objective"
	KindDepartment          = "department"
	KindFunctionalObjective = "functional_objective"
	KindKeyResult           = "key_result"
	KindIndicator           = "indicator"
)

// Node is one element of the performance hierarchy. Children are listed in
// display order; parents are derived from them.
type Node struct {
	ID       string
	Kind     string
	Name     string
	Children []string
}

// Band maps a qualitative label to a weight in [0,1].
type Band struct {
	Label     string
	Weight    float64
	SortOrder int
}

// Link associates an indicator with a (customer, feature) pair.
type Link struct {
	CustomerID string
	FeatureID  string
}

// Score is one evaluator submission. SubmittedAt defaults to now.
type Score struct {
	IndicatorID string
	FeatureID   string
	CustomerID  string
	Period      string
	BandLabel   string
	SubmittedAt time.Time
}

// ChildValue is one formula input.
type ChildValue struct {
	NodeID string
	Value  *float64
}

// Contribution is one row of a breakdown: a child for internal nodes, a
// customer for indicators.
type Contribution struct {
	Source string
	Value  *float64
	Weight *float64
}

// BandCount is one bucket of an indicator's band histogram.
type BandCount struct {
	Label string
	Count int
}

// CustomerAverage is a customer's mean band weight for an indicator.
type CustomerAverage struct {
	CustomerID   string
	Average      float64
	FeatureCount int
}

// Rejection is a raw score excluded from aggregation.
type Rejection struct {
	CustomerID string
	FeatureID  string
	BandLabel  string
	Reason     string
}

// Explanation records how a value was derived.
type Explanation struct {
	ContributorCount int
	Breakdown        []Contribution
	BandHistogram    []BandCount
	CustomerAverages []CustomerAverage
	Rejections       []Rejection
	RawValue         *float64 // formula output before clamping
}

// NodeValue is an immutable snapshot of a node's value for a period.
type NodeValue struct {
	ID               uuid.UUID
	RunID            uuid.UUID
	NodeID           string
	Kind             string
	Period           string
	Value            *float64
	Status           Status
	Formula          string
	FormulaVersion   int
	ThresholdVersion string
	Inputs           []ChildValue
	Explanation      Explanation
	Error            string
	ContentHash      string
	SupersedesID     *uuid.UUID
	ComputedAt       time.Time
	ValidFrom        time.Time
	ValidTo          *time.Time
}

// Run is the ledger entry of a committed cascade.
type Run struct {
	ID         uuid.UUID
	RootID     string
	Period     string
	Partial    bool
	NodeCount  int
	Rejections int
	Errors     int
	RootHash   string
	StartedAt  time.Time
	FinishedAt time.Time
}
