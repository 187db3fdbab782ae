package model

import "time"

// BandDefinition maps a qualitative label an evaluator can select to a numeric
// weight in [0,1]. Labels are unique per indicator.
type BandDefinition struct {
	IndicatorID string  `json:"indicator_id"`
	Label       string  `json:"label"`
	Weight      float64 `json:"weight"`
	SortOrder   int     `json:"sort_order"`
}

// RawScore is a single qualitative submission. At most one exists per
// (indicator, feature, customer, period); a resubmission replaces it.
type RawScore struct {
	IndicatorID string    `json:"indicator_id"`
	FeatureID   string    `json:"feature_id"`
	CustomerID  string    `json:"customer_id"`
	Period      string    `json:"period"`
	BandLabel   string    `json:"band_label"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// IndicatorLink associates an indicator with one (customer, feature) pair it
// is evaluated against for a period.
type IndicatorLink struct {
	IndicatorID string `json:"indicator_id"`
	CustomerID  string `json:"customer_id"`
	FeatureID   string `json:"feature_id"`
	Period      string `json:"period"`
}

// RejectionReason explains why a raw score was excluded from aggregation.
type RejectionReason string

const (
	RejectUnknownBand  RejectionReason = "unknown_band"
	RejectMalformed    RejectionReason = "malformed"
	RejectUnlinked     RejectionReason = "unlinked"
	RejectWrongContext RejectionReason = "wrong_indicator_or_period"
)

// Rejection records a raw score that failed validation. Rejections never abort
// a cascade; they are surfaced on the indicator's explanation.
type Rejection struct {
	IndicatorID string          `json:"indicator_id"`
	CustomerID  string          `json:"customer_id"`
	FeatureID   string          `json:"feature_id"`
	BandLabel   string          `json:"band_label"`
	Reason      RejectionReason `json:"reason"`
}

// IndicatorData is the raw input of one indicator for one period, as read from
// the score store.
type IndicatorData struct {
	Bands  []BandDefinition
	Links  []IndicatorLink
	Scores []RawScore
}

// ScoreEvent announces that a raw score for (IndicatorID, Period) changed.
type ScoreEvent struct {
	IndicatorID string `json:"indicator_id"`
	Period      string `json:"period"`
}
