package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/ragcascade/internal/model"
)

// UpsertScore records a raw score, replacing any prior score for the same
// (indicator, feature, customer, period), and announces the change on
// ChannelScores. The notification is sent inside the transaction, so
// listeners only see committed scores.
func (db *DB) UpsertScore(ctx context.Context, s model.RawScore) (model.RawScore, error) {
	if s.SubmittedAt.IsZero() {
		s.SubmittedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(model.ScoreEvent{IndicatorID: s.IndicatorID, Period: s.Period})
	if err != nil {
		return model.RawScore{}, fmt.Errorf("storage: encode score event: %w", err)
	}

	err = pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO raw_scores (indicator_id, feature_id, customer_id, period, band_label, submitted_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (indicator_id, period, customer_id, feature_id)
			 DO UPDATE SET band_label = EXCLUDED.band_label, submitted_at = EXCLUDED.submitted_at`,
			s.IndicatorID, s.FeatureID, s.CustomerID, s.Period, s.BandLabel, s.SubmittedAt,
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, ChannelScores, string(payload))
		return err
	})
	if err != nil {
		return model.RawScore{}, fmt.Errorf("storage: upsert score: %w", err)
	}
	return s, nil
}
