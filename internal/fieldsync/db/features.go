package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openfield/fieldsync/internal/fieldsync/schema"
)

// UpsertFeature inserts or updates a feature and its layer definition.
func (db *DB) UpsertFeature(ctx context.Context, f *schema.Feature) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("invalid feature: %w", err)
	}

	layerJSON, err := json.Marshal(f.Layer)
	if err != nil {
		return fmt.Errorf("failed to marshal layer: %w", err)
	}

	query := `
	INSERT INTO features (id, survey_id, label, layer, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		survey_id = excluded.survey_id,
		label = excluded.label,
		layer = excluded.layer,
		updated_at = excluded.updated_at
	`
	_, err = db.conn.ExecContext(ctx, query, f.ID, f.SurveyID, f.Label, string(layerJSON), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to upsert feature %s: %w", f.ID, err)
	}
	return nil
}

// GetFeature returns the feature with the given id in surveyID.
// Returns nil, nil if no such feature exists.
func (db *DB) GetFeature(ctx context.Context, surveyID, featureID string) (*schema.Feature, error) {
	query := `SELECT id, survey_id, label, layer FROM features WHERE id = ? AND survey_id = ?`
	f, err := scanFeature(db.conn.QueryRowContext(ctx, query, featureID, surveyID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feature %s: %w", featureID, err)
	}
	return f, nil
}

// ListFeatures returns all features in surveyID ordered by id.
// An empty surveyID lists every feature.
func (db *DB) ListFeatures(ctx context.Context, surveyID string) ([]*schema.Feature, error) {
	query := `SELECT id, survey_id, label, layer FROM features`
	var args []any
	if surveyID != "" {
		query += ` WHERE survey_id = ?`
		args = append(args, surveyID)
	}
	query += ` ORDER BY id ASC`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list features: %w", err)
	}
	defer rows.Close()

	var features []*schema.Feature
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, err
		}
		features = append(features, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating features: %w", err)
	}
	return features, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFeature(row scanner) (*schema.Feature, error) {
	var f schema.Feature
	var layerJSON string
	if err := row.Scan(&f.ID, &f.SurveyID, &f.Label, &layerJSON); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(layerJSON), &f.Layer); err != nil {
		return nil, fmt.Errorf("failed to unmarshal layer for feature %s: %w", f.ID, err)
	}
	return &f, nil
}
