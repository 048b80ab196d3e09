package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openfield/fieldsync/internal/fieldsync/schema"
)

const observationColumns = `id, survey_id, feature_id, layer_id, form_id,
	responses, created, last_modified, pending_deletion`

// GetObservations returns the observations of featureID filled in with formID,
// oldest first. Observations pending deletion are included and flagged.
func (db *DB) GetObservations(ctx context.Context, featureID, formID string) ([]*schema.Observation, error) {
	query := `SELECT ` + observationColumns + `
	FROM observations
	WHERE feature_id = ? AND form_id = ?
	ORDER BY created_at ASC, id ASC`

	rows, err := db.conn.QueryContext(ctx, query, featureID, formID)
	if err != nil {
		return nil, fmt.Errorf("failed to query observations: %w", err)
	}
	defer rows.Close()

	return scanObservations(rows)
}

// ListObservations returns every observation of featureID regardless of form.
func (db *DB) ListObservations(ctx context.Context, featureID string) ([]*schema.Observation, error) {
	query := `SELECT ` + observationColumns + `
	FROM observations
	WHERE feature_id = ?
	ORDER BY created_at ASC, id ASC`

	rows, err := db.conn.QueryContext(ctx, query, featureID)
	if err != nil {
		return nil, fmt.Errorf("failed to query observations: %w", err)
	}
	defer rows.Close()

	return scanObservations(rows)
}

// GetObservation returns one observation of featureID.
// Returns nil, nil if it does not exist.
func (db *DB) GetObservation(ctx context.Context, featureID, observationID string) (*schema.Observation, error) {
	obs, err := getObservation(ctx, db.conn, observationID)
	if err != nil {
		return nil, err
	}
	if obs == nil || obs.FeatureID != featureID {
		return nil, nil
	}
	return obs, nil
}

func getObservation(ctx context.Context, q querier, observationID string) (*schema.Observation, error) {
	query := `SELECT ` + observationColumns + ` FROM observations WHERE id = ?`
	obs, err := scanObservation(q.QueryRowContext(ctx, query, observationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get observation %s: %w", observationID, err)
	}
	return obs, nil
}

// MergeRemote applies one item of a remote batch. Error results are logged
// and skipped; the returned error reports a failure to store a valid item.
func (db *DB) MergeRemote(ctx context.Context, res schema.Result[*schema.Observation]) error {
	if res.Err != nil {
		db.logger.Error().Err(res.Err).Str("key", res.Key).Msg("skipping bad remote observation")
		return nil
	}
	_, err := db.MergeObservation(ctx, res.Value)
	return err
}

// MergeObservation stores a remote observation, replacing the local row.
//
// The local pending_deletion flag is preserved. Under MergeSkipPending the
// row is left alone while it still has queued mutations; merged reports
// whether the row was written.
func (db *DB) MergeObservation(ctx context.Context, obs *schema.Observation) (merged bool, err error) {
	if obs == nil {
		return false, fmt.Errorf("cannot merge nil observation")
	}
	if err := obs.Validate(); err != nil {
		return false, fmt.Errorf("invalid observation %s: %w", obs.ID, err)
	}

	err = db.withTx(ctx, func(tx *sql.Tx) error {
		if db.policy == MergeSkipPending {
			pending, err := countMutationsFor(ctx, tx, obs.ID)
			if err != nil {
				return err
			}
			if pending > 0 {
				db.logger.Debug().
					Str("observation", obs.ID).
					Int("pending", pending).
					Msg("keeping local observation with unsynced mutations")
				return nil
			}
		}
		if err := upsertObservation(ctx, tx, obs, false); err != nil {
			return err
		}
		merged = true
		return nil
	})
	return merged, err
}

// RemoveObservation deletes an observation that was removed remotely. Rows
// with queued mutations are kept; removed reports whether a row was deleted.
func (db *DB) RemoveObservation(ctx context.Context, observationID string) (removed bool, err error) {
	res, err := db.conn.ExecContext(ctx, `
	DELETE FROM observations
	WHERE id = ?
	  AND NOT EXISTS (SELECT 1 FROM observation_mutations WHERE observation_id = observations.id)
	`, observationID)
	if err != nil {
		return false, fmt.Errorf("failed to remove observation %s: %w", observationID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// PurgeDeleted removes every observation whose deletion has synced: flagged
// pending deletion with no mutations left in the queue.
func (db *DB) PurgeDeleted(ctx context.Context) (int, error) {
	res, err := db.conn.ExecContext(ctx, `
	DELETE FROM observations
	WHERE pending_deletion = 1
	  AND NOT EXISTS (SELECT 1 FROM observation_mutations WHERE observation_id = observations.id)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge deleted observations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetObservationCount returns the total number of observations in the database.
func (db *DB) GetObservationCount() (int, error) {
	return db.GetObservationCountContext(context.Background())
}

// GetObservationCountContext returns the total number of observations with context support.
func (db *DB) GetObservationCountContext(ctx context.Context) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM observations").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get observation count: %w", err)
	}
	return count, nil
}

// upsertObservation writes obs. When setPending is false an existing row keeps
// its pending_deletion flag.
func upsertObservation(ctx context.Context, q querier, obs *schema.Observation, setPending bool) error {
	responsesJSON, err := json.Marshal(obs.Responses)
	if err != nil {
		return fmt.Errorf("failed to marshal responses: %w", err)
	}
	createdJSON, err := json.Marshal(obs.Created)
	if err != nil {
		return fmt.Errorf("failed to marshal created audit info: %w", err)
	}
	modifiedJSON, err := json.Marshal(obs.LastModified)
	if err != nil {
		return fmt.Errorf("failed to marshal last modified audit info: %w", err)
	}

	pending := 0
	if setPending && obs.PendingDeletion {
		pending = 1
	}

	query := `
	INSERT INTO observations (
		id, survey_id, feature_id, layer_id, form_id,
		responses, created, last_modified, created_at, pending_deletion
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		survey_id = excluded.survey_id,
		feature_id = excluded.feature_id,
		layer_id = excluded.layer_id,
		form_id = excluded.form_id,
		responses = excluded.responses,
		created = excluded.created,
		last_modified = excluded.last_modified,
		created_at = excluded.created_at`
	if setPending {
		query += `,
		pending_deletion = excluded.pending_deletion`
	}

	_, err = q.ExecContext(ctx, query,
		obs.ID,
		obs.SurveyID,
		obs.FeatureID,
		obs.LayerID,
		obs.FormID,
		string(responsesJSON),
		string(createdJSON),
		string(modifiedJSON),
		formatTime(obs.Created.ClientTimestamp),
		pending,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert observation %s: %w", obs.ID, err)
	}
	return nil
}

func scanObservations(rows *sql.Rows) ([]*schema.Observation, error) {
	var observations []*schema.Observation
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		observations = append(observations, obs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating observations: %w", err)
	}
	return observations, nil
}

func scanObservation(row scanner) (*schema.Observation, error) {
	var obs schema.Observation
	var responsesJSON, createdJSON, modifiedJSON string
	var pending int

	err := row.Scan(
		&obs.ID,
		&obs.SurveyID,
		&obs.FeatureID,
		&obs.LayerID,
		&obs.FormID,
		&responsesJSON,
		&createdJSON,
		&modifiedJSON,
		&pending,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(responsesJSON), &obs.Responses); err != nil {
		return nil, fmt.Errorf("failed to unmarshal responses of %s: %w", obs.ID, err)
	}
	if obs.Responses == nil {
		obs.Responses = schema.Responses{}
	}
	if err := json.Unmarshal([]byte(createdJSON), &obs.Created); err != nil {
		return nil, fmt.Errorf("failed to unmarshal created of %s: %w", obs.ID, err)
	}
	if err := json.Unmarshal([]byte(modifiedJSON), &obs.LastModified); err != nil {
		return nil, fmt.Errorf("failed to unmarshal last_modified of %s: %w", obs.ID, err)
	}
	obs.PendingDeletion = pending != 0

	return &obs, nil
}
