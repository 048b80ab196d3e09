package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openfield/fieldsync/internal/fieldsync/schema"
)

const mutationColumns = `id, type, survey_id, feature_id, layer_id, form_id, observation_id,
	response_deltas, client_timestamp, user_id, sync_status, retry_count,
	last_error, next_attempt_at`

// Enqueue durably queues m without applying its deltas. It is used for
// DELETE: the observation is flagged pending deletion in the same
// transaction and stays in place until the mutation has synced.
//
// The returned mutation carries its queue id.
func (db *DB) Enqueue(ctx context.Context, m *schema.Mutation) (*schema.Mutation, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mutation: %w", err)
	}

	var queued *schema.Mutation
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		obs, err := getObservation(ctx, tx, m.ObservationID)
		if err != nil {
			return err
		}
		if obs == nil {
			return schema.NewNotFound("Observation", m.ObservationID)
		}
		if obs.PendingDeletion {
			return fmt.Errorf("observation %s: %w", obs.ID, schema.ErrPendingDeletion)
		}

		if m.Type == schema.MutationDelete {
			if _, err := tx.ExecContext(ctx,
				`UPDATE observations SET pending_deletion = 1 WHERE id = ?`, m.ObservationID); err != nil {
				return fmt.Errorf("failed to flag observation %s for deletion: %w", m.ObservationID, err)
			}
		}

		queued, err = insertMutation(ctx, tx, m)
		return err
	})
	if err != nil {
		return nil, err
	}
	return queued, nil
}

// ApplyAndEnqueue applies m to the stored observation and queues it in one
// transaction. Either both the observation and the queue change or neither
// does.
func (db *DB) ApplyAndEnqueue(ctx context.Context, m *schema.Mutation) (*schema.Mutation, *schema.Observation, error) {
	if err := m.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid mutation: %w", err)
	}

	var (
		queued  *schema.Mutation
		updated *schema.Observation
	)
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM features WHERE id = ?`, m.FeatureID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to look up feature %s: %w", m.FeatureID, err)
		}
		if exists == 0 {
			return schema.NewNotFound("Feature", m.FeatureID)
		}

		current, err := getObservation(ctx, tx, m.ObservationID)
		if err != nil {
			return err
		}

		updated, err = schema.Apply(current, m)
		if err != nil {
			return err
		}
		if err := upsertObservation(ctx, tx, updated, true); err != nil {
			return err
		}

		queued, err = insertMutation(ctx, tx, m)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return queued, updated, nil
}

func insertMutation(ctx context.Context, tx *sql.Tx, m *schema.Mutation) (*schema.Mutation, error) {
	deltas := m.ResponseDeltas
	if deltas == nil {
		deltas = []schema.ResponseDelta{}
	}
	deltasJSON, err := json.Marshal(deltas)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response deltas: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
	INSERT INTO observation_mutations (
		type, survey_id, feature_id, layer_id, form_id, observation_id,
		response_deltas, client_timestamp, user_id, sync_status
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Type,
		m.SurveyID,
		m.FeatureID,
		m.LayerID,
		m.FormID,
		m.ObservationID,
		string(deltasJSON),
		formatTime(m.ClientTimestamp),
		m.UserID,
		schema.SyncPending,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue mutation for %s: %w", m.ObservationID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read mutation id: %w", err)
	}

	queued := *m
	queued.ID = id
	queued.SyncStatus = schema.SyncPending
	queued.RetryCount = 0
	queued.LastError = ""
	queued.NextAttemptAt = nil
	return &queued, nil
}

// PendingMutations returns the deliverable mutations for a dispatcher key in
// queue order. Mutations already in progress are excluded. The result stops
// before the first mutation whose next attempt is after now, so a backed-off
// mutation holds back everything queued behind it. limit <= 0 means no limit.
func (db *DB) PendingMutations(ctx context.Context, key string, now time.Time, limit int) ([]*schema.Mutation, error) {
	query := `SELECT ` + mutationColumns + `
	FROM observation_mutations
	WHERE feature_id = ? AND sync_status != ?
	ORDER BY id ASC`
	args := []any{key, schema.SyncInProgress}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending mutations: %w", err)
	}
	defer rows.Close()

	ms, err := scanMutations(rows)
	if err != nil {
		return nil, err
	}
	for i, m := range ms {
		if m.NextAttemptAt != nil && m.NextAttemptAt.After(now) {
			return ms[:i], nil
		}
	}
	return ms, nil
}

// MutationFilter configures ListMutations.
type MutationFilter struct {
	// Key restricts to one dispatcher key (empty = all)
	Key string
	// ObservationID restricts to one observation (empty = all)
	ObservationID string
	// Status restricts to one sync status (empty = all)
	Status schema.SyncStatus
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// ListMutations returns queued mutations matching filter in queue order.
func (db *DB) ListMutations(ctx context.Context, filter MutationFilter) ([]*schema.Mutation, error) {
	var conditions []string
	var args []any

	if filter.Key != "" {
		conditions = append(conditions, "feature_id = ?")
		args = append(args, filter.Key)
	}
	if filter.ObservationID != "" {
		conditions = append(conditions, "observation_id = ?")
		args = append(args, filter.ObservationID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "sync_status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT ` + mutationColumns + ` FROM observation_mutations`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list mutations: %w", err)
	}
	defer rows.Close()

	return scanMutations(rows)
}

// PendingKeys returns the dispatcher keys with deliverable mutations whose
// backoff has elapsed at now.
func (db *DB) PendingKeys(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT feature_id
	FROM observation_mutations
	WHERE sync_status != ?
	GROUP BY feature_id
	HAVING MAX(COALESCE(next_attempt_at, '')) <= ?
	ORDER BY MIN(id) ASC`, schema.SyncInProgress, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating keys: %w", err)
	}
	return keys, nil
}

// MarkInProgress flags mutations as picked up by a dispatcher worker.
func (db *DB) MarkInProgress(ctx context.Context, ids []int64) error {
	return db.updateMutations(ctx, ids, `sync_status = ?`, schema.SyncInProgress)
}

// MarkFailed records a failed delivery attempt, counting it against the
// retry budget and scheduling the next attempt.
func (db *DB) MarkFailed(ctx context.Context, ids []int64, lastErr string, next time.Time) error {
	return db.updateMutations(ctx, ids,
		`sync_status = ?, retry_count = retry_count + 1, last_error = ?, next_attempt_at = ?`,
		schema.SyncFailed, lastErr, formatTime(next))
}

// Reschedule records a failed attempt without consuming the retry budget.
// It is used when the remote was unreachable.
func (db *DB) Reschedule(ctx context.Context, ids []int64, lastErr string, next time.Time) error {
	return db.updateMutations(ctx, ids,
		`sync_status = ?, last_error = ?, next_attempt_at = ?`,
		schema.SyncFailed, lastErr, formatTime(next))
}

func (db *DB) updateMutations(ctx context.Context, ids []int64, set string, setArgs ...any) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, idArgs := inClause(ids)
	args := append(setArgs, idArgs...)
	query := `UPDATE observation_mutations SET ` + set + ` WHERE id IN (` + placeholders + `)`
	if _, err := db.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update mutations: %w", err)
	}
	return nil
}

// MarkSynced removes delivered mutations from the queue and purges the
// observations whose deletion has now synced. It returns the number of
// observations purged.
func (db *DB) MarkSynced(ctx context.Context, ids []int64) (purged int, err error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders, args := inClause(ids)

	err = db.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT DISTINCT observation_id FROM observation_mutations WHERE id IN (`+placeholders+`)`, args...)
		if err != nil {
			return fmt.Errorf("failed to query synced observations: %w", err)
		}
		var observationIDs []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan observation id: %w", err)
			}
			observationIDs = append(observationIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating synced observations: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM observation_mutations WHERE id IN (`+placeholders+`)`, args...); err != nil {
			return fmt.Errorf("failed to remove synced mutations: %w", err)
		}

		for _, id := range observationIDs {
			res, err := tx.ExecContext(ctx, `
			DELETE FROM observations
			WHERE id = ? AND pending_deletion = 1
			  AND NOT EXISTS (SELECT 1 FROM observation_mutations WHERE observation_id = ?)`, id, id)
			if err != nil {
				return fmt.Errorf("failed to purge observation %s: %w", id, err)
			}
			n, _ := res.RowsAffected()
			purged += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}

// DiscardMutation drops a mutation that will never be delivered. When it was
// the last queued DELETE of its observation, the pending deletion flag is
// cleared so the observation becomes editable again.
func (db *DB) DiscardMutation(ctx context.Context, m *schema.Mutation) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM observation_mutations WHERE id = ?`, m.ID); err != nil {
			return fmt.Errorf("failed to discard mutation %d: %w", m.ID, err)
		}
		if m.Type != schema.MutationDelete {
			return nil
		}
		_, err := tx.ExecContext(ctx, `
		UPDATE observations SET pending_deletion = 0
		WHERE id = ?
		  AND NOT EXISTS (
			SELECT 1 FROM observation_mutations
			WHERE observation_id = ? AND type = 'DELETE')`, m.ObservationID, m.ObservationID)
		if err != nil {
			return fmt.Errorf("failed to restore observation %s: %w", m.ObservationID, err)
		}
		return nil
	})
}

// ResetInProgress returns mutations left in progress by a crashed process to
// the pending state. It returns the number of mutations reset.
func (db *DB) ResetInProgress(ctx context.Context) (int, error) {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE observation_mutations SET sync_status = ? WHERE sync_status = ?`,
		schema.SyncPending, schema.SyncInProgress)
	if err != nil {
		return 0, fmt.Errorf("failed to reset in-progress mutations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountMutations returns the number of queued mutations per sync status.
func (db *DB) CountMutations(ctx context.Context) (map[schema.SyncStatus]int, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT sync_status, COUNT(*) FROM observation_mutations GROUP BY sync_status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count mutations: %w", err)
	}
	defer rows.Close()

	counts := make(map[schema.SyncStatus]int)
	for rows.Next() {
		var status schema.SyncStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan mutation count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mutation counts: %w", err)
	}
	return counts, nil
}

// GetMutationCount returns the total number of queued mutations.
func (db *DB) GetMutationCount() (int, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM observation_mutations").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get mutation count: %w", err)
	}
	return count, nil
}

func countMutationsFor(ctx context.Context, q querier, observationID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM observation_mutations WHERE observation_id = ?`, observationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count mutations for %s: %w", observationID, err)
	}
	return n, nil
}

func scanMutations(rows *sql.Rows) ([]*schema.Mutation, error) {
	var mutations []*schema.Mutation
	for rows.Next() {
		var m schema.Mutation
		var deltasJSON, clientTS string
		var nextAttempt sql.NullString

		err := rows.Scan(
			&m.ID,
			&m.Type,
			&m.SurveyID,
			&m.FeatureID,
			&m.LayerID,
			&m.FormID,
			&m.ObservationID,
			&deltasJSON,
			&clientTS,
			&m.UserID,
			&m.SyncStatus,
			&m.RetryCount,
			&m.LastError,
			&nextAttempt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}

		if err := json.Unmarshal([]byte(deltasJSON), &m.ResponseDeltas); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response deltas of mutation %d: %w", m.ID, err)
		}
		if len(m.ResponseDeltas) == 0 {
			m.ResponseDeltas = nil
		}
		ts, err := parseTime(clientTS)
		if err != nil {
			return nil, fmt.Errorf("failed to parse client_timestamp of mutation %d: %w", m.ID, err)
		}
		m.ClientTimestamp = ts
		m.NextAttemptAt = nullStringToTime(nextAttempt)

		mutations = append(mutations, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mutations: %w", err)
	}
	return mutations, nil
}

func inClause(ids []int64) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return strings.Join(placeholders, ", "), args
}
