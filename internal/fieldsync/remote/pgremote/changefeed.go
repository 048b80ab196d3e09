package pgremote

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/openfield/fieldsync/internal/fieldsync/remote"
	"github.com/openfield/fieldsync/internal/fieldsync/schema"
)

// LoadObservationsAndStreamChanges implements remote.Store. The snapshot is
// sent as added events, then revisions newer than the snapshot are polled
// every PollInterval. A polling error is sent as an error event and closes
// the stream.
func (s *Store) LoadObservationsAndStreamChanges(ctx context.Context, feature *schema.Feature) (<-chan schema.Result[remote.ChangeEvent], error) {
	var since int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(revision), 0) FROM remote_observations WHERE feature_id = $1`,
		feature.ID).Scan(&since)
	if err != nil {
		return nil, classify("stream", fmt.Errorf("failed to read revision: %w", err))
	}
	snapshot, err := s.LoadObservations(ctx, feature)
	if err != nil {
		return nil, err
	}

	out := make(chan schema.Result[remote.ChangeEvent])
	go func() {
		defer close(out)

		for _, res := range snapshot {
			if !send(ctx, out, event(feature.ID, remote.EventAdded, res)) {
				return
			}
		}

		ticker := time.NewTicker(s.opts.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			changes, last, err := s.changesSince(ctx, feature.ID, since)
			if err != nil {
				if ctx.Err() == nil {
					send(ctx, out, schema.Failed[remote.ChangeEvent]("", classify("stream", err)))
				}
				return
			}
			since = last
			for _, ev := range changes {
				if !send(ctx, out, ev) {
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *Store) changesSince(ctx context.Context, featureID string, since int64) ([]schema.Result[remote.ChangeEvent], int64, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, document, deleted, revision, created_revision
	FROM remote_observations
	WHERE feature_id = $1 AND revision > $2
	ORDER BY revision`, featureID, since)
	if err != nil {
		return nil, since, fmt.Errorf("failed to poll changes: %w", err)
	}
	defer rows.Close()

	last := since
	var events []schema.Result[remote.ChangeEvent]
	for rows.Next() {
		var (
			id                string
			doc               sql.RawBytes
			deleted           bool
			revision, created int64
		)
		if err := rows.Scan(&id, &doc, &deleted, &revision, &created); err != nil {
			return nil, since, fmt.Errorf("failed to scan change: %w", err)
		}
		last = revision

		if deleted {
			events = append(events, schema.Ok(id, remote.ChangeEvent{
				Type:          remote.EventRemoved,
				FeatureID:     featureID,
				ObservationID: id,
			}))
			continue
		}
		typ := remote.EventModified
		if created > since {
			typ = remote.EventAdded
		}
		events = append(events, event(featureID, typ, decodeResult(id, append([]byte(nil), doc...))))
	}
	if err := rows.Err(); err != nil {
		return nil, since, fmt.Errorf("error iterating changes: %w", err)
	}
	return events, last, nil
}

func event(featureID string, typ remote.EventType, res schema.Result[*schema.Observation]) schema.Result[remote.ChangeEvent] {
	if res.Err != nil {
		return schema.Failed[remote.ChangeEvent](res.Key, res.Err)
	}
	return schema.Ok(res.Key, remote.ChangeEvent{
		Type:          typ,
		FeatureID:     featureID,
		ObservationID: res.Key,
		Observation:   res.Value,
	})
}

func send(ctx context.Context, out chan<- schema.Result[remote.ChangeEvent], ev schema.Result[remote.ChangeEvent]) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
