package dirremote

import (
	"context"
	"fmt"
	"os"

	"github.com/openfield/fieldsync/internal/fieldsync/remote"
	"github.com/openfield/fieldsync/internal/fieldsync/schema"
)

// LoadObservationsAndStreamChanges implements remote.Store. The feature
// directory is watched before the snapshot is read, so no change is missed;
// a change made during the snapshot may be reported twice.
func (s *Store) LoadObservationsAndStreamChanges(ctx context.Context, feature *schema.Feature) (<-chan schema.Result[remote.ChangeEvent], error) {
	dir := s.featureDir(feature.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, classify("stream", fmt.Errorf("failed to create feature directory: %w", err))
	}

	w, err := newWatcher(dir)
	if err != nil {
		return nil, classify("stream", err)
	}

	snapshot, err := s.LoadObservations(ctx, feature)
	if err != nil {
		_ = w.Stop()
		return nil, err
	}

	out := make(chan schema.Result[remote.ChangeEvent])
	go func() {
		defer close(out)
		defer w.Stop()

		known := make(map[string]bool, len(snapshot))
		for _, res := range snapshot {
			known[res.Key] = true
			if !send(ctx, out, toEvent(feature.ID, remote.EventAdded, res)) {
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				return

			case err, ok := <-w.errors:
				if !ok {
					return
				}
				send(ctx, out, schema.Failed[remote.ChangeEvent]("", classify("stream", err)))
				return

			case ev, ok := <-w.events:
				if !ok {
					return
				}
				res, emit := s.change(feature.ID, ev, known)
				if emit && !send(ctx, out, res) {
					return
				}
			}
		}
	}()
	return out, nil
}

// change turns a file event into a change event, tracking which documents
// the subscriber has seen in known.
func (s *Store) change(featureID string, ev fileEvent, known map[string]bool) (schema.Result[remote.ChangeEvent], bool) {
	id := ev.ObservationID

	if ev.Op == opDelete {
		if _, err := os.Stat(ev.Path); err == nil {
			// Replaced by a rename; the create event follows.
			return schema.Result[remote.ChangeEvent]{}, false
		}
		if !known[id] {
			return schema.Result[remote.ChangeEvent]{}, false
		}
		delete(known, id)
		return schema.Ok(id, remote.ChangeEvent{
			Type:          remote.EventRemoved,
			FeatureID:     featureID,
			ObservationID: id,
		}), true
	}

	obs, err := s.read(featureID, id)
	if err != nil {
		return schema.Failed[remote.ChangeEvent](id, err), true
	}
	if obs == nil {
		return schema.Result[remote.ChangeEvent]{}, false
	}
	typ := remote.EventModified
	if !known[id] {
		typ = remote.EventAdded
		known[id] = true
	}
	return toEvent(featureID, typ, schema.Ok(id, obs)), true
}

func toEvent(featureID string, typ remote.EventType, res schema.Result[*schema.Observation]) schema.Result[remote.ChangeEvent] {
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
