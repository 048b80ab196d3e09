package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfield/fieldsync/internal/fieldsync/schema"
)

// Write is one remote document operation translated from a mutation.
type Write struct {
	MutationID    int64
	FeatureID     string
	ObservationID string

	// Delete removes the document; otherwise Observation replaces it.
	Delete      bool
	Observation *schema.Observation
}

// LookupFunc returns the current remote document, nil if it does not exist.
// Errors wrapping ErrMalformed skip the mutation; any other error aborts the
// batch.
type LookupFunc func(ctx context.Context, featureID, observationID string) (*schema.Observation, error)

// Translate turns m into a remote write against current, the document as it
// stands before m. CREATE and UPDATE both upsert: remote documents are
// written whole, with audit info stamped for user at serverTime.
func Translate(current *schema.Observation, m *schema.Mutation, user schema.User, serverTime time.Time) (Write, error) {
	if err := m.Validate(); err != nil {
		return Write{}, fmt.Errorf("untranslatable mutation: %w", err)
	}

	w := Write{MutationID: m.ID, FeatureID: m.FeatureID, ObservationID: m.ObservationID}
	if m.Type == schema.MutationDelete {
		w.Delete = true
		return w, nil
	}

	upsert := *m
	upsert.Type = schema.MutationCreate
	base := current
	if base != nil {
		base = base.Clone()
		base.PendingDeletion = false
	}
	obs, err := schema.Apply(base, &upsert)
	if err != nil {
		return Write{}, fmt.Errorf("untranslatable mutation: %w", err)
	}

	if user.ID == "" {
		user.ID = m.UserID
	}
	ts := serverTime.UTC()
	obs.LastModified = schema.AuditInfo{User: user, ClientTimestamp: m.ClientTimestamp.UTC(), ServerTimestamp: &ts}
	if current == nil {
		obs.Created = obs.LastModified
	}
	if err := obs.Validate(); err != nil {
		return Write{}, fmt.Errorf("untranslatable mutation: %w", err)
	}

	w.Observation = obs
	return w, nil
}

// Plan translates a batch in order. Later mutations see the documents
// produced by earlier ones in the same batch. Mutations that cannot be
// translated are logged and reported as skipped; the rest are returned for
// the backend to commit.
func Plan(ctx context.Context, mutations []*schema.Mutation, user schema.User, now time.Time,
	lookup LookupFunc, logger zerolog.Logger) ([]Write, []Rejection, error) {

	type docKey struct{ feature, id string }
	overlay := make(map[docKey]*schema.Observation)
	deleted := make(map[docKey]bool)

	var (
		writes  []Write
		skipped []Rejection
	)
	for _, m := range mutations {
		if m == nil {
			continue
		}
		key := docKey{m.FeatureID, m.ObservationID}

		var current *schema.Observation
		switch {
		case deleted[key]:
		case overlay[key] != nil:
			current = overlay[key]
		default:
			doc, err := lookup(ctx, m.FeatureID, m.ObservationID)
			if err != nil && !errors.Is(err, ErrMalformed) {
				return nil, nil, err
			}
			if err != nil {
				skipped = append(skipped, skip(logger, m, err))
				continue
			}
			current = doc
		}

		w, err := Translate(current, m, user, now)
		if err != nil {
			skipped = append(skipped, skip(logger, m, err))
			continue
		}

		if w.Delete {
			deleted[key] = true
			delete(overlay, key)
		} else {
			delete(deleted, key)
			overlay[key] = w.Observation
		}
		writes = append(writes, w)
	}
	return writes, skipped, nil
}

func skip(logger zerolog.Logger, m *schema.Mutation, err error) Rejection {
	logger.Error().
		Err(err).
		Int64("mutation", m.ID).
		Str("type", string(m.Type)).
		Str("observation", m.ObservationID).
		Msg("skipping mutation that cannot be written")
	return Rejection{MutationID: m.ID, Reason: err.Error()}
}

// AppliedIDs returns the mutation ids of writes.
func AppliedIDs(writes []Write) []int64 {
	ids := make([]int64, 0, len(writes))
	for _, w := range writes {
		ids = append(ids, w.MutationID)
	}
	return ids
}
