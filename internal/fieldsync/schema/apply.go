package schema

import "fmt"

// Apply returns the observation that results from applying m to obs.
//
// obs may be nil only for CREATE. The input observation is never modified.
// A DELETE does not drop the observation; it flags it PendingDeletion so the
// row stays around until the mutation has synced.
func Apply(obs *Observation, m *Mutation) (*Observation, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mutation: %w", err)
	}
	if obs != nil && obs.ID != m.ObservationID {
		return nil, fmt.Errorf("mutation for observation %s applied to %s", m.ObservationID, obs.ID)
	}

	audit := NewAuditInfo(User{ID: m.UserID}, m.ClientTimestamp)

	switch m.Type {
	case MutationCreate:
		var out *Observation
		if obs == nil {
			out = &Observation{
				ID:        m.ObservationID,
				SurveyID:  m.SurveyID,
				FeatureID: m.FeatureID,
				LayerID:   m.LayerID,
				FormID:    m.FormID,
				Responses: Responses{},
				Created:   audit,
			}
		} else {
			if obs.PendingDeletion {
				return nil, fmt.Errorf("observation %s: %w", obs.ID, ErrPendingDeletion)
			}
			out = obs.Clone()
		}
		applyDeltas(out, m.ResponseDeltas)
		out.LastModified = audit
		return out, nil

	case MutationUpdate:
		if obs == nil {
			return nil, NewNotFound("Observation", m.ObservationID)
		}
		if obs.PendingDeletion {
			return nil, fmt.Errorf("observation %s: %w", obs.ID, ErrPendingDeletion)
		}
		out := obs.Clone()
		applyDeltas(out, m.ResponseDeltas)
		out.LastModified = audit
		return out, nil

	case MutationDelete:
		if obs == nil {
			return nil, NewNotFound("Observation", m.ObservationID)
		}
		out := obs.Clone()
		out.PendingDeletion = true
		return out, nil
	}

	return nil, fmt.Errorf("unsupported mutation type %q", m.Type)
}

func applyDeltas(obs *Observation, deltas []ResponseDelta) {
	if obs.Responses == nil {
		obs.Responses = Responses{}
	}
	for _, d := range deltas {
		if d.New == nil {
			delete(obs.Responses, d.FieldID)
			continue
		}
		obs.Responses[d.FieldID] = d.New.clone()
	}
}

// Replay folds mutations, in queue order, over an empty observation.
func Replay(mutations []*Mutation) (*Observation, error) {
	var obs *Observation
	for _, m := range mutations {
		next, err := Apply(obs, m)
		if err != nil {
			return nil, fmt.Errorf("replay mutation %d: %w", m.ID, err)
		}
		obs = next
	}
	return obs, nil
}

// Diff computes the deltas that turn before into after. Fields are visited in
// the order given so callers control delta order.
func Diff(before, after Responses, fieldIDs []string) []ResponseDelta {
	var deltas []ResponseDelta
	for _, id := range fieldIDs {
		oldVal, hadOld := before[id]
		newVal, hasNew := after[id]
		if hadOld == hasNew && (!hadOld || oldVal.Equal(newVal)) {
			continue
		}
		d := ResponseDelta{FieldID: id}
		if hadOld {
			o := oldVal.clone()
			d.Original = &o
			d.FieldType = o.Kind
		}
		if hasNew {
			n := newVal.clone()
			d.New = &n
			d.FieldType = n.Kind
		}
		deltas = append(deltas, d)
	}
	return deltas
}
