package schema

import (
	"fmt"
	"time"
)

// MutationType is the kind of change a mutation describes.
type MutationType string

const (
	MutationCreate MutationType = "CREATE"
	MutationUpdate MutationType = "UPDATE"
	MutationDelete MutationType = "DELETE"
)

// IsValid returns true for CREATE, UPDATE and DELETE.
func (t MutationType) IsValid() bool {
	switch t {
	case MutationCreate, MutationUpdate, MutationDelete:
		return true
	}
	return false
}

// SyncStatus tracks a queued mutation through delivery.
type SyncStatus string

const (
	// SyncPending means the mutation is durably queued and waiting for delivery.
	SyncPending SyncStatus = "PENDING"
	// SyncInProgress means a dispatcher worker has picked the mutation up.
	SyncInProgress SyncStatus = "IN_PROGRESS"
	// SyncFailed means the last attempt failed and the mutation will be retried.
	SyncFailed SyncStatus = "FAILED"
)

// ResponseDelta is a change to a single field. A nil New clears the field.
type ResponseDelta struct {
	FieldID   string    `json:"field_id" cbor:"field_id"`
	FieldType FieldType `json:"field_type,omitempty" cbor:"field_type,omitempty"`
	Original  *Response `json:"original,omitempty" cbor:"original,omitempty"`
	New       *Response `json:"new,omitempty" cbor:"new,omitempty"`
}

// Mutation is an immutable record of a pending change to one observation.
type Mutation struct {
	// ID is assigned by the local queue and orders mutations.
	ID int64 `json:"id,omitempty"`

	Type          MutationType `json:"type"`
	SurveyID      string       `json:"survey_id"`
	FeatureID     string       `json:"feature_id"`
	LayerID       string       `json:"layer_id"`
	FormID        string       `json:"form_id"`
	ObservationID string       `json:"observation_id"`

	ResponseDeltas  []ResponseDelta `json:"response_deltas,omitempty"`
	ClientTimestamp time.Time       `json:"client_timestamp"`
	UserID          string          `json:"user_id"`

	// Delivery bookkeeping, owned by the local queue.
	SyncStatus    SyncStatus `json:"sync_status,omitempty"`
	RetryCount    int        `json:"retry_count,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
}

// Validate checks if the Mutation can be queued.
func (m *Mutation) Validate() error {
	if !m.Type.IsValid() {
		return fmt.Errorf("invalid mutation type %q", m.Type)
	}
	if m.SurveyID == "" {
		return fmt.Errorf("survey_id is required")
	}
	if m.FeatureID == "" {
		return fmt.Errorf("feature_id is required")
	}
	if m.ObservationID == "" {
		return fmt.Errorf("observation_id is required")
	}
	if m.Type != MutationDelete && m.FormID == "" {
		return fmt.Errorf("form_id is required")
	}
	if m.Type == MutationDelete && len(m.ResponseDeltas) > 0 {
		return fmt.Errorf("delete mutation must not carry response deltas")
	}
	if m.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if m.ClientTimestamp.IsZero() {
		return fmt.Errorf("client_timestamp is required")
	}
	for _, d := range m.ResponseDeltas {
		if d.FieldID == "" {
			return fmt.Errorf("response delta field_id is required")
		}
		if d.New != nil {
			if err := d.New.Validate(); err != nil {
				return fmt.Errorf("response delta %s: %w", d.FieldID, err)
			}
		}
	}
	return nil
}

// Key returns the dispatcher key mutations are grouped and serialised by.
func (m *Mutation) Key() string {
	return m.FeatureID
}

func (m *Mutation) String() string {
	return fmt.Sprintf("%s observation %s (mutation %d, %d deltas)", m.Type, m.ObservationID, m.ID, len(m.ResponseDeltas))
}
