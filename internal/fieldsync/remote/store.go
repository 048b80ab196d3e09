// Package remote defines the gateway to the remote observation store.
//
// A Store loads every observation of a feature, streams changes after an
// initial snapshot, and applies batches of queued mutations. Failures that
// only affect one remote document or one mutation are reported per item and
// never fail the whole call:
//
//   - loads return one schema.Result per remote document
//   - ApplyMutations skips mutations it cannot translate and reports them in
//     the BatchReport while the rest of the batch commits
//
// Implementations live in subpackages (pgremote, dirremote, httpremote) plus
// the in-memory Memory store used by tests and the demo server.
package remote

import (
	"context"

	"github.com/openfield/fieldsync/internal/fieldsync/schema"
)

// Store is the remote persistence service.
type Store interface {
	// LoadObservations fetches all remote observations of feature. A document
	// that cannot be read or parsed yields an error Result.
	LoadObservations(ctx context.Context, feature *schema.Feature) ([]schema.Result[*schema.Observation], error)

	// LoadObservationsAndStreamChanges emits the current observations as
	// EventAdded and then live changes until ctx is done or the stream fails.
	// The channel is closed when the stream ends; callers restart it by
	// calling again.
	LoadObservationsAndStreamChanges(ctx context.Context, feature *schema.Feature) (<-chan schema.Result[ChangeEvent], error)

	// ApplyMutations writes mutations, in order, on behalf of user. Where the
	// backend supports it the writes commit as one atomic batch.
	ApplyMutations(ctx context.Context, mutations []*schema.Mutation, user schema.User) (BatchReport, error)
}

// EventType classifies a ChangeEvent.
type EventType string

const (
	EventAdded    EventType = "added"
	EventModified EventType = "modified"
	EventRemoved  EventType = "removed"
)

// ChangeEvent is one entry of a changefeed.
type ChangeEvent struct {
	Type          EventType           `json:"type" cbor:"type"`
	FeatureID     string              `json:"feature_id" cbor:"feature_id"`
	ObservationID string              `json:"observation_id" cbor:"observation_id"`
	Observation   *schema.Observation `json:"observation,omitempty" cbor:"observation,omitempty"`
}

// Rejection names a mutation that was not written and why.
type Rejection struct {
	MutationID int64  `json:"mutation_id" cbor:"mutation_id"`
	Reason     string `json:"reason" cbor:"reason"`
}

// BatchReport describes the outcome of ApplyMutations.
type BatchReport struct {
	// Applied lists the ids of mutations written to the remote store.
	Applied []int64 `json:"applied" cbor:"applied"`

	// Skipped lists mutations that could not be translated into a remote
	// write. Retrying them unchanged will not help.
	Skipped []Rejection `json:"skipped,omitempty" cbor:"skipped,omitempty"`

	// Failed lists mutations whose write failed after others in the same
	// batch were written. Only backends without atomic batches report these.
	Failed []Rejection `json:"failed,omitempty" cbor:"failed,omitempty"`
}

// Partial reports whether some but not all translated writes were applied.
func (r BatchReport) Partial() bool {
	return len(r.Failed) > 0 && len(r.Applied) > 0
}
