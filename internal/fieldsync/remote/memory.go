package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfield/fieldsync/internal/fieldsync/schema"
	"github.com/openfield/fieldsync/internal/logging"
)

// Op names a Memory operation for failure injection.
type Op string

const (
	OpLoad   Op = "load"
	OpStream Op = "stream"
	OpApply  Op = "apply"
)

const subscriberBuffer = 256

// Memory is an in-process Store. Documents are kept as encoded JSON so a
// corrupt document can be planted with PutRaw. Batches commit atomically.
type Memory struct {
	mu      sync.Mutex
	docs    map[string]map[string][]byte // feature id -> observation id -> document
	subs    map[string]map[*subscriber]struct{}
	fail    map[Op][]error
	blocked chan struct{}
	calls   map[Op]int
	now     func() time.Time
	logger  zerolog.Logger
}

type subscriber struct {
	ch     chan schema.Result[ChangeEvent]
	closed bool
}

// NewMemory returns an empty Memory store.
func NewMemory(logger *zerolog.Logger) *Memory {
	return &Memory{
		docs:   make(map[string]map[string][]byte),
		subs:   make(map[string]map[*subscriber]struct{}),
		fail:   make(map[Op][]error),
		calls:  make(map[Op]int),
		now:    time.Now,
		logger: logging.Component(logger, "remote.memory"),
	}
}

// SetClock overrides the server clock used for audit timestamps.
func (s *Memory) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Put stores obs as a remote document and notifies subscribers.
func (s *Memory) Put(obs *schema.Observation) error {
	data, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("failed to marshal observation %s: %w", obs.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(obs.FeatureID, obs.ID, data)
	return nil
}

// PutRaw stores an arbitrary document, which may not parse.
func (s *Memory) PutRaw(featureID, observationID string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(featureID, observationID, data)
}

// Remove deletes a remote document and notifies subscribers.
func (s *Memory) Remove(featureID, observationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(featureID, observationID)
}

// Get returns the decoded remote document, nil if absent.
func (s *Memory) Get(featureID, observationID string) (*schema.Observation, error) {
	s.mu.Lock()
	data, ok := s.docs[featureID][observationID]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return decode(observationID, data)
}

// FailNext makes the next call of op return err. Calls queue up in order.
func (s *Memory) FailNext(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[op] = append(s.fail[op], err)
}

// Block makes loads wait until Unblock is called or their context ends,
// simulating a remote that never answers.
func (s *Memory) Block() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blocked == nil {
		s.blocked = make(chan struct{})
	}
}

// Unblock releases blocked loads.
func (s *Memory) Unblock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blocked != nil {
		close(s.blocked)
		s.blocked = nil
	}
}

// Calls returns how many times op has been called.
func (s *Memory) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// begin counts a call and returns the block channel to wait on or an
// injected failure.
func (s *Memory) begin(op Op) (chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	if errs := s.fail[op]; len(errs) > 0 {
		s.fail[op] = errs[1:]
		return nil, errs[0]
	}
	return s.blocked, nil
}

func wait(ctx context.Context, blocked chan struct{}) error {
	if blocked == nil {
		return nil
	}
	select {
	case <-blocked:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LoadObservations implements Store.
func (s *Memory) LoadObservations(ctx context.Context, feature *schema.Feature) ([]schema.Result[*schema.Observation], error) {
	blocked, err := s.begin(OpLoad)
	if err != nil {
		return nil, err
	}
	if err := wait(ctx, blocked); err != nil {
		return nil, NewError("load", CodeUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(feature.ID), nil
}

func (s *Memory) snapshotLocked(featureID string) []schema.Result[*schema.Observation] {
	ids := make([]string, 0, len(s.docs[featureID]))
	for id := range s.docs[featureID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	results := make([]schema.Result[*schema.Observation], 0, len(ids))
	for _, id := range ids {
		obs, err := decode(id, s.docs[featureID][id])
		if err != nil {
			results = append(results, schema.Failed[*schema.Observation](id, err))
			continue
		}
		results = append(results, schema.Ok(id, obs))
	}
	return results
}

// LoadObservationsAndStreamChanges implements Store. A subscriber that falls
// behind by more than its buffer is disconnected and must restart.
func (s *Memory) LoadObservationsAndStreamChanges(ctx context.Context, feature *schema.Feature) (<-chan schema.Result[ChangeEvent], error) {
	blocked, err := s.begin(OpStream)
	if err != nil {
		return nil, err
	}
	if err := wait(ctx, blocked); err != nil {
		return nil, NewError("stream", CodeUnavailable, err)
	}

	sub := &subscriber{ch: make(chan schema.Result[ChangeEvent], subscriberBuffer)}

	s.mu.Lock()
	snapshot := s.snapshotLocked(feature.ID)
	if len(snapshot) > subscriberBuffer {
		sub.ch = make(chan schema.Result[ChangeEvent], len(snapshot)+subscriberBuffer)
	}
	for _, res := range snapshot {
		sub.ch <- toEvent(feature.ID, EventAdded, res)
	}
	if s.subs[feature.ID] == nil {
		s.subs[feature.ID] = make(map[*subscriber]struct{})
	}
	s.subs[feature.ID][sub] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[feature.ID], sub)
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}()

	return sub.ch, nil
}

func toEvent(featureID string, typ EventType, res schema.Result[*schema.Observation]) schema.Result[ChangeEvent] {
	if res.Err != nil {
		return schema.Failed[ChangeEvent](res.Key, res.Err)
	}
	return schema.Ok(res.Key, ChangeEvent{
		Type:          typ,
		FeatureID:     featureID,
		ObservationID: res.Key,
		Observation:   res.Value,
	})
}

// ApplyMutations implements Store. Every translated write commits under one
// lock, so readers never see half a batch.
func (s *Memory) ApplyMutations(ctx context.Context, mutations []*schema.Mutation, user schema.User) (BatchReport, error) {
	_, err := s.begin(OpApply)
	if err != nil {
		return BatchReport{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lookup := func(_ context.Context, featureID, observationID string) (*schema.Observation, error) {
		data, ok := s.docs[featureID][observationID]
		if !ok {
			return nil, nil
		}
		return decode(observationID, data)
	}
	writes, skipped, err := Plan(ctx, mutations, user, s.now(), lookup, s.logger)
	if err != nil {
		return BatchReport{}, NewError("apply", CodeUnknown, err)
	}

	encoded := make([][]byte, len(writes))
	for i, w := range writes {
		if w.Delete {
			continue
		}
		data, err := json.Marshal(w.Observation)
		if err != nil {
			return BatchReport{}, NewError("apply", CodeInvalidArgument, err)
		}
		encoded[i] = data
	}
	for i, w := range writes {
		if w.Delete {
			s.removeLocked(w.FeatureID, w.ObservationID)
			continue
		}
		s.putLocked(w.FeatureID, w.ObservationID, encoded[i])
	}

	return BatchReport{Applied: AppliedIDs(writes), Skipped: skipped}, nil
}

func (s *Memory) putLocked(featureID, observationID string, data []byte) {
	if s.docs[featureID] == nil {
		s.docs[featureID] = make(map[string][]byte)
	}
	_, existed := s.docs[featureID][observationID]
	s.docs[featureID][observationID] = data

	typ := EventAdded
	if existed {
		typ = EventModified
	}
	obs, err := decode(observationID, data)
	res := schema.Ok(observationID, obs)
	if err != nil {
		res = schema.Failed[*schema.Observation](observationID, err)
	}
	s.publishLocked(featureID, toEvent(featureID, typ, res))
}

func (s *Memory) removeLocked(featureID, observationID string) {
	if _, ok := s.docs[featureID][observationID]; !ok {
		return
	}
	delete(s.docs[featureID], observationID)
	s.publishLocked(featureID, schema.Ok(observationID, ChangeEvent{
		Type:          EventRemoved,
		FeatureID:     featureID,
		ObservationID: observationID,
	}))
}

func (s *Memory) publishLocked(featureID string, ev schema.Result[ChangeEvent]) {
	for sub := range s.subs[featureID] {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			s.logger.Warn().Str("feature", featureID).Msg("changefeed subscriber fell behind, disconnecting")
			sub.closed = true
			close(sub.ch)
			delete(s.subs[featureID], sub)
		}
	}
}

func decode(observationID string, data []byte) (*schema.Observation, error) {
	obs, err := schema.DecodeObservation(data)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrMalformed, observationID, err)
	}
	return obs, nil
}
