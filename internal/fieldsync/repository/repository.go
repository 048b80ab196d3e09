// Package repository is the entry point for reading and editing observations.
//
// Reads are served from the local store after a bounded, best-effort refresh
// from the remote store. Writes become mutations: they are applied locally and
// queued in one transaction, then handed to the dispatcher for delivery.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfield/fieldsync/internal/fieldsync/dispatch"
	"github.com/openfield/fieldsync/internal/fieldsync/identity"
	"github.com/openfield/fieldsync/internal/fieldsync/schema"
	"github.com/openfield/fieldsync/internal/fieldsync/sync"
	"github.com/openfield/fieldsync/internal/fieldsync/uuid"
	"github.com/openfield/fieldsync/internal/logging"
)

// LocalStore is the subset of db.DB the repository uses.
type LocalStore interface {
	GetFeature(ctx context.Context, surveyID, featureID string) (*schema.Feature, error)
	GetObservations(ctx context.Context, featureID, formID string) ([]*schema.Observation, error)
	GetObservation(ctx context.Context, featureID, observationID string) (*schema.Observation, error)
	Enqueue(ctx context.Context, m *schema.Mutation) (*schema.Mutation, error)
	ApplyAndEnqueue(ctx context.Context, m *schema.Mutation) (*schema.Mutation, *schema.Observation, error)
}

// Refresher pulls remote observations of a feature into the local store.
type Refresher interface {
	Pull(ctx context.Context, feature *schema.Feature) (sync.Stats, error)
}

// Config holds repository options.
type Config struct {
	// RefreshTimeout bounds the remote refresh done by GetObservations.
	// Default: 5s
	RefreshTimeout time.Duration

	// IDs generates new observation ids. Default: uuid.Random
	IDs uuid.Generator

	// Now is the client clock. Default: time.Now
	Now func() time.Time

	Logger *zerolog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RefreshTimeout: 5 * time.Second,
		IDs:            uuid.Random{},
		Now:            time.Now,
	}
}

// Repository reads and edits observations.
type Repository struct {
	local   LocalStore
	refresh Refresher
	trigger dispatch.Trigger
	users   identity.Provider
	config  *Config
	logger  zerolog.Logger
}

// New creates a repository. A nil config uses DefaultConfig.
func New(local LocalStore, refresh Refresher, trigger dispatch.Trigger, users identity.Provider, config *Config) (*Repository, error) {
	if local == nil {
		return nil, fmt.Errorf("local store cannot be nil")
	}
	if refresh == nil {
		return nil, fmt.Errorf("refresher cannot be nil")
	}
	if trigger == nil {
		return nil, fmt.Errorf("sync trigger cannot be nil")
	}
	if users == nil {
		return nil, fmt.Errorf("identity provider cannot be nil")
	}

	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.RefreshTimeout <= 0 {
		config.RefreshTimeout = defaults.RefreshTimeout
	}
	if config.IDs == nil {
		config.IDs = defaults.IDs
	}
	if config.Now == nil {
		config.Now = defaults.Now
	}

	return &Repository{
		local:   local,
		refresh: refresh,
		trigger: trigger,
		users:   users,
		config:  config,
		logger:  logging.Component(config.Logger, "repository"),
	}, nil
}

// GetObservations returns the observations of formID on a feature, oldest
// first.
//
// The remote store is given RefreshTimeout to deliver fresh data. Whether the
// refresh succeeds, fails or times out, the result is read from the local
// store. Only a missing feature or a local fault fails the call.
func (r *Repository) GetObservations(ctx context.Context, surveyID, featureID, formID string) ([]*schema.Observation, error) {
	feature, err := r.feature(ctx, surveyID, featureID)
	if err != nil {
		return nil, err
	}

	r.refreshFeature(ctx, feature)

	observations, err := r.local.GetObservations(ctx, feature.ID, formID)
	if err != nil {
		return nil, fmt.Errorf("failed to read observations: %w", err)
	}
	return observations, nil
}

type pullResult struct {
	stats sync.Stats
	err   error
}

// refreshFeature waits at most RefreshTimeout for the remote pull. A pull
// still running at the deadline is abandoned; whatever it merges later is
// picked up by the next read.
func (r *Repository) refreshFeature(ctx context.Context, feature *schema.Feature) {
	rctx, cancel := context.WithTimeout(ctx, r.config.RefreshTimeout)

	start := time.Now()
	done := make(chan pullResult, 1)
	go func() {
		defer cancel()
		stats, err := r.refresh.Pull(rctx, feature)
		done <- pullResult{stats: stats, err: err}
	}()

	var res pullResult
	select {
	case res = <-done:
	case <-rctx.Done():
		res.err = rctx.Err()
	}

	switch err := res.err; {
	case err == nil:
		r.logger.Debug().
			Str("feature", feature.ID).
			Int("merged", res.stats.Merged).
			Int("skipped", res.stats.Skipped).
			Dur("took", time.Since(start)).
			Msg("refreshed observations")
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		r.logger.Warn().
			Str("feature", feature.ID).
			Dur("timeout", r.config.RefreshTimeout).
			Msg("remote refresh timed out, serving local data")
	default:
		r.logger.Warn().Err(err).Str("feature", feature.ID).Msg("remote refresh failed, serving local data")
	}
}

// GetObservation returns one observation from the local store. The remote
// store is not consulted.
func (r *Repository) GetObservation(ctx context.Context, surveyID, featureID, observationID string) (*schema.Observation, error) {
	feature, err := r.feature(ctx, surveyID, featureID)
	if err != nil {
		return nil, err
	}
	obs, err := r.local.GetObservation(ctx, feature.ID, observationID)
	if err != nil {
		return nil, fmt.Errorf("failed to read observation: %w", err)
	}
	if obs == nil {
		return nil, schema.NewNotFound("Observation", observationID)
	}
	return obs, nil
}

// CreateDraft returns a new, unsaved observation of formID with a fresh id
// and audit info for the current user. Nothing is written; pass the draft to
// AddMutation with isNew set to save it.
func (r *Repository) CreateDraft(ctx context.Context, surveyID, featureID, formID string) (*schema.Observation, error) {
	feature, err := r.feature(ctx, surveyID, featureID)
	if err != nil {
		return nil, err
	}
	if _, ok := feature.Layer.Form(formID); !ok {
		return nil, fmt.Errorf("%w: %w", schema.ErrInvalidForm, schema.NewNotFound("Form", formID))
	}

	user, err := r.users.CurrentUser()
	if err != nil {
		return nil, fmt.Errorf("failed to get current user: %w", err)
	}
	audit := schema.NewAuditInfo(user, r.config.Now())

	return &schema.Observation{
		ID:           r.config.IDs.GenerateID(),
		SurveyID:     feature.SurveyID,
		FeatureID:    feature.ID,
		LayerID:      feature.Layer.ID,
		FormID:       formID,
		Responses:    schema.Responses{},
		Created:      audit,
		LastModified: audit,
	}, nil
}

// DeleteObservation queues a DELETE of obs and triggers delivery.
//
// The observation row stays, flagged PendingDeletion, until the DELETE has
// synced. Queuing a second DELETE fails with schema.ErrPendingDeletion.
func (r *Repository) DeleteObservation(ctx context.Context, obs *schema.Observation) error {
	m, err := r.mutation(obs, schema.MutationDelete, nil)
	if err != nil {
		return err
	}
	queued, err := r.local.Enqueue(ctx, m)
	if err != nil {
		return fmt.Errorf("failed to queue delete of %s: %w", obs.ID, err)
	}
	r.triggerSync(queued)
	return nil
}

// AddMutation applies deltas to obs as a CREATE (isNew) or UPDATE, stores
// the result and queues the mutation in one transaction, then triggers
// delivery. It returns the observation as stored.
//
// Every delta must name a field of the observation's form. A delta without a
// field type is given the form's.
func (r *Repository) AddMutation(ctx context.Context, obs *schema.Observation, deltas []schema.ResponseDelta, isNew bool) (*schema.Observation, error) {
	feature, err := r.feature(ctx, obs.SurveyID, obs.FeatureID)
	if err != nil {
		return nil, err
	}
	form, ok := feature.Layer.Form(obs.FormID)
	if !ok {
		return nil, fmt.Errorf("%w: %w", schema.ErrInvalidForm, schema.NewNotFound("Form", obs.FormID))
	}

	checked := make([]schema.ResponseDelta, len(deltas))
	for i, d := range deltas {
		field, ok := form.Field(d.FieldID)
		if !ok {
			return nil, fmt.Errorf("form %s has no field %s", form.ID, d.FieldID)
		}
		if d.FieldType == "" {
			d.FieldType = field.Type
		}
		if d.New != nil && d.New.Kind != field.Type {
			return nil, fmt.Errorf("field %s expects %s, got %s", field.ID, field.Type, d.New.Kind)
		}
		checked[i] = d
	}

	typ := schema.MutationUpdate
	if isNew {
		typ = schema.MutationCreate
	}
	m, err := r.mutation(obs, typ, checked)
	if err != nil {
		return nil, err
	}

	queued, updated, err := r.local.ApplyAndEnqueue(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("failed to save %s of %s: %w", typ, obs.ID, err)
	}
	r.triggerSync(queued)
	return updated, nil
}

func (r *Repository) mutation(obs *schema.Observation, typ schema.MutationType, deltas []schema.ResponseDelta) (*schema.Mutation, error) {
	if obs == nil {
		return nil, fmt.Errorf("observation cannot be nil")
	}
	user, err := r.users.CurrentUser()
	if err != nil {
		return nil, fmt.Errorf("failed to get current user: %w", err)
	}
	return &schema.Mutation{
		Type:            typ,
		SurveyID:        obs.SurveyID,
		FeatureID:       obs.FeatureID,
		LayerID:         obs.LayerID,
		FormID:          obs.FormID,
		ObservationID:   obs.ID,
		ResponseDeltas:  deltas,
		ClientTimestamp: r.config.Now().UTC(),
		UserID:          user.ID,
	}, nil
}

// triggerSync asks the dispatcher to deliver m's key. The mutation is
// already durable, so a failed trigger is only logged: the dispatcher's
// sweep picks the key up later.
func (r *Repository) triggerSync(m *schema.Mutation) {
	if err := r.trigger.EnqueueSyncWorker(m.Key()); err != nil {
		r.logger.Warn().Err(err).Str("key", m.Key()).Int64("mutation", m.ID).Msg("failed to trigger sync")
	}
}

func (r *Repository) feature(ctx context.Context, surveyID, featureID string) (*schema.Feature, error) {
	feature, err := r.local.GetFeature(ctx, surveyID, featureID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve feature: %w", err)
	}
	if feature == nil {
		return nil, schema.NewNotFound("Feature", featureID)
	}
	return feature, nil
}
