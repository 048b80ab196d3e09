package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfield/fieldsync/internal/fieldsync/remote"
	"github.com/openfield/fieldsync/internal/fieldsync/retry"
	"github.com/openfield/fieldsync/internal/fieldsync/schema"
	"github.com/openfield/fieldsync/internal/logging"
)

// LocalStore is the subset of db.DB the syncer writes to.
type LocalStore interface {
	MergeRemote(ctx context.Context, res schema.Result[*schema.Observation]) error
	RemoveObservation(ctx context.Context, observationID string) (bool, error)
}

// Config holds syncer options.
type Config struct {
	// Backoff between changefeed restarts. Default: 1s doubling up to 1m
	Backoff retry.Backoff

	// Logger for skipped items and stream restarts.
	Logger *zerolog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Backoff: retry.NewExponentialBackoff(time.Second, time.Minute),
	}
}

// Stats summarizes one Pull.
type Stats struct {
	Fetched int
	Merged  int
	Skipped int
}

// Syncer merges remote observations into the local store.
type Syncer struct {
	local  LocalStore
	remote remote.Store
	config *Config
	logger zerolog.Logger
}

// New creates a syncer. A nil config uses DefaultConfig.
func New(local LocalStore, store remote.Store, config *Config) *Syncer {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Backoff == nil {
		config.Backoff = DefaultConfig().Backoff
	}
	return &Syncer{
		local:  local,
		remote: store,
		config: config,
		logger: logging.Component(config.Logger, "sync"),
	}
}

// Pull loads every remote observation of feature and merges the good ones.
//
// Bad remote items and items that fail to merge are logged and counted in
// Stats.Skipped. The returned error is the load failure, or ctx.Err() if the
// context ended mid-merge; results that arrive after that are not merged.
func (s *Syncer) Pull(ctx context.Context, feature *schema.Feature) (Stats, error) {
	var stats Stats

	results, err := s.remote.LoadObservations(ctx, feature)
	if err != nil {
		return stats, fmt.Errorf("failed to load remote observations for %s: %w", feature.ID, err)
	}
	stats.Fetched = len(results)

	for _, res := range results {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if !res.IsOk() {
			_ = s.local.MergeRemote(ctx, res)
			stats.Skipped++
			continue
		}
		if err := s.local.MergeRemote(ctx, res); err != nil {
			s.logger.Error().Err(err).Str("key", res.Key).Msg("failed to merge remote observation")
			stats.Skipped++
			continue
		}
		stats.Merged++
	}

	s.logger.Debug().
		Str("feature", feature.ID).
		Int("fetched", stats.Fetched).
		Int("merged", stats.Merged).
		Int("skipped", stats.Skipped).
		Msg("pulled remote observations")
	return stats, nil
}

// Follow keeps feature's local observations up to date from the remote
// changefeed until ctx is done. The stream is restarted with backoff whenever
// it fails or ends.
func (s *Syncer) Follow(ctx context.Context, feature *schema.Feature) error {
	attempt := 0
	for {
		received, err := s.follow(ctx, feature)
		if ctx.Err() != nil {
			return nil
		}
		if received {
			attempt = 0
		}

		delay := s.config.Backoff.Delay(attempt)
		attempt++
		ev := s.logger.Warn().Str("feature", feature.ID).Dur("retry_in", delay)
		if err != nil {
			ev = ev.Err(err)
		}
		ev.Msg("changefeed ended, restarting")

		if err := retry.Sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// follow consumes one changefeed until it closes. received reports whether
// any event arrived.
func (s *Syncer) follow(ctx context.Context, feature *schema.Feature) (received bool, err error) {
	events, err := s.remote.LoadObservationsAndStreamChanges(ctx, feature)
	if err != nil {
		return false, err
	}

	for res := range events {
		received = true
		if err := ctx.Err(); err != nil {
			return received, err
		}
		if res.Err != nil {
			s.logger.Error().Err(res.Err).Str("key", res.Key).Msg("skipping bad change event")
			continue
		}
		s.apply(ctx, res.Value)
	}
	return received, nil
}

func (s *Syncer) apply(ctx context.Context, ev remote.ChangeEvent) {
	switch ev.Type {
	case remote.EventAdded, remote.EventModified:
		if err := s.local.MergeRemote(ctx, schema.Ok(ev.ObservationID, ev.Observation)); err != nil {
			s.logger.Error().Err(err).Str("key", ev.ObservationID).Msg("failed to merge change event")
		}
	case remote.EventRemoved:
		removed, err := s.local.RemoveObservation(ctx, ev.ObservationID)
		if err != nil {
			s.logger.Error().Err(err).Str("key", ev.ObservationID).Msg("failed to remove observation")
			return
		}
		if !removed {
			s.logger.Debug().Str("key", ev.ObservationID).Msg("remote removal ignored, observation absent or has queued mutations")
		}
	default:
		s.logger.Warn().Str("type", string(ev.Type)).Str("key", ev.ObservationID).Msg("unknown change event type")
	}
}
