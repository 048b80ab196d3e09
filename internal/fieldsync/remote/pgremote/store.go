// Package pgremote implements remote.Store on Postgres.
//
// Each observation is one JSONB document keyed by feature and observation id.
// Every write takes a fresh revision from a sequence; deletions leave a
// tombstone so the polling changefeed can report them.
package pgremote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	"github.com/rs/zerolog"

	"github.com/openfield/fieldsync/internal/fieldsync/remote"
	"github.com/openfield/fieldsync/internal/fieldsync/schema"
	"github.com/openfield/fieldsync/internal/logging"
)

var _ remote.Store = (*Store)(nil)

const driverName = "pgx"

const ddl = `
CREATE SEQUENCE IF NOT EXISTS remote_observation_revisions;

CREATE TABLE IF NOT EXISTS remote_observations (
	feature_id       TEXT NOT NULL,
	id               TEXT NOT NULL,
	document         JSONB,
	deleted          BOOLEAN NOT NULL DEFAULT FALSE,
	revision         BIGINT NOT NULL,
	created_revision BIGINT NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (feature_id, id)
);

CREATE INDEX IF NOT EXISTS idx_remote_observations_revision
	ON remote_observations(feature_id, revision);
`

// Options configures a Store.
type Options struct {
	// PollInterval is how often the changefeed polls for new revisions.
	// Default: 1s
	PollInterval time.Duration

	// Now is the server clock stamped on writes. Default: time.Now
	Now func() time.Time

	Logger *zerolog.Logger
}

// Store is a remote.Store backed by Postgres.
type Store struct {
	db     *sql.DB
	opts   Options
	logger zerolog.Logger
}

// Open connects to dsn, checks the connection and creates the schema.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	s := New(db, opts)
	if err := s.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database. The schema is not created; call InitSchema.
func New(db *sql.DB, opts Options) *Store {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		db:     db,
		opts:   opts,
		logger: logging.Component(opts.Logger, "remote.postgres"),
	}
}

// InitSchema creates the document table if it does not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create remote schema: %w", err)
	}
	return nil
}

// DB exposes the underlying sql.DB for tests.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put writes obs as a remote document outside of any mutation batch.
func (s *Store) Put(ctx context.Context, obs *schema.Observation) error {
	data, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("failed to marshal observation %s: %w", obs.ID, err)
	}
	return upsert(ctx, s.db, obs.FeatureID, obs.ID, data)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsert(ctx context.Context, q execer, featureID, id string, doc []byte) error {
	_, err := q.ExecContext(ctx, `
	WITH rev AS (SELECT nextval('remote_observation_revisions') AS n)
	INSERT INTO remote_observations (feature_id, id, document, deleted, revision, created_revision, updated_at)
	SELECT $1::text, $2::text, $3::jsonb, FALSE, rev.n, rev.n, now() FROM rev
	ON CONFLICT (feature_id, id) DO UPDATE SET
		document = EXCLUDED.document,
		deleted = FALSE,
		revision = EXCLUDED.revision,
		created_revision = CASE WHEN remote_observations.deleted
			THEN EXCLUDED.revision ELSE remote_observations.created_revision END,
		updated_at = now()`, featureID, id, doc)
	if err != nil {
		return classify("apply", fmt.Errorf("failed to write %s: %w", id, err))
	}
	return nil
}

func tombstone(ctx context.Context, q execer, featureID, id string) error {
	_, err := q.ExecContext(ctx, `
	UPDATE remote_observations
	SET document = NULL, deleted = TRUE,
		revision = nextval('remote_observation_revisions'), updated_at = now()
	WHERE feature_id = $1 AND id = $2 AND NOT deleted`, featureID, id)
	if err != nil {
		return classify("apply", fmt.Errorf("failed to delete %s: %w", id, err))
	}
	return nil
}

// LoadObservations implements remote.Store.
func (s *Store) LoadObservations(ctx context.Context, feature *schema.Feature) ([]schema.Result[*schema.Observation], error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, document FROM remote_observations
	WHERE feature_id = $1 AND NOT deleted
	ORDER BY id`, feature.ID)
	if err != nil {
		return nil, classify("load", err)
	}
	defer rows.Close()

	var results []schema.Result[*schema.Observation]
	for rows.Next() {
		var (
			id  string
			doc []byte
		)
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, classify("load", fmt.Errorf("failed to scan document: %w", err))
		}
		results = append(results, decodeResult(id, doc))
	}
	if err := rows.Err(); err != nil {
		return nil, classify("load", err)
	}
	return results, nil
}

// ApplyMutations implements remote.Store. The batch commits in one
// transaction; documents touched by the batch are locked while it is
// planned.
func (s *Store) ApplyMutations(ctx context.Context, mutations []*schema.Mutation, user schema.User) (remote.BatchReport, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return remote.BatchReport{}, classify("apply", fmt.Errorf("failed to begin transaction: %w", err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	lookup := func(ctx context.Context, featureID, id string) (*schema.Observation, error) {
		var (
			doc     []byte
			deleted bool
		)
		err := tx.QueryRowContext(ctx, `
		SELECT document, deleted FROM remote_observations
		WHERE feature_id = $1 AND id = $2
		FOR UPDATE`, featureID, id).Scan(&doc, &deleted)
		if errors.Is(err, sql.ErrNoRows) || deleted {
			return nil, nil
		}
		if err != nil {
			return nil, classify("apply", fmt.Errorf("failed to read %s: %w", id, err))
		}
		return decode(id, doc)
	}

	writes, skipped, err := remote.Plan(ctx, mutations, user, s.opts.Now(), lookup, s.logger)
	if err != nil {
		return remote.BatchReport{}, err
	}

	for _, w := range writes {
		if w.Delete {
			if err := tombstone(ctx, tx, w.FeatureID, w.ObservationID); err != nil {
				return remote.BatchReport{}, err
			}
			continue
		}
		data, err := json.Marshal(w.Observation)
		if err != nil {
			return remote.BatchReport{}, remote.NewError("apply", remote.CodeInvalidArgument, err)
		}
		if err := upsert(ctx, tx, w.FeatureID, w.ObservationID, data); err != nil {
			return remote.BatchReport{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return remote.BatchReport{}, classify("apply", fmt.Errorf("failed to commit: %w", err))
	}
	committed = true

	return remote.BatchReport{Applied: remote.AppliedIDs(writes), Skipped: skipped}, nil
}

func decode(id string, doc []byte) (*schema.Observation, error) {
	obs, err := schema.DecodeObservation(doc)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", remote.ErrMalformed, id, err)
	}
	return obs, nil
}

func decodeResult(id string, doc []byte) schema.Result[*schema.Observation] {
	obs, err := decode(id, doc)
	if err != nil {
		return schema.Failed[*schema.Observation](id, err)
	}
	return schema.Ok(id, obs)
}
