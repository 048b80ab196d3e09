// Package dirremote implements remote.Store on a shared directory.
//
// Directory layout:
//
//	<root>/<feature id>/<observation id>.json
//
// Documents are written whole by renaming a temp file into place. A batch is
// not atomic: each write lands on its own, and a failed write is reported
// per mutation while the rest of the batch is still written.
package dirremote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfield/fieldsync/internal/fieldsync/remote"
	"github.com/openfield/fieldsync/internal/fieldsync/schema"
	"github.com/openfield/fieldsync/internal/logging"
)

var _ remote.Store = (*Store)(nil)

// Options configures a Store.
type Options struct {
	// Now is the server clock stamped on writes. Default: time.Now
	Now func() time.Time

	Logger *zerolog.Logger
}

// Store is a remote.Store on a directory tree.
type Store struct {
	root   string
	now    func() time.Time
	logger zerolog.Logger

	// mu serializes batches within this process.
	mu sync.Mutex

	write  func(dir string, obs *schema.Observation) error
	remove func(dir, id string) error
}

// New returns a Store rooted at root, creating the directory if needed.
func New(root string, opts Options) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("root directory is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		root:   root,
		now:    opts.Now,
		logger: logging.Component(opts.Logger, "remote.dir"),
		write:  schema.WriteObservationFile,
		remove: schema.DeleteObservationFile,
	}, nil
}

// Root returns the root directory.
func (s *Store) Root() string { return s.root }

func (s *Store) featureDir(featureID string) string {
	return filepath.Join(s.root, featureID)
}

// Put writes obs as a remote document outside of any mutation batch.
func (s *Store) Put(obs *schema.Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(s.featureDir(obs.FeatureID), obs); err != nil {
		return classify("put", err)
	}
	return nil
}

// LoadObservations implements remote.Store. Documents are returned in id
// order; unreadable ones become error results.
func (s *Store) LoadObservations(ctx context.Context, feature *schema.Feature) ([]schema.Result[*schema.Observation], error) {
	if err := ctx.Err(); err != nil {
		return nil, remote.NewError("load", remote.CodeUnavailable, err)
	}

	dir := s.featureDir(feature.ID)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("load", fmt.Errorf("failed to list %s: %w", dir, err))
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() || !schema.IsObservationFile(e.Name()) {
			continue
		}
		ids = append(ids, schema.ObservationIDFromPath(e.Name()))
	}
	sort.Strings(ids)

	results := make([]schema.Result[*schema.Observation], 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, remote.NewError("load", remote.CodeUnavailable, err)
		}
		obs, err := s.read(feature.ID, id)
		switch {
		case err != nil:
			results = append(results, schema.Failed[*schema.Observation](id, err))
		case obs != nil:
			results = append(results, schema.Ok(id, obs))
		}
	}
	return results, nil
}

// read returns the document for id, nil if it does not exist. Unparseable
// documents wrap remote.ErrMalformed.
func (s *Store) read(featureID, id string) (*schema.Observation, error) {
	path := filepath.Join(s.featureDir(featureID), id+".json")
	obs, err := schema.ReadObservationFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", remote.ErrMalformed, id, err)
	}
	return obs, nil
}

// ApplyMutations implements remote.Store.
//
// Writes are attempted one by one in batch order. A write that fails is
// reported in BatchReport.Failed and the remaining writes still go ahead, so
// the batch may land partially.
func (s *Store) ApplyMutations(ctx context.Context, mutations []*schema.Mutation, user schema.User) (remote.BatchReport, error) {
	if err := ctx.Err(); err != nil {
		return remote.BatchReport{}, remote.NewError("apply", remote.CodeUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lookup := func(_ context.Context, featureID, id string) (*schema.Observation, error) {
		return s.read(featureID, id)
	}
	writes, skipped, err := remote.Plan(ctx, mutations, user, s.now(), lookup, s.logger)
	if err != nil {
		return remote.BatchReport{}, classify("apply", err)
	}

	report := remote.BatchReport{Skipped: skipped}
	for _, w := range writes {
		dir := s.featureDir(w.FeatureID)
		var err error
		if w.Delete {
			err = s.remove(dir, w.ObservationID)
		} else {
			err = s.write(dir, w.Observation)
		}
		if err != nil {
			s.logger.Error().
				Err(err).
				Int64("mutation", w.MutationID).
				Str("observation", w.ObservationID).
				Msg("failed to write remote document")
			report.Failed = append(report.Failed, remote.Rejection{MutationID: w.MutationID, Reason: err.Error()})
			continue
		}
		report.Applied = append(report.Applied, w.MutationID)
	}

	if len(report.Failed) > 0 {
		s.logger.Error().
			Int("applied", len(report.Applied)).
			Int("failed", len(report.Failed)).
			Msg("batch applied partially")
	}
	return report, nil
}

// classify maps filesystem errors to remote codes.
func classify(op string, err error) error {
	var re *remote.Error
	if errors.As(err, &re) {
		return err
	}
	code := remote.CodeUnknown
	switch {
	case errors.Is(err, os.ErrPermission):
		code = remote.CodePermissionDenied
	case errors.Is(err, os.ErrNotExist):
		code = remote.CodeNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		code = remote.CodeUnavailable
	}
	return remote.NewError(op, code, err)
}
