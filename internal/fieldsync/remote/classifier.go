package remote

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfield/fieldsync/internal/fieldsync/schema"
	"github.com/openfield/fieldsync/internal/logging"
)

// Classifier decides which remote errors are swallowed.
type Classifier interface {
	// Intercept reports whether err should surface as ErrPending instead of
	// a hard failure.
	Intercept(err error) bool
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(err error) bool

// Intercept implements Classifier.
func (f ClassifierFunc) Intercept(err error) bool { return f(err) }

// TableClassifier intercepts errors whose Code is in the table.
type TableClassifier map[Code]bool

// NewTableClassifier returns a classifier intercepting codes.
func NewTableClassifier(codes ...Code) TableClassifier {
	t := make(TableClassifier, len(codes))
	for _, c := range codes {
		t[c] = true
	}
	return t
}

// ParseTableClassifier builds a classifier from code names, as found in the
// classifier.intercept config key.
func ParseTableClassifier(names []string) (TableClassifier, error) {
	t := make(TableClassifier, len(names))
	for _, name := range names {
		c, err := ParseCode(name)
		if err != nil {
			return nil, err
		}
		t[c] = true
	}
	return t, nil
}

// Intercept implements Classifier.
func (t TableClassifier) Intercept(err error) bool {
	if err == nil {
		return false
	}
	return t[CodeOf(err)]
}

// Intercept wraps store so errors matched by c are replaced with ErrPending.
// Error events on a changefeed that match are dropped.
func Intercept(store Store, c Classifier, logger *zerolog.Logger) Store {
	return &intercepted{
		store:  store,
		c:      c,
		logger: logging.Component(logger, "remote"),
	}
}

type intercepted struct {
	store  Store
	c      Classifier
	logger zerolog.Logger
}

func (s *intercepted) swallow(op string, err error) error {
	if err == nil || !s.c.Intercept(err) {
		return err
	}
	s.logger.Debug().Err(err).Str("op", op).Msg("remote error intercepted")
	return fmt.Errorf("%w: %s: %v", ErrPending, op, err)
}

func (s *intercepted) LoadObservations(ctx context.Context, feature *schema.Feature) ([]schema.Result[*schema.Observation], error) {
	results, err := s.store.LoadObservations(ctx, feature)
	if err != nil {
		return nil, s.swallow("load", err)
	}
	return results, nil
}

func (s *intercepted) LoadObservationsAndStreamChanges(ctx context.Context, feature *schema.Feature) (<-chan schema.Result[ChangeEvent], error) {
	in, err := s.store.LoadObservationsAndStreamChanges(ctx, feature)
	if err != nil {
		return nil, s.swallow("stream", err)
	}

	out := make(chan schema.Result[ChangeEvent])
	go func() {
		defer close(out)
		for res := range in {
			if res.Err != nil && s.c.Intercept(res.Err) {
				s.logger.Debug().Err(res.Err).Str("key", res.Key).Msg("change event error intercepted")
				continue
			}
			select {
			case out <- res:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *intercepted) ApplyMutations(ctx context.Context, mutations []*schema.Mutation, user schema.User) (BatchReport, error) {
	report, err := s.store.ApplyMutations(ctx, mutations, user)
	if err != nil {
		return report, s.swallow("apply", err)
	}
	return report, nil
}
