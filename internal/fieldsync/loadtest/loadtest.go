// Package loadtest drives a concurrent edit workload against the local store.
//
// Many editors apply updates to a shared set of observations at the same
// time. The run measures how long each durable apply-and-enqueue takes and
// then checks, per observation, that the queue holds every edit in the order
// each editor made them and that replaying the queue reproduces the stored
// observation.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openfield/fieldsync/internal/fieldsync/db"
	"github.com/openfield/fieldsync/internal/fieldsync/schema"
	"github.com/openfield/fieldsync/internal/logging"
)

const (
	surveyID = "loadtest"
	layerID  = "plots"
	formID   = "plot-form"
)

// Config sizes a run.
type Config struct {
	// Path of the SQLite file to create.
	Path string

	// Features to spread observations over. Default: 4
	Features int

	// ObservationsPerFeature is the number of shared observations. Default: 5
	ObservationsPerFeature int

	// Editors is the number of concurrent writers. Default: 16
	Editors int

	// EditsPerEditor is the number of updates each writer makes. Default: 50
	EditsPerEditor int

	// Seed makes the choice of observations reproducible. Default: 42
	Seed int64

	Logger *zerolog.Logger
}

func (c *Config) setDefaults() {
	if c.Features <= 0 {
		c.Features = 4
	}
	if c.ObservationsPerFeature <= 0 {
		c.ObservationsPerFeature = 5
	}
	if c.Editors <= 0 {
		c.Editors = 16
	}
	if c.EditsPerEditor <= 0 {
		c.EditsPerEditor = 50
	}
	if c.Seed == 0 {
		c.Seed = 42
	}
}

// LatencyStats captures apply-and-enqueue latencies.
type LatencyStats struct {
	Min       time.Duration
	Max       time.Duration
	Mean      time.Duration
	P50       time.Duration // Median
	P95       time.Duration
	P99       time.Duration
	Total     int
	Durations []time.Duration
}

// Report is the outcome of a run.
type Report struct {
	Latency      *LatencyStats
	Elapsed      time.Duration
	Mutations    int
	Observations int

	// OrderViolations lists observations whose queue does not match the
	// order edits were made in, or whose replay differs from the stored row.
	OrderViolations []string
}

// Run seeds a fresh database at cfg.Path, runs the workload and verifies
// the queue.
func Run(ctx context.Context, cfg Config) (*Report, error) {
	cfg.setDefaults()
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	logger := logging.Component(cfg.Logger, "loadtest")

	store, err := db.OpenWithOptions(cfg.Path, db.Options{Logger: cfg.Logger})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()
	if err := store.InitSchemaContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	targets, err := seed(ctx, store, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info().
		Int("observations", len(targets)).
		Int("editors", cfg.Editors).
		Int("edits_per_editor", cfg.EditsPerEditor).
		Msg("starting load test")

	var (
		mu        sync.Mutex
		durations = make([]time.Duration, 0, cfg.Editors*cfg.EditsPerEditor)
	)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Editors; i++ {
		editor := i
		g.Go(func() error {
			rng := rand.New(rand.NewSource(cfg.Seed + int64(editor)))
			local := make([]time.Duration, 0, cfg.EditsPerEditor)
			for j := 0; j < cfg.EditsPerEditor; j++ {
				target := targets[rng.Intn(len(targets))]
				m := edit(target, editor, j)

				t0 := time.Now()
				if _, _, err := store.ApplyAndEnqueue(gctx, m); err != nil {
					return fmt.Errorf("editor %d edit %d failed: %w", editor, j, err)
				}
				local = append(local, time.Since(t0))
			}
			mu.Lock()
			durations = append(durations, local...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &Report{
		Latency:      computeLatencyStats(durations),
		Elapsed:      time.Since(start),
		Observations: len(targets),
	}
	for _, target := range targets {
		n, violation, err := verify(ctx, store, target)
		if err != nil {
			return nil, err
		}
		report.Mutations += n
		if violation != "" {
			logger.Error().Str("observation", target.ObservationID).Msg(violation)
			report.OrderViolations = append(report.OrderViolations, target.ObservationID+": "+violation)
		}
	}
	return report, nil
}

// seed creates the features and one CREATE per shared observation.
func seed(ctx context.Context, store *db.DB, cfg Config) ([]*schema.Mutation, error) {
	var targets []*schema.Mutation
	for f := 0; f < cfg.Features; f++ {
		feature := &schema.Feature{
			ID:       fmt.Sprintf("plot-%03d", f),
			SurveyID: surveyID,
			Layer: schema.Layer{ID: layerID, Forms: []schema.Form{{
				ID:     formID,
				Fields: editorFields(cfg.Editors),
			}}},
		}
		if err := store.UpsertFeature(ctx, feature); err != nil {
			return nil, fmt.Errorf("failed to insert feature %s: %w", feature.ID, err)
		}

		for o := 0; o < cfg.ObservationsPerFeature; o++ {
			m := &schema.Mutation{
				Type:            schema.MutationCreate,
				SurveyID:        surveyID,
				FeatureID:       feature.ID,
				LayerID:         layerID,
				FormID:          formID,
				ObservationID:   fmt.Sprintf("%s-obs-%03d", feature.ID, o),
				ClientTimestamp: time.Now().UTC(),
				UserID:          "loadtest",
			}
			if _, _, err := store.ApplyAndEnqueue(ctx, m); err != nil {
				return nil, fmt.Errorf("failed to create observation %s: %w", m.ObservationID, err)
			}
			targets = append(targets, m)
		}
	}
	return targets, nil
}

func editorFields(n int) []schema.Field {
	fields := make([]schema.Field, n)
	for i := range fields {
		fields[i] = schema.Field{ID: editorField(i), Type: schema.FieldNumber}
	}
	return fields
}

func editorField(editor int) string {
	return "editor-" + strconv.Itoa(editor)
}

// edit sets the editor's own field to its edit counter.
func edit(target *schema.Mutation, editor, seq int) *schema.Mutation {
	r := schema.NumberResponse(float64(seq))
	return &schema.Mutation{
		Type:            schema.MutationUpdate,
		SurveyID:        target.SurveyID,
		FeatureID:       target.FeatureID,
		LayerID:         target.LayerID,
		FormID:          target.FormID,
		ObservationID:   target.ObservationID,
		ResponseDeltas:  []schema.ResponseDelta{{FieldID: editorField(editor), FieldType: r.Kind, New: &r}},
		ClientTimestamp: time.Now().UTC(),
		UserID:          editorField(editor),
	}
}

// verify checks the queue of one observation. It returns the number of
// queued mutations and a description of the first violation found.
func verify(ctx context.Context, store *db.DB, target *schema.Mutation) (int, string, error) {
	queued, err := store.ListMutations(ctx, db.MutationFilter{ObservationID: target.ObservationID})
	if err != nil {
		return 0, "", err
	}

	last := make(map[string]float64)
	for _, m := range queued {
		for _, d := range m.ResponseDeltas {
			if prev, ok := last[d.FieldID]; ok && d.New.Number <= prev {
				return len(queued), fmt.Sprintf("%s edit %v queued after %v", d.FieldID, d.New.Number, prev), nil
			}
			last[d.FieldID] = d.New.Number
		}
	}

	replayed, err := schema.Replay(queued)
	if err != nil {
		return len(queued), fmt.Sprintf("replay failed: %v", err), nil
	}
	stored, err := store.GetObservation(ctx, target.FeatureID, target.ObservationID)
	if err != nil {
		return 0, "", err
	}
	if stored == nil {
		return len(queued), "stored observation missing", nil
	}
	if len(stored.Responses) != len(replayed.Responses) {
		return len(queued), fmt.Sprintf("replay has %d responses, stored %d", len(replayed.Responses), len(stored.Responses)), nil
	}
	for field, want := range replayed.Responses {
		if got, ok := stored.Responses[field]; !ok || !got.Equal(want) {
			return len(queued), fmt.Sprintf("field %s: stored %v, replay %v", field, got, want), nil
		}
	}
	return len(queued), "", nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      sum / time.Duration(len(durations)),
		P50:       sorted[len(sorted)*50/100],
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		Total:     len(durations),
		Durations: sorted,
	}
}

// Print writes a human-readable summary of r to w.
func (r *Report) Print(w io.Writer) {
	s := r.Latency
	fmt.Fprintf(w, "Load test:\n")
	fmt.Fprintf(w, "  Observations:  %d\n", r.Observations)
	fmt.Fprintf(w, "  Mutations:     %d\n", r.Mutations)
	fmt.Fprintf(w, "  Elapsed:       %v\n", r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Apply-and-enqueue latency:\n")
	fmt.Fprintf(w, "  Total:         %d\n", s.Total)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
	fmt.Fprintf(w, "Order violations: %d\n", len(r.OrderViolations))
	for _, v := range r.OrderViolations {
		fmt.Fprintf(w, "  %s\n", v)
	}
}
