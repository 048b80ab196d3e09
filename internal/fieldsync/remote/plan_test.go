package remote

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfield/fieldsync/internal/fieldsync/schema"
)

func TestTranslate_UpdateOfMissingDocumentUpserts(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	w, err := Translate(nil, mutation(5, schema.MutationUpdate, "obs-a", text("species", "oak")), schema.User{ID: "user-1"}, now)
	if err != nil {
		t.Fatalf("Translate() failed: %v", err)
	}
	if w.Delete || w.Observation == nil || w.MutationID != 5 {
		t.Fatalf("write = %+v, want upsert of mutation 5", w)
	}
	if w.Observation.Created.ServerTimestamp == nil || !w.Observation.Created.ServerTimestamp.Equal(now) {
		t.Errorf("created = %+v, want server timestamp %v", w.Observation.Created, now)
	}
}

func TestTranslate_PreservesCreated(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	current := &schema.Observation{
		ID: "obs-a", SurveyID: "survey-1", FeatureID: "feature-1", FormID: "tree-form",
		Responses: schema.Responses{"species": schema.TextResponse("oak")},
		Created:   schema.NewAuditInfo(schema.User{ID: "first"}, created),
	}

	w, err := Translate(current, mutation(6, schema.MutationUpdate, "obs-a", text("species", "elm")), schema.User{ID: "user-1"}, time.Now())
	if err != nil {
		t.Fatalf("Translate() failed: %v", err)
	}
	if w.Observation.Created.User.ID != "first" || !w.Observation.Created.ClientTimestamp.Equal(created) {
		t.Errorf("created = %+v, want original", w.Observation.Created)
	}
	if current.Responses["species"].Text != "oak" {
		t.Error("Translate modified the current document")
	}
}

func TestPlan_LookupFailures(t *testing.T) {
	nop := zerolog.Nop()
	ctx := context.Background()
	batch := []*schema.Mutation{
		mutation(1, schema.MutationUpdate, "obs-corrupt", text("a", "b")),
		mutation(2, schema.MutationCreate, "obs-new"),
	}

	lookup := func(_ context.Context, _, id string) (*schema.Observation, error) {
		if id == "obs-corrupt" {
			return nil, fmt.Errorf("%w: bad json", ErrMalformed)
		}
		return nil, nil
	}
	writes, skipped, err := Plan(ctx, batch, schema.User{ID: "u"}, time.Now(), lookup, nop)
	if err != nil {
		t.Fatalf("Plan() failed: %v", err)
	}
	if len(writes) != 1 || writes[0].MutationID != 2 {
		t.Errorf("writes = %+v, want mutation 2 only", writes)
	}
	if len(skipped) != 1 || skipped[0].MutationID != 1 {
		t.Errorf("skipped = %+v, want mutation 1", skipped)
	}

	offline := errors.New("connection refused")
	_, _, err = Plan(ctx, batch, schema.User{ID: "u"}, time.Now(),
		func(context.Context, string, string) (*schema.Observation, error) { return nil, offline }, nop)
	if !errors.Is(err, offline) {
		t.Errorf("Plan() error = %v, want lookup error to abort the batch", err)
	}
}

func TestBatchReport_Partial(t *testing.T) {
	if (BatchReport{Applied: []int64{1}}).Partial() {
		t.Error("Partial() = true for a clean batch")
	}
	if !(BatchReport{Applied: []int64{1}, Failed: []Rejection{{MutationID: 2}}}).Partial() {
		t.Error("Partial() = false for a half-written batch")
	}
}
