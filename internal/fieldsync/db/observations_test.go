package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openfield/fieldsync/internal/fieldsync/schema"
)

func remoteObservation(id, species string, created time.Time) *schema.Observation {
	audit := schema.NewAuditInfo(schema.User{ID: "remote-user"}, created)
	return &schema.Observation{
		ID:           id,
		SurveyID:     "survey-1",
		FeatureID:    "feature-1",
		LayerID:      "trees",
		FormID:       "tree-form",
		Responses:    schema.Responses{"species": schema.TextResponse(species)},
		Created:      audit,
		LastModified: audit,
	}
}

func TestGetObservations_OrderAndForm(t *testing.T) {
	store := openTestDB(t, Options{})
	seedFeature(t, store)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"obs-c", "obs-a", "obs-b"} {
		if _, err := store.MergeObservation(ctx, remoteObservation(id, "oak", base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("MergeObservation(%s) failed: %v", id, err)
		}
	}
	other := remoteObservation("obs-other", "elm", base)
	other.FormID = "other-form"
	if _, err := store.MergeObservation(ctx, other); err != nil {
		t.Fatalf("MergeObservation(other) failed: %v", err)
	}

	got, err := store.GetObservations(ctx, "feature-1", "tree-form")
	if err != nil {
		t.Fatalf("GetObservations() failed: %v", err)
	}
	var ids []string
	for _, o := range got {
		ids = append(ids, o.ID)
	}
	want := []string{"obs-c", "obs-a", "obs-b"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids = %v, want %v", ids, want)
			break
		}
	}

	all, _ := store.ListObservations(ctx, "feature-1")
	if len(all) != 4 {
		t.Errorf("ListObservations() = %d, want 4", len(all))
	}

	none, err := store.GetObservations(ctx, "feature-unknown", "tree-form")
	if err != nil || len(none) != 0 {
		t.Errorf("GetObservations(unknown) = %v, %v; want empty", none, err)
	}
}

func TestMergeObservation_RemoteWinsKeepsDeletionFlag(t *testing.T) {
	store := openTestDB(t, Options{MergePolicy: MergeRemoteWins})
	seedFeature(t, store)
	ctx := context.Background()

	if _, _, err := store.ApplyAndEnqueue(ctx, testMutation(schema.MutationCreate, "obs-1", setText("species", "local"))); err != nil {
		t.Fatalf("ApplyAndEnqueue() failed: %v", err)
	}
	if _, err := store.Enqueue(ctx, testMutation(schema.MutationDelete, "obs-1")); err != nil {
		t.Fatalf("Enqueue(delete) failed: %v", err)
	}

	merged, err := store.MergeObservation(ctx, remoteObservation("obs-1", "remote", time.Now()))
	if err != nil || !merged {
		t.Fatalf("MergeObservation() = %v, %v; want merged", merged, err)
	}

	obs, _ := store.GetObservation(ctx, "feature-1", "obs-1")
	if obs.Responses["species"].Text != "remote" {
		t.Errorf("species = %q, want remote to win", obs.Responses["species"].Text)
	}
	if !obs.PendingDeletion {
		t.Error("merge cleared the pending deletion flag")
	}
}

func TestMergeObservation_SkipPending(t *testing.T) {
	store := openTestDB(t, Options{MergePolicy: MergeSkipPending})
	seedFeature(t, store)
	ctx := context.Background()

	create, _, err := store.ApplyAndEnqueue(ctx, testMutation(schema.MutationCreate, "obs-1", setText("species", "local")))
	if err != nil {
		t.Fatalf("ApplyAndEnqueue() failed: %v", err)
	}

	merged, err := store.MergeObservation(ctx, remoteObservation("obs-1", "remote", time.Now()))
	if err != nil {
		t.Fatalf("MergeObservation() failed: %v", err)
	}
	if merged {
		t.Error("merged = true, want local row with queued mutations kept")
	}
	obs, _ := store.GetObservation(ctx, "feature-1", "obs-1")
	if obs.Responses["species"].Text != "local" {
		t.Errorf("species = %q, want local", obs.Responses["species"].Text)
	}

	if _, err := store.MarkSynced(ctx, []int64{create.ID}); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}
	if merged, _ := store.MergeObservation(ctx, remoteObservation("obs-1", "remote", time.Now())); !merged {
		t.Error("merge after sync was skipped")
	}
}

func TestMergeRemote_SkipsErrors(t *testing.T) {
	store := openTestDB(t, Options{})
	seedFeature(t, store)
	ctx := context.Background()

	results := []schema.Result[*schema.Observation]{
		schema.Ok("obs-1", remoteObservation("obs-1", "oak", time.Now())),
		schema.Failed[*schema.Observation]("obs-bad", errors.New("unknown form")),
		schema.Ok("obs-2", remoteObservation("obs-2", "elm", time.Now())),
	}
	for _, res := range results {
		if err := store.MergeRemote(ctx, res); err != nil {
			t.Errorf("MergeRemote(%s) error = %v", res.Key, err)
		}
	}

	if n, _ := store.GetObservationCount(); n != 2 {
		t.Errorf("observation count = %d, want 2", n)
	}
}

func TestMergeObservation_Invalid(t *testing.T) {
	store := openTestDB(t, Options{})
	seedFeature(t, store)

	bad := remoteObservation("obs-1", "oak", time.Now())
	bad.FormID = ""
	if _, err := store.MergeObservation(context.Background(), bad); err == nil {
		t.Error("MergeObservation(invalid) error = nil, want error")
	}
}

func TestRemoveObservation(t *testing.T) {
	store := openTestDB(t, Options{})
	seedFeature(t, store)
	ctx := context.Background()

	_, _ = store.MergeObservation(ctx, remoteObservation("obs-remote", "oak", time.Now()))
	if _, _, err := store.ApplyAndEnqueue(ctx, testMutation(schema.MutationCreate, "obs-local")); err != nil {
		t.Fatalf("ApplyAndEnqueue() failed: %v", err)
	}

	if removed, err := store.RemoveObservation(ctx, "obs-remote"); err != nil || !removed {
		t.Errorf("RemoveObservation(synced) = %v, %v; want removed", removed, err)
	}
	if removed, err := store.RemoveObservation(ctx, "obs-local"); err != nil || removed {
		t.Errorf("RemoveObservation(queued) = %v, %v; want kept", removed, err)
	}
}

func TestPurgeDeleted(t *testing.T) {
	store := openTestDB(t, Options{})
	seedFeature(t, store)
	ctx := context.Background()

	_, _ = store.MergeObservation(ctx, remoteObservation("obs-1", "oak", time.Now()))
	del, err := store.Enqueue(ctx, testMutation(schema.MutationDelete, "obs-1"))
	if err != nil {
		t.Fatalf("Enqueue(delete) failed: %v", err)
	}

	if n, _ := store.PurgeDeleted(ctx); n != 0 {
		t.Errorf("PurgeDeleted() with queued delete = %d, want 0", n)
	}

	// Drop the mutation row directly, as a crash between delivery and purge would leave it.
	if _, err := store.conn.Exec(`DELETE FROM observation_mutations WHERE id = ?`, del.ID); err != nil {
		t.Fatal(err)
	}
	if n, err := store.PurgeDeleted(ctx); err != nil || n != 1 {
		t.Errorf("PurgeDeleted() = %d, %v; want 1", n, err)
	}
}
