package db

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/openfield/fieldsync/internal/fieldsync/schema"
)

func seedFeature(t *testing.T, store *DB) {
	t.Helper()
	if err := store.UpsertFeature(context.Background(), testFeature()); err != nil {
		t.Fatalf("UpsertFeature() failed: %v", err)
	}
}

func TestApplyAndEnqueue_CreateThenUpdate(t *testing.T) {
	store := openTestDB(t, Options{})
	seedFeature(t, store)
	ctx := context.Background()

	create, obs, err := store.ApplyAndEnqueue(ctx, testMutation(schema.MutationCreate, "obs-1", setText("species", "oak")))
	if err != nil {
		t.Fatalf("ApplyAndEnqueue(create) failed: %v", err)
	}
	if create.ID == 0 || create.SyncStatus != schema.SyncPending {
		t.Errorf("queued mutation = %+v, want id and PENDING", create)
	}
	if obs.Responses["species"].Text != "oak" {
		t.Errorf("applied species = %q, want oak", obs.Responses["species"].Text)
	}

	update, _, err := store.ApplyAndEnqueue(ctx, testMutation(schema.MutationUpdate, "obs-1", setText("species", "elm")))
	if err != nil {
		t.Fatalf("ApplyAndEnqueue(update) failed: %v", err)
	}
	if update.ID <= create.ID {
		t.Errorf("update id %d not after create id %d", update.ID, create.ID)
	}

	stored, err := store.GetObservation(ctx, "feature-1", "obs-1")
	if err != nil || stored == nil {
		t.Fatalf("GetObservation() = %v, %v", stored, err)
	}
	if stored.Responses["species"].Text != "elm" {
		t.Errorf("stored species = %q, want elm", stored.Responses["species"].Text)
	}

	pending, err := store.PendingMutations(ctx, "feature-1", time.Now(), 0)
	if err != nil {
		t.Fatalf("PendingMutations() failed: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != create.ID || pending[1].ID != update.ID {
		t.Fatalf("PendingMutations() = %v, want create then update", pending)
	}
	if diff := cmp.Diff(update.ResponseDeltas, pending[1].ResponseDeltas); diff != "" {
		t.Errorf("deltas mismatch (-queued +stored):\n%s", diff)
	}
}

// A rejected apply must leave neither the observation nor the queue changed.
func TestApplyAndEnqueue_Atomic(t *testing.T) {
	store := openTestDB(t, Options{})
	seedFeature(t, store)
	ctx := context.Background()

	_, _, err := store.ApplyAndEnqueue(ctx, testMutation(schema.MutationUpdate, "missing", setText("species", "oak")))
	if !schema.IsNotFound(err) {
		t.Fatalf("ApplyAndEnqueue(update missing) error = %v, want not found", err)
	}

	if n, _ := store.GetObservationCount(); n != 0 {
		t.Errorf("observation count = %d, want 0", n)
	}
	if n, _ := store.GetMutationCount(); n != 0 {
		t.Errorf("mutation count = %d, want 0", n)
	}
}

func TestApplyAndEnqueue_UnknownFeature(t *testing.T) {
	store := openTestDB(t, Options{})

	_, _, err := store.ApplyAndEnqueue(context.Background(), testMutation(schema.MutationCreate, "obs-1"))
	var nf *schema.NotFoundError
	if !errors.As(err, &nf) || nf.Kind != "Feature" {
		t.Errorf("ApplyAndEnqueue() error = %v, want Feature not found", err)
	}
}

func TestEnqueue_DeleteFlagsPendingDeletion(t *testing.T) {
	store := openTestDB(t, Options{})
	seedFeature(t, store)
	ctx := context.Background()

	if _, _, err := store.ApplyAndEnqueue(ctx, testMutation(schema.MutationCreate, "obs-1", setText("species", "oak"))); err != nil {
		t.Fatalf("ApplyAndEnqueue() failed: %v", err)
	}

	del, err := store.Enqueue(ctx, testMutation(schema.MutationDelete, "obs-1"))
	if err != nil {
		t.Fatalf("Enqueue(delete) failed: %v", err)
	}

	obs, _ := store.GetObservation(ctx, "feature-1", "obs-1")
	if obs == nil || !obs.PendingDeletion {
		t.Fatalf("observation = %+v, want present and pending deletion", obs)
	}
	if obs.Responses["species"].Text != "oak" {
		t.Error("delete must not apply response changes locally")
	}

	_, _, err = store.ApplyAndEnqueue(ctx, testMutation(schema.MutationUpdate, "obs-1", setText("species", "elm")))
	if !errors.Is(err, schema.ErrPendingDeletion) {
		t.Errorf("update after delete error = %v, want ErrPendingDeletion", err)
	}

	// Nothing is purged until the DELETE itself has synced.
	pending, _ := store.PendingMutations(ctx, "feature-1", time.Now(), 0)
	var ids []int64
	for _, m := range pending {
		if m.ID != del.ID {
			ids = append(ids, m.ID)
		}
	}
	if purged, err := store.MarkSynced(ctx, ids); err != nil || purged != 0 {
		t.Fatalf("MarkSynced(create) = %d, %v; want 0 purged", purged, err)
	}
	if obs, _ := store.GetObservation(ctx, "feature-1", "obs-1"); obs == nil {
		t.Fatal("observation purged before its delete synced")
	}

	purged, err := store.MarkSynced(ctx, []int64{del.ID})
	if err != nil {
		t.Fatalf("MarkSynced(delete) failed: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}
	if obs, _ := store.GetObservation(ctx, "feature-1", "obs-1"); obs != nil {
		t.Errorf("observation still present after delete synced: %+v", obs)
	}
}

func TestEnqueue_MissingObservation(t *testing.T) {
	store := openTestDB(t, Options{})
	seedFeature(t, store)

	_, err := store.Enqueue(context.Background(), testMutation(schema.MutationDelete, "ghost"))
	if !schema.IsNotFound(err) {
		t.Errorf("Enqueue() error = %v, want not found", err)
	}
}

func TestEnqueue_Invalid(t *testing.T) {
	store := openTestDB(t, Options{})
	m := testMutation(schema.MutationDelete, "obs-1", setText("species", "oak"))
	if _, err := store.Enqueue(context.Background(), m); err == nil {
		t.Error("Enqueue(delete with deltas) error = nil, want error")
	}
}

func TestDeliveryBookkeeping(t *testing.T) {
	store := openTestDB(t, Options{})
	seedFeature(t, store)
	ctx := context.Background()

	m, _, err := store.ApplyAndEnqueue(ctx, testMutation(schema.MutationCreate, "obs-1", setText("species", "oak")))
	if err != nil {
		t.Fatalf("ApplyAndEnqueue() failed: %v", err)
	}

	if err := store.MarkInProgress(ctx, []int64{m.ID}); err != nil {
		t.Fatalf("MarkInProgress() failed: %v", err)
	}
	if pending, _ := store.PendingMutations(ctx, "feature-1", time.Now(), 0); len(pending) != 0 {
		t.Errorf("in-progress mutation returned as pending: %v", pending)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next := now.Add(time.Minute)
	if err := store.MarkFailed(ctx, []int64{m.ID}, "quota exceeded", next); err != nil {
		t.Fatalf("MarkFailed() failed: %v", err)
	}
	if err := store.Reschedule(ctx, []int64{m.ID}, "offline", next); err != nil {
		t.Fatalf("Reschedule() failed: %v", err)
	}

	got, err := store.ListMutations(ctx, MutationFilter{ObservationID: "obs-1"})
	if err != nil || len(got) != 1 {
		t.Fatalf("ListMutations() = %v, %v", got, err)
	}
	if got[0].SyncStatus != schema.SyncFailed || got[0].RetryCount != 1 || got[0].LastError != "offline" {
		t.Errorf("bookkeeping = status %s retries %d error %q; want FAILED 1 offline",
			got[0].SyncStatus, got[0].RetryCount, got[0].LastError)
	}
	if got[0].NextAttemptAt == nil || !got[0].NextAttemptAt.Equal(next) {
		t.Errorf("NextAttemptAt = %v, want %v", got[0].NextAttemptAt, next)
	}

	if keys, _ := store.PendingKeys(ctx, now); len(keys) != 0 {
		t.Errorf("PendingKeys(before backoff) = %v, want none", keys)
	}
	keys, err := store.PendingKeys(ctx, next.Add(time.Second))
	if err != nil {
		t.Fatalf("PendingKeys() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"feature-1"}, keys); diff != "" {
		t.Errorf("PendingKeys(after backoff) mismatch (-want +got):\n%s", diff)
	}

	counts, err := store.CountMutations(ctx)
	if err != nil {
		t.Fatalf("CountMutations() failed: %v", err)
	}
	if counts[schema.SyncFailed] != 1 {
		t.Errorf("counts = %v, want 1 FAILED", counts)
	}
}

func TestPendingMutations_StopsAtBackedOff(t *testing.T) {
	store := openTestDB(t, Options{})
	seedFeature(t, store)
	ctx := context.Background()

	first, _, _ := store.ApplyAndEnqueue(ctx, testMutation(schema.MutationCreate, "obs-1", setText("species", "oak")))
	second, _, _ := store.ApplyAndEnqueue(ctx, testMutation(schema.MutationUpdate, "obs-1", setText("species", "elm")))

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next := now.Add(time.Hour)
	if err := store.MarkFailed(ctx, []int64{first.ID}, "rejected", next); err != nil {
		t.Fatalf("MarkFailed() failed: %v", err)
	}

	pending, err := store.PendingMutations(ctx, "feature-1", now, 0)
	if err != nil {
		t.Fatalf("PendingMutations() failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("PendingMutations(before backoff) = %v, want none", pending)
	}

	pending, err = store.PendingMutations(ctx, "feature-1", next, 0)
	if err != nil {
		t.Fatalf("PendingMutations() failed: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != first.ID || pending[1].ID != second.ID {
		t.Errorf("PendingMutations(after backoff) = %v, want both in order", pending)
	}
}

func TestResetInProgress(t *testing.T) {
	store := openTestDB(t, Options{})
	seedFeature(t, store)
	ctx := context.Background()

	m, _, _ := store.ApplyAndEnqueue(ctx, testMutation(schema.MutationCreate, "obs-1"))
	_ = store.MarkInProgress(ctx, []int64{m.ID})

	n, err := store.ResetInProgress(ctx)
	if err != nil {
		t.Fatalf("ResetInProgress() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("reset = %d, want 1", n)
	}
	if pending, _ := store.PendingMutations(ctx, "feature-1", time.Now(), 0); len(pending) != 1 {
		t.Errorf("pending after reset = %d, want 1", len(pending))
	}
}

func TestDiscardMutation_RestoresDeletedObservation(t *testing.T) {
	store := openTestDB(t, Options{})
	seedFeature(t, store)
	ctx := context.Background()

	create, _, _ := store.ApplyAndEnqueue(ctx, testMutation(schema.MutationCreate, "obs-1"))
	_, _ = store.MarkSynced(ctx, []int64{create.ID})

	del, err := store.Enqueue(ctx, testMutation(schema.MutationDelete, "obs-1"))
	if err != nil {
		t.Fatalf("Enqueue(delete) failed: %v", err)
	}
	if err := store.DiscardMutation(ctx, del); err != nil {
		t.Fatalf("DiscardMutation() failed: %v", err)
	}

	obs, _ := store.GetObservation(ctx, "feature-1", "obs-1")
	if obs == nil || obs.PendingDeletion {
		t.Errorf("observation = %+v, want present and no longer pending deletion", obs)
	}
	if n, _ := store.GetMutationCount(); n != 0 {
		t.Errorf("mutation count = %d, want 0", n)
	}
}

// Concurrent edits of one observation are serialised: every mutation lands
// in the queue and the stored row reflects the last one applied.
func TestApplyAndEnqueue_Concurrent(t *testing.T) {
	store := openTestDB(t, Options{})
	seedFeature(t, store)
	ctx := context.Background()

	if _, _, err := store.ApplyAndEnqueue(ctx, testMutation(schema.MutationCreate, "obs-1")); err != nil {
		t.Fatalf("ApplyAndEnqueue(create) failed: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := testMutation(schema.MutationUpdate, "obs-1", setText("species", string(rune('a'+i))))
			if _, _, err := store.ApplyAndEnqueue(ctx, m); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent ApplyAndEnqueue() failed: %v", err)
	}

	pending, _ := store.PendingMutations(ctx, "feature-1", time.Now(), 0)
	if len(pending) != writers+1 {
		t.Fatalf("queued = %d, want %d", len(pending), writers+1)
	}

	replayed, err := schema.Replay(pending)
	if err != nil {
		t.Fatalf("Replay() failed: %v", err)
	}
	stored, _ := store.GetObservation(ctx, "feature-1", "obs-1")
	if replayed.Responses["species"].Text != stored.Responses["species"].Text {
		t.Errorf("stored species %q does not match queue replay %q",
			stored.Responses["species"].Text, replayed.Responses["species"].Text)
	}
}
