package schema

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func newMutation(id int64, typ MutationType, deltas ...ResponseDelta) *Mutation {
	return &Mutation{
		ID:              id,
		Type:            typ,
		SurveyID:        "survey-1",
		FeatureID:       "feature-1",
		LayerID:         "layer-1",
		FormID:          "form-1",
		ObservationID:   "obs-1",
		ResponseDeltas:  deltas,
		ClientTimestamp: time.Date(2026, 3, 1, 10, 0, int(id), 0, time.UTC),
		UserID:          "user-1",
	}
}

func set(field string, r Response) ResponseDelta {
	return ResponseDelta{FieldID: field, FieldType: r.Kind, New: &r}
}

func unset(field string) ResponseDelta {
	return ResponseDelta{FieldID: field}
}

func TestApply_Create(t *testing.T) {
	m := newMutation(1, MutationCreate, set("status", TextResponse("draft")), set("height", NumberResponse(12.5)))

	obs, err := Apply(nil, m)
	if err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	if obs.ID != "obs-1" || obs.FeatureID != "feature-1" || obs.FormID != "form-1" {
		t.Errorf("identifiers = %s/%s/%s, want obs-1/feature-1/form-1", obs.ID, obs.FeatureID, obs.FormID)
	}
	want := Responses{"status": TextResponse("draft"), "height": NumberResponse(12.5)}
	if diff := cmp.Diff(want, obs.Responses); diff != "" {
		t.Errorf("responses mismatch (-want +got):\n%s", diff)
	}
	if obs.Created.User.ID != "user-1" {
		t.Errorf("created user = %q, want user-1", obs.Created.User.ID)
	}
	if !obs.LastModified.ClientTimestamp.Equal(m.ClientTimestamp) {
		t.Errorf("last modified = %v, want %v", obs.LastModified.ClientTimestamp, m.ClientTimestamp)
	}
}

func TestApply_UpdateDoesNotModifyInput(t *testing.T) {
	base, err := Apply(nil, newMutation(1, MutationCreate, set("status", TextResponse("draft"))))
	if err != nil {
		t.Fatalf("Apply(create) failed: %v", err)
	}

	updated, err := Apply(base, newMutation(2, MutationUpdate, set("status", TextResponse("final"))))
	if err != nil {
		t.Fatalf("Apply(update) failed: %v", err)
	}

	if got := base.Responses["status"].Text; got != "draft" {
		t.Errorf("input status = %q, want draft", got)
	}
	if got := updated.Responses["status"].Text; got != "final" {
		t.Errorf("updated status = %q, want final", got)
	}
	if !updated.Created.ClientTimestamp.Equal(base.Created.ClientTimestamp) {
		t.Errorf("update changed created timestamp")
	}
}

func TestApply_Errors(t *testing.T) {
	existing, _ := Apply(nil, newMutation(1, MutationCreate))
	deleted, _ := Apply(existing, newMutation(2, MutationDelete))

	tests := []struct {
		name     string
		obs      *Observation
		mutation *Mutation
		check    func(error) bool
	}{
		{"update missing", nil, newMutation(1, MutationUpdate), IsNotFound},
		{"delete missing", nil, newMutation(1, MutationDelete), IsNotFound},
		{"update after delete", deleted, newMutation(3, MutationUpdate, set("a", TextResponse("x"))), func(err error) bool {
			return errors.Is(err, ErrPendingDeletion)
		}},
		{"unknown type", existing, newMutation(3, MutationType("MOVE")), func(err error) bool { return err != nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Apply(tt.obs, tt.mutation)
			if err == nil || !tt.check(err) {
				t.Errorf("Apply() error = %v, unexpected", err)
			}
		})
	}
}

func TestApply_DeleteFlagsPendingDeletion(t *testing.T) {
	obs, _ := Apply(nil, newMutation(1, MutationCreate, set("status", TextResponse("draft"))))

	deleted, err := Apply(obs, newMutation(2, MutationDelete))
	if err != nil {
		t.Fatalf("Apply(delete) failed: %v", err)
	}
	if !deleted.PendingDeletion {
		t.Error("PendingDeletion = false, want true")
	}
	if deleted.Responses["status"].Text != "draft" {
		t.Error("delete should retain responses until purge")
	}
}

// Replaying a mutation log from scratch yields the same observation as
// applying each mutation as it was queued.
func TestReplay_MatchesIncrementalApplication(t *testing.T) {
	logs := map[string][]*Mutation{
		"create only": {
			newMutation(1, MutationCreate, set("status", TextResponse("draft"))),
		},
		"create update clear": {
			newMutation(1, MutationCreate, set("status", TextResponse("draft")), set("count", NumberResponse(1))),
			newMutation(2, MutationUpdate, set("status", TextResponse("final"))),
			newMutation(3, MutationUpdate, unset("count"), set("species", ChoiceResponse("oak", "elm"))),
		},
		"create update delete": {
			newMutation(1, MutationCreate, set("status", TextResponse("draft"))),
			newMutation(2, MutationUpdate, set("status", TextResponse("final"))),
			newMutation(3, MutationDelete),
		},
		"repeated creates": {
			newMutation(1, MutationCreate, set("a", TextResponse("1"))),
			newMutation(2, MutationCreate, set("b", TextResponse("2"))),
		},
	}

	for name, log := range logs {
		t.Run(name, func(t *testing.T) {
			var incremental *Observation
			for _, m := range log {
				next, err := Apply(incremental, m)
				if err != nil {
					t.Fatalf("Apply(%d) failed: %v", m.ID, err)
				}
				incremental = next
			}

			replayed, err := Replay(log)
			if err != nil {
				t.Fatalf("Replay() failed: %v", err)
			}
			if diff := cmp.Diff(incremental, replayed); diff != "" {
				t.Errorf("replay mismatch (-incremental +replayed):\n%s", diff)
			}
		})
	}
}

func TestReplay_OrderMatters(t *testing.T) {
	create := newMutation(1, MutationCreate, set("status", TextResponse("draft")))
	update := newMutation(2, MutationUpdate, set("status", TextResponse("final")))

	if _, err := Replay([]*Mutation{update, create}); !IsNotFound(err) {
		t.Errorf("Replay(update before create) error = %v, want not found", err)
	}
}

func TestDiff(t *testing.T) {
	before := Responses{"status": TextResponse("draft"), "count": NumberResponse(2), "same": TextResponse("x")}
	after := Responses{"status": TextResponse("final"), "same": TextResponse("x"), "new": TextResponse("y")}

	deltas := Diff(before, after, []string{"status", "count", "same", "new"})
	if len(deltas) != 3 {
		t.Fatalf("len(deltas) = %d, want 3", len(deltas))
	}
	if deltas[0].FieldID != "status" || deltas[0].Original.Text != "draft" || deltas[0].New.Text != "final" {
		t.Errorf("status delta = %+v", deltas[0])
	}
	if deltas[1].FieldID != "count" || deltas[1].New != nil {
		t.Errorf("count delta should clear the field, got %+v", deltas[1])
	}
	if deltas[2].FieldID != "new" || deltas[2].Original != nil {
		t.Errorf("new delta = %+v", deltas[2])
	}
}
