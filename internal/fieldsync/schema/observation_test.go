package schema

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validObservation() *Observation {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	audit := NewAuditInfo(User{ID: "user-1"}, now)
	return &Observation{
		ID:           "obs-1",
		SurveyID:     "survey-1",
		FeatureID:    "feature-1",
		LayerID:      "layer-1",
		FormID:       "form-1",
		Responses:    Responses{"status": TextResponse("draft")},
		Created:      audit,
		LastModified: audit,
	}
}

func TestObservation_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Observation)
		wantErr string
	}{
		{"valid", func(*Observation) {}, ""},
		{"missing id", func(o *Observation) { o.ID = "" }, "id is required"},
		{"missing survey", func(o *Observation) { o.SurveyID = "" }, "survey_id is required"},
		{"missing feature", func(o *Observation) { o.FeatureID = "" }, "feature_id is required"},
		{"missing form", func(o *Observation) { o.FormID = "" }, "form_id is required"},
		{"bad response", func(o *Observation) { o.Responses["x"] = Response{Kind: "blob"} }, "invalid response kind"},
		{"date without time", func(o *Observation) { o.Responses["d"] = Response{Kind: FieldDate} }, "requires a time value"},
		{"missing created", func(o *Observation) { o.Created = AuditInfo{} }, "created timestamp is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := validObservation()
			tt.mutate(obs)
			err := obs.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestObservation_CloneIsDeep(t *testing.T) {
	obs := validObservation()
	obs.Responses["species"] = ChoiceResponse("oak")

	clone := obs.Clone()
	clone.Responses["status"] = TextResponse("final")
	clone.Responses["species"].OptionIDs[0] = "elm"

	if obs.Responses["status"].Text != "draft" {
		t.Error("clone shares the responses map")
	}
	if obs.Responses["species"].OptionIDs[0] != "oak" {
		t.Error("clone shares option id slices")
	}
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		typ     FieldType
		input   string
		want    string
		wantErr bool
	}{
		{FieldText, "hello", "hello", false},
		{FieldNumber, " 12.5 ", "12.5", false},
		{FieldNumber, "tall", "", true},
		{FieldMultipleChoice, "oak, elm,,", "oak,elm", false},
		{FieldDate, "2026-03-01", "2026-03-01", false},
		{FieldDate, "03/01/2026", "", true},
		{FieldTime, "2026-03-01T10:30:00Z", "2026-03-01T10:30:00Z", false},
		{FieldType("blob"), "x", "", true},
	}

	for _, tt := range tests {
		t.Run(string(tt.typ)+"/"+tt.input, func(t *testing.T) {
			r, err := ParseResponse(tt.typ, tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseResponse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && r.String() != tt.want {
				t.Errorf("String() = %q, want %q", r.String(), tt.want)
			}
		})
	}
}

func TestNotFoundError(t *testing.T) {
	err := NewNotFound("Feature", "f-9")
	if err.Error() != "Feature f-9 not found" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !IsNotFound(err) {
		t.Error("IsNotFound() = false, want true")
	}
}

func TestFeature_Validate(t *testing.T) {
	f := Feature{
		ID:       "feature-1",
		SurveyID: "survey-1",
		Layer: Layer{ID: "trees", Forms: []Form{
			{ID: "tree-form", Fields: []Field{{ID: "height", Type: FieldNumber}}},
		}},
	}
	if err := f.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	f.Layer.Forms = append(f.Layer.Forms, Form{ID: "tree-form"})
	if err := f.Validate(); err == nil || !strings.Contains(err.Error(), "duplicate form id") {
		t.Errorf("Validate() error = %v, want duplicate form id", err)
	}
}

func TestWriteReadObservationFile(t *testing.T) {
	dir := t.TempDir()
	obs := validObservation()

	if err := WriteObservationFile(dir, obs); err != nil {
		t.Fatalf("WriteObservationFile() failed: %v", err)
	}

	got, err := ReadObservationFile(filepath.Join(dir, "obs-1.json"))
	if err != nil {
		t.Fatalf("ReadObservationFile() failed: %v", err)
	}
	if got.Responses["status"].Text != "draft" {
		t.Errorf("status = %q, want draft", got.Responses["status"].Text)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want 1 (no leftover temp files)", len(entries))
	}

	if err := DeleteObservationFile(dir, "obs-1"); err != nil {
		t.Fatalf("DeleteObservationFile() failed: %v", err)
	}
	if err := DeleteObservationFile(dir, "obs-1"); err != nil {
		t.Errorf("second DeleteObservationFile() error = %v, want nil", err)
	}
}

func TestReadObservationFile_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadObservationFile(path); err == nil {
		t.Error("ReadObservationFile() error = nil, want parse error")
	}
}
