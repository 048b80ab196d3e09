package main

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/openfield/fieldsync/internal/fieldsync/schema"
)

var censusForm = schema.Form{
	ID: "census",
	Fields: []schema.Field{
		{ID: "count", Type: schema.FieldNumber},
		{ID: "notes", Type: schema.FieldText},
		{ID: "species", Type: schema.FieldMultipleChoice},
	},
}

func ptr(r schema.Response) *schema.Response { return &r }

func TestParseDeltas_New(t *testing.T) {
	deltas, err := parseDeltas(censusForm, schema.Responses{}, []string{"count=12", "species=oak, ash"}, nil)
	if err != nil {
		t.Fatalf("parseDeltas() failed: %v", err)
	}
	want := []schema.ResponseDelta{
		{FieldID: "count", FieldType: schema.FieldNumber, New: ptr(schema.NumberResponse(12))},
		{FieldID: "species", FieldType: schema.FieldMultipleChoice, New: ptr(schema.ChoiceResponse("oak", "ash"))},
	}
	if diff := cmp.Diff(want, deltas); diff != "" {
		t.Errorf("deltas mismatch (-want +got):\n%s", diff)
	}
}

func TestParseDeltas_Edit(t *testing.T) {
	current := schema.Responses{
		"count": schema.NumberResponse(12),
		"notes": schema.TextResponse("windy"),
	}
	deltas, err := parseDeltas(censusForm, current, []string{"count=12", "notes=calm"}, []string{"species"})
	if err != nil {
		t.Fatalf("parseDeltas() failed: %v", err)
	}
	// count is unchanged and species was never set.
	want := []schema.ResponseDelta{
		{FieldID: "notes", FieldType: schema.FieldText, Original: ptr(schema.TextResponse("windy")), New: ptr(schema.TextResponse("calm"))},
	}
	if diff := cmp.Diff(want, deltas); diff != "" {
		t.Errorf("deltas mismatch (-want +got):\n%s", diff)
	}

	deltas, err = parseDeltas(censusForm, current, nil, []string{"notes"})
	if err != nil {
		t.Fatalf("parseDeltas(clear) failed: %v", err)
	}
	if len(deltas) != 1 || deltas[0].New != nil || deltas[0].Original == nil {
		t.Errorf("clear deltas = %+v", deltas)
	}
}

func TestParseDeltas_Errors(t *testing.T) {
	tests := []struct {
		name    string
		sets    []string
		clears  []string
		wantErr string
	}{
		{"missing equals", []string{"count"}, nil, "field=value"},
		{"unknown field", []string{"height=3"}, nil, "no field height"},
		{"bad number", []string{"count=many"}, nil, "invalid number"},
		{"set twice", []string{"count=1", "count=2"}, nil, "more than once"},
		{"set and clear", []string{"notes=x"}, []string{"notes"}, "both set and cleared"},
		{"clear unknown", nil, []string{"height"}, "no field height"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseDeltas(censusForm, schema.Responses{}, tt.sets, tt.clears)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("parseDeltas() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestFormatResponses(t *testing.T) {
	got := formatResponses(schema.Responses{
		"notes": schema.TextResponse("calm"),
		"count": schema.NumberResponse(3.5),
	})
	if got != "count=3.5 notes=calm" {
		t.Errorf("formatResponses() = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("observation", 5); got != "obse…" {
		t.Errorf("truncate() = %q, want obse…", got)
	}
	if got := truncate("obs", 5); got != "obs" {
		t.Errorf("truncate() = %q, want obs", got)
	}
}
