package schema

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Response is one typed answer to a form field.
type Response struct {
	Kind      FieldType  `json:"kind" cbor:"kind"`
	Text      string     `json:"text,omitempty" cbor:"text,omitempty"`
	Number    float64    `json:"number,omitempty" cbor:"number,omitempty"`
	OptionIDs []string   `json:"option_ids,omitempty" cbor:"option_ids,omitempty"`
	Time      *time.Time `json:"time,omitempty" cbor:"time,omitempty"`
}

// TextResponse returns a text response.
func TextResponse(s string) Response {
	return Response{Kind: FieldText, Text: s}
}

// NumberResponse returns a numeric response.
func NumberResponse(n float64) Response {
	return Response{Kind: FieldNumber, Number: n}
}

// ChoiceResponse returns a multiple choice response.
func ChoiceResponse(optionIDs ...string) Response {
	return Response{Kind: FieldMultipleChoice, OptionIDs: optionIDs}
}

// DateResponse returns a date response truncated to the day.
func DateResponse(t time.Time) Response {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return Response{Kind: FieldDate, Time: &d}
}

// TimeResponse returns a time-of-day response.
func TimeResponse(t time.Time) Response {
	u := t.UTC()
	return Response{Kind: FieldTime, Time: &u}
}

// ParseResponse converts user input into a response of the given type.
func ParseResponse(typ FieldType, input string) (Response, error) {
	switch typ {
	case FieldText, "":
		return TextResponse(input), nil
	case FieldNumber:
		n, err := strconv.ParseFloat(strings.TrimSpace(input), 64)
		if err != nil {
			return Response{}, fmt.Errorf("invalid number %q: %w", input, err)
		}
		return NumberResponse(n), nil
	case FieldMultipleChoice:
		var ids []string
		for _, id := range strings.Split(input, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		return ChoiceResponse(ids...), nil
	case FieldDate:
		t, err := time.Parse(time.DateOnly, strings.TrimSpace(input))
		if err != nil {
			return Response{}, fmt.Errorf("invalid date %q: %w", input, err)
		}
		return DateResponse(t), nil
	case FieldTime:
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(input))
		if err != nil {
			return Response{}, fmt.Errorf("invalid time %q: %w", input, err)
		}
		return TimeResponse(t), nil
	default:
		return Response{}, fmt.Errorf("unsupported field type %q", typ)
	}
}

// Validate checks if the Response has a known kind and a value matching it.
func (r Response) Validate() error {
	if !r.Kind.IsValid() {
		return fmt.Errorf("invalid response kind %q", r.Kind)
	}
	if (r.Kind == FieldDate || r.Kind == FieldTime) && r.Time == nil {
		return fmt.Errorf("%s response requires a time value", r.Kind)
	}
	return nil
}

// Equal reports whether two responses hold the same value.
func (r Response) Equal(o Response) bool {
	if r.Kind != o.Kind || r.Text != o.Text || r.Number != o.Number {
		return false
	}
	if !slices.Equal(r.OptionIDs, o.OptionIDs) {
		return false
	}
	switch {
	case r.Time == nil && o.Time == nil:
		return true
	case r.Time == nil || o.Time == nil:
		return false
	default:
		return r.Time.Equal(*o.Time)
	}
}

func (r Response) String() string {
	switch r.Kind {
	case FieldNumber:
		return strconv.FormatFloat(r.Number, 'f', -1, 64)
	case FieldMultipleChoice:
		return strings.Join(r.OptionIDs, ",")
	case FieldDate:
		if r.Time != nil {
			return r.Time.Format(time.DateOnly)
		}
	case FieldTime:
		if r.Time != nil {
			return r.Time.Format(time.RFC3339)
		}
	}
	return r.Text
}

// Responses maps field ids to responses.
type Responses map[string]Response

// Clone returns a deep copy.
func (rs Responses) Clone() Responses {
	out := make(Responses, len(rs))
	for id, r := range rs {
		out[id] = r.clone()
	}
	return out
}

func (r Response) clone() Response {
	out := r
	if r.OptionIDs != nil {
		out.OptionIDs = slices.Clone(r.OptionIDs)
	}
	if r.Time != nil {
		t := *r.Time
		out.Time = &t
	}
	return out
}

// Observation is one set of form responses recorded against a feature.
type Observation struct {
	ID        string `json:"id"`
	SurveyID  string `json:"survey_id"`
	FeatureID string `json:"feature_id"`
	LayerID   string `json:"layer_id"`
	FormID    string `json:"form_id"`

	Responses Responses `json:"responses"`

	Created      AuditInfo `json:"created"`
	LastModified AuditInfo `json:"last_modified"`

	// PendingDeletion is set once a DELETE mutation is durably queued. The
	// row is removed only after that mutation has synced.
	PendingDeletion bool `json:"pending_deletion,omitempty"`
}

// Validate checks if the Observation has valid field values.
func (o *Observation) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("id is required")
	}
	if o.SurveyID == "" {
		return fmt.Errorf("survey_id is required")
	}
	if o.FeatureID == "" {
		return fmt.Errorf("feature_id is required")
	}
	if o.FormID == "" {
		return fmt.Errorf("form_id is required")
	}
	for id, r := range o.Responses {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("response %s: %w", id, err)
		}
	}
	if o.Created.ClientTimestamp.IsZero() {
		return fmt.Errorf("created timestamp is required")
	}
	return nil
}

// Clone returns a deep copy.
func (o *Observation) Clone() *Observation {
	if o == nil {
		return nil
	}
	out := *o
	out.Responses = o.Responses.Clone()
	return &out
}

// Filename returns the canonical document name for this observation: {id}.json
func (o *Observation) Filename() string {
	return fmt.Sprintf("%s.json", o.ID)
}
