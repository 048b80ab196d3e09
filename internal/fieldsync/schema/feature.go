package schema

import (
	"fmt"
	"time"
)

// User identifies the person making an edit.
type User struct {
	ID          string `json:"id" yaml:"id" toml:"id"`
	Email       string `json:"email,omitempty" yaml:"email" toml:"email"`
	DisplayName string `json:"display_name,omitempty" yaml:"display_name" toml:"display_name"`
}

// AuditInfo records who changed something and when.
type AuditInfo struct {
	User            User       `json:"user"`
	ClientTimestamp time.Time  `json:"client_timestamp"`
	ServerTimestamp *time.Time `json:"server_timestamp,omitempty"`
}

// NewAuditInfo stamps user at the given client time.
func NewAuditInfo(user User, at time.Time) AuditInfo {
	return AuditInfo{User: user, ClientTimestamp: at.UTC()}
}

// FieldType is the kind of value a form field collects.
type FieldType string

const (
	FieldText           FieldType = "text"
	FieldNumber         FieldType = "number"
	FieldMultipleChoice FieldType = "multiple_choice"
	FieldDate           FieldType = "date"
	FieldTime           FieldType = "time"
)

// IsValid returns true for the supported field types.
func (t FieldType) IsValid() bool {
	switch t {
	case FieldText, FieldNumber, FieldMultipleChoice, FieldDate, FieldTime:
		return true
	}
	return false
}

// Field is a single question on a form.
type Field struct {
	ID       string    `json:"id" yaml:"id" toml:"id"`
	Label    string    `json:"label,omitempty" yaml:"label" toml:"label"`
	Type     FieldType `json:"type" yaml:"type" toml:"type"`
	Required bool      `json:"required,omitempty" yaml:"required" toml:"required"`
}

// Form groups the fields collected for one observation.
type Form struct {
	ID     string  `json:"id" yaml:"id" toml:"id"`
	Title  string  `json:"title,omitempty" yaml:"title" toml:"title"`
	Fields []Field `json:"fields,omitempty" yaml:"fields" toml:"fields"`
}

// Field looks up a field by id.
func (f Form) Field(id string) (Field, bool) {
	for _, field := range f.Fields {
		if field.ID == id {
			return field, true
		}
	}
	return Field{}, false
}

// Layer is a category of features sharing a set of forms.
type Layer struct {
	ID    string `json:"id" yaml:"id" toml:"id"`
	Name  string `json:"name,omitempty" yaml:"name" toml:"name"`
	Forms []Form `json:"forms,omitempty" yaml:"forms" toml:"forms"`
}

// Form looks up a form by id.
func (l Layer) Form(id string) (Form, bool) {
	for _, form := range l.Forms {
		if form.ID == id {
			return form, true
		}
	}
	return Form{}, false
}

// Feature is the parent container of observations.
type Feature struct {
	ID       string `json:"id"`
	SurveyID string `json:"survey_id"`
	Label    string `json:"label,omitempty"`
	Layer    Layer  `json:"layer"`
}

// Validate checks if the Feature has valid field values.
func (f *Feature) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("id is required")
	}
	if f.SurveyID == "" {
		return fmt.Errorf("survey_id is required")
	}
	if f.Layer.ID == "" {
		return fmt.Errorf("layer id is required")
	}
	seen := make(map[string]bool, len(f.Layer.Forms))
	for _, form := range f.Layer.Forms {
		if form.ID == "" {
			return fmt.Errorf("form id is required")
		}
		if seen[form.ID] {
			return fmt.Errorf("duplicate form id: %s", form.ID)
		}
		seen[form.ID] = true
		for _, field := range form.Fields {
			if field.ID == "" {
				return fmt.Errorf("form %s: field id is required", form.ID)
			}
			if !field.Type.IsValid() {
				return fmt.Errorf("form %s: field %s has invalid type %q", form.ID, field.ID, field.Type)
			}
		}
	}
	return nil
}
