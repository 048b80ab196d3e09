// Package survey imports survey definitions (layers, forms and features) into
// the local store so that observations can be collected offline.
//
// A definition is a YAML or TOML document:
//
//	survey:
//	  id: forest-2026
//	  title: Forest inventory
//	layers:
//	  - id: trees
//	    name: Trees
//	    forms:
//	      - id: tree-form
//	        fields:
//	          - {id: species, type: text, required: true}
//	          - {id: dbh, type: number}
//	features:
//	  - {id: plot-1, layer: trees, label: Plot 1}
package survey

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openfield/fieldsync/internal/fieldsync/schema"
	"github.com/openfield/fieldsync/internal/logging"
)

// Info identifies the survey.
type Info struct {
	ID    string `yaml:"id" toml:"id"`
	Title string `yaml:"title" toml:"title"`
}

// FeatureDef places a feature in a layer.
type FeatureDef struct {
	ID    string `yaml:"id" toml:"id"`
	Layer string `yaml:"layer" toml:"layer"`
	Label string `yaml:"label" toml:"label"`
}

// Document is a parsed survey definition.
type Document struct {
	Survey   Info           `yaml:"survey" toml:"survey"`
	Layers   []schema.Layer `yaml:"layers" toml:"layers"`
	Features []FeatureDef   `yaml:"features" toml:"features"`
}

// Store receives imported features.
type Store interface {
	UpsertFeature(ctx context.Context, f *schema.Feature) error
}

// Options configures an import.
type Options struct {
	// DryRun validates the document without writing.
	DryRun bool

	Logger *zerolog.Logger
}

// Result summarizes an import.
type Result struct {
	SurveyID         string
	FeaturesImported int
	FeaturesSkipped  int
	Errors           []string
}

// ParseFile reads a definition, choosing the format from the file extension.
func ParseFile(path string) (*Document, error) {
	// #nosec G304 - controlled path from CLI
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read survey file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	case ".toml":
		return ParseTOML(data)
	default:
		return nil, fmt.Errorf("unsupported survey file extension %q (want .yaml, .yml or .toml)", filepath.Ext(path))
	}
}

// ParseYAML parses a YAML definition. Unknown keys are rejected.
func ParseYAML(data []byte) (*Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid survey YAML: %w", err)
	}
	if err := doc.validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ParseTOML parses a TOML definition. Unknown keys are rejected.
func ParseTOML(data []byte) (*Document, error) {
	var doc Document
	md, err := toml.Decode(string(data), &doc)
	if err != nil {
		return nil, fmt.Errorf("invalid survey TOML: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("invalid survey TOML: unknown key %q", undecoded[0].String())
	}
	if err := doc.validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (d *Document) validate() error {
	if d.Survey.ID == "" {
		return fmt.Errorf("survey id is required")
	}
	seen := make(map[string]bool, len(d.Layers))
	for _, l := range d.Layers {
		if l.ID == "" {
			return fmt.Errorf("layer id is required")
		}
		if seen[l.ID] {
			return fmt.Errorf("duplicate layer id: %s", l.ID)
		}
		seen[l.ID] = true
	}
	return nil
}

// ResolveFeatures resolves every feature definition against its layer. Features
// that fail validation are returned as errors, one per feature, and left out.
func (d *Document) ResolveFeatures() ([]*schema.Feature, []error) {
	layers := make(map[string]schema.Layer, len(d.Layers))
	for _, l := range d.Layers {
		layers[l.ID] = l
	}

	var (
		features []*schema.Feature
		errs     []error
	)
	for _, def := range d.Features {
		layer, ok := layers[def.Layer]
		if !ok {
			errs = append(errs, fmt.Errorf("feature %s: %w", def.ID, schema.NewNotFound("Layer", def.Layer)))
			continue
		}
		f := &schema.Feature{
			ID:       def.ID,
			SurveyID: d.Survey.ID,
			Label:    def.Label,
			Layer:    layer,
		}
		if err := f.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("feature %s: %w", def.ID, err))
			continue
		}
		features = append(features, f)
	}
	return features, errs
}

// Import upserts every valid feature of doc into store. Invalid features are
// skipped and listed in the result; only store failures abort the import.
func Import(ctx context.Context, store Store, doc *Document, opts Options) (*Result, error) {
	logger := logging.Component(opts.Logger, "survey")
	result := &Result{SurveyID: doc.Survey.ID}

	features, errs := doc.ResolveFeatures()
	for _, err := range errs {
		logger.Warn().Err(err).Msg("skipping feature")
		result.Errors = append(result.Errors, err.Error())
	}
	result.FeaturesSkipped = len(errs)

	for _, f := range features {
		if opts.DryRun {
			result.FeaturesImported++
			continue
		}
		if err := store.UpsertFeature(ctx, f); err != nil {
			return result, fmt.Errorf("failed to import feature %s: %w", f.ID, err)
		}
		result.FeaturesImported++
	}

	logger.Info().
		Str("survey", doc.Survey.ID).
		Int("imported", result.FeaturesImported).
		Int("skipped", result.FeaturesSkipped).
		Bool("dry_run", opts.DryRun).
		Msg("survey imported")
	return result, nil
}

// ImportFile parses path and imports it.
func ImportFile(ctx context.Context, store Store, path string, opts Options) (*Result, error) {
	doc, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	return Import(ctx, store, doc, opts)
}
