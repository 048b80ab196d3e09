package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DecodeObservation parses and validates an observation document.
func DecodeObservation(data []byte) (*Observation, error) {
	var obs Observation
	if err := json.Unmarshal(data, &obs); err != nil {
		return nil, fmt.Errorf("failed to parse observation: %w", err)
	}
	if err := obs.Validate(); err != nil {
		return nil, fmt.Errorf("invalid observation: %w", err)
	}
	return &obs, nil
}

// ReadObservationFile reads and parses an observation JSON document.
func ReadObservationFile(path string) (*Observation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read observation file %s: %w", path, err)
	}
	obs, err := DecodeObservation(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return obs, nil
}

// WriteObservationFile writes obs to dir/{id}.json. The document is written to a
// temporary file first and renamed so readers never observe a partial write.
func WriteObservationFile(dir string, obs *Observation) error {
	if err := obs.Validate(); err != nil {
		return fmt.Errorf("cannot write invalid observation: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create observation directory: %w", err)
	}

	data, err := json.MarshalIndent(obs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal observation %s: %w", obs.ID, err)
	}

	path := filepath.Join(dir, obs.Filename())
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write observation file %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close observation file %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to move observation file into place %s: %w", path, err)
	}
	return nil
}

// DeleteObservationFile removes dir/{id}.json. Missing files are not an error.
func DeleteObservationFile(dir, id string) error {
	path := filepath.Join(dir, id+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete observation file %s: %w", path, err)
	}
	return nil
}

// IsObservationFile reports whether name looks like an observation document.
func IsObservationFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, ".json") && !strings.HasPrefix(base, ".")
}

// ObservationIDFromPath extracts the observation id from a document path.
func ObservationIDFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".json")
}
