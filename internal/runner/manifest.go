package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/darwinreplay/backtester/internal/schema"
)

// saveManifest writes m to path as indented JSON.
func saveManifest(path string, m *schema.RunManifest) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("runner: marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("runner: write manifest %q: %w", path, err)
	}
	return nil
}

// loadManifest reads an existing manifest.json, returning nil, nil when
// none exists. The runner does not call it: resume is checked against the
// checkpoint's config fingerprint instead.
func loadManifest(path string) (*schema.RunManifest, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("runner: read manifest %q: %w", path, err)
	}
	var m schema.RunManifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("runner: parse manifest %q: %w", path, err)
	}
	return &m, nil
}

func newManifest(runID string, symbols []string, fingerprint, short string, now time.Time) *schema.RunManifest {
	return &schema.RunManifest{
		SchemaVersion:          schema.SchemaVersion,
		RunID:                  runID,
		Symbols:                symbols,
		StartTime:              now,
		ConfigFingerprint:      fingerprint,
		ConfigFingerprintShort: short,
		FeatureSchemaVersion:   schema.SchemaVersion,
		CandidateSchemaVersion: schema.SchemaVersion,
		PositionSchemaVersion:  schema.SchemaVersion,
		CreatedAt:              now,
		UpdatedAt:              now,
		Status:                 schema.RunStatusRunning,
	}
}
