package schema

import "time"

// ArtifactHeader is embedded (conceptually) atop every persisted artifact
// family — candidates, decisions, positions, outcomes — so a reader can
// identify provenance without cross-referencing the manifest. Ported from
// darwin's artifact_header schema.
type ArtifactHeader struct {
	Schema    string
	CreatedAt time.Time
	RunID     string
	Scope     string

	GeneratorName    string
	GeneratorVersion string

	ConfigFingerprint      string
	ConfigFingerprintShort string
}

// NewArtifactHeader builds a header for the given artifact scope (e.g.
// "candidate", "decision", "position", "outcome") stamped with the current
// run's identity and config fingerprint.
func NewArtifactHeader(scope, runID, schemaVersion, configFingerprint string, now time.Time) ArtifactHeader {
	full, short := configFingerprint, configFingerprint
	if len(configFingerprint) > 8 {
		short = configFingerprint[:8]
	}
	return ArtifactHeader{
		Schema:                 schemaVersion,
		CreatedAt:              now,
		RunID:                  runID,
		Scope:                  scope,
		GeneratorName:          "backtester",
		GeneratorVersion:       schemaVersion,
		ConfigFingerprint:      full,
		ConfigFingerprintShort: short,
	}
}
