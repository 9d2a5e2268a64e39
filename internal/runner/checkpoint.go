package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Checkpoint is the sidecar record written every checkpoint_interval bars
// so a run can resume at bar_index+1. On resume the runner replays the
// bars up to the checkpoint through the feature pipeline to rebuild
// indicator state. OpenPositionIDs is recorded but not read back, so
// positions open at the checkpoint are not restored.
type Checkpoint struct {
	ConfigFingerprint string    `json:"config_fingerprint"`
	BarIndex          int       `json:"bar_index"`
	BarTimestamp      time.Time `json:"bar_timestamp"`
	OpenPositionIDs   []string  `json:"open_position_ids"`
}

// SaveCheckpoint writes cp to path as indented JSON, overwriting any
// existing checkpoint.
func SaveCheckpoint(path string, cp Checkpoint) error {
	b, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("runner: marshal checkpoint: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("runner: write checkpoint %q: %w", path, err)
	}
	return nil
}

// LoadCheckpoint reads a checkpoint from path. A missing file is not an
// error; it returns (nil, nil) so callers treat it as "start from the
// beginning".
func LoadCheckpoint(path string) (*Checkpoint, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("runner: read checkpoint %q: %w", path, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return nil, fmt.Errorf("runner: parse checkpoint %q: %w", path, err)
	}
	return &cp, nil
}
