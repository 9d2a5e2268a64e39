package runner

import (
	"fmt"
	"os"

	"github.com/darwinreplay/backtester/internal/runconfig"
	"github.com/darwinreplay/backtester/internal/runerr"
)

// preflight validates the run config and checks that the artifacts
// directory is writable, done before any store is opened so a bad run
// fails fast and cheaply.
func preflight(cfg runconfig.RunConfig, artifactsDir string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		return &runerr.ConfigError{Field: "artifacts_dir", Reason: fmt.Sprintf("not writable: %v", err)}
	}
	probe := artifactsDir + "/.write_probe"
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return &runerr.ConfigError{Field: "artifacts_dir", Reason: fmt.Sprintf("not writable: %v", err)}
	}
	os.Remove(probe)
	return nil
}
