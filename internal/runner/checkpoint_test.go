package runner

import (
	"path/filepath"
	"testing"
	"time"
)

func TestCheckpoint_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	cp := Checkpoint{
		ConfigFingerprint: "abc123",
		BarIndex:          42,
		BarTimestamp:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		OpenPositionIDs:   []string{"pos-1", "pos-2"},
	}
	if err := SaveCheckpoint(path, cp); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.BarIndex != cp.BarIndex || got.ConfigFingerprint != cp.ConfigFingerprint {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, cp)
	}
	if len(got.OpenPositionIDs) != 2 {
		t.Fatalf("expected 2 open position ids, got %d", len(got.OpenPositionIDs))
	}
}

func TestLoadCheckpoint_MissingFileReturnsNilNil(t *testing.T) {
	cp, err := LoadCheckpoint(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("expected no error for missing checkpoint, got %v", err)
	}
	if cp != nil {
		t.Fatalf("expected nil checkpoint, got %+v", cp)
	}
}
