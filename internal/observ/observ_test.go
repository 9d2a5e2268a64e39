package observ

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLog_WritesJSONLineWithEventAndTimestamp(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)

	Log("run_started", map[string]any{"run_id": "r1"})

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("expected valid JSON line, got %q: %v", buf.String(), err)
	}
	if decoded["event"] != "run_started" {
		t.Fatalf("expected event run_started, got %v", decoded["event"])
	}
	if decoded["run_id"] != "r1" {
		t.Fatalf("expected run_id r1, got %v", decoded["run_id"])
	}
	if decoded["ts"] == nil {
		t.Fatal("expected ts field to be set")
	}
}

func TestWriteSnapshot_DumpsCountersGaugesAndHistograms(t *testing.T) {
	reg.mu.Lock()
	reg.counters = map[string]map[string]int64{}
	reg.gauges = map[string]map[string]float64{}
	reg.hist = map[string]map[string][]float64{}
	reg.mu.Unlock()

	IncCounter("positions_opened_total", map[string]string{"symbol": "AAPL"})
	SetGauge("positions_open", 3, nil)
	Observe("position_r_multiple", 1.5, map[string]string{"reason": "take_profit"})

	path := filepath.Join(t.TempDir(), "metrics.json")
	if err := WriteSnapshot(path); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Counters["positions_opened_total"]["symbol=AAPL"] != 1 {
		t.Fatalf("expected counter to be captured, got %+v", snap.Counters)
	}
	if snap.Gauges["positions_open"][""] != 3 {
		t.Fatalf("expected gauge to be captured, got %+v", snap.Gauges)
	}
	if len(snap.Hist["position_r_multiple"]["reason=take_profit"]) != 1 {
		t.Fatalf("expected histogram observation to be captured, got %+v", snap.Hist)
	}
}
