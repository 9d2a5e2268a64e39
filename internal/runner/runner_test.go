package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/darwinreplay/backtester/internal/llmharness"
	"github.com/darwinreplay/backtester/internal/runconfig"
	"github.com/darwinreplay/backtester/internal/schema"
	"github.com/darwinreplay/backtester/internal/storage"
)

func syntheticBars(symbol string, n int, startClose float64) []jsonBar {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]jsonBar, 0, n)
	price := startClose
	for i := 0; i < n; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		bars = append(bars, jsonBar{
			Symbol:    symbol,
			Timestamp: ts.Format(time.RFC3339),
			Open:      price,
			High:      price * 1.001,
			Low:       price * 0.999,
			Close:     price,
			Volume:    1000,
		})
		price *= 1.0001
	}
	return bars
}

// breakoutBars generates a steady uptrend with a constant baseline volume
// for the first volumeSpikeFrom bars, then a volume spike for the rest, so
// a run exercises real breakout candidate generation through the feature
// pipeline rather than hand-built feature snapshots: the trend, ADX, and
// EMA200 gates clear within the first few dozen bars, but volume_ratio_96
// and vol_z_96 stay pinned at their no-signal defaults until the 96-sample
// volume window fills and then sees the spike.
func breakoutBars(symbol string, n, volumeSpikeFrom int) []jsonBar {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]jsonBar, 0, n)
	price := 100.0
	for i := 0; i < n; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		open := price
		price *= 1.0025
		volume := 60000.0
		if i >= volumeSpikeFrom {
			volume = 220000.0
		}
		bars = append(bars, jsonBar{
			Symbol:    symbol,
			Timestamp: ts.Format(time.RFC3339),
			Open:      open,
			High:      price * 1.0008,
			Low:       open * 0.9995,
			Close:     price,
			Volume:    volume,
		})
	}
	return bars
}

// scriptedTakeBackend always returns the same take/A decision at a fixed
// latency, regardless of prompt content, so two independent runs over the
// same bars produce identical decision events.
func scriptedTakeBackend() *llmharness.MockBackend {
	b := llmharness.NewMockBackend()
	b.Sequence = []llmharness.MockResponse{
		{Text: `{"decision":"take","setup_quality":"A","confidence":0.8,"risk_flags":[],"notes":"mock take"}`, LatencyMs: 42},
	}
	return b
}

func openStoresAt(t *testing.T, dir string) (storage.CandidateStore, storage.PositionStore, storage.OutcomeStore) {
	t.Helper()
	cs, err := storage.OpenCandidateStore(filepath.Join(dir, "candidates.sqlite"))
	if err != nil {
		t.Fatalf("open candidate store: %v", err)
	}
	ps, err := storage.OpenPositionStore(filepath.Join(dir, "positions.sqlite"))
	if err != nil {
		t.Fatalf("open position store: %v", err)
	}
	outs, err := storage.OpenOutcomeStore(filepath.Join(dir, "outcomes.sqlite"))
	if err != nil {
		t.Fatalf("open outcome store: %v", err)
	}
	return cs, ps, outs
}

func openTestStores(t *testing.T) (storage.CandidateStore, storage.PositionStore, storage.OutcomeStore) {
	t.Helper()
	return openStoresAt(t, t.TempDir())
}

func baseRunConfig(t *testing.T, symbol string) runconfig.RunConfig {
	t.Helper()
	var c runconfig.RunConfig
	c.RunID = "test-run"
	c.MarketScope = runconfig.MarketScope{
		Symbols:          []string{symbol},
		PrimaryTimeframe: "1m",
		StartDate:        "2025-01-01T00:00:00Z",
		EndDate:          "2025-01-02T00:00:00Z",
		WarmupBars:       5,
	}
	c.Portfolio = runconfig.Portfolio{
		StartingEquityUSD:    10000,
		MaxPositions:         2,
		MaxExposureFraction:  0.5,
		RiskPerTradeFraction: 0.01,
		PositionSizeMethod:   runconfig.SizeEqualWeight,
	}
	c.LLM = runconfig.LLM{
		Temperature:       0.2,
		MaxTokens:         500,
		MaxCallsPerMinute: 6000,
		MaxRetries:        1,
		FallbackDecision:  runconfig.FallbackSkip,
	}
	c.Playbooks = []runconfig.Playbook{{
		Name: "breakout", Enabled: true,
		StopLossATR: 1.2, TakeProfitATR: 2.4, TimeStopBars: 20,
	}}
	c.DecisionTiming = runconfig.DecisionSameBarClose
	c.FillTiming = runconfig.FillNextBarOpen
	c.PriceSource = runconfig.PriceSourceClose
	c.SlippageModel = runconfig.SlippageSpread
	c.FeatureMode = runconfig.FeatureModeLive
	c.MinSetupQuality = "A-"
	c.CheckpointIntervalBars = 3
	c.HeartbeatEveryBars = 3
	c.ArtifactsDir = t.TempDir()
	if err := c.Validate(); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}
	return c
}

func TestRunner_CompletesAndWritesManifest(t *testing.T) {
	symbol := "BTC-USD"
	path := writeBarFixture(t, syntheticBars(symbol, 10, 100))
	source, err := NewJSONFileSource(path)
	if err != nil {
		t.Fatalf("build source: %v", err)
	}

	cfg := baseRunConfig(t, symbol)
	candStore, posStore, outStore := openTestStores(t)
	backend := llmharness.NewMockBackend()

	r, err := New(cfg, source, backend, candStore, posStore, outStore, nil)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	manifestPath := filepath.Join(cfg.ArtifactsDir, "runs", cfg.RunID, "manifest.json")
	b, err := os.ReadFile(manifestPath)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var m schema.RunManifest
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("parse manifest: %v", err)
	}
	if m.Status != schema.RunStatusComplete {
		t.Fatalf("expected complete status, got %s (failure: %s)", m.Status, m.FailureReason)
	}
	if m.LastBarIndex != 9 {
		t.Fatalf("expected last bar index 9, got %d", m.LastBarIndex)
	}

	decisionsPath := filepath.Join(cfg.ArtifactsDir, "runs", cfg.RunID, "decision_events.jsonl")
	if _, err := os.Stat(decisionsPath); err != nil {
		t.Fatalf("expected decision log to exist: %v", err)
	}
}

func TestRunner_ResumeSkipsAlreadyProcessedBars(t *testing.T) {
	symbol := "ETH-USD"
	path := writeBarFixture(t, syntheticBars(symbol, 10, 100))
	source, err := NewJSONFileSource(path)
	if err != nil {
		t.Fatalf("build source: %v", err)
	}

	cfg := baseRunConfig(t, symbol)
	candStore, posStore, outStore := openTestStores(t)
	backend := llmharness.NewMockBackend()

	r, err := New(cfg, source, backend, candStore, posStore, outStore, nil)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	if err := r.setup(); err != nil {
		t.Fatalf("setup: %v", err)
	}
	cp := Checkpoint{ConfigFingerprint: r.configFingerprint, BarIndex: 4, BarTimestamp: time.Now()}
	if err := SaveCheckpoint(filepath.Join(r.runDir, "checkpoint.json"), cp); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	resumeFrom, err := r.resumeState()
	if err != nil {
		t.Fatalf("resume state: %v", err)
	}
	if resumeFrom != 5 {
		t.Fatalf("expected resume from bar 5, got %d", resumeFrom)
	}
	r.cleanup()
}

// TestRunner_DeterministicRerunProducesIdenticalArtifacts runs the same
// config, bars, and mock LLM twice into separate artifact directories and
// checks the decision log and position ledger come out byte-for-byte and
// field-for-field identical. Candidate, decision-event, and position IDs
// are all derived from run_id/symbol/bar_index/playbook rather than random
// UUIDs, backend-reported latency (not wall-clock) is what gets persisted,
// and ledger timestamps are stamped from the bar's own event time, so two
// runs over the same inputs must line up exactly.
func TestRunner_DeterministicRerunProducesIdenticalArtifacts(t *testing.T) {
	symbol := "BTC-USD"
	bars := breakoutBars(symbol, 110, 96)

	runOnce := func() ([]byte, []schema.Position) {
		path := writeBarFixture(t, bars)
		source, err := NewJSONFileSource(path)
		if err != nil {
			t.Fatalf("build source: %v", err)
		}

		cfg := baseRunConfig(t, symbol)
		storeDir := t.TempDir()
		candStore, posStore, outStore := openStoresAt(t, storeDir)
		backend := scriptedTakeBackend()

		r, err := New(cfg, source, backend, candStore, posStore, outStore, nil)
		if err != nil {
			t.Fatalf("new runner: %v", err)
		}
		if err := r.Run(context.Background()); err != nil {
			t.Fatalf("run: %v", err)
		}

		events, err := os.ReadFile(filepath.Join(cfg.ArtifactsDir, "runs", cfg.RunID, "decision_events.jsonl"))
		if err != nil {
			t.Fatalf("read decision events: %v", err)
		}

		reread, err := storage.OpenPositionStore(filepath.Join(storeDir, "positions.sqlite"))
		if err != nil {
			t.Fatalf("reopen position store: %v", err)
		}
		defer reread.Close()
		positions, err := reread.List(storage.PositionFilter{RunID: cfg.RunID})
		if err != nil {
			t.Fatalf("list positions: %v", err)
		}
		return events, positions
	}

	eventsA, positionsA := runOnce()
	eventsB, positionsB := runOnce()

	if len(eventsA) == 0 {
		t.Fatal("expected the fixture to generate at least one decision event")
	}
	if !bytes.Equal(eventsA, eventsB) {
		t.Fatalf("decision_events.jsonl differs across identical reruns:\n--- run A ---\n%s\n--- run B ---\n%s", eventsA, eventsB)
	}
	if len(positionsA) == 0 {
		t.Fatal("expected the fixture to open at least one position")
	}
	if !reflect.DeepEqual(positionsA, positionsB) {
		t.Fatalf("ledger rows differ across identical reruns:\nA: %+v\nB: %+v", positionsA, positionsB)
	}
}

// TestRunner_ResumeMatchesNonResumedLedger checks that splitting a run
// across a checkpoint and resuming it from a fresh Runner instance
// produces the same decision log and ledger as running straight through.
// The split point (bar 50) sits well before the fixture's volume spike at
// bar 96, so no position is open at the checkpoint boundary; the manager's
// in-memory open-position tracking is not reloaded from the store on
// resume, so a split with an open position at the boundary is not
// expected to reproduce a non-resumed run's trailing-stop state.
func TestRunner_ResumeMatchesNonResumedLedger(t *testing.T) {
	symbol := "ETH-USD"
	bars := breakoutBars(symbol, 110, 96)
	const cutoff = 50

	referencePath := writeBarFixture(t, bars)
	refSource, err := NewJSONFileSource(referencePath)
	if err != nil {
		t.Fatalf("build reference source: %v", err)
	}
	refCfg := baseRunConfig(t, symbol)
	refStoreDir := t.TempDir()
	refCand, refPos, refOut := openStoresAt(t, refStoreDir)
	refRunner, err := New(refCfg, refSource, scriptedTakeBackend(), refCand, refPos, refOut, nil)
	if err != nil {
		t.Fatalf("new reference runner: %v", err)
	}
	if err := refRunner.Run(context.Background()); err != nil {
		t.Fatalf("reference run: %v", err)
	}
	refEvents, err := os.ReadFile(filepath.Join(refCfg.ArtifactsDir, "runs", refCfg.RunID, "decision_events.jsonl"))
	if err != nil {
		t.Fatalf("read reference decision events: %v", err)
	}
	refPosStore, err := storage.OpenPositionStore(filepath.Join(refStoreDir, "positions.sqlite"))
	if err != nil {
		t.Fatalf("reopen reference position store: %v", err)
	}
	defer refPosStore.Close()
	refPositions, err := refPosStore.List(storage.PositionFilter{RunID: refCfg.RunID})
	if err != nil {
		t.Fatalf("list reference positions: %v", err)
	}

	cfg := baseRunConfig(t, symbol)
	storeDir := t.TempDir()

	path1 := writeBarFixture(t, bars)
	source1, err := NewJSONFileSource(path1)
	if err != nil {
		t.Fatalf("build source 1: %v", err)
	}
	cand1, pos1, out1 := openStoresAt(t, storeDir)
	r1, err := New(cfg, source1, scriptedTakeBackend(), cand1, pos1, out1, nil)
	if err != nil {
		t.Fatalf("new runner 1: %v", err)
	}
	if err := r1.setup(); err != nil {
		t.Fatalf("setup 1: %v", err)
	}
	fullBars := source1.bySymbol[symbol]
	for i := 0; i <= cutoff; i++ {
		if err := r1.processBar(context.Background(), fullBars[i], i); err != nil {
			t.Fatalf("process bar %d: %v", i, err)
		}
	}
	if err := r1.writeCheckpoint(cutoff, fullBars[cutoff].Timestamp); err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}
	r1.manifest.LastBarIndex = cutoff
	if err := r1.saveManifest(); err != nil {
		t.Fatalf("save manifest: %v", err)
	}
	r1.cleanup()

	path2 := writeBarFixture(t, bars)
	source2, err := NewJSONFileSource(path2)
	if err != nil {
		t.Fatalf("build source 2: %v", err)
	}
	cand2, pos2, out2 := openStoresAt(t, storeDir)
	r2, err := New(cfg, source2, scriptedTakeBackend(), cand2, pos2, out2, nil)
	if err != nil {
		t.Fatalf("new runner 2: %v", err)
	}
	if err := r2.Run(context.Background()); err != nil {
		t.Fatalf("resumed run: %v", err)
	}

	gotEvents, err := os.ReadFile(filepath.Join(cfg.ArtifactsDir, "runs", cfg.RunID, "decision_events.jsonl"))
	if err != nil {
		t.Fatalf("read resumed decision events: %v", err)
	}
	gotPosStore, err := storage.OpenPositionStore(filepath.Join(storeDir, "positions.sqlite"))
	if err != nil {
		t.Fatalf("reopen resumed position store: %v", err)
	}
	defer gotPosStore.Close()
	gotPositions, err := gotPosStore.List(storage.PositionFilter{RunID: cfg.RunID})
	if err != nil {
		t.Fatalf("list resumed positions: %v", err)
	}

	if len(refEvents) == 0 {
		t.Fatal("expected the fixture to generate at least one decision event")
	}
	if !bytes.Equal(refEvents, gotEvents) {
		t.Fatalf("resumed decision_events.jsonl differs from non-resumed reference:\n--- reference ---\n%s\n--- resumed ---\n%s", refEvents, gotEvents)
	}
	if len(refPositions) == 0 {
		t.Fatal("expected the fixture to open at least one position")
	}
	if !reflect.DeepEqual(refPositions, gotPositions) {
		t.Fatalf("resumed ledger differs from non-resumed reference:\nreference: %+v\nresumed: %+v", refPositions, gotPositions)
	}
}
