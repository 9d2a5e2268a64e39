// Package runner drives the bar-by-bar backtest loop: feature
// computation, playbook evaluation, LLM decisioning, position
// simulation, and the manifest/checkpoint/heartbeat bookkeeping that
// makes a run resumable and diagnosable without source access.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/darwinreplay/backtester/internal/features"
	"github.com/darwinreplay/backtester/internal/llmharness"
	"github.com/darwinreplay/backtester/internal/observ"
	"github.com/darwinreplay/backtester/internal/playbook"
	"github.com/darwinreplay/backtester/internal/position"
	"github.com/darwinreplay/backtester/internal/runconfig"
	"github.com/darwinreplay/backtester/internal/runerr"
	"github.com/darwinreplay/backtester/internal/schema"
	"github.com/darwinreplay/backtester/internal/storage"
)

const dateLayout = "2006-01-02"

// Runner owns one backtest run end to end: setup, the per-bar loop, and
// teardown.
type Runner struct {
	cfg    runconfig.RunConfig
	source OHLCVSource

	candStore storage.CandidateStore
	posStore  storage.PositionStore
	outStore  storage.OutcomeStore

	pipelines map[string]*features.Pipeline
	barIndex  map[string]int
	lastBar   map[string]schema.Bar
	managers  map[string]*position.Manager
	playbooks []playbook.Playbook

	harness  *llmharness.Harness
	progress *Progress

	runDir            string
	configFingerprint string
	fingerprintShort  string
	manifest          *schema.RunManifest
	decisionsFile     *os.File

	equity     float64
	minQuality schema.SetupQuality
}

// New builds a Runner ready to execute cfg's run. progressOut may be nil
// to disable heartbeat output.
func New(cfg runconfig.RunConfig, source OHLCVSource, backend llmharness.Backend, candStore storage.CandidateStore, posStore storage.PositionStore, outStore storage.OutcomeStore, progressOut io.Writer) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	limiter := llmharness.NewRateLimiter(cfg.LLM.MaxCallsPerMinute)
	hcfg := llmharness.Config{
		MaxRetries:              cfg.LLM.MaxRetries,
		InitialRetryDelay:       time.Duration(cfg.LLM.InitialRetryDelaySeconds * float64(time.Second)),
		CircuitBreakerThreshold: cfg.LLM.CircuitBreakerThreshold,
		CircuitBreakerTimeout:   60 * time.Second,
		FallbackDecision:        schema.DecisionType(cfg.LLM.FallbackDecision),
		ModelID:                 cfg.LLM.Model,
		Temperature:             cfg.LLM.Temperature,
		MaxTokens:               cfg.LLM.MaxTokens,
	}

	r := &Runner{
		cfg:        cfg,
		source:     source,
		candStore:  candStore,
		posStore:   posStore,
		outStore:   outStore,
		pipelines:  map[string]*features.Pipeline{},
		barIndex:   map[string]int{},
		lastBar:    map[string]schema.Bar{},
		managers:   map[string]*position.Manager{},
		harness:    llmharness.NewHarness(backend, hcfg, limiter),
		progress:   NewProgress(progressOut, cfg.HeartbeatEveryBars),
		equity:     cfg.Portfolio.StartingEquityUSD,
		minQuality: schema.SetupQuality(cfg.MinSetupQuality),
	}

	fees := position.FeeSchedule{MakerBps: cfg.Fees.MakerBps, TakerBps: cfg.Fees.TakerBps, DefaultSpreadBps: 2.0}
	for _, sym := range cfg.MarketScope.Symbols {
		r.pipelines[sym] = features.NewPipeline(sym, cfg.MarketScope.WarmupBars, 2.0)
		r.managers[sym] = position.NewManager(posStore, cfg.RunID, fees, position.RMultiplePreFee)
	}

	r.playbooks = initPlaybooks(cfg.Playbooks)
	if len(r.playbooks) == 0 {
		return nil, &runerr.ConfigError{Field: "playbooks", Reason: "no playbook enabled"}
	}

	return r, nil
}

func initPlaybooks(cfgs []runconfig.Playbook) []playbook.Playbook {
	var out []playbook.Playbook
	for _, pb := range cfgs {
		if !pb.Enabled {
			continue
		}
		switch pb.Name {
		case "breakout":
			b := playbook.NewBreakout()
			b.StopLossATR = pb.StopLossATR
			b.TakeProfitATR = pb.TakeProfitATR
			b.TimeStopBars = pb.TimeStopBars
			b.TrailingEnabled = pb.TrailingIsEnabled()
			if pb.TrailingActivationATR > 0 {
				b.TrailingActivationR = pb.TrailingActivationATR
			}
			if pb.TrailingDistanceATR > 0 {
				b.TrailingDistanceATR = pb.TrailingDistanceATR
			}
			out = append(out, b)
		case "pullback":
			p := playbook.NewPullback()
			p.StopLossATR = pb.StopLossATR
			p.TakeProfitATR = pb.TakeProfitATR
			p.TimeStopBars = pb.TimeStopBars
			p.TrailingEnabled = pb.TrailingIsEnabled()
			if pb.TrailingActivationATR > 0 {
				p.TrailingActivationR = pb.TrailingActivationATR
			}
			if pb.TrailingDistanceATR > 0 {
				p.TrailingDistanceATR = pb.TrailingDistanceATR
			}
			out = append(out, p)
		}
	}
	return out
}

// Run executes the full ten-step workflow: pre-flight, setup, the main
// bar loop, and teardown. It always finalizes the manifest, even on
// failure.
func (r *Runner) Run(ctx context.Context) (err error) {
	if err := preflight(r.cfg, r.cfg.ArtifactsDir); err != nil {
		return err
	}
	if err := r.setup(); err != nil {
		return err
	}
	defer r.cleanup()

	defer func() {
		if err != nil {
			r.handleFailure(err)
		}
	}()

	resumeFrom, err := r.resumeState()
	if err != nil {
		return err
	}

	if err := r.mainLoop(ctx, resumeFrom); err != nil {
		return err
	}

	return r.teardown()
}

func (r *Runner) setup() error {
	r.runDir = filepath.Join(r.cfg.ArtifactsDir, "runs", r.cfg.RunID)
	if err := os.MkdirAll(r.runDir, 0o755); err != nil {
		return &runerr.ConfigError{Field: "artifacts_dir", Reason: err.Error()}
	}

	configJSON, err := json.MarshalIndent(r.cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("runner: marshal run config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(r.runDir, "run_config.json"), configJSON, 0o644); err != nil {
		return fmt.Errorf("runner: snapshot run config: %w", err)
	}

	r.configFingerprint, r.fingerprintShort = schema.ConfigFingerprint(configJSON)

	now := time.Now()
	r.manifest = newManifest(r.cfg.RunID, r.cfg.MarketScope.Symbols, r.configFingerprint, r.fingerprintShort, now)
	if err := r.saveManifest(); err != nil {
		return err
	}

	f, err := os.OpenFile(filepath.Join(r.runDir, "decision_events.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("runner: open decision log: %w", err)
	}
	r.decisionsFile = f

	observ.Log("run_started", map[string]any{"run_id": r.cfg.RunID, "symbols": r.cfg.MarketScope.Symbols})
	return nil
}

// resumeState checks for an existing checkpoint matching this run's
// config fingerprint and returns the bar index to resume from (0 if
// starting fresh). A fingerprint mismatch means the config changed
// since the checkpoint was written, so it is ignored rather than
// resumed from.
func (r *Runner) resumeState() (int, error) {
	cp, err := LoadCheckpoint(filepath.Join(r.runDir, "checkpoint.json"))
	if err != nil {
		return 0, err
	}
	if cp == nil || cp.ConfigFingerprint != r.configFingerprint {
		return 0, nil
	}
	observ.Log("run_resumed", map[string]any{"run_id": r.cfg.RunID, "bar_index": cp.BarIndex})
	return cp.BarIndex + 1, nil
}

func (r *Runner) mainLoop(ctx context.Context, resumeFromBar int) error {
	start, err := parseDate(r.cfg.MarketScope.StartDate)
	if err != nil {
		return &runerr.ConfigError{Field: "market_scope.start_date", Reason: err.Error()}
	}
	end, err := parseDate(r.cfg.MarketScope.EndDate)
	if err != nil {
		return &runerr.ConfigError{Field: "market_scope.end_date", Reason: err.Error()}
	}

	bars, errc := mergeBars(ctx, r.source, r.cfg.MarketScope.Symbols, start, end, r.cfg.MarketScope.PrimaryTimeframe)

	globalBarIndex := -1

	for bar := range bars {
		globalBarIndex++

		if globalBarIndex < resumeFromBar {
			r.advancePipelineOnly(bar)
			continue
		}

		if err := r.processBar(ctx, bar, globalBarIndex); err != nil {
			return err
		}

		r.progress.OnBar()
		if r.progress.ShouldHeartbeat() {
			r.progress.Heartbeat(r.harness.Stats())
		}
		if (globalBarIndex+1)%r.cfg.CheckpointIntervalBars == 0 {
			if err := r.writeCheckpoint(globalBarIndex, bar.Timestamp); err != nil {
				return err
			}
			r.manifest.LastBarIndex = globalBarIndex
			r.manifest.UpdatedAt = time.Now()
			if err := r.saveManifest(); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			if err := r.writeCheckpoint(globalBarIndex, bar.Timestamp); err != nil {
				return err
			}
			return ctx.Err()
		default:
		}
	}

	if err := <-errc; err != nil {
		return fmt.Errorf("runner: bar source: %w", err)
	}

	if globalBarIndex >= 0 {
		r.manifest.LastBarIndex = globalBarIndex
	}
	return nil
}

// advancePipelineOnly feeds a bar through the feature pipeline and
// position manager without evaluating playbooks, used to replay bars
// already processed before a checkpoint's resume point so accumulator
// state matches exactly.
func (r *Runner) advancePipelineOnly(bar schema.Bar) {
	idx := r.barIndex[bar.Symbol]
	r.pipelines[bar.Symbol].OnBar(bar, idx, features.PortfolioContext{})
	r.managers[bar.Symbol].UpdateAll(bar, idx)
	r.barIndex[bar.Symbol] = idx + 1
	r.lastBar[bar.Symbol] = bar
}

// processBar advances one symbol's feature pipeline, closes any
// positions the new bar triggers, evaluates playbooks for new
// candidates, runs each candidate through the decision harness, and
// opens positions for the ones that clear it.
func (r *Runner) processBar(ctx context.Context, bar schema.Bar, globalBarIndex int) error {
	symbol := bar.Symbol
	if prev, ok := r.lastBar[symbol]; ok && !bar.Timestamp.After(prev.Timestamp) {
		return &runerr.DataError{Symbol: symbol, Timestamp: bar.Timestamp.Format(time.RFC3339), Reason: "bar timestamp not strictly increasing"}
	}
	symBarIndex := r.barIndex[symbol]
	r.barIndex[symbol] = symBarIndex + 1
	r.lastBar[symbol] = bar

	pfCtx := features.PortfolioContext{
		OpenPositions: r.totalOpenPositions(),
		ExposureFrac:  r.exposureFraction(),
	}
	snapshot, ready := r.pipelines[symbol].OnBar(bar, symBarIndex, pfCtx)
	if !ready {
		return nil
	}

	// Step 2: closures first.
	closed, err := r.managers[symbol].UpdateAll(bar, symBarIndex)
	if err != nil {
		return &runerr.StorageError{Store: "positions", Op: "update", Cause: err}
	}
	for _, pos := range closed {
		r.progress.OnPositionClosed()
		r.equity += pos.RealizedPnLQuote
		if err := r.writeOutcomeLabel(*pos); err != nil {
			return err
		}
	}

	// Step 3: candidates.
	var candidates []schema.Candidate
	for _, pb := range r.playbooks {
		sig, ok := pb.Evaluate(snapshot)
		if !ok {
			continue
		}
		id := fmt.Sprintf("%s_%s_%d_%s", r.cfg.RunID, symbol, globalBarIndex, pb.Name())
		cand, err := schema.NewCandidate(id, r.cfg.RunID, symbol, globalBarIndex, bar.Timestamp,
			pb.Name(), schema.Long, sig.EntryPrice, sig.ATRAtEntry, sig.ExitSpec, snapshot.Values)
		if err != nil {
			return &runerr.InvariantError{Invariant: "exit_spec", State: err.Error()}
		}
		cand.QualityFlags = sig.QualityFlags
		cand.Notes = sig.Notes
		if err := r.candStore.Put(cand); err != nil {
			return &runerr.StorageError{Store: "candidates", Op: "put", Cause: err}
		}
		r.progress.OnCandidate()
		candidates = append(candidates, cand)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Playbook != candidates[j].Playbook {
			return candidates[i].Playbook < candidates[j].Playbook
		}
		return candidates[i].Symbol < candidates[j].Symbol
	})

	// Step 4: decision per candidate.
	for _, cand := range candidates {
		event, decision := r.decide(ctx, cand, snapshot, globalBarIndex)
		if err := r.appendDecisionEvent(event); err != nil {
			return err
		}

		// Step 5: open a position if taken and gated quality met.
		if decision.Success && decision.Response.Decision == schema.DecisionTake &&
			decision.Response.SetupQuality.MeetsMinimum(r.minQuality) {
			opened, err := r.tryOpenPosition(cand, bar, globalBarIndex)
			if err != nil {
				return err
			}
			if opened {
				event.WasExecuted = true
				event.PassedGate = true
			} else {
				event.RejectionReason = "portfolio constraints"
			}
		}
	}

	return nil
}

func (r *Runner) decide(ctx context.Context, cand schema.Candidate, snapshot *schema.FeatureSnapshot, globalBarIndex int) (*schema.DecisionEvent, *llmharness.Result) {
	gr, as := buildRegimeAndAssetState(snapshot)
	cs := buildCandidateSetup(cand)
	pc := defaultPolicyConstraints(r.minQuality, gr.RiskBudget)
	user := buildUserPrompt(gr, as, cs, pc)

	result := r.harness.Query(ctx, systemPrompt, user)

	event := &schema.DecisionEvent{
		SchemaVersion:  schema.SchemaVersion,
		EventID:        fmt.Sprintf("evt_%s", cand.ID),
		CandidateID:    cand.ID,
		RunID:          r.cfg.RunID,
		Symbol:         cand.Symbol,
		Playbook:       cand.Playbook,
		BarIndex:       globalBarIndex,
		Timestamp:      cand.Time,
		Decision:       result.Response.Decision,
		SetupQuality:   result.Response.SetupQuality,
		Confidence:     result.Response.Confidence,
		RiskFlags:      result.Response.RiskFlags,
		Notes:          result.Response.Notes,
		LatencyMs:      result.LatencyMs,
		Retries:        result.Retries,
		FallbackUsed:   result.FallbackUsed,
		CircuitState:   result.CircuitState,
	}
	return event, result
}

func (r *Runner) tryOpenPosition(cand schema.Candidate, bar schema.Bar, globalBarIndex int) (bool, error) {
	if r.totalOpenPositions() >= r.cfg.Portfolio.MaxPositions {
		return false, nil
	}
	stopDistFrac := stopDistanceATR(cand) / cand.EntryPrice
	sizeQuote := sizePosition(r.cfg.Portfolio, r.equity, r.totalOpenPositions(), stopDistFrac)
	if sizeQuote <= 0 {
		return false, nil
	}

	pos, err := r.managers[cand.Symbol].Open(cand, bar.Close, sizeQuote, globalBarIndex, bar.Timestamp)
	if err != nil {
		return false, &runerr.StorageError{Store: "positions", Op: "open", Cause: err}
	}

	cand.Taken = true
	cand.PositionID = pos.ID
	if err := r.candStore.Put(cand); err != nil {
		return false, &runerr.StorageError{Store: "candidates", Op: "mark_taken", Cause: err}
	}
	r.progress.OnPositionOpened()
	return true, nil
}

func (r *Runner) totalOpenPositions() int {
	total := 0
	for _, m := range r.managers {
		total += m.OpenCount()
	}
	return total
}

func (r *Runner) exposureFraction() float64 {
	if r.equity <= 0 {
		return 0
	}
	var exposed float64
	for _, m := range r.managers {
		for _, p := range m.OpenPositions() {
			exposed += p.SizeQuote
		}
	}
	return exposed / r.equity
}

func (r *Runner) appendDecisionEvent(event *schema.DecisionEvent) error {
	b, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("runner: marshal decision event: %w", err)
	}
	b = append(b, '\n')
	if _, err := r.decisionsFile.Write(b); err != nil {
		return &runerr.StorageError{Store: "decision_events", Op: "append", Cause: err}
	}
	return nil
}

func (r *Runner) writeOutcomeLabel(pos schema.Position) error {
	label := schema.OutcomeLabel{
		SchemaVersion:   schema.SchemaVersion,
		RunID:           r.cfg.RunID,
		CandidateID:     pos.CandidateID,
		PositionID:      pos.ID,
		ActualRMultiple: pos.RealizedR,
		ExitReason:      pos.ExitReason,
		BarsHeld:        pos.BarsHeld(pos.ExitBarIndex),
	}
	if err := r.outStore.Upsert(label); err != nil {
		return &runerr.StorageError{Store: "outcomes", Op: "upsert", Cause: err}
	}
	return nil
}

func (r *Runner) writeCheckpoint(barIndex int, ts time.Time) error {
	var openIDs []string
	for _, m := range r.managers {
		for _, p := range m.OpenPositions() {
			openIDs = append(openIDs, p.ID)
		}
	}
	cp := Checkpoint{
		ConfigFingerprint: r.configFingerprint,
		BarIndex:          barIndex,
		BarTimestamp:      ts,
		OpenPositionIDs:   openIDs,
	}
	return SaveCheckpoint(filepath.Join(r.runDir, "checkpoint.json"), cp)
}

func (r *Runner) teardown() error {
	for sym, m := range r.managers {
		if m.OpenCount() == 0 {
			continue
		}
		closed, err := m.CloseAll(r.lastBar[sym], r.barIndex[sym])
		if err != nil {
			return &runerr.StorageError{Store: "positions", Op: "close_all", Cause: err}
		}
		for _, pos := range closed {
			r.progress.OnPositionClosed()
			r.equity += pos.RealizedPnLQuote
			if err := r.writeOutcomeLabel(*pos); err != nil {
				return err
			}
		}
	}

	r.manifest.CompletedAt = time.Now()
	r.manifest.UpdatedAt = r.manifest.CompletedAt
	r.manifest.Status = schema.RunStatusComplete
	if err := r.saveManifest(); err != nil {
		return err
	}
	if err := observ.WriteSnapshot(filepath.Join(r.runDir, "metrics.json")); err != nil {
		observ.Log("metrics_snapshot_failed", map[string]any{"run_id": r.cfg.RunID, "error": err.Error()})
	}
	return nil
}

func (r *Runner) handleFailure(cause error) {
	if r.manifest == nil {
		return
	}
	r.manifest.Status = schema.RunStatusFailed
	r.manifest.FailureReason = cause.Error()
	r.manifest.CompletedAt = time.Now()
	r.manifest.UpdatedAt = r.manifest.CompletedAt
	_ = r.saveManifest()
	observ.Log("run_failed", map[string]any{"run_id": r.cfg.RunID, "error": cause.Error()})
}

func (r *Runner) saveManifest() error {
	return saveManifest(filepath.Join(r.runDir, "manifest.json"), r.manifest)
}

func (r *Runner) cleanup() {
	if r.decisionsFile != nil {
		r.decisionsFile.Close()
	}
	r.candStore.Close()
	r.posStore.Close()
	r.outStore.Close()
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(dateLayout, s)
}
