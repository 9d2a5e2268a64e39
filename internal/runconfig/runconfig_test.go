package runconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/darwinreplay/backtester/internal/runerr"
)

func validYAML() string {
	return `
run_id: run-1
market_scope:
  venue: coinbase
  symbols: ["BTC-USD"]
  warmup_bars: 200
portfolio:
  starting_equity_usd: 10000
  max_positions: 3
  max_exposure_fraction: 0.6
  risk_per_trade_fraction: 0.01
llm:
  temperature: 0.2
  max_tokens: 500
playbooks:
  - name: breakout
    stop_loss_atr: 1.5
    take_profit_atr: 3.0
    time_stop_bars: 20
`
}

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoad_ValidConfigAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeTemp(t, validYAML()))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Portfolio.PositionSizeMethod != SizeEqualWeight {
		t.Fatalf("expected default equal_weight, got %q", cfg.Portfolio.PositionSizeMethod)
	}
	if cfg.LLM.MaxCallsPerMinute != 60 {
		t.Fatalf("expected default max_calls_per_minute 60, got %d", cfg.LLM.MaxCallsPerMinute)
	}
	if cfg.LLM.FallbackDecision != FallbackSkip {
		t.Fatalf("expected default fallback skip, got %q", cfg.LLM.FallbackDecision)
	}
	if cfg.ArtifactsDir != "artifacts" {
		t.Fatalf("expected default artifacts dir, got %q", cfg.ArtifactsDir)
	}
}

func TestLoad_EmptySymbolsRejected(t *testing.T) {
	bad := `
market_scope:
  warmup_bars: 10
portfolio:
  starting_equity_usd: 1000
  max_positions: 1
  max_exposure_fraction: 0.5
  risk_per_trade_fraction: 0.01
playbooks:
  - name: breakout
    stop_loss_atr: 1
    take_profit_atr: 2
    time_stop_bars: 5
`
	_, err := Load(writeTemp(t, bad))
	var cfgErr *runerr.ConfigError
	if err == nil {
		t.Fatal("expected error")
	}
	if !errorsAs(err, &cfgErr) {
		t.Fatalf("expected *runerr.ConfigError, got %T: %v", err, err)
	}
	if cfgErr.Field != "market_scope.symbols" {
		t.Fatalf("expected symbols field violation, got %+v", cfgErr)
	}
}

func TestValidate_ExposureAboveOneRequiresLeverage(t *testing.T) {
	cfg := baseValidConfig()
	cfg.Portfolio.MaxExposureFraction = 1.5
	cfg.Portfolio.AllowLeverage = false
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected leverage violation")
	}
	cfg.Portfolio.AllowLeverage = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected leveraged config to validate, got %v", err)
	}
}

func TestValidate_TakeProfitMustExceedStopLoss(t *testing.T) {
	cfg := baseValidConfig()
	cfg.Playbooks[0].TakeProfitATR = cfg.Playbooks[0].StopLossATR
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected take_profit_atr violation")
	}
}

func TestValidate_UnknownPlaybookNameRejected(t *testing.T) {
	cfg := baseValidConfig()
	cfg.Playbooks[0].Name = "scalp"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected unknown playbook rejection")
	}
}

func baseValidConfig() RunConfig {
	var c RunConfig
	c.MarketScope = MarketScope{Symbols: []string{"BTC-USD"}, WarmupBars: 100}
	c.Portfolio = Portfolio{
		StartingEquityUSD:    10000,
		MaxPositions:         3,
		MaxExposureFraction:  0.6,
		RiskPerTradeFraction: 0.01,
		PositionSizeMethod:   SizeEqualWeight,
	}
	c.LLM = LLM{Temperature: 0.2, MaxTokens: 500, MaxCallsPerMinute: 60, FallbackDecision: FallbackSkip}
	c.Playbooks = []Playbook{{Name: "breakout", StopLossATR: 1.5, TakeProfitATR: 3.0, TimeStopBars: 20}}
	c.DecisionTiming = DecisionSameBarClose
	c.FillTiming = FillNextBarOpen
	c.PriceSource = PriceSourceClose
	c.SlippageModel = SlippageSpread
	c.FeatureMode = FeatureModeLive
	c.MinSetupQuality = "A-"
	c.CheckpointIntervalBars = 500
	c.HeartbeatEveryBars = 100
	return c
}

func errorsAs(err error, target **runerr.ConfigError) bool {
	ce, ok := err.(*runerr.ConfigError)
	if !ok {
		return false
	}
	*target = ce
	return true
}
