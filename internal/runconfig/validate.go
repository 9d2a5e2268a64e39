package runconfig

import (
	"github.com/darwinreplay/backtester/internal/runerr"
	"github.com/darwinreplay/backtester/internal/schema"
)

// Validate checks the cross-field invariants a run config must satisfy
// before a run can start, mirroring darwin's RunConfigV1 model
// validators. It returns the first violation found as a
// runerr.ConfigError.
func (c RunConfig) Validate() error {
	if len(c.MarketScope.Symbols) == 0 {
		return &runerr.ConfigError{Field: "market_scope.symbols", Reason: "must not be empty"}
	}
	if c.MarketScope.WarmupBars <= 0 {
		return &runerr.ConfigError{Field: "market_scope.warmup_bars", Reason: "must be positive"}
	}

	if c.Fees.MakerBps < 0 {
		return &runerr.ConfigError{Field: "fees.maker_bps", Reason: "must not be negative"}
	}
	if c.Fees.TakerBps < 0 {
		return &runerr.ConfigError{Field: "fees.taker_bps", Reason: "must not be negative"}
	}

	if c.Portfolio.StartingEquityUSD <= 0 {
		return &runerr.ConfigError{Field: "portfolio.starting_equity_usd", Reason: "must be positive"}
	}
	if c.Portfolio.MaxPositions <= 0 {
		return &runerr.ConfigError{Field: "portfolio.max_positions", Reason: "must be positive"}
	}
	if c.Portfolio.MaxExposureFraction <= 0 {
		return &runerr.ConfigError{Field: "portfolio.max_exposure_fraction", Reason: "must be positive"}
	}
	if c.Portfolio.MaxExposureFraction > 1.0 && !c.Portfolio.AllowLeverage {
		return &runerr.ConfigError{Field: "portfolio.max_exposure_fraction", Reason: "exceeds 1.0 but allow_leverage is false"}
	}
	if c.Portfolio.RiskPerTradeFraction <= 0 || c.Portfolio.RiskPerTradeFraction > 0.5 {
		return &runerr.ConfigError{Field: "portfolio.risk_per_trade_fraction", Reason: "must be in (0, 0.5]"}
	}
	switch c.Portfolio.PositionSizeMethod {
	case SizeEqualWeight, SizeRiskParity:
	default:
		return &runerr.ConfigError{Field: "portfolio.position_size_method", Reason: "must be equal_weight or risk_parity"}
	}

	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return &runerr.ConfigError{Field: "llm.temperature", Reason: "must be in [0, 2]"}
	}
	if c.LLM.MaxTokens <= 0 {
		return &runerr.ConfigError{Field: "llm.max_tokens", Reason: "must be positive"}
	}
	if c.LLM.MaxCallsPerMinute <= 0 {
		return &runerr.ConfigError{Field: "llm.max_calls_per_minute", Reason: "must be positive"}
	}
	switch c.LLM.FallbackDecision {
	case FallbackSkip, FallbackTake:
	default:
		return &runerr.ConfigError{Field: "llm.fallback_decision", Reason: "must be skip or take"}
	}

	if len(c.Playbooks) == 0 {
		return &runerr.ConfigError{Field: "playbooks", Reason: "must not be empty"}
	}
	for _, pb := range c.Playbooks {
		if !validPlaybookNames[pb.Name] {
			return &runerr.ConfigError{Field: "playbooks[].name", Reason: "unknown playbook \"" + pb.Name + "\""}
		}
		if pb.StopLossATR <= 0 {
			return &runerr.ConfigError{Field: "playbooks[" + pb.Name + "].stop_loss_atr", Reason: "must be positive"}
		}
		if pb.TakeProfitATR <= 0 {
			return &runerr.ConfigError{Field: "playbooks[" + pb.Name + "].take_profit_atr", Reason: "must be positive"}
		}
		if pb.TakeProfitATR <= pb.StopLossATR {
			return &runerr.ConfigError{Field: "playbooks[" + pb.Name + "].take_profit_atr", Reason: "must exceed stop_loss_atr"}
		}
		if pb.TimeStopBars <= 0 {
			return &runerr.ConfigError{Field: "playbooks[" + pb.Name + "].time_stop_bars", Reason: "must be positive"}
		}
	}

	switch c.DecisionTiming {
	case DecisionSameBarClose, DecisionNextBarOpen:
	default:
		return &runerr.ConfigError{Field: "decision_timing", Reason: "unknown value"}
	}
	switch c.FillTiming {
	case FillNextBarOpen, FillSameBarClose:
	default:
		return &runerr.ConfigError{Field: "fill_timing", Reason: "unknown value"}
	}
	switch c.PriceSource {
	case PriceSourceClose, PriceSourceHL2:
	default:
		return &runerr.ConfigError{Field: "price_source", Reason: "unknown value"}
	}
	switch c.SlippageModel {
	case SlippageSpread, SlippageFixedBps:
	default:
		return &runerr.ConfigError{Field: "slippage_model", Reason: "unknown value"}
	}
	switch c.FeatureMode {
	case FeatureModeLive, FeatureModePrecomputed:
	default:
		return &runerr.ConfigError{Field: "feature_mode", Reason: "unknown value"}
	}

	if !schema.SetupQuality(c.MinSetupQuality).Valid() {
		return &runerr.ConfigError{Field: "min_setup_quality", Reason: "must be one of the nine declared grades"}
	}
	if c.CheckpointIntervalBars <= 0 {
		return &runerr.ConfigError{Field: "checkpoint_interval_bars", Reason: "must be positive"}
	}
	if c.HeartbeatEveryBars <= 0 {
		return &runerr.ConfigError{Field: "heartbeat_every_bars", Reason: "must be positive"}
	}

	return nil
}
