// Package runconfig loads and validates the YAML file that fully
// describes one backtest run: market scope, fees, portfolio sizing,
// LLM settings and playbook parameters.
package runconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DecisionTiming names when the LLM sees a candidate relative to its
// trigger bar. Validation checks the value; the runner does not read it
// and always decides at the trigger bar's close.
type DecisionTiming string

const (
	DecisionSameBarClose DecisionTiming = "same_bar_close"
	DecisionNextBarOpen  DecisionTiming = "next_bar_open"
)

// FillTiming names when an accepted candidate is assumed to fill.
// Validation checks the value; the runner does not read it and always
// fills at the decision bar's close.
type FillTiming string

const (
	FillNextBarOpen FillTiming = "next_bar_open"
	FillSameBarClose FillTiming = "same_bar_close"
)

// PriceSource names which bar field feeds the feature pipeline.
// Validation checks the value; the pipeline does not read it and always
// uses the close.
type PriceSource string

const (
	PriceSourceClose PriceSource = "close"
	PriceSourceHL2   PriceSource = "hl2"
)

// SlippageModel names the fill-price adjustment model. Validation checks
// the value; fills always use the spread-based model.
type SlippageModel string

const (
	SlippageSpread SlippageModel = "spread"
	SlippageFixedBps SlippageModel = "fixed_bps"
)

// FeatureMode names either the live incremental pipeline or a
// precomputed/cached feature source. Validation checks the value; the
// runner always computes features with the live pipeline.
type FeatureMode string

const (
	FeatureModeLive      FeatureMode = "live"
	FeatureModePrecomputed FeatureMode = "precomputed"
)

// PositionSizeMethod selects how MarketScope-approved candidates are sized.
type PositionSizeMethod string

const (
	SizeEqualWeight PositionSizeMethod = "equal_weight"
	SizeRiskParity  PositionSizeMethod = "risk_parity"
)

// FallbackDecision is what the harness assumes when the LLM is
// unreachable or its circuit breaker is open.
type FallbackDecision string

const (
	FallbackSkip FallbackDecision = "skip"
	FallbackTake FallbackDecision = "take"
)

type MarketScope struct {
	Venue               string   `yaml:"venue"`
	Symbols             []string `yaml:"symbols"`
	PrimaryTimeframe    string   `yaml:"primary_timeframe"`
	AdditionalTimeframes []string `yaml:"additional_timeframes"`
	StartDate           string   `yaml:"start_date"`
	EndDate             string   `yaml:"end_date"`
	WarmupBars          int      `yaml:"warmup_bars"`
}

type Fees struct {
	MakerBps float64 `yaml:"maker_bps"`
	TakerBps float64 `yaml:"taker_bps"`
}

type Portfolio struct {
	StartingEquityUSD    float64            `yaml:"starting_equity_usd"`
	MaxPositions         int                `yaml:"max_positions"`
	MaxExposureFraction  float64            `yaml:"max_exposure_fraction"`
	AllowLeverage        bool               `yaml:"allow_leverage"`
	PositionSizeMethod   PositionSizeMethod `yaml:"position_size_method"`
	RiskPerTradeFraction float64            `yaml:"risk_per_trade_fraction"`
}

type LLM struct {
	Provider                string           `yaml:"provider"`
	Model                   string           `yaml:"model"`
	Temperature             float64          `yaml:"temperature"`
	MaxTokens               int              `yaml:"max_tokens"`
	MaxCallsPerMinute       int              `yaml:"max_calls_per_minute"`
	MaxRetries              int              `yaml:"max_retries"`
	InitialRetryDelaySeconds float64         `yaml:"initial_retry_delay_seconds"`
	CircuitBreakerThreshold int              `yaml:"circuit_breaker_threshold"`
	FallbackDecision        FallbackDecision `yaml:"fallback_decision"`
}

type Playbook struct {
	Name                 string             `yaml:"name"`
	Enabled              bool               `yaml:"enabled"`
	EntryParams          map[string]float64 `yaml:"entry_params"`
	StopLossATR          float64            `yaml:"stop_loss_atr"`
	TakeProfitATR        float64            `yaml:"take_profit_atr"`
	TimeStopBars         int                `yaml:"time_stop_bars"`
	// TrailingEnabled is a pointer so an absent YAML key defaults to
	// enabled while still letting a run explicitly turn trailing off
	// with `trailing_enabled: false`.
	TrailingEnabled      *bool              `yaml:"trailing_enabled"`
	TrailingActivationATR float64           `yaml:"trailing_activation_atr"`
	TrailingDistanceATR  float64            `yaml:"trailing_distance_atr"`
}

// TrailingIsEnabled reports whether trailing stops are active for this
// playbook, defaulting to true when the run config leaves the field unset.
func (p Playbook) TrailingIsEnabled() bool {
	return p.TrailingEnabled == nil || *p.TrailingEnabled
}

// RunConfig is the full description of one backtest run, unmarshaled
// from a single YAML file.
type RunConfig struct {
	RunID          string         `yaml:"run_id"`
	Description    string         `yaml:"description"`
	MarketScope    MarketScope    `yaml:"market_scope"`
	Fees           Fees           `yaml:"fees"`
	Portfolio      Portfolio      `yaml:"portfolio"`
	LLM            LLM            `yaml:"llm"`
	Playbooks      []Playbook     `yaml:"playbooks"`
	DecisionTiming DecisionTiming `yaml:"decision_timing"`
	FillTiming     FillTiming     `yaml:"fill_timing"`
	PriceSource    PriceSource    `yaml:"price_source"`
	SlippageModel  SlippageModel  `yaml:"slippage_model"`
	FeatureMode    FeatureMode    `yaml:"feature_mode"`
	ArtifactsDir   string         `yaml:"artifacts_dir"`
	GeneratePlots  bool           `yaml:"generate_plots"`
	SavePayloads   bool           `yaml:"save_payloads"`
	SaveResponses  bool           `yaml:"save_responses"`

	// MinSetupQuality is the configured minimum grade: a candidate is
	// only opened if the LLM's take decision also meets this grade.
	MinSetupQuality string `yaml:"min_setup_quality"`

	// CheckpointIntervalBars and HeartbeatEveryBars control the
	// runner's progress cadence.
	CheckpointIntervalBars int `yaml:"checkpoint_interval_bars"`
	HeartbeatEveryBars     int `yaml:"heartbeat_every_bars"`
}

var validPlaybookNames = map[string]bool{
	"breakout": true,
	"pullback": true,
}

// Load reads path, unmarshals it into a RunConfig, applies defaults for
// unset fields and validates the result.
func Load(path string) (RunConfig, error) {
	var c RunConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("runconfig: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("runconfig: parse %q: %w", path, err)
	}
	applyDefaults(&c)
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func applyDefaults(c *RunConfig) {
	if c.MarketScope.PrimaryTimeframe == "" {
		c.MarketScope.PrimaryTimeframe = "15m"
	}
	if c.Portfolio.PositionSizeMethod == "" {
		c.Portfolio.PositionSizeMethod = SizeEqualWeight
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "mock"
	}
	if c.LLM.MaxCallsPerMinute == 0 {
		c.LLM.MaxCallsPerMinute = 60
	}
	if c.LLM.MaxRetries == 0 {
		c.LLM.MaxRetries = 3
	}
	if c.LLM.InitialRetryDelaySeconds == 0 {
		c.LLM.InitialRetryDelaySeconds = 1.0
	}
	if c.LLM.CircuitBreakerThreshold == 0 {
		c.LLM.CircuitBreakerThreshold = 5
	}
	if c.LLM.FallbackDecision == "" {
		c.LLM.FallbackDecision = FallbackSkip
	}
	if c.DecisionTiming == "" {
		c.DecisionTiming = DecisionSameBarClose
	}
	if c.FillTiming == "" {
		c.FillTiming = FillNextBarOpen
	}
	if c.PriceSource == "" {
		c.PriceSource = PriceSourceClose
	}
	if c.SlippageModel == "" {
		c.SlippageModel = SlippageSpread
	}
	if c.FeatureMode == "" {
		c.FeatureMode = FeatureModeLive
	}
	if c.ArtifactsDir == "" {
		c.ArtifactsDir = "artifacts"
	}
	if c.MinSetupQuality == "" {
		c.MinSetupQuality = "A-"
	}
	if c.CheckpointIntervalBars == 0 {
		c.CheckpointIntervalBars = 500
	}
	if c.HeartbeatEveryBars == 0 {
		c.HeartbeatEveryBars = 100
	}
}
