package runner

import (
	"fmt"
	"strings"

	"github.com/darwinreplay/backtester/internal/features"
	"github.com/darwinreplay/backtester/internal/schema"
)

// systemPrompt is the fixed instruction set every LLM call uses.
const systemPrompt = `You are a professional crypto trading system evaluating candidate trade setups.

Your role is to:
1. Assess the quality of a trade setup according to the specified playbook
2. Identify risk factors that could invalidate the setup
3. Make a binary decision: TAKE or SKIP
4. Provide a confidence score reflecting your conviction

You MUST output valid JSON only, with no additional text or explanation.

Output schema:
{
  "decision": "take" or "skip",
  "setup_quality": "A+" | "A" | "A-" | "B+" | "B" | "B-" | "C+" | "C" | "C-",
  "confidence": 0.0 to 1.0,
  "risk_flags": ["flag1", "flag2", ...],
  "notes": "Brief reasoning (1-2 sentences max)"
}

Be selective. Only take A- grade or better setups in favorable conditions.
When in doubt, skip. Capital preservation is paramount.`

// globalRegime is the BTC-scale market context stamped onto every
// candidate's prompt.
type globalRegime struct {
	RiskMode         string
	RiskBudget       float64
	TrendMode        string
	TrendStrengthPct float64
	VolMode          string
	VolPct           float64
	DrawdownBucket   string
}

// assetState is the per-symbol market context, ported from
// AssetStateV1.
type assetState struct {
	Symbol          string
	PriceLocation1h string
	Trend1h         string
	Momentum15m     string
	VolRegime15m    string
	ATRPct15m       float64
	VolumeRegime15m string
	VolumeZScore15m float64
	RangeState15m   string
	ChopScore       float64
}

// candidateSetup is the trade-specific context, ported from
// CandidateSetupV1.
type candidateSetup struct {
	Playbook             schema.Playbook
	Direction            schema.Direction
	SetupStage           string
	TriggerType          string
	StopATR              float64
	ExpectedRRBucket     string
	DistanceToStructure  string
	QualityIndicators    map[string]bool
}

// policyConstraints is the fixed policy the LLM must respect, ported
// from PolicyConstraintsV1.
type policyConstraints struct {
	RequiredQuality schema.SetupQuality
	MaxRiskBudget   float64
	Notes           string
}

// buildRegimeAndAssetState derives the global regime and asset state
// blocks from a feature snapshot, using the bucketing functions from
// internal/features. The runner does not gate candidates on these
// labels; they only feed the prompt.
func buildRegimeAndAssetState(f *schema.FeatureSnapshot) (globalRegime, assetState) {
	adx := f.Get("adx14")
	ema50 := f.Get("ema50")
	ema200 := f.Get("ema200")
	atrZ := f.Get("atr_z_96")
	dd := f.Get("dd_24h_bps")
	exposure := f.Get("exposure_frac")

	trendMode := features.BucketTrendMode(ema50, ema200, adx, 20)
	volMode := features.BucketVolMode(atrZ, -0.5, 1.0)
	riskMode := features.BucketRiskMode(dd, atrZ, exposure)

	gr := globalRegime{
		RiskMode:         riskMode,
		RiskBudget:       features.RiskBudget(riskMode, dd, volMode),
		TrendMode:        trendMode,
		TrendStrengthPct: features.TrendStrengthPct(adx, 40),
		VolMode:          volMode,
		VolPct:           features.VolPct(atrZ, 3),
		DrawdownBucket:   features.BucketDrawdown(dd),
	}

	as := assetState{
		Symbol:          f.Symbol,
		PriceLocation1h: features.BucketPriceLocation(f.Get("close"), f.Get("ema20"), ema50, ema200, f.Get("atr"), 0.3),
		Trend1h:         trendMode,
		Momentum15m:     features.BucketMomentum(f.Get("rsi14"), f.Get("macd_hist"), 0.5, 0.1),
		VolRegime15m:    volMode,
		ATRPct15m:       f.Get("atr_bps") / 100.0,
		VolumeRegime15m: features.BucketVolumeRegime(f.Get("vol_z_96"), -1.0, 1.0),
		VolumeZScore15m: f.Get("vol_z_96"),
		RangeState15m:   features.BucketRangeState(f.Get("bb_pos"), 0.2, 0.8),
		// ChopScore needs the raw close history the pipeline keeps
		// internally, not just the emitted snapshot; the prompt gets
		// the pipeline's own bb_pos-derived range state instead and
		// this stays at the "insufficient history" default.
		ChopScore: 0.5,
	}
	return gr, as
}

// buildCandidateSetup derives the candidate-setup block from the
// candidate alone.
func buildCandidateSetup(cand schema.Candidate) candidateSetup {
	riskATR := cand.ATRAtEntry
	gainATR := (cand.ExitSpec.TakeProfitPrice - cand.EntryPrice) / stopDistanceATR(cand)
	if cand.Direction == schema.Short {
		gainATR = (cand.EntryPrice - cand.ExitSpec.TakeProfitPrice) / stopDistanceATR(cand)
	}
	stopATR := stopDistanceATR(cand) / riskATR
	if riskATR <= 0 {
		stopATR = 0
	}

	return candidateSetup{
		Playbook:            cand.Playbook,
		Direction:           cand.Direction,
		SetupStage:          "early",
		TriggerType:         string(cand.Playbook),
		StopATR:             stopATR,
		ExpectedRRBucket:    features.BucketRR(gainATR, stopATR),
		DistanceToStructure: "near",
		QualityIndicators:   cand.QualityFlags,
	}
}

func stopDistanceATR(cand schema.Candidate) float64 {
	d := cand.EntryPrice - cand.ExitSpec.StopLossPrice
	if d < 0 {
		d = -d
	}
	return d
}

// defaultPolicyConstraints returns the run-wide policy every candidate
// is evaluated against.
func defaultPolicyConstraints(minQuality schema.SetupQuality, riskBudget float64) policyConstraints {
	return policyConstraints{
		RequiredQuality: minQuality,
		MaxRiskBudget:   riskBudget,
		Notes:           "capital preservation takes priority over trade frequency",
	}
}

// buildUserPrompt renders the four context blocks into the structured
// text prompt sent alongside systemPrompt.
func buildUserPrompt(gr globalRegime, as assetState, cs candidateSetup, pc policyConstraints) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# GLOBAL MARKET REGIME (BTC 4h context)\n")
	fmt.Fprintf(&b, "Risk Mode: %s\n", gr.RiskMode)
	fmt.Fprintf(&b, "Risk Budget: %.2f\n", gr.RiskBudget)
	fmt.Fprintf(&b, "Trend: %s (strength: %.0f%%)\n", gr.TrendMode, gr.TrendStrengthPct)
	fmt.Fprintf(&b, "Volatility: %s (%.0f%%)\n", gr.VolMode, gr.VolPct)
	fmt.Fprintf(&b, "Drawdown: %s\n\n", gr.DrawdownBucket)

	fmt.Fprintf(&b, "# ASSET STATE: %s\n", as.Symbol)
	fmt.Fprintf(&b, "Price Location (1h): %s\n", as.PriceLocation1h)
	fmt.Fprintf(&b, "Trend (1h): %s\n", as.Trend1h)
	fmt.Fprintf(&b, "Momentum (15m): %s\n", as.Momentum15m)
	fmt.Fprintf(&b, "Volatility (15m): %s (ATR: %.2f%%)\n", as.VolRegime15m, as.ATRPct15m)
	fmt.Fprintf(&b, "Volume (15m): %s (z-score: %.2f)\n", as.VolumeRegime15m, as.VolumeZScore15m)
	fmt.Fprintf(&b, "Range State (15m): %s\n", as.RangeState15m)
	fmt.Fprintf(&b, "Chop Score: %.2f\n\n", as.ChopScore)

	fmt.Fprintf(&b, "# CANDIDATE SETUP\n")
	fmt.Fprintf(&b, "Playbook: %s\n", strings.ToUpper(string(cs.Playbook)))
	fmt.Fprintf(&b, "Direction: %s\n", strings.ToUpper(string(cs.Direction)))
	fmt.Fprintf(&b, "Setup Stage: %s\n", cs.SetupStage)
	fmt.Fprintf(&b, "Trigger: %s\n", cs.TriggerType)
	fmt.Fprintf(&b, "Stop Loss: %.2f ATR\n", cs.StopATR)
	fmt.Fprintf(&b, "Expected R:R: %s\n", cs.ExpectedRRBucket)
	fmt.Fprintf(&b, "Distance to Structure: %s\n", cs.DistanceToStructure)
	if len(cs.QualityIndicators) > 0 {
		fmt.Fprintf(&b, "\nQuality Indicators:\n")
		for k, v := range cs.QualityIndicators {
			fmt.Fprintf(&b, "  - %s: %v\n", k, v)
		}
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "# POLICY CONSTRAINTS\n")
	fmt.Fprintf(&b, "Required Quality: %s or better\n", pc.RequiredQuality)
	fmt.Fprintf(&b, "Max Risk Budget: %.2f\n", pc.MaxRiskBudget)
	if pc.Notes != "" {
		fmt.Fprintf(&b, "Notes: %s\n", pc.Notes)
	}
	b.WriteString("\n# YOUR DECISION\nEvaluate this setup and output your decision as JSON.")

	return b.String()
}
