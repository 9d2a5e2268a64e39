package playbook

import (
	"fmt"

	"github.com/darwinreplay/backtester/internal/schema"
)

// Pullback buys the dip in an established uptrend: price tags the EMA20
// band, stabilizes, and resumes upward momentum without being overheated.
type Pullback struct {
	MinTrendStrength     float64
	MaxRSI               float64
	MaxDistanceToEMA50ATR float64
	CheckEMA50Distance   bool
	StopLossATR          float64
	TakeProfitATR        float64
	TimeStopBars         int
	TrailingEnabled      bool
	TrailingActivationR  float64
	TrailingDistanceATR  float64
}

// NewPullback returns a Pullback playbook configured with darwin's
// original defaults.
func NewPullback() *Pullback {
	return &Pullback{
		MinTrendStrength:      16.0,
		MaxRSI:                55.0,
		MaxDistanceToEMA50ATR: 1.0,
		CheckEMA50Distance:    true,
		StopLossATR:           1.0,
		TakeProfitATR:         1.8,
		TimeStopBars:          48,
		TrailingEnabled:       true,
		TrailingActivationR:   0.8,
		TrailingDistanceATR:   1.0,
	}
}

func (p *Pullback) Name() schema.Playbook { return schema.PlaybookPullback }

func (p *Pullback) Evaluate(f *schema.FeatureSnapshot) (*Signal, bool) {
	close := get(f, "close", 0)
	open := get(f, "open", 0)
	low := get(f, "low", 0)
	atr := get(f, "atr", 0)
	adx14 := get(f, "adx14", 0)
	rsi14 := get(f, "rsi14", 50)
	ema20 := get(f, "ema20", 0)
	ema50 := get(f, "ema50", 0)
	ema200 := get(f, "ema200", 0)
	prevClose := get(f, "prev_close", close)
	pullbackDistEMA50ATR := get(f, "pullback_dist_ema50_atr", 0)

	if close <= 0 || atr <= 0 {
		return nil, false
	}

	// 1. Uptrend
	if ema50 <= ema200 {
		return nil, false
	}
	// 2. Minimum trend strength
	if adx14 < p.MinTrendStrength {
		return nil, false
	}
	// 3. Tagged EMA20 and reclaimed by close
	if !(low <= ema20 && close >= ema20) {
		return nil, false
	}
	// 4. Reversal confirmation
	reversalConfirmed := close >= open || close > prevClose
	if !reversalConfirmed {
		return nil, false
	}
	// 5. Not overheated
	if rsi14 > p.MaxRSI {
		return nil, false
	}
	// 6. Optional EMA50 distance check
	if p.CheckEMA50Distance && pullbackDistEMA50ATR > p.MaxDistanceToEMA50ATR {
		return nil, false
	}

	exitSpec := p.exitSpec(close, atr, schema.Long)

	ema20SlopeBps := get(f, "ema20_slope_bps", 0)
	ema50SlopeBps := get(f, "ema50_slope_bps", 0)

	var distanceToEMA20Pct float64
	if ema20 != 0 {
		distanceToEMA20Pct = ((close - ema20) / ema20) * 100
	}

	return &Signal{
		EntryPrice: close,
		ATRAtEntry: atr,
		ExitSpec:   exitSpec,
		QualityFlags: map[string]bool{
			"ema_alignment":          ema50 > ema200 && ema20SlopeBps > 0 && ema50SlopeBps > 0,
			"pullback_depth_shallow": absF(pullbackDistEMA50ATR) < 0.5,
			"reversal_confirm":       reversalConfirmed,
		},
		Notes: fmt.Sprintf("Pullback: %.2f%% from EMA20, ADX=%.1f, RSI=%.1f, dist_to_EMA50=%.2fATR",
			distanceToEMA20Pct, adx14, rsi14, pullbackDistEMA50ATR),
	}, true
}

func (p *Pullback) exitSpec(entryPrice, atr float64, dir schema.Direction) schema.ExitSpec {
	stopDistance := p.StopLossATR * atr
	if dir == schema.Long {
		return schema.ExitSpec{
			StopLossPrice:           entryPrice - stopDistance,
			TakeProfitPrice:         entryPrice + p.TakeProfitATR*atr,
			TimeStopBars:            p.TimeStopBars,
			TrailingEnabled:         p.TrailingEnabled,
			TrailingActivationPrice: entryPrice + p.TrailingActivationR*stopDistance,
			TrailingDistanceATR:     p.TrailingDistanceATR,
		}
	}
	return schema.ExitSpec{
		StopLossPrice:           entryPrice + stopDistance,
		TakeProfitPrice:         entryPrice - p.TakeProfitATR*atr,
		TimeStopBars:            p.TimeStopBars,
		TrailingEnabled:         p.TrailingEnabled,
		TrailingActivationPrice: entryPrice - p.TrailingActivationR*stopDistance,
		TrailingDistanceATR:     p.TrailingDistanceATR,
	}
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
