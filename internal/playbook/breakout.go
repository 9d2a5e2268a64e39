package playbook

import (
	"fmt"

	"github.com/darwinreplay/backtester/internal/schema"
)

// Breakout trades continuation when price clears a well-defined recent
// range with trend and volume confirmation.
//
// Entry (all must hold): close breaks donchian_high_32 plus a buffer,
// ADX14 confirms trend strength, close sits above EMA200, volume confirms
// via ratio or z-score, and dollar volume clears the liquidity floor.
type Breakout struct {
	NBars              int
	BreakBufferATR     float64
	MinTrendStrength   float64
	MinVolRatio        float64
	MinVolZ            float64
	MinADVUSD          float64
	StopLossATR        float64
	TakeProfitATR      float64
	TimeStopBars       int
	TrailingEnabled     bool
	TrailingActivationR float64
	TrailingDistanceATR float64
}

// NewBreakout returns a Breakout playbook configured with darwin's
// original defaults.
func NewBreakout() *Breakout {
	return &Breakout{
		NBars:               32,
		BreakBufferATR:      0.10,
		MinTrendStrength:    18.0,
		MinVolRatio:         1.2,
		MinVolZ:             0.5,
		MinADVUSD:           5_000_000.0,
		StopLossATR:         1.2,
		TakeProfitATR:       2.4,
		TimeStopBars:        32,
		TrailingEnabled:     true,
		TrailingActivationR: 1.0,
		TrailingDistanceATR: 1.2,
	}
}

func (b *Breakout) Name() schema.Playbook { return schema.PlaybookBreakout }

func (b *Breakout) Evaluate(f *schema.FeatureSnapshot) (*Signal, bool) {
	close := get(f, "close", 0)
	atr := get(f, "atr", 0)
	adx14 := get(f, "adx14", 0)
	ema200 := get(f, "ema200", 0)
	donchianHigh32 := get(f, "donchian_high_32", 0)
	volumeRatio96 := get(f, "volume_ratio_96", 0)
	volZ96 := get(f, "vol_z_96", 0)
	advUSD := get(f, "adv_usd", 0)

	if close <= 0 || atr <= 0 {
		return nil, false
	}

	breakThreshold := donchianHigh32 + b.BreakBufferATR*atr

	if close < breakThreshold {
		return nil, false
	}
	if adx14 < b.MinTrendStrength {
		return nil, false
	}
	if close <= ema200 {
		return nil, false
	}
	if !(volumeRatio96 >= b.MinVolRatio || volZ96 >= b.MinVolZ) {
		return nil, false
	}
	if advUSD < b.MinADVUSD {
		return nil, false
	}

	exitSpec := b.exitSpec(close, atr, schema.Long)

	var bufferPct float64
	if breakThreshold != 0 {
		bufferPct = ((close - breakThreshold) / breakThreshold) * 100
	}

	return &Signal{
		EntryPrice: close,
		ATRAtEntry: atr,
		ExitSpec:   exitSpec,
		QualityFlags: map[string]bool{
			"compression_present": get(f, "bb_width_pct", 50) < 20.0,
			"vol_expansion":       get(f, "atr_z_96", 0) > 0.3,
			"volume_confirm":      volZ96 > 0.5,
		},
		Notes: fmt.Sprintf("Breakout: %.2f%% above threshold, ADX=%.1f, vol_ratio=%.2f, vol_z=%.2f",
			bufferPct, adx14, volumeRatio96, volZ96),
	}, true
}

func (b *Breakout) exitSpec(entryPrice, atr float64, dir schema.Direction) schema.ExitSpec {
	stopDistance := b.StopLossATR * atr
	if dir == schema.Long {
		return schema.ExitSpec{
			StopLossPrice:           entryPrice - stopDistance,
			TakeProfitPrice:         entryPrice + b.TakeProfitATR*atr,
			TimeStopBars:            b.TimeStopBars,
			TrailingEnabled:         b.TrailingEnabled,
			TrailingActivationPrice: entryPrice + b.TrailingActivationR*stopDistance,
			TrailingDistanceATR:     b.TrailingDistanceATR,
		}
	}
	return schema.ExitSpec{
		StopLossPrice:           entryPrice + stopDistance,
		TakeProfitPrice:         entryPrice - b.TakeProfitATR*atr,
		TimeStopBars:            b.TimeStopBars,
		TrailingEnabled:         b.TrailingEnabled,
		TrailingActivationPrice: entryPrice - b.TrailingActivationR*stopDistance,
		TrailingDistanceATR:     b.TrailingDistanceATR,
	}
}
