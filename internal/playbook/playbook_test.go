package playbook

import (
	"testing"

	"github.com/darwinreplay/backtester/internal/schema"
)

func snapshot(values map[string]float64) *schema.FeatureSnapshot {
	return &schema.FeatureSnapshot{Values: values, Ready: true}
}

func breakoutFeatures() map[string]float64 {
	return map[string]float64{
		"close":            110,
		"atr":              2,
		"adx14":            20,
		"ema200":           100,
		"donchian_high_32": 108,
		"volume_ratio_96":  1.3,
		"vol_z_96":         0.6,
		"adv_usd":          6_000_000,
	}
}

func TestBreakout_EntersOnAllConditionsMet(t *testing.T) {
	b := NewBreakout()
	sig, ok := b.Evaluate(snapshot(breakoutFeatures()))
	if !ok {
		t.Fatal("expected breakout entry")
	}
	if sig.EntryPrice != 110 {
		t.Fatalf("expected entry at close 110, got %v", sig.EntryPrice)
	}
	if err := sig.ExitSpec.Validate(sig.EntryPrice, schema.Long); err != nil {
		t.Fatalf("invalid exit spec: %v", err)
	}
}

func TestBreakout_RejectsWeakTrend(t *testing.T) {
	b := NewBreakout()
	f := breakoutFeatures()
	f["adx14"] = 5
	if _, ok := b.Evaluate(snapshot(f)); ok {
		t.Fatal("expected rejection on weak trend strength")
	}
}

func TestBreakout_RejectsInsufficientLiquidity(t *testing.T) {
	b := NewBreakout()
	f := breakoutFeatures()
	f["adv_usd"] = 1000
	if _, ok := b.Evaluate(snapshot(f)); ok {
		t.Fatal("expected rejection on insufficient liquidity")
	}
}

func TestBreakout_VolumeConfirmationIsEitherOr(t *testing.T) {
	b := NewBreakout()
	f := breakoutFeatures()
	f["volume_ratio_96"] = 0
	f["vol_z_96"] = 0.6 // z-score alone should suffice
	if _, ok := b.Evaluate(snapshot(f)); !ok {
		t.Fatal("expected entry when only vol_z confirms")
	}
}

func pullbackFeatures() map[string]float64 {
	return map[string]float64{
		"close":                    100,
		"open":                     99,
		"low":                      98,
		"atr":                      2,
		"adx14":                    20,
		"rsi14":                    45,
		"ema20":                    100,
		"ema50":                    95,
		"ema200":                   90,
		"prev_close":               98,
		"pullback_dist_ema50_atr":  0.3,
		"ema20_slope_bps":          1,
		"ema50_slope_bps":          1,
	}
}

func TestPullback_EntersOnAllConditionsMet(t *testing.T) {
	p := NewPullback()
	sig, ok := p.Evaluate(snapshot(pullbackFeatures()))
	if !ok {
		t.Fatal("expected pullback entry")
	}
	if err := sig.ExitSpec.Validate(sig.EntryPrice, schema.Long); err != nil {
		t.Fatalf("invalid exit spec: %v", err)
	}
}

func TestPullback_RejectsWhenNotInUptrend(t *testing.T) {
	p := NewPullback()
	f := pullbackFeatures()
	f["ema50"] = 80 // ema50 <= ema200 breaks the uptrend requirement
	if _, ok := p.Evaluate(snapshot(f)); ok {
		t.Fatal("expected rejection outside an uptrend")
	}
}

func TestPullback_RejectsOverheatedRSI(t *testing.T) {
	p := NewPullback()
	f := pullbackFeatures()
	f["rsi14"] = 70
	if _, ok := p.Evaluate(snapshot(f)); ok {
		t.Fatal("expected rejection when RSI exceeds max")
	}
}

func TestPullback_RequiresTagAndReclaimOfEMA20(t *testing.T) {
	p := NewPullback()
	f := pullbackFeatures()
	f["low"] = 101 // never tagged EMA20 (100)
	if _, ok := p.Evaluate(snapshot(f)); ok {
		t.Fatal("expected rejection when EMA20 was never tagged")
	}
}
