package features

import "github.com/darwinreplay/backtester/internal/schema"

// BucketTrendMode classifies trend direction from EMA alignment, gated by
// ADX strength: a weak trend is always "sideways" regardless of EMA order.
func BucketTrendMode(ema50, ema200, adx, thresholdLow float64) string {
	if adx < thresholdLow {
		return "sideways"
	}
	switch {
	case ema50 > ema200:
		return "up"
	case ema50 < ema200:
		return "down"
	default:
		return "sideways"
	}
}

// BucketVolMode classifies volatility regime from an ATR z-score.
func BucketVolMode(atrZ, thresholdLow, thresholdHigh float64) string {
	switch {
	case atrZ < thresholdLow:
		return "low"
	case atrZ > thresholdHigh:
		return "high"
	default:
		return "normal"
	}
}

// BucketMomentum classifies momentum into five bands from RSI and the MACD
// histogram, RSI acting as the primary signal.
func BucketMomentum(rsi, macdHist, thresholdStrong, thresholdMild float64) string {
	if rsi > 65 && macdHist > thresholdStrong {
		return "strong_up"
	}
	if rsi < 35 && macdHist < -thresholdStrong {
		return "strong_down"
	}
	if rsi > 55 || macdHist > thresholdMild {
		return "mild_up"
	}
	if rsi < 45 || macdHist < -thresholdMild {
		return "mild_down"
	}
	return "flat"
}

// BucketRangeState classifies Bollinger Band width by its rolling
// percentile rank into contracting/normal/expanding.
func BucketRangeState(percentileRank, thresholdLow, thresholdHigh float64) string {
	switch {
	case percentileRank < thresholdLow:
		return "contracting"
	case percentileRank > thresholdHigh:
		return "expanding"
	default:
		return "normal"
	}
}

// ChopScore measures trend efficiency over the trailing lookback: 0 means
// pure trend (net movement equals path length), 1 means pure chop. Returns
// 0.5/"medium" until enough history has accumulated.
func ChopScore(closeCurrent float64, closeHistory []float64, lookback int) (score float64, bucket string) {
	if len(closeHistory) < lookback-1 {
		return 0.5, "medium"
	}
	tail := closeHistory
	if len(tail) > lookback-1 {
		tail = tail[len(tail)-(lookback-1):]
	}
	prices := make([]float64, 0, lookback)
	prices = append(prices, tail...)
	prices = append(prices, closeCurrent)
	if len(prices) != lookback {
		return 0.5, "medium"
	}

	net := prices[len(prices)-1] - prices[0]
	if net < 0 {
		net = -net
	}
	var path float64
	for i := 1; i < len(prices); i++ {
		d := prices[i] - prices[i-1]
		if d < 0 {
			d = -d
		}
		path += d
	}
	if path < 1e-12 {
		return 0.5, "medium"
	}

	efficiency := net / path
	chop := 1.0 - efficiency
	switch {
	case chop < 0.4:
		bucket = "low"
	case chop > 0.7:
		bucket = "high"
	default:
		bucket = "medium"
	}
	return chop, bucket
}

// BucketRR classifies a candidate's expected reward-to-risk ratio.
func BucketRR(expectedGainATR, stopATR float64) string {
	if stopATR < 1e-12 {
		return "<1.5"
	}
	rr := expectedGainATR / stopATR
	switch {
	case rr < 1.5:
		return "<1.5"
	case rr < 2.0:
		return "1.5-2"
	case rr < 3.0:
		return "2-3"
	default:
		return ">3"
	}
}

// BucketVolumeRegime classifies traded volume by its z-score.
func BucketVolumeRegime(volZ, thresholdLow, thresholdHigh float64) string {
	switch {
	case volZ < thresholdLow:
		return "low"
	case volZ > thresholdHigh:
		return "high"
	default:
		return "normal"
	}
}

// BucketPriceLocation classifies close relative to the key EMAs in ATR
// units: "near" wins over "above"/"below" whenever any single MA is close.
func BucketPriceLocation(close, ema20, ema50, ema200, atr, thresholdNear float64) string {
	if atr < 1e-12 {
		return "near_key_ma"
	}
	dist20 := absF(close-ema20) / atr
	dist50 := absF(close-ema50) / atr
	dist200 := absF(close-ema200) / atr

	if minF(dist20, minF(dist50, dist200)) < thresholdNear {
		return "near_key_ma"
	}
	if close > ema20 && close > ema50 && close > ema200 {
		return "above_key_ma"
	}
	if close < ema20 && close < ema50 && close < ema200 {
		return "below_key_ma"
	}
	return "near_key_ma"
}

// BucketSetupStage classifies how many bars have elapsed since a setup
// triggered, into early/ok/late.
func BucketSetupStage(timeSinceTrigger, maxEarly, maxOK int) string {
	switch {
	case timeSinceTrigger <= maxEarly:
		return "early"
	case timeSinceTrigger <= maxOK:
		return "ok"
	default:
		return "late"
	}
}

// BucketDistanceToStructure classifies an absolute ATR-normalized distance
// to a key structure level into near/medium/far.
func BucketDistanceToStructure(distanceATR, thresholdNear, thresholdFar float64) string {
	d := absF(distanceATR)
	switch {
	case d < thresholdNear:
		return "near"
	case d < thresholdFar:
		return "medium"
	default:
		return "far"
	}
}

// BucketRiskMode derives an overall portfolio risk posture from recent
// drawdown, volatility, and exposure. Risk-off conditions each dominate
// independently; risk-on requires all three signals to be calm at once.
func BucketRiskMode(dd24hBps, volZ, exposureFrac float64) string {
	if dd24hBps > 500 || volZ > 2.0 || exposureFrac > 0.8 {
		return "risk_off"
	}
	if dd24hBps < 100 && volZ < 0.5 && exposureFrac < 0.3 {
		return "risk_on"
	}
	return "neutral"
}

// BucketDrawdown classifies 24h drawdown magnitude in basis points.
func BucketDrawdown(dd24hBps float64) string {
	switch {
	case dd24hBps < 50:
		return "none"
	case dd24hBps < 200:
		return "small"
	case dd24hBps < 500:
		return "medium"
	default:
		return "large"
	}
}

// TrendStrengthPct rescales ADX (capped at maxADX) to a 0-100 percentage.
func TrendStrengthPct(adx, maxADX float64) float64 {
	capped := minF(adx, maxADX)
	return (capped / maxADX) * 100.0
}

// VolPct rescales an ATR z-score into a 0-100 percentage, centered at 50
// for z=0 and clamped at the maxZ tails.
func VolPct(atrZ, maxZ float64) float64 {
	shifted := (atrZ + maxZ) / (2 * maxZ)
	clamped := clampF(shifted, 0, 1)
	return clamped * 100.0
}

// RiskBudget computes a position-sizing multiplier from the current risk
// mode, drawdown, and volatility regime, each factor independently
// scaling the base allowance: drawdown and high volatility shrink it,
// low volatility raises it by 1.2x.
func RiskBudget(riskMode string, dd24hBps float64, volMode string) float64 {
	var base float64
	switch riskMode {
	case "risk_off":
		base = 0.1
	case "neutral":
		base = 0.5
	default:
		base = 1.0
	}

	var ddFactor float64
	switch {
	case dd24hBps > 500:
		ddFactor = 0.1
	case dd24hBps > 200:
		ddFactor = 0.5
	default:
		ddFactor = 1.0
	}

	var volFactor float64
	switch volMode {
	case "high":
		volFactor = 0.5
	case "low":
		volFactor = 1.2
	default:
		volFactor = 1.0
	}

	return clampF(base*ddFactor*volFactor, 0, 1)
}

// QualityGrade maps a numeric quality score (0-1 or 0-100) onto
// schema.SetupQuality's nine-grade scale. Because this backtester's
// SetupQuality is finer-grained than darwin's original five-grade
// bucket_quality_grade, the boundaries below interpolate a plus/minus
// split within each of darwin's original bands (see DESIGN.md).
func QualityGrade(score float64) schema.SetupQuality {
	if score <= 1.0 {
		score *= 100.0
	}
	switch {
	case score >= 97:
		return schema.QAPlus
	case score >= 90:
		return schema.QA
	case score >= 85:
		return schema.QAMinus
	case score >= 75:
		return schema.QBPlus
	case score >= 65:
		return schema.QB
	case score >= 60:
		return schema.QBMinus
	case score >= 45:
		return schema.QCPlus
	case score >= 30:
		return schema.QC
	default:
		return schema.QCMinus
	}
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func clampF(v, lo, hi float64) float64 {
	return maxF(lo, minF(hi, v))
}
