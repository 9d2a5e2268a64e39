package features

import (
	"math"

	"github.com/darwinreplay/backtester/internal/schema"
)

// PortfolioContext carries the caller-supplied portfolio/risk state that
// the pipeline stamps onto each snapshot as passthrough features; the
// pipeline itself never computes exposure or drawdown.
type PortfolioContext struct {
	OpenPositions int
	ExposureFrac  float64
	DD24hBps      float64
	HaltFlag      int
}

// Pipeline incrementally computes the full feature set for one symbol from
// a stream of bars, warming up over WarmupBars before emitting snapshots.
type Pipeline struct {
	Symbol     string
	WarmupBars int
	SpreadBps  float64

	barCount int

	closeHistory  []float64 // capped at 200
	logretHistory []float64 // capped at 100

	ema20, ema50, ema200 *EMA
	ema20History         []float64 // capped at 5
	ema50History         []float64

	atr          *ATR
	atrBpsWindow *RollingWindow

	adx *ADX

	rsi  *RSI
	macd *MACD

	bb       *BollingerBands
	donchian *Donchian

	volumeWindow   *RollingWindow
	turnoverWindow *RollingWindow

	hasPrev  bool
	prevClose float64
}

// NewPipeline constructs a feature pipeline for one symbol that starts
// emitting snapshots once warmupBars bars have been processed.
func NewPipeline(symbol string, warmupBars int, spreadBps float64) *Pipeline {
	return &Pipeline{
		Symbol:         symbol,
		WarmupBars:     warmupBars,
		SpreadBps:      spreadBps,
		ema20:          NewEMA(20),
		ema50:          NewEMA(50),
		ema200:         NewEMA(200),
		atr:            NewATR(14),
		atrBpsWindow:   NewRollingWindow(96),
		adx:            NewADX(14),
		rsi:            NewRSI(14),
		macd:           NewMACD(12, 26, 9),
		bb:             NewBollingerBands(20, 2.0),
		donchian:       NewDonchian(32),
		volumeWindow:   NewRollingWindow(96),
		turnoverWindow: NewRollingWindow(96),
	}
}

// IsWarmedUp reports whether enough bars have been processed to emit
// snapshots.
func (p *Pipeline) IsWarmedUp() bool { return p.barCount >= p.WarmupBars }

// BarCount reports the number of bars processed so far.
func (p *Pipeline) BarCount() int { return p.barCount }

func pushCapped(hist []float64, v float64, cap int) []float64 {
	hist = append(hist, v)
	if len(hist) > cap {
		hist = hist[len(hist)-cap:]
	}
	return hist
}

// OnBar advances the pipeline by one bar and returns the computed feature
// snapshot once warmup has completed; returns nil, false during warmup.
// Required keys whose inputs are not yet available are set to
// schema.FeatureSentinel and the snapshot's Ready is false.
func (p *Pipeline) OnBar(bar schema.Bar, barIndex int, ctx PortfolioContext) (*schema.FeatureSnapshot, bool) {
	p.barCount++
	p.updateIndicators(bar)

	if p.barCount < p.WarmupBars {
		return nil, false
	}

	values := p.computeFeatures(bar, ctx)
	ready := true
	for _, k := range schema.RequiredKeys {
		if _, ok := values[k]; !ok {
			values[k] = schema.FeatureSentinel
			ready = false
		}
	}
	return &schema.FeatureSnapshot{
		Symbol:    p.Symbol,
		BarIndex:  barIndex,
		Timestamp: bar.Timestamp.Unix(),
		Values:    values,
		Ready:     ready,
	}, true
}

func (p *Pipeline) updateIndicators(bar schema.Bar) {
	ema20Val := p.ema20.Update(bar.Close)
	ema50Val := p.ema50.Update(bar.Close)
	p.ema200.Update(bar.Close)

	p.ema20History = pushCapped(p.ema20History, ema20Val, 5)
	p.ema50History = pushCapped(p.ema50History, ema50Val, 5)

	p.atr.Update(bar.High, bar.Low, bar.Close)
	p.adx.Update(bar.High, bar.Low, bar.Close)
	p.rsi.Update(bar.Close)
	p.macd.Update(bar.Close)
	p.bb.Update(bar.Close)
	p.donchian.Update(bar.High, bar.Low)

	p.volumeWindow.Update(bar.Volume)
	p.turnoverWindow.Update(bar.Close * bar.Volume)

	p.closeHistory = pushCapped(p.closeHistory, bar.Close, 200)

	if p.hasPrev && p.prevClose > 1e-12 {
		logret := math.Log(bar.Close / p.prevClose)
		p.logretHistory = pushCapped(p.logretHistory, logret, 100)
	}

	p.prevClose = bar.Close
	p.hasPrev = true
}

func bps(v float64) float64 { return v * 10000.0 }

func zscore(value, mean, std float64) float64 {
	if std < 1e-12 {
		return 0
	}
	return (value - mean) / std
}

// safeReturn computes the simple return over lookback bars using the
// close history buffer, returning 0 until enough history exists.
func (p *Pipeline) safeReturn(current float64, lookback int) float64 {
	if len(p.closeHistory) < lookback+1 {
		return 0
	}
	past := p.closeHistory[len(p.closeHistory)-(lookback+1)]
	if past < 1e-12 {
		return 0
	}
	return (current / past) - 1.0
}

// computeSlope computes the bps change in history over lookback bars,
// normalized by normalizeBy (typically the current close).
func computeSlope(history []float64, lookback int, normalizeBy float64) float64 {
	if len(history) < lookback+1 {
		return 0
	}
	current := history[len(history)-1]
	past := history[len(history)-(lookback+1)]
	if normalizeBy < 1e-12 {
		return 0
	}
	return bps((current - past) / normalizeBy)
}

func (p *Pipeline) computeFeatures(bar schema.Bar, ctx PortfolioContext) map[string]float64 {
	f := make(map[string]float64, len(schema.RequiredKeys))
	closePrice := bar.Close

	f["timestamp"] = float64(bar.Timestamp.Unix())
	f["close"] = closePrice

	f["ret_1"] = p.safeReturn(closePrice, 1)
	f["ret_4"] = p.safeReturn(closePrice, 4)
	f["ret_16"] = p.safeReturn(closePrice, 16)
	f["ret_96"] = p.safeReturn(closePrice, 96)

	if len(p.closeHistory) >= 2 {
		prev := p.closeHistory[len(p.closeHistory)-2]
		if prev > 1e-12 {
			f["logret_1"] = math.Log(closePrice / prev)
		}
	}

	if closePrice > 1e-12 {
		f["range_bps"] = bps((bar.High - bar.Low) / closePrice)
	}

	atrVal := p.atr.Get()
	f["atr"] = atrVal

	var atrBps float64
	if closePrice > 1e-12 {
		atrBps = bps(atrVal / closePrice)
	}
	f["atr_bps"] = atrBps
	p.atrBpsWindow.Update(atrBps)
	f["atr_z_96"] = zscore(atrBps, p.atrBpsWindow.Mean(), p.atrBpsWindow.Std())

	if len(p.logretHistory) >= 96 {
		recent := p.logretHistory[len(p.logretHistory)-96:]
		var mean float64
		for _, v := range recent {
			mean += v
		}
		mean /= float64(len(recent))
		var variance float64
		for _, v := range recent {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(len(recent))
		f["realized_vol_96"] = math.Sqrt(variance)
	}

	ema20Val, ema50Val, ema200Val := p.ema20.Get(), p.ema50.Get(), p.ema200.Get()
	f["ema20"] = ema20Val
	f["ema50"] = ema50Val
	f["ema200"] = ema200Val
	f["ema20_slope_bps"] = computeSlope(p.ema20History, 4, closePrice)
	f["ema50_slope_bps"] = computeSlope(p.ema50History, 4, closePrice)

	adxVal, diPlus, diMinus := p.adx.Get()
	f["adx14"] = adxVal
	f["di_plus_14"] = diPlus
	f["di_minus_14"] = diMinus
	f["trend_strength"] = adxVal

	switch {
	case ema50Val > ema200Val:
		f["trend_dir"] = 1
	case ema50Val < ema200Val:
		f["trend_dir"] = -1
	default:
		f["trend_dir"] = 0
	}

	f["rsi14"] = p.rsi.Get()
	macdVal, signalVal, histVal := p.macd.Get()
	f["macd"] = macdVal
	f["macd_signal"] = signalVal
	f["macd_hist"] = histVal

	donUpper, donLower := p.donchian.Get()
	f["donchian_high_32"] = donUpper
	f["donchian_low_32"] = donLower
	if atrVal > 1e-12 {
		f["breakout_dist_atr"] = (closePrice - donUpper) / atrVal
		f["pullback_dist_ema20_atr"] = (closePrice - ema20Val) / atrVal
		f["pullback_dist_ema50_atr"] = (closePrice - ema50Val) / atrVal
	}

	bbUpper, bbMid, bbLower := p.bb.Get()
	f["bb_mid"] = bbMid
	f["bb_upper"] = bbUpper
	f["bb_lower"] = bbLower
	if bbUpper > bbMid {
		f["bb_std"] = (bbUpper - bbMid) / 2.0
	}
	f["bb_width_bps"] = bps(p.bb.Width())
	f["bb_pos"] = p.bb.Position()

	turnover := closePrice * bar.Volume
	f["turnover_usd"] = turnover
	if p.turnoverWindow.IsFull() {
		f["adv_usd"] = p.turnoverWindow.Mean()
	} else {
		f["adv_usd"] = turnover
	}

	if p.volumeWindow.IsFull() {
		volSMA := p.volumeWindow.Mean()
		f["vol_sma_96"] = volSMA
		if volSMA > 1e-12 {
			f["volume_ratio_96"] = bar.Volume / volSMA
		} else {
			f["volume_ratio_96"] = 1.0
		}
		f["vol_z_96"] = zscore(bar.Volume, p.volumeWindow.Mean(), p.volumeWindow.Std())
	} else {
		f["vol_sma_96"] = bar.Volume
		f["volume_ratio_96"] = 1.0
	}

	f["spread_bps"] = p.SpreadBps
	slippage := 0.5*p.SpreadBps + 0.02*atrBps
	f["slippage_bps_est"] = math.Min(slippage, 15.0)

	f["open_positions"] = float64(ctx.OpenPositions)
	f["exposure_frac"] = ctx.ExposureFrac
	f["dd_24h_bps"] = ctx.DD24hBps
	f["halt_flag"] = float64(ctx.HaltFlag)

	f["funding_rate"] = 0
	f["funding_rate_24h_avg"] = 0
	f["open_interest_usd"] = 0
	f["open_interest_chg_24h_pct"] = 0
	f["derivs_data_available"] = 0

	f["llm_confidence"] = 0

	return f
}
