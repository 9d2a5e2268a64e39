// Package features computes incremental technical indicators from a stream
// of bars and buckets them into the categorical labels playbooks and the
// LLM harness consume. Indicators update in O(1) per bar, except that
// RollingWindow's Max and Min (and so the Donchian channels) scan the
// retained window, which costs O(window) per call.
package features

import "math"

// RollingWindow is a fixed-size buffer supporting O(1) mean and std over
// the trailing window; Max and Min scan the buffer in O(window). It uses
// O(window) memory.
type RollingWindow struct {
	size   int
	buf    []float64
	head   int
	filled bool
	sum    float64
	sumSq  float64
}

// NewRollingWindow allocates a window of the given size. Panics if size is
// not positive, mirroring darwin's RollingWindow constructor guard.
func NewRollingWindow(size int) *RollingWindow {
	if size <= 0 {
		panic("features: rolling window size must be positive")
	}
	return &RollingWindow{size: size, buf: make([]float64, 0, size)}
}

// Update adds a new value, evicting the oldest once the window is full.
func (w *RollingWindow) Update(value float64) {
	if len(w.buf) == w.size {
		oldest := w.buf[w.head]
		w.sum -= oldest
		w.sumSq -= oldest * oldest
		w.buf[w.head] = value
		w.head = (w.head + 1) % w.size
	} else {
		w.buf = append(w.buf, value)
	}
	w.sum += value
	w.sumSq += value * value
}

// Len reports the number of values currently held.
func (w *RollingWindow) Len() int { return len(w.buf) }

// IsFull reports whether the window has reached its configured size.
func (w *RollingWindow) IsFull() bool { return len(w.buf) == w.size }

// Mean returns the arithmetic mean of the buffered values, or 0 if empty.
func (w *RollingWindow) Mean() float64 {
	if len(w.buf) == 0 {
		return 0
	}
	return w.sum / float64(len(w.buf))
}

// Std returns the population standard deviation, or 0 with fewer than two
// samples. Negative variance from floating point drift is clamped to zero.
func (w *RollingWindow) Std() float64 {
	n := len(w.buf)
	if n < 2 {
		return 0
	}
	nf := float64(n)
	variance := (w.sumSq / nf) - (w.sum/nf)*(w.sum/nf)
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

// Max returns the maximum buffered value, or 0 if empty.
func (w *RollingWindow) Max() float64 {
	if len(w.buf) == 0 {
		return 0
	}
	m := w.buf[0]
	for _, v := range w.buf[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

// Min returns the minimum buffered value, or 0 if empty.
func (w *RollingWindow) Min() float64 {
	if len(w.buf) == 0 {
		return 0
	}
	m := w.buf[0]
	for _, v := range w.buf[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

// ZScore reports how many standard deviations value sits from the window's
// current mean; 0 if the window has no dispersion yet.
func (w *RollingWindow) ZScore(value float64) float64 {
	std := w.Std()
	if std < 1e-12 {
		return 0
	}
	return (value - w.Mean()) / std
}

// EMA is an exponential moving average, alpha = 2/(period+1).
type EMA struct {
	alpha       float64
	value       float64
	initialized bool
}

func NewEMA(period int) *EMA {
	return &EMA{alpha: 2.0 / (float64(period) + 1)}
}

func (e *EMA) Update(price float64) float64 {
	if !e.initialized {
		e.value = price
		e.initialized = true
	} else {
		e.value = e.alpha*price + (1-e.alpha)*e.value
	}
	return e.value
}

func (e *EMA) Get() float64 { return e.value }

// WilderEMA is Wilder's smoothing, alpha = 1/period, used by RSI/ATR/ADX.
type WilderEMA struct {
	alpha       float64
	value       float64
	initialized bool
}

func NewWilderEMA(period int) *WilderEMA {
	return &WilderEMA{alpha: 1.0 / float64(period)}
}

func (w *WilderEMA) Update(value float64) float64 {
	if !w.initialized {
		w.value = value
		w.initialized = true
	} else {
		w.value = w.value + w.alpha*(value-w.value)
	}
	return w.value
}

func (w *WilderEMA) Get() float64 { return w.value }

// ATR is Average True Range, Wilder-smoothed over per-bar true range.
type ATR struct {
	wilder    *WilderEMA
	prevClose float64
	hasPrev   bool
}

func NewATR(period int) *ATR {
	return &ATR{wilder: NewWilderEMA(period)}
}

func (a *ATR) Update(high, low, close float64) float64 {
	var tr float64
	if !a.hasPrev {
		tr = high - low
	} else {
		tr = math.Max(high-low, math.Max(math.Abs(high-a.prevClose), math.Abs(low-a.prevClose)))
	}
	a.prevClose = close
	a.hasPrev = true
	return a.wilder.Update(tr)
}

func (a *ATR) Get() float64 { return a.wilder.Get() }

// ADX computes Average Directional Index along with +DI and -DI, all
// Wilder-smoothed.
type ADX struct {
	trSmooth      *WilderEMA
	plusDMSmooth  *WilderEMA
	minusDMSmooth *WilderEMA
	adxSmooth     *WilderEMA

	prevHigh, prevLow, prevClose float64
	hasPrev                      bool

	adx, diPlus, diMinus float64
}

func NewADX(period int) *ADX {
	return &ADX{
		trSmooth:      NewWilderEMA(period),
		plusDMSmooth:  NewWilderEMA(period),
		minusDMSmooth: NewWilderEMA(period),
		adxSmooth:     NewWilderEMA(period),
	}
}

func (a *ADX) Update(high, low, close float64) (adx, diPlus, diMinus float64) {
	if !a.hasPrev {
		a.prevHigh, a.prevLow, a.prevClose = high, low, close
		a.hasPrev = true
		tr := high - low
		a.trSmooth.Update(tr)
		a.plusDMSmooth.Update(0)
		a.minusDMSmooth.Update(0)
		return 0, 0, 0
	}

	tr := math.Max(high-low, math.Max(math.Abs(high-a.prevClose), math.Abs(low-a.prevClose)))
	upMove := high - a.prevHigh
	downMove := a.prevLow - low

	var plusDM, minusDM float64
	if upMove > downMove && upMove > 0 {
		plusDM = upMove
	}
	if downMove > upMove && downMove > 0 {
		minusDM = downMove
	}

	trSmoothed := a.trSmooth.Update(tr)
	plusDMSmoothed := a.plusDMSmooth.Update(plusDM)
	minusDMSmoothed := a.minusDMSmooth.Update(minusDM)

	if trSmoothed > 1e-12 {
		a.diPlus = 100.0 * plusDMSmoothed / trSmoothed
		a.diMinus = 100.0 * minusDMSmoothed / trSmoothed
	} else {
		a.diPlus, a.diMinus = 0, 0
	}

	diSum := a.diPlus + a.diMinus
	var dx float64
	if diSum > 1e-12 {
		dx = 100.0 * math.Abs(a.diPlus-a.diMinus) / diSum
	}
	a.adx = a.adxSmooth.Update(dx)

	a.prevHigh, a.prevLow, a.prevClose = high, low, close
	return a.adx, a.diPlus, a.diMinus
}

func (a *ADX) Get() (adx, diPlus, diMinus float64) { return a.adx, a.diPlus, a.diMinus }

// RSI is the Relative Strength Index, Wilder-smoothed gain/loss.
type RSI struct {
	gainSmooth *WilderEMA
	lossSmooth *WilderEMA
	prevClose  float64
	hasPrev    bool
	value      float64
}

func NewRSI(period int) *RSI {
	return &RSI{gainSmooth: NewWilderEMA(period), lossSmooth: NewWilderEMA(period), value: 50}
}

func (r *RSI) Update(close float64) float64 {
	if !r.hasPrev {
		r.prevClose = close
		r.hasPrev = true
		r.gainSmooth.Update(0)
		r.lossSmooth.Update(0)
		return 50
	}

	change := close - r.prevClose
	gain := math.Max(change, 0)
	loss := math.Max(-change, 0)

	avgGain := r.gainSmooth.Update(gain)
	avgLoss := r.lossSmooth.Update(loss)

	if avgLoss < 1e-12 {
		if avgGain > 1e-12 {
			r.value = 100
		} else {
			r.value = 50
		}
	} else {
		rs := avgGain / avgLoss
		r.value = 100 - (100 / (1 + rs))
	}

	r.prevClose = close
	return r.value
}

func (r *RSI) Get() float64 { return r.value }

// MACD tracks the MACD line, signal line, and histogram from fast/slow EMAs.
type MACD struct {
	fast, slow, signal   *EMA
	macd, sig, histogram float64
}

func NewMACD(fast, slow, signal int) *MACD {
	return &MACD{fast: NewEMA(fast), slow: NewEMA(slow), signal: NewEMA(signal)}
}

func (m *MACD) Update(close float64) (macd, signal, histogram float64) {
	f := m.fast.Update(close)
	s := m.slow.Update(close)
	m.macd = f - s
	m.sig = m.signal.Update(m.macd)
	m.histogram = m.macd - m.sig
	return m.macd, m.sig, m.histogram
}

func (m *MACD) Get() (macd, signal, histogram float64) { return m.macd, m.sig, m.histogram }

// BollingerBands tracks the SMA midline, +/- N std bands, band width as a
// fraction of price, and close's position within the band.
type BollingerBands struct {
	numStd                              float64
	window                              *RollingWindow
	mid, upper, lower, width, position float64
}

func NewBollingerBands(period int, numStd float64) *BollingerBands {
	return &BollingerBands{numStd: numStd, window: NewRollingWindow(period), position: 0.5}
}

func (b *BollingerBands) Update(close float64) (upper, mid, lower float64) {
	b.window.Update(close)

	if !b.window.IsFull() {
		b.mid, b.upper, b.lower, b.width, b.position = close, close, close, 0, 0.5
		return b.upper, b.mid, b.lower
	}

	b.mid = b.window.Mean()
	std := b.window.Std()
	b.upper = b.mid + b.numStd*std
	b.lower = b.mid - b.numStd*std

	if math.Abs(close) > 1e-12 {
		b.width = (b.upper - b.lower) / close
	} else {
		b.width = 0
	}

	bandRange := b.upper - b.lower
	if bandRange > 1e-12 {
		b.position = (close - b.lower) / bandRange
	} else {
		b.position = 0.5
	}

	return b.upper, b.mid, b.lower
}

func (b *BollingerBands) Get() (upper, mid, lower float64) { return b.upper, b.mid, b.lower }
func (b *BollingerBands) Width() float64                   { return b.width }
func (b *BollingerBands) Position() float64                { return b.position }

// Donchian tracks the highest-high/lowest-low channel over the trailing
// period, excluding the current bar to avoid look-ahead.
type Donchian struct {
	highs, lows        *RollingWindow
	upper, lower       float64
	prevHigh, prevLow  float64
	hasPrev            bool
}

func NewDonchian(period int) *Donchian {
	return &Donchian{highs: NewRollingWindow(period), lows: NewRollingWindow(period)}
}

func (d *Donchian) Update(high, low float64) (upper, lower float64) {
	if d.hasPrev {
		d.highs.Update(d.prevHigh)
		d.lows.Update(d.prevLow)
	}

	if d.highs.Len() > 0 {
		d.upper = d.highs.Max()
		d.lower = d.lows.Min()
	} else {
		d.upper, d.lower = high, low
	}

	d.prevHigh, d.prevLow = high, low
	d.hasPrev = true
	return d.upper, d.lower
}

func (d *Donchian) Get() (upper, lower float64) { return d.upper, d.lower }
