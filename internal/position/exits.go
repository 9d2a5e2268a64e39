// Package position implements the position lifecycle: entry fills, per-bar
// exit evaluation in strict priority order, trailing-stop ratcheting, and
// fee/slippage-adjusted PnL and R-multiple accounting.
package position

import (
	"time"

	"github.com/darwinreplay/backtester/internal/schema"
)

// ExitResult carries everything needed to close a position once an exit
// condition fires during a single bar's evaluation.
type ExitResult struct {
	Reason       schema.ExitReason
	Price        float64
	BarsHeld     int
	BarIndex     int
	Timestamp    time.Time
	HighestHigh  float64
	LowestLow    float64
	TrailingWasActive bool
	TrailingStop      float64
}

// checkStopLoss reports whether the bar's range has crossed the stop
// level for dir: a long stops out on low <= stop, a short on high >= stop.
func checkStopLoss(low, high, stop float64, dir schema.Direction) bool {
	if dir == schema.Long {
		return low <= stop
	}
	return high >= stop
}

// checkTakeProfit reports whether the bar's range has crossed the
// take-profit level for dir: a long takes profit on high >= tp, a short
// on low <= tp.
func checkTakeProfit(low, high, tp float64, dir schema.Direction) bool {
	if dir == schema.Long {
		return high >= tp
	}
	return low <= tp
}

func checkTimeStop(barsHeld, timeStopBars int) bool {
	return barsHeld >= timeStopBars
}

func updateHighestHigh(current, high float64) float64 {
	if high > current {
		return high
	}
	return current
}

func updateLowestLow(current, low float64) float64 {
	if low < current {
		return low
	}
	return current
}

// trailingStopLong computes the ratcheted trailing stop for a long
// position, floored at the entry price so trailing never locks in a loss
// before it has locked in a gain.
func trailingStopLong(highestHigh, atr, trailDistanceATR, entryPrice float64) float64 {
	stop := highestHigh - trailDistanceATR*atr
	if stop < entryPrice {
		return entryPrice
	}
	return stop
}

// trailingStopShort computes the ratcheted trailing stop for a short
// position, capped at the entry price.
func trailingStopShort(lowestLow, atr, trailDistanceATR, entryPrice float64) float64 {
	stop := lowestLow + trailDistanceATR*atr
	if stop > entryPrice {
		return entryPrice
	}
	return stop
}

func trailingActivatedLong(highestHigh, activationPrice float64) bool {
	return highestHigh >= activationPrice
}

func trailingActivatedShort(lowestLow, activationPrice float64) bool {
	return lowestLow <= activationPrice
}
