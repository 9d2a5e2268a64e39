package position

import (
	"github.com/darwinreplay/backtester/internal/schema"
)

// TrailingParams carries the trailing-stop parameters from a candidate's
// ExitSpec into per-bar evaluation. Position itself stores only the
// resulting state (schema.ExitState); the immutable spec lives on the
// candidate that created it.
type TrailingParams struct {
	Enabled         bool
	ActivationPrice float64
	DistanceATR     float64
}

// Tracker evaluates exit conditions for a single open position, bar by bar.
// It mutates only the position's ExitState; realized PnL and ledger writes
// are the caller's responsibility once an ExitResult is returned.
type Tracker struct {
	pos *schema.Position
}

// NewTracker wraps an already-opened position for per-bar exit evaluation.
func NewTracker(pos *schema.Position) *Tracker {
	if pos.Direction == schema.Long {
		pos.State.HighestHigh = pos.EntryPrice
	} else {
		pos.State.LowestLow = pos.EntryPrice
	}
	pos.State.TrailingState = schema.TrailingUnarmed
	pos.State.CurrentStop = pos.OriginalStopLoss
	return &Tracker{pos: pos}
}

// UpdateBar advances the tracked position by one bar and evaluates exits in
// strict priority order: stop loss, trailing stop, take profit, time stop.
// Returns nil if the position remains open.
func (t *Tracker) UpdateBar(bar schema.Bar, barIndex int, trailing TrailingParams) *ExitResult {
	pos := t.pos
	barsHeld := barIndex - pos.EntryBarIndex

	if pos.Direction == schema.Long {
		pos.State.HighestHigh = updateHighestHigh(pos.State.HighestHigh, bar.High)
	} else {
		pos.State.LowestLow = updateLowestLow(pos.State.LowestLow, bar.Low)
	}

	if trailing.Enabled && pos.State.TrailingState == schema.TrailingUnarmed {
		var armed bool
		if pos.Direction == schema.Long {
			armed = trailingActivatedLong(pos.State.HighestHigh, trailing.ActivationPrice)
		} else {
			armed = trailingActivatedShort(pos.State.LowestLow, trailing.ActivationPrice)
		}
		if armed {
			pos.State.TrailingState = schema.TrailingArmed
		}
	}

	if pos.State.TrailingState == schema.TrailingArmed {
		if pos.Direction == schema.Long {
			next := trailingStopLong(pos.State.HighestHigh, pos.ATRAtEntry, trailing.DistanceATR, pos.EntryPrice)
			if pos.State.TrailingStop == 0 || next > pos.State.TrailingStop {
				pos.State.TrailingStop = next
			}
		} else {
			next := trailingStopShort(pos.State.LowestLow, pos.ATRAtEntry, trailing.DistanceATR, pos.EntryPrice)
			if pos.State.TrailingStop == 0 || next < pos.State.TrailingStop {
				pos.State.TrailingStop = next
			}
		}
	}

	mk := func(reason schema.ExitReason, price float64) *ExitResult {
		return &ExitResult{
			Reason:            reason,
			Price:             price,
			BarsHeld:          barsHeld,
			BarIndex:          barIndex,
			Timestamp:         bar.Timestamp,
			HighestHigh:       pos.State.HighestHigh,
			LowestLow:         pos.State.LowestLow,
			TrailingWasActive: pos.State.TrailingState == schema.TrailingArmed,
			TrailingStop:      pos.State.TrailingStop,
		}
	}

	// 1. Stop loss (highest priority)
	if checkStopLoss(bar.Low, bar.High, pos.OriginalStopLoss, pos.Direction) {
		return mk(schema.ExitStopLoss, pos.OriginalStopLoss)
	}

	// 2. Trailing stop
	if pos.State.TrailingState == schema.TrailingArmed && checkStopLoss(bar.Low, bar.High, pos.State.TrailingStop, pos.Direction) {
		return mk(schema.ExitTrailingStop, pos.State.TrailingStop)
	}

	// 3. Take profit
	if checkTakeProfit(bar.Low, bar.High, pos.OriginalTakeProfit, pos.Direction) {
		return mk(schema.ExitTakeProfit, pos.OriginalTakeProfit)
	}

	// 4. Time stop
	if checkTimeStop(barsHeld, pos.TimeStopBars) {
		return mk(schema.ExitTimeStop, bar.Close)
	}

	return nil
}

// ForceClose closes the tracked position unconditionally, used for
// end-of-run liquidation.
func (t *Tracker) ForceClose(bar schema.Bar, barIndex int, reason schema.ExitReason) *ExitResult {
	pos := t.pos
	return &ExitResult{
		Reason:            reason,
		Price:             bar.Close,
		BarsHeld:          barIndex - pos.EntryBarIndex,
		BarIndex:          barIndex,
		Timestamp:         bar.Timestamp,
		HighestHigh:       pos.State.HighestHigh,
		LowestLow:         pos.State.LowestLow,
		TrailingWasActive: pos.State.TrailingState == schema.TrailingArmed,
		TrailingStop:      pos.State.TrailingStop,
	}
}
