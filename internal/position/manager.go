package position

import (
	"fmt"
	"time"

	"github.com/darwinreplay/backtester/internal/observ"
	"github.com/darwinreplay/backtester/internal/schema"
)

// Ledger is the durable sink for position lifecycle events. The storage
// package's SQLite-backed implementation satisfies this; a manager never
// depends on the concrete store.
type Ledger interface {
	OpenPosition(pos schema.Position) error
	UpdatePositionState(positionID string, state schema.ExitState, asOf time.Time) error
	ClosePosition(pos schema.Position) error
}

// FeeSchedule holds the maker/taker fee rates and per-symbol spreads used
// to fill entries and exits. Entries are simulated as taker fills at the
// next bar's open; exits are simulated as maker fills at the trigger
// price, both with spread-based slippage applied against the trader.
type FeeSchedule struct {
	MakerBps       float64
	TakerBps       float64
	DefaultSpreadBps float64
	SpreadBpsBySymbol map[string]float64
}

func (f FeeSchedule) spreadFor(symbol string) float64 {
	if bps, ok := f.SpreadBpsBySymbol[symbol]; ok {
		return bps
	}
	if f.DefaultSpreadBps > 0 {
		return f.DefaultSpreadBps
	}
	return 2.0
}

// RMultipleBasis selects whether R-multiples are computed against gross
// (pre-fee) or net (post-fee) PnL. Defaults to pre-fee; configurable per
// run.
type RMultipleBasis string

const (
	RMultiplePreFee  RMultipleBasis = "pre_fee"
	RMultiplePostFee RMultipleBasis = "post_fee"
)

// Manager owns the set of currently open positions for a run, simulating
// fills and delegating exit evaluation to a Tracker per position.
type Manager struct {
	ledger Ledger
	runID  string
	fees   FeeSchedule
	basis  RMultipleBasis

	open     map[string]*schema.Position
	trailing map[string]TrailingParams
	trackers map[string]*Tracker
}

// NewManager constructs a position manager bound to a durable ledger.
func NewManager(ledger Ledger, runID string, fees FeeSchedule, basis RMultipleBasis) *Manager {
	return &Manager{
		ledger:   ledger,
		runID:    runID,
		fees:     fees,
		basis:    basis,
		open:     map[string]*schema.Position{},
		trailing: map[string]TrailingParams{},
		trackers: map[string]*Tracker{},
	}
}

// entryFill applies spread slippage against the trader: longs pay the ask,
// shorts receive the bid.
func entryFill(nextOpen float64, dir schema.Direction, spreadBps float64) float64 {
	factor := spreadBps / 10000.0
	if dir == schema.Long {
		return nextOpen * (1.0 + factor)
	}
	return nextOpen * (1.0 - factor)
}

// exitFill applies spread slippage on the closing side: longs sell at the
// bid, shorts buy back at the ask.
func exitFill(triggerPrice float64, dir schema.Direction, spreadBps float64) float64 {
	factor := spreadBps / 10000.0
	if dir == schema.Long {
		return triggerPrice * (1.0 - factor)
	}
	return triggerPrice * (1.0 + factor)
}

// Open fills a candidate's implied trade at the next bar's open, records
// the resulting position in the ledger, and begins tracking it.
func (m *Manager) Open(cand schema.Candidate, nextOpenPrice float64, sizeQuote float64, barIndex int, ts time.Time) (*schema.Position, error) {
	spread := m.fees.spreadFor(cand.Symbol)
	fillPrice := entryFill(nextOpenPrice, cand.Direction, spread)
	entryFees := (m.fees.TakerBps / 10000.0) * sizeQuote
	sizeUnits := sizeQuote / fillPrice

	pos := &schema.Position{
		SchemaVersion:      schema.SchemaVersion,
		ID:                 fmt.Sprintf("pos_%s", cand.ID),
		RunID:              m.runID,
		CandidateID:        cand.ID,
		Symbol:             cand.Symbol,
		Direction:          cand.Direction,
		EntryBarIndex:      barIndex,
		EntryTime:          ts,
		EntryPrice:         fillPrice,
		EntryFees:          entryFees,
		SizeUnits:          sizeUnits,
		SizeQuote:          sizeQuote,
		OriginalStopLoss:   cand.ExitSpec.StopLossPrice,
		OriginalTakeProfit: cand.ExitSpec.TakeProfitPrice,
		TimeStopBars:       cand.ExitSpec.TimeStopBars,
		ATRAtEntry:         cand.ATRAtEntry,
		Open:               true,
	}

	tracker := NewTracker(pos)
	m.open[pos.ID] = pos
	m.trackers[pos.ID] = tracker
	m.trailing[pos.ID] = TrailingParams{
		Enabled:         cand.ExitSpec.TrailingEnabled,
		ActivationPrice: cand.ExitSpec.TrailingActivationPrice,
		DistanceATR:     cand.ExitSpec.TrailingDistanceATR,
	}

	if err := m.ledger.OpenPosition(*pos); err != nil {
		return nil, fmt.Errorf("position: open ledger write: %w", err)
	}
	observ.IncCounter("positions_opened_total", map[string]string{"symbol": cand.Symbol, "playbook": string(cand.Playbook)})
	observ.SetGauge("positions_open", float64(len(m.open)), nil)
	return pos, nil
}

// UpdateAll advances every open position by one bar, closing any whose
// exit condition fired, and returns the positions closed this bar.
func (m *Manager) UpdateAll(bar schema.Bar, barIndex int) ([]*schema.Position, error) {
	var closed []*schema.Position
	for id, pos := range m.open {
		tracker := m.trackers[id]
		trailing := m.trailing[id]
		result := tracker.UpdateBar(bar, barIndex, trailing)
		if result == nil {
			if err := m.ledger.UpdatePositionState(id, pos.State, bar.Timestamp); err != nil {
				return nil, fmt.Errorf("position: state update: %w", err)
			}
			continue
		}
		if err := m.closePosition(pos, bar.Symbol, result); err != nil {
			return nil, err
		}
		closed = append(closed, pos)
		delete(m.open, id)
		delete(m.trackers, id)
		delete(m.trailing, id)
	}
	observ.SetGauge("positions_open", float64(len(m.open)), nil)
	return closed, nil
}

// CloseAll force-closes every open position, used at end of run.
func (m *Manager) CloseAll(bar schema.Bar, barIndex int) ([]*schema.Position, error) {
	var closed []*schema.Position
	for id, pos := range m.open {
		result := m.trackers[id].ForceClose(bar, barIndex, schema.ExitEndOfRun)
		if err := m.closePosition(pos, pos.Symbol, result); err != nil {
			return nil, err
		}
		closed = append(closed, pos)
		delete(m.open, id)
		delete(m.trackers, id)
		delete(m.trailing, id)
	}
	observ.SetGauge("positions_open", 0, nil)
	return closed, nil
}

func (m *Manager) closePosition(pos *schema.Position, symbol string, result *ExitResult) error {
	spread := m.fees.spreadFor(symbol)
	exitPrice := exitFill(result.Price, pos.Direction, spread)
	exitNotional := exitPrice * pos.SizeUnits
	exitFees := (m.fees.MakerBps / 10000.0) * exitNotional

	var grossPnL float64
	if pos.Direction == schema.Long {
		grossPnL = exitNotional - pos.SizeQuote
	} else {
		grossPnL = pos.SizeQuote - exitNotional
	}
	netPnL := grossPnL - pos.EntryFees - exitFees

	riskAmount := riskAmount(pos)
	var rMultiple float64
	if riskAmount > 0 {
		switch m.basis {
		case RMultiplePostFee:
			rMultiple = netPnL / riskAmount
		default:
			rMultiple = grossPnL / riskAmount
		}
	}

	pos.Open = false
	pos.ExitBarIndex = result.BarIndex
	pos.ExitTime = result.Timestamp
	pos.ExitPrice = exitPrice
	pos.ExitFees = exitFees
	pos.ExitReason = result.Reason
	pos.RealizedPnLQuote = netPnL
	pos.RealizedR = rMultiple

	if err := m.ledger.ClosePosition(*pos); err != nil {
		return fmt.Errorf("position: close ledger write: %w", err)
	}
	observ.IncCounter("positions_closed_total", map[string]string{"reason": string(result.Reason)})
	observ.Observe("position_r_multiple", rMultiple, map[string]string{"reason": string(result.Reason)})
	return nil
}

// riskAmount is the dollar risk implied by the original stop distance,
// independent of any trailing-stop movement, so R-multiples measure
// performance against the risk accepted at entry.
func riskAmount(pos *schema.Position) float64 {
	dist := pos.EntryPrice - pos.OriginalStopLoss
	if dist < 0 {
		dist = -dist
	}
	return dist * pos.SizeUnits
}

// OpenCount reports the number of currently open positions.
func (m *Manager) OpenCount() int {
	return len(m.open)
}

// OpenPositions returns the currently open positions, order unspecified.
func (m *Manager) OpenPositions() []*schema.Position {
	out := make([]*schema.Position, 0, len(m.open))
	for _, p := range m.open {
		out = append(out, p)
	}
	return out
}
