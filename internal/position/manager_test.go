package position

import (
	"testing"
	"time"

	"github.com/darwinreplay/backtester/internal/schema"
)

type fakeLedger struct {
	opened  []schema.Position
	closed  []schema.Position
	updates int
}

func (f *fakeLedger) OpenPosition(pos schema.Position) error {
	f.opened = append(f.opened, pos)
	return nil
}

func (f *fakeLedger) UpdatePositionState(id string, state schema.ExitState, asOf time.Time) error {
	f.updates++
	return nil
}

func (f *fakeLedger) ClosePosition(pos schema.Position) error {
	f.closed = append(f.closed, pos)
	return nil
}

func testCandidate() schema.Candidate {
	return schema.Candidate{
		ID:       "cand-1",
		RunID:    "run-1",
		Symbol:   "BTC-USD",
		Direction: schema.Long,
		EntryPrice: 100,
		ATRAtEntry: 2,
		ExitSpec: schema.ExitSpec{
			StopLossPrice:   95,
			TakeProfitPrice: 110,
			TimeStopBars:    20,
			TrailingEnabled: true,
			TrailingActivationPrice: 104,
			TrailingDistanceATR:     1,
		},
	}
}

func TestManager_OpenAppliesSlippageAndFees(t *testing.T) {
	ledger := &fakeLedger{}
	fees := FeeSchedule{MakerBps: 6, TakerBps: 12.5, DefaultSpreadBps: 2}
	mgr := NewManager(ledger, "run-1", fees, RMultiplePreFee)

	pos, err := mgr.Open(testCandidate(), 100, 1000, 0, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// Long entry pays the spread: fill = 100 * (1 + 2bps) = 100.02
	if pos.EntryPrice <= 100 {
		t.Fatalf("expected entry price above raw open due to slippage, got %v", pos.EntryPrice)
	}
	wantFees := (12.5 / 10000.0) * 1000
	if pos.EntryFees != wantFees {
		t.Fatalf("expected entry fees %v, got %v", wantFees, pos.EntryFees)
	}
	if len(ledger.opened) != 1 {
		t.Fatalf("expected one ledger write, got %d", len(ledger.opened))
	}
	if mgr.OpenCount() != 1 {
		t.Fatalf("expected 1 open position, got %d", mgr.OpenCount())
	}
}

func TestManager_RMultiplePreFeeUsesGrossPnL(t *testing.T) {
	ledger := &fakeLedger{}
	fees := FeeSchedule{MakerBps: 100, TakerBps: 100, DefaultSpreadBps: 0}
	mgr := NewManager(ledger, "run-1", fees, RMultiplePreFee)

	cand := testCandidate()
	cand.ExitSpec.TrailingEnabled = false
	pos, _ := mgr.Open(cand, 100, 1000, 0, time.Unix(0, 0))

	// Risk amount at entry: |100 - 95| * 10 units = 50.
	// Drive price straight to take profit (110) to realize a clean gain.
	closed, err := mgr.UpdateAll(schema.Bar{Symbol: "BTC-USD", Timestamp: time.Unix(1, 0), Open: 110, High: 111, Low: 109, Close: 110}, 1)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(closed) != 1 {
		t.Fatalf("expected 1 closed position, got %d", len(closed))
	}
	got := closed[0]
	if got.ExitReason != schema.ExitTakeProfit {
		t.Fatalf("expected take_profit exit, got %s", got.ExitReason)
	}
	// Gross PnL should be positive and R should reflect it pre-fee, so
	// heavy fees (100bps) must not have suppressed the R-multiple sign.
	if got.RealizedR <= 0 {
		t.Fatalf("expected positive pre-fee R-multiple, got %v", got.RealizedR)
	}
	_ = pos
}

func TestManager_CloseAllLiquidatesOpenPositions(t *testing.T) {
	ledger := &fakeLedger{}
	fees := FeeSchedule{MakerBps: 6, TakerBps: 12.5, DefaultSpreadBps: 2}
	mgr := NewManager(ledger, "run-1", fees, RMultiplePreFee)
	mgr.Open(testCandidate(), 100, 1000, 0, time.Unix(0, 0))

	closed, err := mgr.CloseAll(schema.Bar{Symbol: "BTC-USD", Timestamp: time.Unix(5, 0), Close: 101}, 5)
	if err != nil {
		t.Fatalf("close all: %v", err)
	}
	if len(closed) != 1 || closed[0].ExitReason != schema.ExitEndOfRun {
		t.Fatalf("expected one end_of_run closure, got %+v", closed)
	}
	if mgr.OpenCount() != 0 {
		t.Fatalf("expected no open positions after CloseAll, got %d", mgr.OpenCount())
	}
}
