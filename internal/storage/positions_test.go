package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/darwinreplay/backtester/internal/schema"
)

func testPosition(id string) schema.Position {
	return schema.Position{
		SchemaVersion:      schema.SchemaVersion,
		ID:                 id,
		RunID:              "run-1",
		CandidateID:        "cand-1",
		Symbol:             "BTC-USD",
		Direction:          schema.Long,
		EntryBarIndex:      5,
		EntryTime:          time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		EntryPrice:         100,
		EntryFees:          0.5,
		SizeUnits:          1,
		SizeQuote:          100,
		OriginalStopLoss:   95,
		OriginalTakeProfit: 110,
		TimeStopBars:       10,
		ATRAtEntry:         2,
		State: schema.ExitState{
			CurrentStop:   95,
			TrailingState: schema.TrailingUnarmed,
			HighestHigh:   100,
			LowestLow:     100,
		},
		Open: true,
	}
}

func TestPositionSQLite_OpenGetRoundTrips(t *testing.T) {
	store, err := OpenPositionStore(filepath.Join(t.TempDir(), "positions.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	pos := testPosition("pos-1")
	if err := store.OpenPosition(pos); err != nil {
		t.Fatalf("open position: %v", err)
	}

	got, err := store.Get("pos-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || !got.Open || got.EntryPrice != 100 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestPositionSQLite_UpdateStatePersistsTrailing(t *testing.T) {
	store, err := OpenPositionStore(filepath.Join(t.TempDir(), "positions.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	pos := testPosition("pos-1")
	if err := store.OpenPosition(pos); err != nil {
		t.Fatalf("open position: %v", err)
	}

	newState := schema.ExitState{
		CurrentStop:   98,
		TrailingState: schema.TrailingArmed,
		TrailingStop:  98,
		HighestHigh:   105,
		LowestLow:     100,
	}
	if err := store.UpdatePositionState("pos-1", newState, time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("update state: %v", err)
	}

	got, err := store.Get("pos-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State.TrailingState != schema.TrailingArmed || got.State.HighestHigh != 105 {
		t.Fatalf("expected persisted trailing state, got %+v", got.State)
	}
}

func TestPositionSQLite_ClosePositionMarksClosedAndFiltersFromOpenList(t *testing.T) {
	store, err := OpenPositionStore(filepath.Join(t.TempDir(), "positions.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	pos := testPosition("pos-1")
	if err := store.OpenPosition(pos); err != nil {
		t.Fatalf("open position: %v", err)
	}

	pos.Open = false
	pos.ExitBarIndex = 12
	pos.ExitTime = time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	pos.ExitPrice = 108
	pos.ExitReason = schema.ExitTakeProfit
	pos.RealizedR = 2.6
	if err := store.ClosePosition(pos); err != nil {
		t.Fatalf("close position: %v", err)
	}

	openOnly := true
	open, err := store.List(PositionFilter{RunID: "run-1", Open: &openOnly})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("expected no open positions, got %d", len(open))
	}

	got, err := store.Get("pos-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Open || got.ExitReason != schema.ExitTakeProfit || got.RealizedR != 2.6 {
		t.Fatalf("unexpected closed position: %+v", got)
	}
}

func TestPositionSQLite_ClosePositionTwiceIsAnError(t *testing.T) {
	store, err := OpenPositionStore(filepath.Join(t.TempDir(), "positions.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	pos := testPosition("pos-1")
	if err := store.OpenPosition(pos); err != nil {
		t.Fatalf("open position: %v", err)
	}

	pos.Open = false
	pos.ExitBarIndex = 12
	pos.ExitTime = time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	pos.ExitPrice = 108
	pos.ExitReason = schema.ExitTakeProfit
	pos.RealizedR = 2.6
	if err := store.ClosePosition(pos); err != nil {
		t.Fatalf("first close: %v", err)
	}

	pos.ExitPrice = 200
	pos.ExitReason = schema.ExitStopLoss
	if err := store.ClosePosition(pos); err == nil {
		t.Fatal("expected error closing an already-closed position")
	}

	got, err := store.Get("pos-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ExitPrice != 108 || got.ExitReason != schema.ExitTakeProfit {
		t.Fatalf("second close must not overwrite the first exit, got %+v", got)
	}
}
