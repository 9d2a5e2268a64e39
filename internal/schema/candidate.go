package schema

import (
	"fmt"
	"time"
)

// Direction is a trade direction. Only Long is exercised by the shipped
// playbooks; Short is a first-class value so the exit engine and position
// ledger are symmetric from day one.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Sign returns +1 for Long, -1 for Short.
func (d Direction) Sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

// Playbook names the deterministic pattern detector that produced a
// candidate.
type Playbook string

const (
	PlaybookBreakout Playbook = "breakout"
	PlaybookPullback Playbook = "pullback"
)

// ExitSpec is the compound exit specification attached to a candidate at
// creation time. It is immutable once a candidate exists.
type ExitSpec struct {
	StopLossPrice           float64
	TakeProfitPrice         float64
	TimeStopBars            int
	TrailingEnabled         bool
	TrailingActivationPrice float64
	TrailingDistanceATR     float64
}

// Validate enforces ExitSpec's invariants for the given entry price and
// direction.
func (e ExitSpec) Validate(entryPrice float64, dir Direction) error {
	switch dir {
	case Long:
		if !(e.StopLossPrice < entryPrice && entryPrice < e.TakeProfitPrice) {
			return fmt.Errorf("exit spec: long requires stop_loss < entry < take_profit, got %.4f < %.4f < %.4f", e.StopLossPrice, entryPrice, e.TakeProfitPrice)
		}
	case Short:
		if !(e.StopLossPrice > entryPrice && entryPrice > e.TakeProfitPrice) {
			return fmt.Errorf("exit spec: short requires stop_loss > entry > take_profit, got %.4f > %.4f > %.4f", e.StopLossPrice, entryPrice, e.TakeProfitPrice)
		}
	default:
		return fmt.Errorf("exit spec: unknown direction %q", dir)
	}
	if e.TrailingEnabled && e.TrailingDistanceATR <= 0 {
		return fmt.Errorf("exit spec: trailing_distance_atr must be > 0 when trailing is enabled")
	}
	if e.TimeStopBars <= 0 {
		return fmt.Errorf("exit spec: time_stop_bars must be > 0")
	}
	return nil
}

// Candidate is a potential trade produced deterministically by a playbook
// on a bar, awaiting the LLM's take/skip decision. It is immutable after
// creation except for Taken and PositionID, which are set exactly once.
type Candidate struct {
	SchemaVersion string

	ID       string
	RunID    string
	Symbol   string
	BarIndex int
	Time     time.Time

	Playbook  Playbook
	Direction Direction

	EntryPrice  float64
	ATRAtEntry  float64
	ExitSpec    ExitSpec
	Features    map[string]float64
	FeatureHash string

	QualityFlags map[string]bool
	Notes        string

	// Set later, exactly once.
	Taken      bool
	PositionID string
}

// NewCandidate builds a candidate with SchemaVersion populated and its exit
// spec validated. Callers must supply a unique ID (the runner builds it
// from the run ID, symbol, bar index and playbook name).
func NewCandidate(id, runID, symbol string, barIndex int, ts time.Time, pb Playbook, dir Direction, entryPrice, atrAtEntry float64, exit ExitSpec, features map[string]float64) (Candidate, error) {
	if err := exit.Validate(entryPrice, dir); err != nil {
		return Candidate{}, err
	}
	return Candidate{
		SchemaVersion: SchemaVersion,
		ID:            id,
		RunID:         runID,
		Symbol:        symbol,
		BarIndex:      barIndex,
		Time:          ts,
		Playbook:      pb,
		Direction:     dir,
		EntryPrice:    entryPrice,
		ATRAtEntry:    atrAtEntry,
		ExitSpec:      exit,
		Features:      features,
		FeatureHash:   FingerprintFeatures(features),
	}, nil
}
