// Package storage provides three SQLite-backed durable stores: the
// candidate cache (every evaluated opportunity, taken or skipped), the
// position ledger (the sole source of truth for PnL), and the
// outcome-label store (post-hoc learning labels). Each store owns one
// file and applies its own schema.
package storage

import (
	"time"

	"github.com/darwinreplay/backtester/internal/schema"
)

// CandidateFilter narrows a candidate query. Zero-value fields are
// unconstrained.
type CandidateFilter struct {
	RunID    string
	Symbol   string
	Playbook schema.Playbook
	Taken    *bool
	Limit    int
}

// CandidateStore persists every evaluated candidate, whether or not it
// was taken, as the substrate for post-hoc learning.
type CandidateStore interface {
	Put(cand schema.Candidate) error
	Get(candidateID string) (*schema.Candidate, error)
	Query(filter CandidateFilter) ([]schema.Candidate, error)
	Count(filter CandidateFilter) (int, error)
	Close() error
}

// PositionFilter narrows a position query. Zero-value fields are
// unconstrained.
type PositionFilter struct {
	RunID  string
	Symbol string
	Open   *bool
}

// PositionStore is the durable position ledger. It satisfies
// position.Ledger so a position.Manager can be handed one directly, and
// adds the read-side queries the runner and reporting need.
type PositionStore interface {
	OpenPosition(pos schema.Position) error
	UpdatePositionState(positionID string, state schema.ExitState, asOf time.Time) error
	ClosePosition(pos schema.Position) error
	Get(positionID string) (*schema.Position, error)
	List(filter PositionFilter) ([]schema.Position, error)
	Close() error
}

// OutcomeStore persists post-hoc outcome labels keyed by candidate ID.
type OutcomeStore interface {
	Upsert(label schema.OutcomeLabel) error
	Get(candidateID string) (*schema.OutcomeLabel, error)
	ListForRun(runID string) ([]schema.OutcomeLabel, error)
	Close() error
}
