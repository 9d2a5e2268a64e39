package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/darwinreplay/backtester/internal/runerr"
	"github.com/darwinreplay/backtester/internal/schema"
)

const positionSchema = `
CREATE TABLE IF NOT EXISTS positions (
	position_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	candidate_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	direction TEXT NOT NULL,
	entry_bar_index INTEGER NOT NULL,
	entry_time TEXT NOT NULL,
	entry_price REAL NOT NULL,
	entry_fees REAL NOT NULL,
	size_units REAL NOT NULL,
	size_quote REAL NOT NULL,
	original_stop_loss REAL NOT NULL,
	original_take_profit REAL NOT NULL,
	time_stop_bars INTEGER NOT NULL,
	atr_at_entry REAL NOT NULL,
	current_stop REAL NOT NULL,
	trailing_state TEXT NOT NULL,
	trailing_stop REAL NOT NULL,
	highest_high REAL NOT NULL,
	lowest_low REAL NOT NULL,
	is_open INTEGER NOT NULL DEFAULT 1,
	exit_bar_index INTEGER,
	exit_time TEXT,
	exit_price REAL,
	exit_fees REAL,
	exit_reason TEXT,
	realized_pnl_quote REAL,
	realized_r REAL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_positions_run_id ON positions(run_id);
CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(symbol);
CREATE INDEX IF NOT EXISTS idx_positions_is_open ON positions(is_open);
CREATE INDEX IF NOT EXISTS idx_positions_candidate_id ON positions(candidate_id);
`

// PositionSQLite is the SQLite-backed position ledger, the sole source of
// truth for PnL. It satisfies position.Ledger directly so a
// position.Manager can be constructed with one.
type PositionSQLite struct {
	db *sql.DB
}

// OpenPositionStore opens (or creates) the position ledger at path.
func OpenPositionStore(path string) (*PositionSQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open position store %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(positionSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: apply position schema: %w", err)
	}
	return &PositionSQLite{db: db}, nil
}

func (s *PositionSQLite) OpenPosition(pos schema.Position) error {
	_, err := s.db.Exec(`
		INSERT INTO positions (
			position_id, run_id, candidate_id, symbol, direction,
			entry_bar_index, entry_time, entry_price, entry_fees, size_units, size_quote,
			original_stop_loss, original_take_profit, time_stop_bars, atr_at_entry,
			current_stop, trailing_state, trailing_stop, highest_high, lowest_low,
			is_open, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		pos.ID, pos.RunID, pos.CandidateID, pos.Symbol, string(pos.Direction),
		pos.EntryBarIndex, pos.EntryTime.UTC().Format(time.RFC3339Nano), pos.EntryPrice, pos.EntryFees, pos.SizeUnits, pos.SizeQuote,
		pos.OriginalStopLoss, pos.OriginalTakeProfit, pos.TimeStopBars, pos.ATRAtEntry,
		pos.State.CurrentStop, string(pos.State.TrailingState), pos.State.TrailingStop, pos.State.HighestHigh, pos.State.LowestLow,
		boolToInt(pos.Open), pos.EntryTime.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("storage: open position %s: %w", pos.ID, err)
	}
	return nil
}

func (s *PositionSQLite) UpdatePositionState(positionID string, state schema.ExitState, asOf time.Time) error {
	_, err := s.db.Exec(`
		UPDATE positions SET current_stop = ?, trailing_state = ?, trailing_stop = ?,
			highest_high = ?, lowest_low = ?, updated_at = ?
		WHERE position_id = ?
	`,
		state.CurrentStop, string(state.TrailingState), state.TrailingStop,
		state.HighestHigh, state.LowestLow, asOf.UTC().Format(time.RFC3339Nano),
		positionID,
	)
	if err != nil {
		return fmt.Errorf("storage: update position state %s: %w", positionID, err)
	}
	return nil
}

func (s *PositionSQLite) ClosePosition(pos schema.Position) error {
	res, err := s.db.Exec(`
		UPDATE positions SET
			is_open = 0,
			current_stop = ?, trailing_state = ?, trailing_stop = ?, highest_high = ?, lowest_low = ?,
			exit_bar_index = ?, exit_time = ?, exit_price = ?, exit_fees = ?, exit_reason = ?,
			realized_pnl_quote = ?, realized_r = ?, updated_at = ?
		WHERE position_id = ? AND is_open = 1
	`,
		pos.State.CurrentStop, string(pos.State.TrailingState), pos.State.TrailingStop, pos.State.HighestHigh, pos.State.LowestLow,
		pos.ExitBarIndex, pos.ExitTime.UTC().Format(time.RFC3339Nano), pos.ExitPrice, pos.ExitFees, string(pos.ExitReason),
		pos.RealizedPnLQuote, pos.RealizedR, pos.ExitTime.UTC().Format(time.RFC3339Nano),
		pos.ID,
	)
	if err != nil {
		return fmt.Errorf("storage: close position %s: %w", pos.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: close position %s: rows affected: %w", pos.ID, err)
	}
	if n == 0 {
		existing, getErr := s.Get(pos.ID)
		if getErr != nil {
			return fmt.Errorf("storage: close position %s: %w", pos.ID, getErr)
		}
		if existing == nil {
			return fmt.Errorf("storage: close position %s: not found", pos.ID)
		}
		return &runerr.InvariantError{Invariant: "single_exit_event", State: fmt.Sprintf("position %s is already closed", pos.ID)}
	}
	return nil
}

const positionColumns = `position_id, run_id, candidate_id, symbol, direction,
	entry_bar_index, entry_time, entry_price, entry_fees, size_units, size_quote,
	original_stop_loss, original_take_profit, time_stop_bars, atr_at_entry,
	current_stop, trailing_state, trailing_stop, highest_high, lowest_low,
	is_open, exit_bar_index, exit_time, exit_price, exit_fees, exit_reason,
	realized_pnl_quote, realized_r`

func (s *PositionSQLite) Get(positionID string) (*schema.Position, error) {
	row := s.db.QueryRow("SELECT "+positionColumns+" FROM positions WHERE position_id = ?", positionID)
	pos, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get position %s: %w", positionID, err)
	}
	return pos, nil
}

func (s *PositionSQLite) List(filter PositionFilter) ([]schema.Position, error) {
	query := "SELECT " + positionColumns + " FROM positions WHERE 1=1"
	var args []any

	if filter.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, filter.RunID)
	}
	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if filter.Open != nil {
		query += " AND is_open = ?"
		args = append(args, boolToInt(*filter.Open))
	}
	query += " ORDER BY entry_time"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list positions: %w", err)
	}
	defer rows.Close()

	var out []schema.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan position row: %w", err)
		}
		out = append(out, *pos)
	}
	return out, rows.Err()
}

func (s *PositionSQLite) Close() error {
	return s.db.Close()
}

func scanPosition(row rowScanner) (*schema.Position, error) {
	var p schema.Position
	var direction, entryTime, trailingState string
	var isOpen int
	var exitBarIndex sql.NullInt64
	var exitTime, exitReason sql.NullString
	var exitPrice, exitFees, realizedPnL, realizedR sql.NullFloat64

	if err := row.Scan(
		&p.ID, &p.RunID, &p.CandidateID, &p.Symbol, &direction,
		&p.EntryBarIndex, &entryTime, &p.EntryPrice, &p.EntryFees, &p.SizeUnits, &p.SizeQuote,
		&p.OriginalStopLoss, &p.OriginalTakeProfit, &p.TimeStopBars, &p.ATRAtEntry,
		&p.State.CurrentStop, &trailingState, &p.State.TrailingStop, &p.State.HighestHigh, &p.State.LowestLow,
		&isOpen, &exitBarIndex, &exitTime, &exitPrice, &exitFees, &exitReason,
		&realizedPnL, &realizedR,
	); err != nil {
		return nil, err
	}

	et, err := time.Parse(time.RFC3339Nano, entryTime)
	if err != nil {
		return nil, fmt.Errorf("parse entry_time: %w", err)
	}

	p.SchemaVersion = schema.SchemaVersion
	p.Direction = schema.Direction(direction)
	p.EntryTime = et
	p.State.TrailingState = schema.TrailingArmState(trailingState)
	p.Open = isOpen != 0

	if exitBarIndex.Valid {
		p.ExitBarIndex = int(exitBarIndex.Int64)
	}
	if exitTime.Valid && exitTime.String != "" {
		xt, err := time.Parse(time.RFC3339Nano, exitTime.String)
		if err == nil {
			p.ExitTime = xt
		}
	}
	if exitPrice.Valid {
		p.ExitPrice = exitPrice.Float64
	}
	if exitFees.Valid {
		p.ExitFees = exitFees.Float64
	}
	if exitReason.Valid {
		p.ExitReason = schema.ExitReason(exitReason.String)
	}
	if realizedPnL.Valid {
		p.RealizedPnLQuote = realizedPnL.Float64
	}
	if realizedR.Valid {
		p.RealizedR = realizedR.Float64
	}

	return &p, nil
}
