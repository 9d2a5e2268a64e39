package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/darwinreplay/backtester/internal/schema"
)

const outcomeSchema = `
CREATE TABLE IF NOT EXISTS outcome_labels (
	candidate_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	position_id TEXT NOT NULL,
	actual_r_multiple REAL NOT NULL,
	exit_reason TEXT NOT NULL,
	bars_held INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_labels_run_id ON outcome_labels(run_id);
`

// OutcomeSQLite is the SQLite-backed outcome label store. run_id is
// stored directly on the label row so ListForRun needs no join against
// the candidate cache.
type OutcomeSQLite struct {
	db *sql.DB
}

// OpenOutcomeStore opens (or creates) the outcome label store at path.
func OpenOutcomeStore(path string) (*OutcomeSQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open outcome store %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(outcomeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: apply outcome schema: %w", err)
	}
	return &OutcomeSQLite{db: db}, nil
}

func (s *OutcomeSQLite) Upsert(label schema.OutcomeLabel) error {
	_, err := s.db.Exec(`
		INSERT INTO outcome_labels (
			candidate_id, run_id, position_id, actual_r_multiple, exit_reason, bars_held
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(candidate_id) DO UPDATE SET
			position_id = excluded.position_id,
			actual_r_multiple = excluded.actual_r_multiple,
			exit_reason = excluded.exit_reason,
			bars_held = excluded.bars_held
	`,
		label.CandidateID, label.RunID, label.PositionID, label.ActualRMultiple,
		string(label.ExitReason), label.BarsHeld,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert label %s: %w", label.CandidateID, err)
	}
	return nil
}

func (s *OutcomeSQLite) Get(candidateID string) (*schema.OutcomeLabel, error) {
	row := s.db.QueryRow(`
		SELECT candidate_id, run_id, position_id, actual_r_multiple, exit_reason, bars_held
		FROM outcome_labels WHERE candidate_id = ?
	`, candidateID)
	label, err := scanOutcomeLabel(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get label %s: %w", candidateID, err)
	}
	return label, nil
}

func (s *OutcomeSQLite) ListForRun(runID string) ([]schema.OutcomeLabel, error) {
	rows, err := s.db.Query(`
		SELECT candidate_id, run_id, position_id, actual_r_multiple, exit_reason, bars_held
		FROM outcome_labels WHERE run_id = ?
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list labels for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []schema.OutcomeLabel
	for rows.Next() {
		label, err := scanOutcomeLabel(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan label row: %w", err)
		}
		out = append(out, *label)
	}
	return out, rows.Err()
}

func (s *OutcomeSQLite) Close() error {
	return s.db.Close()
}

func scanOutcomeLabel(row rowScanner) (*schema.OutcomeLabel, error) {
	var l schema.OutcomeLabel
	var exitReason string
	if err := row.Scan(&l.CandidateID, &l.RunID, &l.PositionID, &l.ActualRMultiple, &exitReason, &l.BarsHeld); err != nil {
		return nil, err
	}
	l.SchemaVersion = schema.SchemaVersion
	l.ExitReason = schema.ExitReason(exitReason)
	return &l, nil
}
