package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/darwinreplay/backtester/internal/schema"
)

const candidateSchema = `
CREATE TABLE IF NOT EXISTS candidates (
	candidate_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	bar_index INTEGER NOT NULL,
	timestamp TEXT NOT NULL,
	playbook TEXT NOT NULL,
	direction TEXT NOT NULL,
	entry_price REAL NOT NULL,
	atr_at_entry REAL NOT NULL,
	exit_spec TEXT NOT NULL,
	features TEXT NOT NULL,
	feature_hash TEXT NOT NULL,
	quality_flags TEXT NOT NULL,
	notes TEXT NOT NULL,
	taken INTEGER NOT NULL DEFAULT 0,
	position_id TEXT
);

CREATE INDEX IF NOT EXISTS idx_candidates_run_id ON candidates(run_id);
CREATE INDEX IF NOT EXISTS idx_candidates_symbol ON candidates(symbol);
CREATE INDEX IF NOT EXISTS idx_candidates_playbook ON candidates(playbook);
CREATE INDEX IF NOT EXISTS idx_candidates_taken ON candidates(taken);
`

// CandidateSQLite is the SQLite-backed CandidateStore.
type CandidateSQLite struct {
	db *sql.DB
}

// OpenCandidateStore opens (or creates) the candidate cache at path.
func OpenCandidateStore(path string) (*CandidateSQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open candidate store %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite is single-writer

	if _, err := db.Exec(candidateSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: apply candidate schema: %w", err)
	}
	return &CandidateSQLite{db: db}, nil
}

func (s *CandidateSQLite) Put(cand schema.Candidate) error {
	exitSpecJSON, err := json.Marshal(cand.ExitSpec)
	if err != nil {
		return fmt.Errorf("storage: marshal exit spec: %w", err)
	}
	featuresJSON, err := json.Marshal(cand.Features)
	if err != nil {
		return fmt.Errorf("storage: marshal features: %w", err)
	}
	flagsJSON, err := json.Marshal(cand.QualityFlags)
	if err != nil {
		return fmt.Errorf("storage: marshal quality flags: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO candidates (
			candidate_id, run_id, symbol, bar_index, timestamp, playbook, direction,
			entry_price, atr_at_entry, exit_spec, features, feature_hash,
			quality_flags, notes, taken, position_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(candidate_id) DO UPDATE SET
			taken = excluded.taken,
			position_id = excluded.position_id
	`,
		cand.ID, cand.RunID, cand.Symbol, cand.BarIndex, cand.Time.UTC().Format(time.RFC3339Nano),
		string(cand.Playbook), string(cand.Direction), cand.EntryPrice, cand.ATRAtEntry,
		string(exitSpecJSON), string(featuresJSON), cand.FeatureHash,
		string(flagsJSON), cand.Notes, boolToInt(cand.Taken), nullableString(cand.PositionID),
	)
	if err != nil {
		return fmt.Errorf("storage: put candidate %s: %w", cand.ID, err)
	}
	return nil
}

func (s *CandidateSQLite) Get(candidateID string) (*schema.Candidate, error) {
	row := s.db.QueryRow("SELECT "+candidateColumns+" FROM candidates WHERE candidate_id = ?", candidateID)
	cand, err := scanCandidate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get candidate %s: %w", candidateID, err)
	}
	return cand, nil
}

func (s *CandidateSQLite) Query(filter CandidateFilter) ([]schema.Candidate, error) {
	query := "SELECT " + candidateColumns + " FROM candidates WHERE 1=1"
	var args []any

	if filter.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, filter.RunID)
	}
	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if filter.Playbook != "" {
		query += " AND playbook = ?"
		args = append(args, string(filter.Playbook))
	}
	if filter.Taken != nil {
		query += " AND taken = ?"
		args = append(args, boolToInt(*filter.Taken))
	}
	query += " ORDER BY timestamp"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query candidates: %w", err)
	}
	defer rows.Close()

	var out []schema.Candidate
	for rows.Next() {
		cand, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan candidate row: %w", err)
		}
		out = append(out, *cand)
	}
	return out, rows.Err()
}

func (s *CandidateSQLite) Count(filter CandidateFilter) (int, error) {
	query := "SELECT COUNT(*) FROM candidates WHERE 1=1"
	var args []any

	if filter.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, filter.RunID)
	}
	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if filter.Playbook != "" {
		query += " AND playbook = ?"
		args = append(args, string(filter.Playbook))
	}
	if filter.Taken != nil {
		query += " AND taken = ?"
		args = append(args, boolToInt(*filter.Taken))
	}

	var count int
	if err := s.db.QueryRow(query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("storage: count candidates: %w", err)
	}
	return count, nil
}

func (s *CandidateSQLite) Close() error {
	return s.db.Close()
}

const candidateColumns = `candidate_id, run_id, symbol, bar_index, timestamp, playbook, direction,
	entry_price, atr_at_entry, exit_spec, features, feature_hash, quality_flags, notes, taken, position_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCandidate(row rowScanner) (*schema.Candidate, error) {
	var c schema.Candidate
	var timestamp, playbook, direction, exitSpecJSON, featuresJSON, flagsJSON string
	var taken int
	var positionID sql.NullString

	if err := row.Scan(
		&c.ID, &c.RunID, &c.Symbol, &c.BarIndex, &timestamp, &playbook, &direction,
		&c.EntryPrice, &c.ATRAtEntry, &exitSpecJSON, &featuresJSON, &c.FeatureHash,
		&flagsJSON, &c.Notes, &taken, &positionID,
	); err != nil {
		return nil, err
	}

	ts, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp: %w", err)
	}
	c.SchemaVersion = schema.SchemaVersion
	c.Time = ts
	c.Playbook = schema.Playbook(playbook)
	c.Direction = schema.Direction(direction)
	c.Taken = taken != 0
	if positionID.Valid {
		c.PositionID = positionID.String
	}

	if err := json.Unmarshal([]byte(exitSpecJSON), &c.ExitSpec); err != nil {
		return nil, fmt.Errorf("unmarshal exit spec: %w", err)
	}
	if err := json.Unmarshal([]byte(featuresJSON), &c.Features); err != nil {
		return nil, fmt.Errorf("unmarshal features: %w", err)
	}
	if err := json.Unmarshal([]byte(flagsJSON), &c.QualityFlags); err != nil {
		return nil, fmt.Errorf("unmarshal quality flags: %w", err)
	}
	return &c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
