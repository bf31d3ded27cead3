package metrics

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	started_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS round_log (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id          TEXT NOT NULL,
	round           INTEGER NOT NULL,
	sequences       INTEGER NOT NULL,
	tokens_proposed INTEGER NOT NULL,
	tokens_accepted INTEGER NOT NULL,
	tokens_emitted  INTEGER NOT NULL,
	cap             INTEGER NOT NULL,
	degraded        INTEGER NOT NULL,
	failures        INTEGER NOT NULL,
	latency_us      INTEGER NOT NULL,
	created_at      TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);

CREATE TABLE IF NOT EXISTS snapshots (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id          TEXT NOT NULL,
	rounds          INTEGER NOT NULL,
	acceptance_rate REAL NOT NULL,
	tokens_per_sec  REAL NOT NULL,
	avg_latency_us  INTEGER NOT NULL,
	degraded_rounds INTEGER NOT NULL,
	failures        INTEGER NOT NULL,
	success_rate    REAL NOT NULL,
	created_at      TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);
`

// #endregion schema

// #region store

// Store persists round history and snapshots in SQLite. Implements Sink.
type Store struct {
	db    *sql.DB
	runID string
}

// NewStore opens a SQLite database, runs migrations, and registers a new run.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	runID := uuid.New().String()
	_, err = db.Exec(
		`INSERT INTO runs (run_id, started_at) VALUES (?, ?)`,
		runID, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("register run: %w", err)
	}
	return &Store{db: db, runID: runID}, nil
}

// OpenStore opens an existing database for inspection without registering a
// run. RecordRound and WriteSnapshot must not be called on it.
func OpenStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// RunID returns the identifier of the run this store writes under.
func (s *Store) RunID() string {
	return s.runID
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// #endregion store

// #region record

// RecordRound appends one round to the run's log.
func (s *Store) RecordRound(rec RoundRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	degraded := 0
	if rec.Degraded {
		degraded = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO round_log (run_id, round, sequences, tokens_proposed, tokens_accepted,
		 tokens_emitted, cap, degraded, failures, latency_us, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.runID, rec.Round, rec.Sequences, rec.TokensProposed, rec.TokensAccepted,
		rec.TokensEmitted, rec.Cap, degraded, rec.Failures, rec.Latency.Microseconds(),
		rec.At.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record round: %w", err)
	}
	return nil
}

// WriteSnapshot persists a rolling summary for the run.
func (s *Store) WriteSnapshot(snap Snapshot) error {
	_, err := s.db.Exec(
		`INSERT INTO snapshots (run_id, rounds, acceptance_rate, tokens_per_sec,
		 avg_latency_us, degraded_rounds, failures, success_rate, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.runID, snap.Rounds, snap.AcceptanceRate, snap.TokensPerSec,
		snap.AvgLatency.Microseconds(), snap.DegradedRounds, snap.Failures,
		snap.SuccessRate, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// #endregion record

// #region queries

// RecentRounds returns the run's most recent round records, newest first.
func (s *Store) RecentRounds(limit int) ([]RoundRecord, error) {
	rows, err := s.db.Query(
		`SELECT round, sequences, tokens_proposed, tokens_accepted, tokens_emitted,
		 cap, degraded, failures, latency_us, created_at
		 FROM round_log WHERE run_id = ? ORDER BY id DESC LIMIT ?`,
		s.runID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent rounds: %w", err)
	}
	defer rows.Close()
	return scanRounds(rows)
}

// RecentAcrossRuns returns the most recent round records regardless of run,
// newest first.
func (s *Store) RecentAcrossRuns(limit int) ([]RoundRecord, error) {
	rows, err := s.db.Query(
		`SELECT round, sequences, tokens_proposed, tokens_accepted, tokens_emitted,
		 cap, degraded, failures, latency_us, created_at
		 FROM round_log ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent rounds: %w", err)
	}
	defer rows.Close()
	return scanRounds(rows)
}

func scanRounds(rows *sql.Rows) ([]RoundRecord, error) {
	var records []RoundRecord
	for rows.Next() {
		var rec RoundRecord
		var degraded int
		var latencyUS int64
		var createdStr string
		if err := rows.Scan(&rec.Round, &rec.Sequences, &rec.TokensProposed,
			&rec.TokensAccepted, &rec.TokensEmitted, &rec.Cap, &degraded,
			&rec.Failures, &latencyUS, &createdStr); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		rec.Degraded = degraded != 0
		rec.Latency = time.Duration(latencyUS) * time.Microsecond
		rec.At, _ = time.Parse(time.RFC3339Nano, createdStr)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// #endregion queries
