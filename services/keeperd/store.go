package keeperd

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Attempt is one recorded tick attempt.
type Attempt struct {
	StreamID    string    `json:"stream"`
	Outcome     string    `json:"outcome"`
	TotalPaid   uint64    `json:"totalPaid"`
	Error       string    `json:"error,omitempty"`
	AttemptedAt time.Time `json:"attemptedAt"`
}

// AttemptStore keeps a local log of tick attempts for operators.
type AttemptStore struct {
	db *sql.DB
}

func NewAttemptStore(path string) (*AttemptStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	store := &AttemptStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *AttemptStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS tick_attempts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            stream_id TEXT NOT NULL,
            outcome TEXT NOT NULL,
            total_paid INTEGER NOT NULL DEFAULT 0,
            error TEXT,
            attempted_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_tick_attempts_stream ON tick_attempts(stream_id);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("keeperd: init schema: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *AttemptStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record appends an attempt.
func (s *AttemptStore) Record(ctx context.Context, a Attempt) error {
	if s == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tick_attempts(stream_id, outcome, total_paid, error, attempted_at) VALUES(?, ?, ?, ?, ?)`,
		a.StreamID, a.Outcome, int64(a.TotalPaid), a.Error, a.AttemptedAt.Unix())
	if err != nil {
		return fmt.Errorf("keeperd: record attempt: %w", err)
	}
	return nil
}

// Recent returns the newest attempts first.
func (s *AttemptStore) Recent(ctx context.Context, limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT stream_id, outcome, total_paid, COALESCE(error, ''), attempted_at FROM tick_attempts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("keeperd: query attempts: %w", err)
	}
	defer rows.Close()
	var out []Attempt
	for rows.Next() {
		var (
			a    Attempt
			paid int64
			at   int64
		)
		if err := rows.Scan(&a.StreamID, &a.Outcome, &paid, &a.Error, &at); err != nil {
			return nil, err
		}
		a.TotalPaid = uint64(paid)
		a.AttemptedAt = time.Unix(at, 0).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// Outcomes counts attempts by outcome.
func (s *AttemptStore) Outcomes(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM tick_attempts GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("keeperd: count outcomes: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var (
			outcome string
			count   int
		)
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, err
		}
		out[outcome] = count
	}
	return out, rows.Err()
}

// Prune deletes attempts older than cutoff.
func (s *AttemptStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tick_attempts WHERE attempted_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("keeperd: prune attempts: %w", err)
	}
	return res.RowsAffected()
}
