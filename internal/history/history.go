// Package history keeps a local record of usage snapshots so the popover can
// show quota trends. Recording is best-effort: the scheduler logs and ignores
// failures here, matching the update-check policy.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS usage_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	taken_at INTEGER NOT NULL,
	login TEXT NOT NULL,
	plan TEXT NOT NULL,
	entitlement REAL NOT NULL,
	remaining REAL NOT NULL,
	percent_remaining REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_history_taken_at ON usage_history(taken_at);
`

// Entry is one recorded usage snapshot.
type Entry struct {
	TakenAt          time.Time
	Login            string
	Plan             string
	Entitlement      float64
	Remaining        float64
	PercentRemaining float64
}

// Store is a sqlite-backed usage history.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize history schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts one snapshot.
func (s *Store) Record(e Entry) error {
	_, err := s.db.Exec(
		`INSERT INTO usage_history (taken_at, login, plan, entitlement, remaining, percent_remaining)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.TakenAt.Unix(), e.Login, e.Plan, e.Entitlement, e.Remaining, e.PercentRemaining,
	)
	if err != nil {
		return fmt.Errorf("record usage snapshot: %w", err)
	}
	return nil
}

// Recent returns up to n snapshots, newest first.
func (s *Store) Recent(n int) ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT taken_at, login, plan, entitlement, remaining, percent_remaining
		 FROM usage_history ORDER BY taken_at DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query usage history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var takenAt int64
		if err := rows.Scan(&takenAt, &e.Login, &e.Plan, &e.Entitlement, &e.Remaining, &e.PercentRemaining); err != nil {
			return nil, fmt.Errorf("scan usage history: %w", err)
		}
		e.TakenAt = time.Unix(takenAt, 0).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes snapshots taken before the cutoff and returns the number
// removed.
func (s *Store) Prune(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM usage_history WHERE taken_at < ?`, olderThan.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune usage history: %w", err)
	}
	return res.RowsAffected()
}
