// Package calllog persists summaries of completed calls to SQLite.
package calllog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"call-me/internal/domain"
)

// SQLiteStore archives call summaries using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs the
// schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open call log db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate call log db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			call_id          TEXT PRIMARY KEY,
			provider_call_id TEXT NOT NULL DEFAULT '',
			user_number      TEXT NOT NULL,
			from_number      TEXT NOT NULL,
			started_at       TEXT NOT NULL,
			ended_at         TEXT NOT NULL,
			duration_ms      INTEGER NOT NULL,
			end_reason       TEXT NOT NULL DEFAULT '',
			history          TEXT NOT NULL DEFAULT '[]'
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Archive stores one completed call. Re-archiving the same call replaces the
// earlier row so a retried teardown never fails on the primary key.
func (s *SQLiteStore) Archive(_ context.Context, summary domain.CallSummary) error {
	histJSON, err := json.Marshal(summary.History)
	if err != nil {
		return fmt.Errorf("marshal call history: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO calls
			(call_id, provider_call_id, user_number, from_number, started_at, ended_at, duration_ms, end_reason, history)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		summary.CallID, summary.ProviderCallID, summary.UserNumber, summary.FromNumber,
		summary.StartedAt.Format(time.RFC3339Nano), summary.EndedAt.Format(time.RFC3339Nano),
		summary.DurationMs, string(summary.EndReason), string(histJSON),
	)
	return err
}

// Get returns one archived call by its ID.
func (s *SQLiteStore) Get(_ context.Context, callID string) (*domain.CallSummary, error) {
	row := s.db.QueryRow(
		`SELECT call_id, provider_call_id, user_number, from_number, started_at, ended_at, duration_ms, end_reason, history
			FROM calls WHERE call_id = ?`, callID,
	)
	summary, err := scanSummary(row)
	if err == sql.ErrNoRows {
		return nil, domain.NewSubSystemError("call", "SQLiteStore.Get", domain.ErrNotFound, callID)
	}
	return summary, err
}

// Recent returns up to limit archived calls, newest first.
func (s *SQLiteStore) Recent(_ context.Context, limit int) ([]*domain.CallSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT call_id, provider_call_id, user_number, from_number, started_at, ended_at, duration_ms, end_reason, history
			FROM calls ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []*domain.CallSummary
	for rows.Next() {
		summary, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSummary(row scanner) (*domain.CallSummary, error) {
	var s domain.CallSummary
	var startedStr, endedStr, reason, histStr string
	if err := row.Scan(&s.CallID, &s.ProviderCallID, &s.UserNumber, &s.FromNumber,
		&startedStr, &endedStr, &s.DurationMs, &reason, &histStr); err != nil {
		return nil, err
	}
	s.EndReason = domain.EndReason(reason)
	if err := json.Unmarshal([]byte(histStr), &s.History); err != nil {
		return nil, fmt.Errorf("unmarshal call history: %w", err)
	}
	s.StartedAt, _ = time.Parse(time.RFC3339Nano, startedStr)
	s.EndedAt, _ = time.Parse(time.RFC3339Nano, endedStr)
	return &s, nil
}
