package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed audit log of served sessions.
type Store struct {
	db *sql.DB
	// database/sql pools connections; sqlite wants one writer at a time.
	mu sync.Mutex
}

//go:embed migrations/*.sql
var migrationFS embed.FS

// SessionRecord describes one accepted session.
type SessionRecord struct {
	ID         string
	Client     string
	Command    string
	Count      uint
	Delay      uint
	StartedAt  time.Time
	EndedAt    time.Time
	Iterations uint
	EndReason  string
}

// IterationRecord describes one executed iteration. Output itself is never
// stored, only its size.
type IterationRecord struct {
	SessionID   string
	Index       uint
	ServerTime  time.Time
	ExitCode    int
	OutputBytes int
	Duration    time.Duration
}

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps readers from tripping SQLITE_BUSY on writers.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// BeginSession inserts a session row.
func (s *Store) BeginSession(ctx context.Context, rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, client, command, count, delay, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Client, rec.Command, rec.Count, rec.Delay, rec.StartedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// RecordIteration appends an iteration row to a session.
func (s *Store) RecordIteration(ctx context.Context, it IterationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO iterations (session_id, idx, server_time, exit_code, output_bytes, duration_ms) VALUES (?, ?, ?, ?, ?, ?)`,
		it.SessionID, it.Index, it.ServerTime.UnixNano(), it.ExitCode, it.OutputBytes, it.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert iteration: %w", err)
	}
	return nil
}

// EndSession stamps the end time, completed iteration count and reason.
func (s *Store) EndSession(ctx context.Context, id string, iterations uint, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, iterations = ?, end_reason = ? WHERE id = ?`,
		time.Now().UnixNano(), iterations, reason, id)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update session: %s not found", id)
	}
	return nil
}

// RecentSessions returns up to limit sessions, newest first.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, client, command, count, delay, started_at, ended_at, iterations, end_reason
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var (
			rec            SessionRecord
			started, ended sql.NullInt64
			reason         sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.Client, &rec.Command, &rec.Count, &rec.Delay,
			&started, &ended, &rec.Iterations, &reason); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		rec.StartedAt = time.Unix(0, started.Int64)
		if ended.Valid {
			rec.EndedAt = time.Unix(0, ended.Int64)
		}
		rec.EndReason = reason.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Iterations returns the recorded iterations of a session in order.
func (s *Store) Iterations(ctx context.Context, sessionID string) ([]IterationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, server_time, exit_code, output_bytes, duration_ms
		 FROM iterations WHERE session_id = ? ORDER BY idx`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query iterations: %w", err)
	}
	defer rows.Close()

	var out []IterationRecord
	for rows.Next() {
		var (
			it         IterationRecord
			serverTime int64
			durMS      int64
		)
		if err := rows.Scan(&it.Index, &serverTime, &it.ExitCode, &it.OutputBytes, &durMS); err != nil {
			return nil, fmt.Errorf("scan iteration: %w", err)
		}
		it.SessionID = sessionID
		it.ServerTime = time.Unix(0, serverTime)
		it.Duration = time.Duration(durMS) * time.Millisecond
		out = append(out, it)
	}
	return out, rows.Err()
}
