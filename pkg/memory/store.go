// Package memory persists durable session facts and replays them to the
// planner at the start of each run.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/harun/kairo/internal/tracing"
)

// Fact is one remembered statement about a session.
type Fact struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is a SQLite-backed session fact log.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore opens the fact database at path and initializes its schema.
func NewStore(path string, logger zerolog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("memory path is required")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS facts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_facts_session ON facts(session_id, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append records one fact for a session. Blank facts are dropped.
func (s *Store) Append(ctx context.Context, sessionID, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO facts (session_id, content, created_at) VALUES (?, ?, ?)",
		sessionID, content, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to append fact: %w", err)
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().
		Str("session_id", sessionID).
		Msg("Session fact recorded")
	return nil
}

// Facts returns the most recent facts for a session in chronological
// order, capped at limit. A zero limit returns everything.
func (s *Store) Facts(ctx context.Context, sessionID string, limit int) ([]Fact, error) {
	query := `
		SELECT id, session_id, content, created_at FROM facts
		WHERE session_id = ?
		ORDER BY id DESC
	`
	args := []interface{}{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query facts: %w", err)
	}
	defer rows.Close()

	var facts []Fact
	for rows.Next() {
		var f Fact
		var createdAt int64
		if err := rows.Scan(&f.ID, &f.SessionID, &f.Content, &createdAt); err != nil {
			return nil, err
		}
		f.CreatedAt = time.Unix(createdAt, 0).UTC()
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query is newest-first for the LIMIT, reverse back to insertion order.
	for i, j := 0, len(facts)-1; i < j; i, j = i+1, j-1 {
		facts[i], facts[j] = facts[j], facts[i]
	}
	return facts, nil
}

// Recall returns a session's facts joined as free text for the planner
// prompt. An empty string means nothing is remembered.
func (s *Store) Recall(ctx context.Context, sessionID string, limit int) (string, error) {
	facts, err := s.Facts(ctx, sessionID, limit)
	if err != nil {
		return "", err
	}
	if len(facts) == 0 {
		return "", nil
	}

	lines := make([]string, len(facts))
	for i, f := range facts {
		lines[i] = "- " + f.Content
	}
	return strings.Join(lines, "\n"), nil
}

// Forget deletes all facts for a session.
func (s *Store) Forget(ctx context.Context, sessionID string) (int, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM facts WHERE session_id = ?", sessionID)
	if err != nil {
		return 0, err
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
