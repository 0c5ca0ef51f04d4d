// Package transcript persists chat history per session key so that
// history polling and the /compact command have a durable record to
// read back.
package transcript

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Message is one persisted transcript entry.
type Message struct {
	ID         int64  `json:"id"`
	SessionKey string `json:"session_key"`
	Role       string `json:"role"` // "user" or "assistant"
	Text       string `json:"text"`
	Timestamp  int64  `json:"timestamp"` // unix millis
}

// Store implements transcript storage on SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewStore opens (or creates) a SQLite database at the given path and
// initializes the schema.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("transcript store opened", "path", dbPath)
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_key TEXT NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			timestamp INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_key, id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:min(len(stmt), 60)], err)
		}
	}

	return nil
}

// Append records a message at the end of a session's transcript.
func (s *Store) Append(sessionKey, role, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO messages (session_key, role, text, timestamp) VALUES (?, ?, ?, ?)`,
		sessionKey, role, text, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// History returns the newest limit messages for a session in
// chronological order. limit <= 0 returns the full transcript.
func (s *Store) History(sessionKey string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, session_key, role, text, timestamp FROM messages WHERE session_key = ? ORDER BY id`
	args := []interface{}{sessionKey}
	if limit > 0 {
		// Newest N, then flip back to chronological order.
		query = `SELECT id, session_key, role, text, timestamp FROM (
			SELECT id, session_key, role, text, timestamp FROM messages
			WHERE session_key = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("history query: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionKey, &m.Role, &m.Text, &m.Timestamp); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}

	return msgs, nil
}

// Clear removes a session's transcript. Used by /reset and /new.
func (s *Store) Clear(sessionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM messages WHERE session_key = ?", sessionKey)
	return err
}

// MessageCount returns the number of stored messages for a session.
func (s *Store) MessageCount(sessionKey string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	s.db.QueryRow("SELECT COUNT(*) FROM messages WHERE session_key = ?", sessionKey).Scan(&count)
	return count
}

// Close closes the SQLite database.
func (s *Store) Close() error {
	return s.db.Close()
}
