package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStore persists sessions in a SQLite database. Message history and
// metadata are stored as JSON payloads; the (directory, id) key is the
// primary key so saves are upserts.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the session database at path
// and runs migrations. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	// SQLite only supports one writer; serialize access through a single
	// connection so concurrent saves do not race on SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL: %w", err)
	}

	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			directory TEXT NOT NULL,
			id TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			messages TEXT NOT NULL DEFAULT '[]',
			metadata TEXT NOT NULL DEFAULT '{}',
			PRIMARY KEY (directory, id)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create sessions table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions (updated_at)
	`)
	if err != nil {
		return fmt.Errorf("failed to create sessions index: %w", err)
	}
	return nil
}

// Save inserts or replaces the session under its (directory, id) key.
// CreatedAt and UpdatedAt are stamped when unset; UpdatedAt always advances.
func (s *SQLiteStore) Save(ctx context.Context, session *Session) error {
	if session == nil {
		return fmt.Errorf("session is required")
	}
	if session.Directory == "" || session.ID == "" {
		return fmt.Errorf("session directory and id are required")
	}

	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	messages, err := json.Marshal(session.Messages)
	if err != nil {
		return fmt.Errorf("failed to encode messages: %w", err)
	}
	metadata, err := json.Marshal(session.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (directory, id, created_at, updated_at, messages, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (directory, id) DO UPDATE SET
			updated_at = excluded.updated_at,
			messages = excluded.messages,
			metadata = excluded.metadata
	`, session.Directory, session.ID, session.CreatedAt, session.UpdatedAt, string(messages), string(metadata))
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Load returns the session for (directory, id), or ErrNotFound.
func (s *SQLiteStore) Load(ctx context.Context, directory, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT created_at, updated_at, messages, metadata
		FROM sessions WHERE directory = ? AND id = ?
	`, directory, id)

	session := &Session{Directory: directory, ID: id}
	var messages, metadata string
	err := row.Scan(&session.CreatedAt, &session.UpdatedAt, &messages, &metadata)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if err := json.Unmarshal([]byte(messages), &session.Messages); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &session.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return session, nil
}

// List returns summaries of all sessions in a directory, most recently
// updated first. Message payloads are not loaded.
func (s *SQLiteStore) List(ctx context.Context, directory string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, updated_at, metadata
		FROM sessions WHERE directory = ?
		ORDER BY updated_at DESC, id
	`, directory)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		session := &Session{Directory: directory}
		var metadata string
		if err := rows.Scan(&session.ID, &session.CreatedAt, &session.UpdatedAt, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if err := json.Unmarshal([]byte(metadata), &session.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

// Delete removes a session. Deleting a missing session is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, directory, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE directory = ? AND id = ?`, directory, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// PruneOlderThan deletes sessions not updated since cutoff.
func (s *SQLiteStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE updated_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned sessions: %w", err)
	}
	return int(n), nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
