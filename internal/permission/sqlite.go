package permission

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStore persists grants in a SQLite database. Session-scoped grants are
// stored alongside persistent ones but tagged so callers can expire them.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the grant database at path and
// runs migrations. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open grant database: %w", err)
	}
	// SQLite only supports one writer; serialize access through a single
	// connection so concurrent grants do not race on SQLITE_BUSY.
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
		CREATE TABLE IF NOT EXISTS grants (
			tool TEXT NOT NULL,
			signature TEXT NOT NULL DEFAULT '',
			scope TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (tool, signature)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create grants table: %w", err)
	}
	return nil
}

// GrantTool records a whole-tool grant.
func (s *SQLiteStore) GrantTool(ctx context.Context, tool string, scope GrantScope) error {
	return s.upsert(ctx, tool, "", scope)
}

// GrantCall records an exact-call grant.
func (s *SQLiteStore) GrantCall(ctx context.Context, tool, signature string, scope GrantScope) error {
	return s.upsert(ctx, tool, signature, scope)
}

func (s *SQLiteStore) upsert(ctx context.Context, tool, signature string, scope GrantScope) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO grants (tool, signature, scope, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tool, signature) DO UPDATE SET scope = excluded.scope, created_at = excluded.created_at
	`, tool, signature, string(scope), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save grant: %w", err)
	}
	return nil
}

// IsToolGranted reports whether a whole-tool grant exists.
func (s *SQLiteStore) IsToolGranted(ctx context.Context, tool string) (bool, error) {
	return s.exists(ctx, tool, "")
}

// IsCallGranted reports whether a grant exists for the exact signature.
func (s *SQLiteStore) IsCallGranted(ctx context.Context, tool, signature string) (bool, error) {
	if signature == "" {
		return false, nil
	}
	return s.exists(ctx, tool, signature)
}

func (s *SQLiteStore) exists(ctx context.Context, tool, signature string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM grants WHERE tool = ? AND signature = ?`,
		tool, signature,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query grant: %w", err)
	}
	return true, nil
}

// List returns all grants ordered by creation time.
func (s *SQLiteStore) List(ctx context.Context) ([]Grant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tool, signature, scope, created_at FROM grants ORDER BY created_at, tool, signature`)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	defer rows.Close()

	var out []Grant
	for rows.Next() {
		var g Grant
		var scope string
		if err := rows.Scan(&g.Tool, &g.Signature, &scope, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		g.Scope = GrantScope(scope)
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read grants: %w", err)
	}
	return out, nil
}

// Revoke removes the grant for (tool, signature).
func (s *SQLiteStore) Revoke(ctx context.Context, tool, signature string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM grants WHERE tool = ? AND signature = ?`, tool, signature)
	if err != nil {
		return false, fmt.Errorf("failed to revoke grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to count revoked grants: %w", err)
	}
	return n > 0, nil
}

// Clear removes all grants.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM grants`); err != nil {
		return fmt.Errorf("failed to clear grants: %w", err)
	}
	return nil
}

// ExpireSession removes all session-scoped grants. Called by the session
// sweeper so stale session grants do not accumulate.
func (s *SQLiteStore) ExpireSession(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM grants WHERE scope = ?`, string(GrantScopeSession))
	if err != nil {
		return 0, fmt.Errorf("failed to expire session grants: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
