package permission

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore persists grants in PostgreSQL for deployments where several
// engine processes share one grant set.
type PostgresStore struct {
	db *sql.DB

	// Prepared statements for performance
	stmtUpsert *sql.Stmt
	stmtExists *sql.Stmt
	stmtList   *sql.Stmt
	stmtRevoke *sql.Stmt
	stmtClear  *sql.Stmt
}

// PostgresConfig holds configuration for the PostgreSQL connection.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default configuration.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// NewPostgresStore opens a connection using the given DSN and prepares the
// grant statements.
func NewPostgresStore(dsn string, config *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS grants (
			tool TEXT NOT NULL,
			signature TEXT NOT NULL DEFAULT '',
			scope TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tool, signature)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create grants table: %w", err)
	}
	return nil
}

// prepareStatements prepares all SQL statements for reuse.
func (s *PostgresStore) prepareStatements() error {
	var err error

	s.stmtUpsert, err = s.db.Prepare(`
		INSERT INTO grants (tool, signature, scope, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tool, signature) DO UPDATE SET scope = EXCLUDED.scope, created_at = EXCLUDED.created_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert grant: %w", err)
	}

	s.stmtExists, err = s.db.Prepare(`
		SELECT 1 FROM grants WHERE tool = $1 AND signature = $2
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare grant lookup: %w", err)
	}

	s.stmtList, err = s.db.Prepare(`
		SELECT tool, signature, scope, created_at FROM grants
		ORDER BY created_at, tool, signature
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare list grants: %w", err)
	}

	s.stmtRevoke, err = s.db.Prepare(`
		DELETE FROM grants WHERE tool = $1 AND signature = $2
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare revoke grant: %w", err)
	}

	s.stmtClear, err = s.db.Prepare(`
		DELETE FROM grants
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare clear grants: %w", err)
	}

	return nil
}

// GrantTool records a whole-tool grant.
func (s *PostgresStore) GrantTool(ctx context.Context, tool string, scope GrantScope) error {
	return s.upsert(ctx, tool, "", scope)
}

// GrantCall records an exact-call grant.
func (s *PostgresStore) GrantCall(ctx context.Context, tool, signature string, scope GrantScope) error {
	return s.upsert(ctx, tool, signature, scope)
}

func (s *PostgresStore) upsert(ctx context.Context, tool, signature string, scope GrantScope) error {
	if _, err := s.stmtUpsert.ExecContext(ctx, tool, signature, string(scope), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save grant: %w", err)
	}
	return nil
}

// IsToolGranted reports whether a whole-tool grant exists.
func (s *PostgresStore) IsToolGranted(ctx context.Context, tool string) (bool, error) {
	return s.exists(ctx, tool, "")
}

// IsCallGranted reports whether a grant exists for the exact signature.
func (s *PostgresStore) IsCallGranted(ctx context.Context, tool, signature string) (bool, error) {
	if signature == "" {
		return false, nil
	}
	return s.exists(ctx, tool, signature)
}

func (s *PostgresStore) exists(ctx context.Context, tool, signature string) (bool, error) {
	var one int
	err := s.stmtExists.QueryRowContext(ctx, tool, signature).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query grant: %w", err)
	}
	return true, nil
}

// List returns all grants ordered by creation time.
func (s *PostgresStore) List(ctx context.Context) ([]Grant, error) {
	rows, err := s.stmtList.QueryContext(ctx)
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
func (s *PostgresStore) Revoke(ctx context.Context, tool, signature string) (bool, error) {
	res, err := s.stmtRevoke.ExecContext(ctx, tool, signature)
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
func (s *PostgresStore) Clear(ctx context.Context) error {
	if _, err := s.stmtClear.ExecContext(ctx); err != nil {
		return fmt.Errorf("failed to clear grants: %w", err)
	}
	return nil
}

// Close closes the database connection and prepared statements.
func (s *PostgresStore) Close() error {
	var errs []error

	for _, stmt := range []*sql.Stmt{s.stmtUpsert, s.stmtExists, s.stmtList, s.stmtRevoke, s.stmtClear} {
		if stmt == nil {
			continue
		}
		if err := stmt.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
