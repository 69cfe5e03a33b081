package permission

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

// setupPostgresStore creates a store over a mock connection with all
// statements prepared.
func setupPostgresStore(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresStore) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}

	mock.ExpectPrepare("INSERT INTO grants")
	mock.ExpectPrepare("SELECT 1 FROM grants")
	mock.ExpectPrepare("SELECT tool, signature, scope, created_at FROM grants")
	mock.ExpectPrepare("DELETE FROM grants WHERE")
	mock.ExpectPrepare("DELETE FROM grants")

	store := &PostgresStore{db: db}
	if err := store.prepareStatements(); err != nil {
		t.Fatalf("failed to prepare statements: %v", err)
	}
	return db, mock, store
}

func TestPostgresStore_GrantCall(t *testing.T) {
	db, mock, store := setupPostgresStore(t)
	defer db.Close()

	mock.ExpectExec("INSERT INTO grants").
		WithArgs("shell", "sig-1", "session", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.GrantCall(context.Background(), "shell", "sig-1", GrantScopeSession); err != nil {
		t.Fatalf("failed to grant call: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_GrantTool(t *testing.T) {
	db, mock, store := setupPostgresStore(t)
	defer db.Close()

	mock.ExpectExec("INSERT INTO grants").
		WithArgs("clock", "", "persistent", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.GrantTool(context.Background(), "clock", GrantScopePersistent); err != nil {
		t.Fatalf("failed to grant tool: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_IsToolGranted(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(sqlmock.Sqlmock)
		want      bool
		wantErr   bool
	}{
		{
			name: "granted",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT 1 FROM grants").
					WithArgs("clock", "").
					WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
			},
			want: true,
		},
		{
			name: "not granted",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT 1 FROM grants").
					WithArgs("clock", "").
					WillReturnRows(sqlmock.NewRows([]string{"1"}))
			},
			want: false,
		},
		{
			name: "database error",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT 1 FROM grants").
					WithArgs("clock", "").
					WillReturnError(errors.New("connection refused"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, store := setupPostgresStore(t)
			defer db.Close()

			tt.setupMock(mock)

			got, err := store.IsToolGranted(context.Background(), "clock")
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("failed to check grant: %v", err)
			}
			if got != tt.want {
				t.Errorf("IsToolGranted = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPostgresStore_IsCallGranted_EmptySignatureShortCircuits(t *testing.T) {
	db, _, store := setupPostgresStore(t)
	defer db.Close()

	// No query expectation: the empty signature must never hit the database.
	granted, err := store.IsCallGranted(context.Background(), "shell", "")
	if err != nil {
		t.Fatalf("failed to check grant: %v", err)
	}
	if granted {
		t.Error("empty signature reported granted")
	}
}

func TestPostgresStore_List(t *testing.T) {
	db, mock, store := setupPostgresStore(t)
	defer db.Close()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"tool", "signature", "scope", "created_at"}).
		AddRow("clock", "", "persistent", now).
		AddRow("shell", "sig-1", "session", now)
	mock.ExpectQuery("SELECT tool, signature, scope, created_at FROM grants").
		WillReturnRows(rows)

	grants, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("failed to list grants: %v", err)
	}
	if len(grants) != 2 {
		t.Fatalf("expected 2 grants, got %d", len(grants))
	}
	if grants[0].Tool != "clock" || !grants[0].CoversTool() {
		t.Errorf("unexpected first grant: %+v", grants[0])
	}
	if grants[1].Signature != "sig-1" || grants[1].Scope != GrantScopeSession {
		t.Errorf("unexpected second grant: %+v", grants[1])
	}
}

func TestPostgresStore_Revoke(t *testing.T) {
	tests := []struct {
		name string
		rows int64
		want bool
	}{
		{name: "removed", rows: 1, want: true},
		{name: "absent", rows: 0, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, store := setupPostgresStore(t)
			defer db.Close()

			mock.ExpectExec("DELETE FROM grants WHERE").
				WithArgs("shell", "sig-1").
				WillReturnResult(sqlmock.NewResult(0, tt.rows))

			removed, err := store.Revoke(context.Background(), "shell", "sig-1")
			if err != nil {
				t.Fatalf("failed to revoke: %v", err)
			}
			if removed != tt.want {
				t.Errorf("Revoke = %v, want %v", removed, tt.want)
			}
		})
	}
}

func TestPostgresStore_GrantErrorWrapped(t *testing.T) {
	db, mock, store := setupPostgresStore(t)
	defer db.Close()

	mock.ExpectExec("INSERT INTO grants").
		WillReturnError(errors.New("connection refused"))

	err := store.GrantTool(context.Background(), "clock", GrantScopeSession)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "failed to save grant") {
		t.Errorf("expected wrapped error, got %v", err)
	}
}
