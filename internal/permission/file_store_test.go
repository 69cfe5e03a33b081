package permission

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFileStore_PersistentGrantSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "grants.json")

	store := NewFileStore(path)
	if err := store.GrantTool(ctx, "clock", GrantScopePersistent); err != nil {
		t.Fatalf("failed to grant: %v", err)
	}
	if err := store.GrantCall(ctx, "shell", "sig-1", GrantScopePersistent); err != nil {
		t.Fatalf("failed to grant: %v", err)
	}

	reopened := NewFileStore(path)

	toolGranted, err := reopened.IsToolGranted(ctx, "clock")
	if err != nil {
		t.Fatalf("failed to check tool grant: %v", err)
	}
	if !toolGranted {
		t.Error("persistent tool grant lost across reopen")
	}

	callGranted, err := reopened.IsCallGranted(ctx, "shell", "sig-1")
	if err != nil {
		t.Fatalf("failed to check call grant: %v", err)
	}
	if !callGranted {
		t.Error("persistent call grant lost across reopen")
	}
}

func TestFileStore_SessionGrantNotPersisted(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "grants.json")

	store := NewFileStore(path)
	if err := store.GrantTool(ctx, "clock", GrantScopeSession); err != nil {
		t.Fatalf("failed to grant: %v", err)
	}

	// Visible in the same process.
	granted, err := store.IsToolGranted(ctx, "clock")
	if err != nil {
		t.Fatalf("failed to check grant: %v", err)
	}
	if !granted {
		t.Error("session grant not visible in same process")
	}

	// Gone after reopen.
	reopened := NewFileStore(path)
	granted, err = reopened.IsToolGranted(ctx, "clock")
	if err != nil {
		t.Fatalf("failed to check grant: %v", err)
	}
	if granted {
		t.Error("session grant leaked to disk")
	}
}

func TestFileStore_CreatesParentDirectory(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "deep", "grants.json")

	store := NewFileStore(path)
	if err := store.GrantTool(ctx, "clock", GrantScopePersistent); err != nil {
		t.Fatalf("failed to grant: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("grants file not created: %v", err)
	}
}

func TestFileStore_ToleratesMissingAndEmptyFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	// Missing file.
	missing := NewFileStore(filepath.Join(dir, "absent.json"))
	grants, err := missing.List(ctx)
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if len(grants) != 0 {
		t.Errorf("expected no grants, got %d", len(grants))
	}

	// Empty file.
	emptyPath := filepath.Join(dir, "empty.json")
	if err := os.WriteFile(emptyPath, nil, 0o600); err != nil {
		t.Fatalf("failed to create empty file: %v", err)
	}
	empty := NewFileStore(emptyPath)
	grants, err = empty.List(ctx)
	if err != nil {
		t.Fatalf("empty file should not error: %v", err)
	}
	if len(grants) != 0 {
		t.Errorf("expected no grants, got %d", len(grants))
	}
}

func TestFileStore_RevokePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "grants.json")

	store := NewFileStore(path)
	if err := store.GrantTool(ctx, "shell", GrantScopePersistent); err != nil {
		t.Fatalf("failed to grant: %v", err)
	}

	removed, err := store.Revoke(ctx, "shell", "")
	if err != nil {
		t.Fatalf("failed to revoke: %v", err)
	}
	if !removed {
		t.Fatal("expected revoke to report removal")
	}

	reopened := NewFileStore(path)
	granted, err := reopened.IsToolGranted(ctx, "shell")
	if err != nil {
		t.Fatalf("failed to check grant: %v", err)
	}
	if granted {
		t.Error("revoked grant resurrected after reopen")
	}
}

func TestFileStore_ClearRemovesPersisted(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "grants.json")

	store := NewFileStore(path)
	if err := store.GrantTool(ctx, "a", GrantScopePersistent); err != nil {
		t.Fatalf("failed to grant: %v", err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("failed to clear: %v", err)
	}

	reopened := NewFileStore(path)
	grants, err := reopened.List(ctx)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(grants) != 0 {
		t.Errorf("expected no grants after clear, got %d", len(grants))
	}
}

func TestFileStore_CorruptFileErrors(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "grants.json")
	if err := os.WriteFile(path, []byte("not json at all"), 0o600); err != nil {
		t.Fatalf("failed to write corrupt file: %v", err)
	}

	store := NewFileStore(path)
	if _, err := store.List(ctx); err == nil {
		t.Error("expected error for corrupt grants file")
	}
}
