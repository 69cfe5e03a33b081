package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore persists grants to a JSON file. Session-scoped grants live only
// in memory; persistent grants survive restarts. The file is loaded lazily on
// first access and rewritten after every mutation.
type FileStore struct {
	mu     sync.Mutex
	path   string
	loaded bool
	grants map[string][]Grant
}

// fileGrant is the on-disk representation of a persistent grant.
type fileGrant struct {
	Tool      string    `json:"tool"`
	Signature string    `json:"signature,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewFileStore creates a store backed by the JSON file at path. The file and
// its parent directories are created on first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path:   path,
		grants: make(map[string][]Grant),
	}
}

func (s *FileStore) load() error {
	if s.loaded {
		return nil
	}
	s.loaded = true

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read grants file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var stored []fileGrant
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("parse grants file %s: %w", s.path, err)
	}
	for _, fg := range stored {
		g := Grant{
			Tool:      fg.Tool,
			Signature: fg.Signature,
			Scope:     GrantScopePersistent,
			CreatedAt: fg.CreatedAt,
		}
		s.grants[g.Tool] = append(s.grants[g.Tool], g)
	}
	return nil
}

func (s *FileStore) flush() error {
	var stored []fileGrant
	for _, grants := range s.grants {
		for _, g := range grants {
			if g.Scope != GrantScopePersistent {
				continue
			}
			stored = append(stored, fileGrant{
				Tool:      g.Tool,
				Signature: g.Signature,
				CreatedAt: g.CreatedAt,
			})
		}
	}

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("encode grants: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create grants directory: %w", err)
		}
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write grants file: %w", err)
	}
	return nil
}

// GrantTool records a whole-tool grant.
func (s *FileStore) GrantTool(ctx context.Context, tool string, scope GrantScope) error {
	return s.saveGrant(Grant{Tool: tool, Scope: scope, CreatedAt: time.Now()})
}

// GrantCall records an exact-call grant.
func (s *FileStore) GrantCall(ctx context.Context, tool, signature string, scope GrantScope) error {
	return s.saveGrant(Grant{Tool: tool, Signature: signature, Scope: scope, CreatedAt: time.Now()})
}

func (s *FileStore) saveGrant(g Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return err
	}

	existing := s.grants[g.Tool]
	replaced := false
	for i, other := range existing {
		if other.Signature == g.Signature {
			existing[i] = g
			replaced = true
			break
		}
	}
	if !replaced {
		s.grants[g.Tool] = append(existing, g)
	}

	if g.Scope == GrantScopePersistent {
		return s.flush()
	}
	return nil
}

// IsToolGranted reports whether a whole-tool grant exists.
func (s *FileStore) IsToolGranted(ctx context.Context, tool string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return false, err
	}
	for _, g := range s.grants[tool] {
		if g.CoversTool() {
			return true, nil
		}
	}
	return false, nil
}

// IsCallGranted reports whether a grant exists for the exact signature.
func (s *FileStore) IsCallGranted(ctx context.Context, tool, signature string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return false, err
	}
	for _, g := range s.grants[tool] {
		if !g.CoversTool() && g.Signature == signature {
			return true, nil
		}
	}
	return false, nil
}

// List returns all grants.
func (s *FileStore) List(ctx context.Context) ([]Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil, err
	}
	var out []Grant
	for _, grants := range s.grants {
		out = append(out, grants...)
	}
	return out, nil
}

// Revoke removes the grant for (tool, signature).
func (s *FileStore) Revoke(ctx context.Context, tool, signature string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return false, err
	}

	existing := s.grants[tool]
	kept := existing[:0]
	removed := false
	removedPersistent := false
	for _, g := range existing {
		if g.Signature == signature {
			removed = true
			if g.Scope == GrantScopePersistent {
				removedPersistent = true
			}
			continue
		}
		kept = append(kept, g)
	}
	if len(kept) == 0 {
		delete(s.grants, tool)
	} else {
		s.grants[tool] = kept
	}

	if removedPersistent {
		if err := s.flush(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Clear removes all grants, including persisted ones.
func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = true
	s.grants = make(map[string][]Grant)
	return s.flush()
}
