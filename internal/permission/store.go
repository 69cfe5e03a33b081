package permission

import (
	"context"
	"sync"
	"time"
)

// Store persists grants. Implementations must provide read-your-writes
// consistency within a process: a grant saved through a store is visible to
// every subsequent check through the same store.
type Store interface {
	// GrantTool records a whole-tool grant.
	GrantTool(ctx context.Context, tool string, scope GrantScope) error

	// GrantCall records an exact-call grant for one signature.
	GrantCall(ctx context.Context, tool, signature string, scope GrantScope) error

	// IsToolGranted reports whether a whole-tool grant exists.
	IsToolGranted(ctx context.Context, tool string) (bool, error)

	// IsCallGranted reports whether a grant exists for the exact signature.
	IsCallGranted(ctx context.Context, tool, signature string) (bool, error)

	// List returns all grants.
	List(ctx context.Context) ([]Grant, error)

	// Revoke removes the grant for (tool, signature); an empty signature
	// removes the whole-tool grant. Returns whether a grant was removed.
	Revoke(ctx context.Context, tool, signature string) (bool, error)

	// Clear removes all grants.
	Clear(ctx context.Context) error
}

// MemoryStore is a thread-safe in-memory grant store.
type MemoryStore struct {
	mu     sync.RWMutex
	grants map[string][]Grant // tool -> grants
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		grants: make(map[string][]Grant),
	}
}

// GrantTool records a whole-tool grant.
func (s *MemoryStore) GrantTool(ctx context.Context, tool string, scope GrantScope) error {
	return s.save(Grant{Tool: tool, Scope: scope, CreatedAt: time.Now()})
}

// GrantCall records an exact-call grant.
func (s *MemoryStore) GrantCall(ctx context.Context, tool, signature string, scope GrantScope) error {
	return s.save(Grant{Tool: tool, Signature: signature, Scope: scope, CreatedAt: time.Now()})
}

func (s *MemoryStore) save(g Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.grants[g.Tool]
	for i, other := range existing {
		if other.Signature == g.Signature {
			existing[i] = g
			return nil
		}
	}
	s.grants[g.Tool] = append(existing, g)
	return nil
}

// IsToolGranted reports whether a whole-tool grant exists.
func (s *MemoryStore) IsToolGranted(ctx context.Context, tool string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.grants[tool] {
		if g.CoversTool() {
			return true, nil
		}
	}
	return false, nil
}

// IsCallGranted reports whether a grant exists for the exact signature.
func (s *MemoryStore) IsCallGranted(ctx context.Context, tool, signature string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.grants[tool] {
		if !g.CoversTool() && g.Signature == signature {
			return true, nil
		}
	}
	return false, nil
}

// List returns all grants sorted by insertion order per tool.
func (s *MemoryStore) List(ctx context.Context) ([]Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Grant
	for _, grants := range s.grants {
		out = append(out, grants...)
	}
	return out, nil
}

// Revoke removes the grant for (tool, signature).
func (s *MemoryStore) Revoke(ctx context.Context, tool, signature string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.grants[tool]
	kept := existing[:0]
	removed := false
	for _, g := range existing {
		if g.Signature == signature {
			removed = true
			continue
		}
		kept = append(kept, g)
	}
	if len(kept) == 0 {
		delete(s.grants, tool)
	} else {
		s.grants[tool] = kept
	}
	return removed, nil
}

// Clear removes all grants.
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants = make(map[string][]Grant)
	return nil
}
