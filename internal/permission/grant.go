// Package permission decides whether tool calls may execute. Grants are
// matched by exact call signature or by whole tool; everything else goes
// through an approval flow resolved outside the engine.
package permission

import (
	"time"
)

// GrantScope controls how long a grant survives.
type GrantScope string

const (
	// GrantScopeSession grants live in memory and end with the process.
	GrantScopeSession GrantScope = "session"

	// GrantScopePersistent grants survive restarts via a backing store.
	GrantScopePersistent GrantScope = "persistent"
)

// Grant authorizes a tool, either for every input (Signature empty) or for
// one exact call signature.
type Grant struct {
	// Tool is the tool name the grant covers.
	Tool string `json:"tool"`

	// Signature is the canonical call signature. Empty means the grant
	// covers the whole tool.
	Signature string `json:"signature,omitempty"`

	// Scope controls persistence.
	Scope GrantScope `json:"scope"`

	// CreatedAt records when the grant was issued.
	CreatedAt time.Time `json:"created_at"`
}

// CoversTool reports whether the grant authorizes every call of the tool.
func (g Grant) CoversTool() bool {
	return g.Signature == ""
}

// Matches reports whether the grant authorizes a call of the given tool
// with the given signature.
func (g Grant) Matches(tool, signature string) bool {
	if g.Tool != tool {
		return false
	}
	return g.CoversTool() || g.Signature == signature
}
