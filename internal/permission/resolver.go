package permission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultApprovalTimeout is how long a proposal waits for a user decision
// before it is denied.
const DefaultApprovalTimeout = 5 * time.Minute

// ErrUnknownProposal is returned when resolving a proposal that was never
// created, already resolved, or timed out.
var ErrUnknownProposal = errors.New("unknown approval proposal")

// ResolutionKind is the user's answer to an approval proposal.
type ResolutionKind string

const (
	// ResolutionApproveOnce allows this single call without recording a grant.
	ResolutionApproveOnce ResolutionKind = "approve_once"
	// ResolutionTrustCall records an exact-call grant, then allows the call.
	ResolutionTrustCall ResolutionKind = "trust_call"
	// ResolutionTrustTool records a whole-tool grant, then allows the call.
	ResolutionTrustTool ResolutionKind = "trust_tool"
	// ResolutionDeny refuses the call.
	ResolutionDeny ResolutionKind = "deny"
)

// Allows reports whether the resolution permits the call to execute.
func (k ResolutionKind) Allows() bool {
	return k == ResolutionApproveOnce || k == ResolutionTrustCall || k == ResolutionTrustTool
}

// Resolution is a decided answer for one proposal.
type Resolution struct {
	Kind   ResolutionKind `json:"kind"`
	Scope  GrantScope     `json:"scope,omitempty"`
	Reason string         `json:"reason,omitempty"`
}

// Proposal is a tool call waiting for a user decision.
type Proposal struct {
	ID        string          `json:"id"`
	CallID    string          `json:"call_id"`
	Tool      string          `json:"tool"`
	Signature string          `json:"signature"`
	Input     json.RawMessage `json:"input,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type pendingProposal struct {
	proposal Proposal
	ch       chan Resolution
	resolved bool
}

// Resolver tracks in-flight approval proposals and hands each one exactly one
// resolution. Trust resolutions persist their grant before the waiting caller
// is released, so the grant is visible to the call that triggered it.
type Resolver struct {
	mu      sync.Mutex
	store   Store
	pending map[string]*pendingProposal
	timeout time.Duration
}

// NewResolver creates a resolver that records trust grants in store. A zero
// timeout defaults to DefaultApprovalTimeout.
func NewResolver(store Store, timeout time.Duration) *Resolver {
	if store == nil {
		store = NewMemoryStore()
	}
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	return &Resolver{
		store:   store,
		pending: make(map[string]*pendingProposal),
		timeout: timeout,
	}
}

// Propose registers a new proposal for the given call and returns it. Two
// calls with the same signature produce independent proposals.
func (r *Resolver) Propose(tool, callID, signature string, input json.RawMessage) Proposal {
	p := Proposal{
		ID:        uuid.New().String(),
		CallID:    callID,
		Tool:      tool,
		Signature: signature,
		Input:     input,
		CreatedAt: time.Now(),
	}

	r.mu.Lock()
	r.pending[p.ID] = &pendingProposal{
		proposal: p,
		ch:       make(chan Resolution, 1),
	}
	r.mu.Unlock()

	return p
}

// Await blocks until the proposal is resolved, the timeout elapses, or ctx is
// cancelled. A timeout yields a deny resolution with reason "approval timed
// out"; cancellation returns ctx.Err(). A resolution decided before Await is
// called is delivered immediately.
func (r *Resolver) Await(ctx context.Context, proposalID string) (Resolution, error) {
	r.mu.Lock()
	entry, ok := r.pending[proposalID]
	r.mu.Unlock()
	if !ok {
		return Resolution{}, ErrUnknownProposal
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case res := <-entry.ch:
		r.remove(proposalID)
		return res, nil
	case <-timer.C:
		r.expire(entry)
		return Resolution{Kind: ResolutionDeny, Reason: "approval timed out"}, nil
	case <-ctx.Done():
		r.expire(entry)
		return Resolution{}, ctx.Err()
	}
}

// Resolve answers a pending proposal. Trust resolutions persist their grant
// before the waiter is released; if persistence fails the proposal reopens so
// the decision can be retried. Each proposal accepts exactly one resolution.
func (r *Resolver) Resolve(ctx context.Context, proposalID string, res Resolution) error {
	switch res.Kind {
	case ResolutionApproveOnce, ResolutionTrustCall, ResolutionTrustTool, ResolutionDeny:
	default:
		return fmt.Errorf("unknown resolution kind %q", res.Kind)
	}

	r.mu.Lock()
	entry, ok := r.pending[proposalID]
	if !ok || entry.resolved {
		r.mu.Unlock()
		return ErrUnknownProposal
	}
	entry.resolved = true
	r.mu.Unlock()

	scope := res.Scope
	if scope == "" {
		scope = GrantScopeSession
	}

	var err error
	switch res.Kind {
	case ResolutionTrustTool:
		err = r.store.GrantTool(ctx, entry.proposal.Tool, scope)
	case ResolutionTrustCall:
		err = r.store.GrantCall(ctx, entry.proposal.Tool, entry.proposal.Signature, scope)
	}
	if err != nil {
		r.mu.Lock()
		entry.resolved = false
		r.mu.Unlock()
		return fmt.Errorf("failed to record grant: %w", err)
	}

	// The resolved flag guarantees a single sender, so the buffered send
	// never blocks even when the waiter already gave up.
	entry.ch <- res
	return nil
}

// Pending returns proposals still awaiting a decision, oldest first.
func (r *Resolver) Pending() []Proposal {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Proposal, 0, len(r.pending))
	for _, entry := range r.pending {
		if entry.resolved {
			continue
		}
		out = append(out, entry.proposal)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Resolver) remove(proposalID string) {
	r.mu.Lock()
	delete(r.pending, proposalID)
	r.mu.Unlock()
}

// expire closes out a proposal whose waiter stopped listening. Marking it
// resolved rejects late decisions.
func (r *Resolver) expire(entry *pendingProposal) {
	r.mu.Lock()
	entry.resolved = true
	delete(r.pending, entry.proposal.ID)
	r.mu.Unlock()
}
