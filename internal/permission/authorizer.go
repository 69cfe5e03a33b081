package permission

import (
	"context"
	"encoding/json"
	"fmt"
)

// Policy selects what happens when no grant covers a tool call.
type Policy string

const (
	// PolicyInteractive routes uncovered calls to the user for approval.
	PolicyInteractive Policy = "interactive"
	// PolicyAutoDeny denies uncovered calls without asking.
	PolicyAutoDeny Policy = "auto_deny"
)

// Outcome is the result of an authorization check.
type Outcome string

const (
	// OutcomeApproved means the call may execute immediately.
	OutcomeApproved Outcome = "approved"
	// OutcomeDenied means the call must not execute.
	OutcomeDenied Outcome = "denied"
	// OutcomeRequiresApproval means the call needs a user decision first.
	OutcomeRequiresApproval Outcome = "requires_approval"
)

// Decision carries the outcome of an authorization check together with the
// call signature it was computed for.
type Decision struct {
	Outcome   Outcome
	Signature string
	Reason    string
}

// Authorizer checks tool calls against recorded grants. An exact-call grant
// takes precedence over a whole-tool grant, which takes precedence over the
// policy default.
type Authorizer struct {
	store  Store
	policy Policy
}

// NewAuthorizer creates an authorizer backed by the given store. A nil store
// gets an in-memory one; an empty policy defaults to interactive.
func NewAuthorizer(store Store, policy Policy) *Authorizer {
	if store == nil {
		store = NewMemoryStore()
	}
	if policy == "" {
		policy = PolicyInteractive
	}
	return &Authorizer{store: store, policy: policy}
}

// Store returns the grant store backing this authorizer.
func (a *Authorizer) Store() Store {
	return a.store
}

// Authorize decides whether the call (toolName, input) may execute. The
// returned decision always carries the call signature so callers can record
// grants against it later.
func (a *Authorizer) Authorize(ctx context.Context, toolName string, input json.RawMessage) (Decision, error) {
	sig, err := Signature(toolName, input)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to compute call signature: %w", err)
	}

	granted, err := a.store.IsCallGranted(ctx, toolName, sig)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to check call grant: %w", err)
	}
	if granted {
		return Decision{Outcome: OutcomeApproved, Signature: sig, Reason: "exact call granted"}, nil
	}

	granted, err = a.store.IsToolGranted(ctx, toolName)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to check tool grant: %w", err)
	}
	if granted {
		return Decision{Outcome: OutcomeApproved, Signature: sig, Reason: "tool granted"}, nil
	}

	switch a.policy {
	case PolicyAutoDeny:
		return Decision{
			Outcome:   OutcomeDenied,
			Signature: sig,
			Reason:    fmt.Sprintf("no grant configured for tool %q", toolName),
		}, nil
	default:
		return Decision{
			Outcome:   OutcomeRequiresApproval,
			Signature: sig,
			Reason:    "no grant covers this call",
		}, nil
	}
}
