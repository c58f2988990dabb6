package lifecycle

import (
	"fmt"

	"rkbac/pkg/models"
	"rkbac/pkg/tier"
)

// NotFoundError reports a missing policy or waiver.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// DuplicateActiveWaiverError rejects a second pending/active waiver for the
// same (actor, policy) pair. ExistingID lets the caller redirect the actor to
// the waiver already in flight instead of retrying blindly.
type DuplicateActiveWaiverError struct {
	ExistingID string
}

func (e *DuplicateActiveWaiverError) Error() string {
	return fmt.Sprintf("a pending or active waiver already exists for this actor and policy: %s", e.ExistingID)
}

// InvalidStateError reports a transition attempted from a state that does not
// permit it. The caller must refresh state; retrying as-is cannot succeed.
type InvalidStateError struct {
	From      models.WaiverStatus
	Attempted models.WaiverStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("waiver is %s, cannot transition to %s", e.From, e.Attempted)
}

// InsufficientPrivilegeError is an authorization failure, audited as a
// security-relevant event distinct from ordinary denials.
type InsufficientPrivilegeError struct {
	ActorTier    tier.Tier
	RequiredTier tier.Tier
}

func (e *InsufficientPrivilegeError) Error() string {
	return fmt.Sprintf("tier %s may not act on a policy gated at %s", e.ActorTier, e.RequiredTier)
}

// ImmutablePolicyError rejects edits or deletes of the synthetic owner policy.
type ImmutablePolicyError struct {
	PolicyID string
}

func (e *ImmutablePolicyError) Error() string {
	return fmt.Sprintf("policy %s is immutable", e.PolicyID)
}

// StoreUnavailableError wraps a transient store failure. Reads may be retried
// freely; writes only with an idempotency strategy at the caller.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }
