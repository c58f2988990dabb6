package models

import (
	"fmt"
	"strings"
)

// ValidationError reports a malformed input or a malformed stored row. Rows that
// fail validation at the store boundary are rejected rather than propagated.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e Effect) Valid() bool {
	return e == EffectAllow || e == EffectDeny
}

func (s Sensitivity) Valid() bool {
	switch s {
	case SensitivityPublic, SensitivityInternal, SensitivityConfidential, SensitivityRestricted:
		return true
	default:
		return false
	}
}

func (d Duration) Valid() bool {
	switch d {
	case DurationOneTime, Duration30Days, Duration60Days, Duration90Days, DurationCustom, DurationPermanent:
		return true
	default:
		return false
	}
}

func (s WaiverStatus) Valid() bool {
	switch s {
	case WaiverPending, WaiverActive, WaiverExpired, WaiverDenied, WaiverRevoked:
		return true
	default:
		return false
	}
}

func (r RiskLevel) Valid() bool {
	return r == RiskLow || r == RiskMedium || r == RiskHigh
}

// Validate checks a policy record. Called both on API input and on rows read
// back from the store.
func (p Policy) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	if strings.TrimSpace(p.ResourceType) == "" {
		return &ValidationError{Field: "resource_type", Reason: "required"}
	}
	if strings.TrimSpace(p.Action) == "" {
		return &ValidationError{Field: "action", Reason: "required"}
	}
	if !p.Effect.Valid() {
		return &ValidationError{Field: "effect", Reason: "must be allow or deny"}
	}
	if !p.Sensitivity.Valid() {
		return &ValidationError{Field: "sensitivity_level", Reason: "unknown level"}
	}
	if !p.MinimumTier.Valid() {
		return &ValidationError{Field: "minimum_tier", Reason: "unknown tier"}
	}
	if p.Immutable {
		if p.ResourceType != Wildcard || p.Action != Wildcard || p.Effect != EffectAllow {
			return &ValidationError{Field: "immutable", Reason: "only the synthetic */*/allow owner policy may be immutable"}
		}
	}
	return nil
}

// Validate checks a waiver record read back from the store.
func (w ExceptionWaiver) Validate() error {
	if strings.TrimSpace(w.PolicyID) == "" {
		return &ValidationError{Field: "policy_id", Reason: "required"}
	}
	if strings.TrimSpace(w.RequestedBy) == "" {
		return &ValidationError{Field: "requested_by", Reason: "required"}
	}
	if strings.TrimSpace(w.Reason) == "" {
		return &ValidationError{Field: "reason", Reason: "required"}
	}
	if !w.Duration.Valid() {
		return &ValidationError{Field: "duration", Reason: "unknown duration"}
	}
	if !w.Status.Valid() {
		return &ValidationError{Field: "status", Reason: "unknown status"}
	}
	if !w.Risk.Valid() {
		return &ValidationError{Field: "risk_level", Reason: "unknown risk level"}
	}
	return nil
}
