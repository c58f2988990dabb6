package models

import (
	"errors"
	"testing"
	"time"

	"rkbac/pkg/tier"
)

func basePolicy() Policy {
	return Policy{
		ID:           "p1",
		Tenant:       "t1",
		Name:         "export customer data",
		ResourceType: "customer_record",
		Action:       "export",
		Effect:       EffectAllow,
		Sensitivity:  SensitivityInternal,
		MinimumTier:  tier.Manager,
		Active:       true,
	}
}

func TestPolicyValidate(t *testing.T) {
	if err := basePolicy().Validate(); err != nil {
		t.Fatalf("valid policy rejected: %v", err)
	}

	p := basePolicy()
	p.ResourceType = "  "
	var fe *ValidationError
	if err := p.Validate(); !errors.As(err, &fe) || fe.Field != "resource_type" {
		t.Fatalf("expected resource_type field error, got %v", err)
	}

	p = basePolicy()
	p.Effect = "audit"
	if err := p.Validate(); !errors.As(err, &fe) || fe.Field != "effect" {
		t.Fatalf("expected effect field error, got %v", err)
	}

	p = basePolicy()
	p.Immutable = true
	if err := p.Validate(); err == nil {
		t.Fatal("immutable flag on a non-owner binding must be rejected")
	}

	p = basePolicy()
	p.Immutable = true
	p.ResourceType = Wildcard
	p.Action = Wildcard
	p.MinimumTier = tier.Owner
	if err := p.Validate(); err != nil {
		t.Fatalf("synthetic owner policy rejected: %v", err)
	}
}

func TestWaiverValidate(t *testing.T) {
	w := ExceptionWaiver{
		ID:          "w1",
		PolicyID:    "p1",
		RequestedBy: "u1",
		Reason:      "quarter-end export",
		Duration:    Duration30Days,
		Status:      WaiverPending,
		Risk:        RiskMedium,
	}
	if err := w.Validate(); err != nil {
		t.Fatalf("valid waiver rejected: %v", err)
	}
	w.Reason = "   "
	if err := w.Validate(); err == nil {
		t.Fatal("blank reason must be rejected")
	}
	w.Reason = "ok"
	w.Duration = "45-days"
	if err := w.Validate(); err == nil {
		t.Fatal("unknown duration must be rejected")
	}
}

func TestClassifyRisk(t *testing.T) {
	p := basePolicy()

	// Specialist requesting a manager-gated internal policy: gap 1.
	if got := ClassifyRisk(p, tier.Specialist); got != RiskMedium {
		t.Fatalf("risk=%v, want medium", got)
	}
	// Specialist against an owner-gated restricted policy: gap 3.
	p.MinimumTier = tier.Owner
	p.Sensitivity = SensitivityRestricted
	if got := ClassifyRisk(p, tier.Specialist); got != RiskHigh {
		t.Fatalf("risk=%v, want high", got)
	}
	// Gap >= 2 is high even for public data.
	p.Sensitivity = SensitivityPublic
	p.MinimumTier = tier.DepartmentHead
	if got := ClassifyRisk(p, tier.Specialist); got != RiskHigh {
		t.Fatalf("risk=%v, want high for gap 2", got)
	}
	// Confidential alone is medium.
	p.Sensitivity = SensitivityConfidential
	p.MinimumTier = tier.Specialist
	if got := ClassifyRisk(p, tier.Specialist); got != RiskMedium {
		t.Fatalf("risk=%v, want medium for confidential", got)
	}
	// Actor already qualifies, public data: low.
	p.Sensitivity = SensitivityPublic
	p.MinimumTier = tier.Manager
	if got := ClassifyRisk(p, tier.Manager); got != RiskLow {
		t.Fatalf("risk=%v, want low", got)
	}
}

func TestExpiryFor(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if got := ExpiryFor(Duration30Days, at, nil); got == nil || !got.Equal(at.Add(30*24*time.Hour)) {
		t.Fatalf("30-days expiry wrong: %v", got)
	}
	if got := ExpiryFor(Duration90Days, at, nil); got == nil || !got.Equal(at.Add(90*24*time.Hour)) {
		t.Fatalf("90-days expiry wrong: %v", got)
	}
	if got := ExpiryFor(DurationPermanent, at, nil); got != nil {
		t.Fatalf("permanent must have nil expiry, got %v", got)
	}
	if got := ExpiryFor(DurationOneTime, at, nil); got != nil {
		t.Fatalf("one-time must have nil expiry, got %v", got)
	}
	custom := at.Add(time.Hour)
	if got := ExpiryFor(DurationCustom, at, &custom); got == nil || !got.Equal(custom) {
		t.Fatalf("custom expiry wrong: %v", got)
	}
}
