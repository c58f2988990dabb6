package models

import (
	"time"

	"rkbac/pkg/tier"
)

// Wildcard matches any resource type or action in a policy binding.
const Wildcard = "*"

type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

type Sensitivity string

const (
	SensitivityPublic       Sensitivity = "public"
	SensitivityInternal     Sensitivity = "internal"
	SensitivityConfidential Sensitivity = "confidential"
	SensitivityRestricted   Sensitivity = "restricted"
)

type Duration string

const (
	DurationOneTime   Duration = "one-time"
	Duration30Days    Duration = "30-days"
	Duration60Days    Duration = "60-days"
	Duration90Days    Duration = "90-days"
	DurationCustom    Duration = "custom"
	DurationPermanent Duration = "permanent"
)

type WaiverStatus string

const (
	WaiverPending WaiverStatus = "pending"
	WaiverActive  WaiverStatus = "active"
	WaiverExpired WaiverStatus = "expired"
	WaiverDenied  WaiverStatus = "denied"
	WaiverRevoked WaiverStatus = "revoked"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Policy binds a resource type and action to an effect and a minimum tier.
// Immutable is true only for the synthetic per-tenant owner policy granting
// */*/allow; that row can never be edited or deleted.
type Policy struct {
	ID           string      `json:"id"`
	Tenant       string      `json:"tenant"`
	Name         string      `json:"name"`
	Description  string      `json:"description,omitempty"`
	ResourceType string      `json:"resource_type"`
	Action       string      `json:"action"`
	Effect       Effect      `json:"effect"`
	Sensitivity  Sensitivity `json:"sensitivity_level"`
	MinimumTier  tier.Tier   `json:"minimum_tier"`
	Active       bool        `json:"active"`
	Immutable    bool        `json:"immutable"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// ExceptionWaiver is a time-bounded, actor-scoped override of one policy.
type ExceptionWaiver struct {
	ID          string       `json:"id"`
	Tenant      string       `json:"tenant"`
	PolicyID    string       `json:"policy_id"`
	RequestedBy string       `json:"requested_by"`
	Department  string       `json:"department"`
	Reason      string       `json:"reason"`
	Duration    Duration     `json:"duration"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
	Status      WaiverStatus `json:"status"`
	ApprovedBy  string       `json:"approved_by,omitempty"`
	Risk        RiskLevel    `json:"risk_level"`
	RequestedAt time.Time    `json:"requested_at"`
	DecidedAt   *time.Time   `json:"decided_at,omitempty"`
}

// Actor is the requesting principal as attested by the identity provider.
// Tier is trusted ground truth; this service never derives it.
type Actor struct {
	ID         string    `json:"id"`
	Tenant     string    `json:"tenant"`
	Tier       tier.Tier `json:"tier"`
	Department string    `json:"department"`
}

type Department struct {
	ID          string    `json:"id"`
	Tenant      string    `json:"tenant"`
	Name        string    `json:"name"`
	Icon        string    `json:"icon,omitempty"`
	DefaultTier tier.Tier `json:"default_tier"`
}

// ClassifyRisk scores how far a waiver deviates from the actor's default
// tier-granted access. Restricted data or a two-level tier gap is high,
// confidential data or a one-level gap is medium, anything else is low.
func ClassifyRisk(p Policy, actorTier tier.Tier) RiskLevel {
	gap := tier.Gap(actorTier, p.MinimumTier)
	if p.Sensitivity == SensitivityRestricted || gap >= 2 {
		return RiskHigh
	}
	if p.Sensitivity == SensitivityConfidential || gap == 1 {
		return RiskMedium
	}
	return RiskLow
}

// ExpiryFor derives expires_at from a duration at approval time. One-time and
// permanent waivers carry no timestamp; one-time expiry is enforced on first
// consumption by the evaluator. Custom durations use the caller-supplied
// timestamp, which the lifecycle validates to be in the future.
func ExpiryFor(d Duration, approvedAt time.Time, custom *time.Time) *time.Time {
	switch d {
	case Duration30Days:
		t := approvedAt.Add(30 * 24 * time.Hour)
		return &t
	case Duration60Days:
		t := approvedAt.Add(60 * 24 * time.Hour)
		return &t
	case Duration90Days:
		t := approvedAt.Add(90 * 24 * time.Hour)
		return &t
	case DurationCustom:
		return custom
	default:
		return nil
	}
}
