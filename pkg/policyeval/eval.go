// Package policyeval implements the tier/waiver decision function. Evaluate is
// pure over its snapshot inputs so callers can memoize results behind a short
// TTL; one-time waiver consumption is reported back rather than applied here.
package policyeval

import (
	"sort"
	"time"

	"rkbac/pkg/models"
	"rkbac/pkg/tier"
	"rkbac/pkg/waiverfsm"
)

const (
	ReasonOwner     = "OWNER_OVERRIDE"
	ReasonPolicy    = "POLICY_MATCH"
	ReasonWaiver    = "WAIVER_GRANT"
	ReasonNoMatch   = "NO_MATCH"
	ReasonTierShort = "TIER_INSUFFICIENT"
)

type Decision struct {
	Effect          models.Effect `json:"effect"`
	MatchedPolicyID string        `json:"matched_policy_id,omitempty"`
	ViaWaiverID     string        `json:"via_waiver_id,omitempty"`
	ReasonCode      string        `json:"reason_code"`

	// ConsumedWaiverID is set when the grant came through a one-time waiver.
	// The caller must transition that waiver to expired; evaluation itself
	// writes nothing.
	ConsumedWaiverID string `json:"-"`
}

// Evaluate decides (resourceType, action) for an actor against a snapshot of
// policies and the actor's waivers. Fail-closed: absence of an explicit allow
// is a deny.
func Evaluate(actor models.Actor, resourceType, action string, policies []models.Policy, waivers []models.ExceptionWaiver, now time.Time) Decision {
	if actor.Tier == tier.Owner {
		return Decision{
			Effect:          models.EffectAllow,
			MatchedPolicyID: ownerPolicyID(policies),
			ReasonCode:      ReasonOwner,
		}
	}

	selected, ok := selectPolicy(policies, resourceType, action)
	if !ok {
		return Decision{Effect: models.EffectDeny, ReasonCode: ReasonNoMatch}
	}

	if tier.MoreOrEquallyPrivileged(actor.Tier, selected.MinimumTier) {
		return Decision{
			Effect:          selected.Effect,
			MatchedPolicyID: selected.ID,
			ReasonCode:      ReasonPolicy,
		}
	}

	for _, w := range waivers {
		if w.PolicyID != selected.ID || w.RequestedBy != actor.ID {
			continue
		}
		if !waiverfsm.Usable(w, now) {
			continue
		}
		d := Decision{
			Effect:          models.EffectAllow,
			MatchedPolicyID: selected.ID,
			ViaWaiverID:     w.ID,
			ReasonCode:      ReasonWaiver,
		}
		if w.Duration == models.DurationOneTime {
			d.ConsumedWaiverID = w.ID
		}
		return d
	}

	return Decision{
		Effect:          models.EffectDeny,
		MatchedPolicyID: selected.ID,
		ReasonCode:      ReasonTierShort,
	}
}

// specificity ranks a candidate match: exact resource+action beats
// resource-exact/action-wildcard beats resource-wildcard/action-exact beats
// both-wildcard. Higher is more specific.
func specificity(p models.Policy) int {
	switch {
	case p.ResourceType != models.Wildcard && p.Action != models.Wildcard:
		return 3
	case p.ResourceType != models.Wildcard:
		return 2
	case p.Action != models.Wildcard:
		return 1
	default:
		return 0
	}
}

func matches(p models.Policy, resourceType, action string) bool {
	if !p.Active {
		return false
	}
	if p.ResourceType != models.Wildcard && p.ResourceType != resourceType {
		return false
	}
	if p.Action != models.Wildcard && p.Action != action {
		return false
	}
	return true
}

func selectPolicy(policies []models.Policy, resourceType, action string) (models.Policy, bool) {
	candidates := make([]models.Policy, 0, 4)
	for _, p := range policies {
		if matches(p, resourceType, action) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return models.Policy{}, false
	}
	// Most specific first; deny beats allow within a specificity tie, then
	// id for a stable order.
	sort.Slice(candidates, func(i, j int) bool {
		si, sj := specificity(candidates[i]), specificity(candidates[j])
		if si != sj {
			return si > sj
		}
		if candidates[i].Effect != candidates[j].Effect {
			return candidates[i].Effect == models.EffectDeny
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0], true
}

func ownerPolicyID(policies []models.Policy) string {
	for _, p := range policies {
		if p.Immutable {
			return p.ID
		}
	}
	return ""
}
