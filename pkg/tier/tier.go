package tier

import (
	"fmt"
	"strings"
)

// Tier is the ordered privilege level of an actor. Lower ordinal means more
// privilege. Comparisons must go through this package, never string equality.
type Tier int

const (
	Owner          Tier = 1
	DepartmentHead Tier = 2
	Manager        Tier = 3
	Specialist     Tier = 4
)

func (t Tier) String() string {
	switch t {
	case Owner:
		return "owner"
	case DepartmentHead:
		return "department_head"
	case Manager:
		return "manager"
	case Specialist:
		return "specialist"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

func (t Tier) Valid() bool {
	return t >= Owner && t <= Specialist
}

// Parse accepts the wire names used in tokens and stored rows.
func Parse(raw string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "owner":
		return Owner, nil
	case "department_head", "departmenthead", "dept_head":
		return DepartmentHead, nil
	case "manager":
		return Manager, nil
	case "specialist":
		return Specialist, nil
	default:
		return 0, fmt.Errorf("unknown tier %q", raw)
	}
}

// MoreOrEquallyPrivileged reports whether a is at least as privileged as b.
func MoreOrEquallyPrivileged(a, b Tier) bool {
	return a <= b
}

// StrictlyMorePrivileged reports whether a outranks b.
func StrictlyMorePrivileged(a, b Tier) bool {
	return a < b
}

// CanApprove reports whether an approver may grant a waiver against a policy
// gated at minTier. Owners may always approve, including Owner-gated policies,
// to support delegation during absence.
func CanApprove(approver, minTier Tier) bool {
	if approver == Owner {
		return true
	}
	return StrictlyMorePrivileged(approver, minTier)
}

// Gap returns how many levels the actor sits below the policy gate.
// Positive means the actor does not qualify by tier alone.
func Gap(actor, minTier Tier) int {
	return int(actor) - int(minTier)
}
