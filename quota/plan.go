package quota

import (
	"fmt"
	"strings"
	"unicode"
)

// Plan is the billing tier an identity belongs to.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanPremium Plan = "premium"
)

// maxIdentityLen bounds identities so a hostile caller cannot grow the usage
// map with arbitrarily large keys.
const maxIdentityLen = 256

// ParsePlan maps an external plan name to a Plan. Guests are on the free tier.
func ParsePlan(s string) (Plan, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "free", "guest":
		return PlanFree, nil
	case "premium":
		return PlanPremium, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPlan, s)
	}
}

// Exempt reports whether the plan bypasses quota enforcement.
func (p Plan) Exempt() bool {
	return p == PlanPremium
}

// ValidateIdentity returns an *InvalidIdentityError for identities that cannot
// be tracked.
func ValidateIdentity(identity string) error {
	switch {
	case strings.TrimSpace(identity) == "":
		return &InvalidIdentityError{Identity: identity, Reason: "empty"}
	case len(identity) > maxIdentityLen:
		return &InvalidIdentityError{Identity: identity[:32] + "...", Reason: "too long"}
	case strings.IndexFunc(identity, unicode.IsControl) >= 0:
		return &InvalidIdentityError{Identity: identity, Reason: "contains control characters"}
	}
	return nil
}
