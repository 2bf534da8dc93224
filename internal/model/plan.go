package model

import "strings"

// Plan is the subscription tier of an Account.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanStarter Plan = "starter"
	PlanPro     Plan = "pro"
	PlanElite   Plan = "elite"
)

// ParsePlan coerces a stored or external value into a known plan.
// Anything unrecognised is treated as free.
func ParsePlan(s string) Plan {
	switch p := Plan(strings.ToLower(strings.TrimSpace(s))); p {
	case PlanStarter, PlanPro, PlanElite:
		return p
	default:
		return PlanFree
	}
}

// IsPaidTier reports whether p is one of the paid tiers.
func (p Plan) IsPaidTier() bool {
	return ParsePlan(string(p)) != PlanFree
}

func (p Plan) String() string { return string(p) }

// PriceTable maps payment-provider price identifiers to plans.
type PriceTable map[string]Plan

// Lookup returns the plan for priceID. Unknown or empty ids are inconclusive.
func (t PriceTable) Lookup(priceID string) (Plan, bool) {
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return "", false
	}
	p, ok := t[priceID]
	return p, ok
}
