// Package entitlement maps a plan to what an Account may do.
package entitlement

import "coachapi/internal/model"

// FreeDailyMessageLimit is the number of messages a free Account may send per UTC day.
const FreeDailyMessageLimit = 10

// Entitlements are the capability limits of a plan.
type Entitlements struct {
	// DailyMessageLimit is nil when the plan is unlimited.
	DailyMessageLimit      *int `json:"dailyMessageLimit"`
	MaxSubjects            int  `json:"maxSubjects"`
	CanUseModes            bool `json:"canUseModes"`
	CanUsePersistentMemory bool `json:"canUsePersistentMemory"`
}

// SubjectsEnabled reports whether the plan has multi-subject chat. When it
// does not, the Account uses a single persistent thread.
func (e Entitlements) SubjectsEnabled() bool {
	return e.MaxSubjects > 0
}

// For returns the entitlements of plan. Unknown plans get the free tier.
// The returned value never shares memory with another call's result.
func For(plan model.Plan) Entitlements {
	switch model.ParsePlan(string(plan)) {
	case model.PlanStarter:
		return Entitlements{MaxSubjects: 0, CanUseModes: false, CanUsePersistentMemory: true}
	case model.PlanPro:
		return Entitlements{MaxSubjects: 20, CanUseModes: true, CanUsePersistentMemory: true}
	case model.PlanElite:
		return Entitlements{MaxSubjects: 100, CanUseModes: true, CanUsePersistentMemory: true}
	default:
		limit := FreeDailyMessageLimit
		return Entitlements{DailyMessageLimit: &limit, MaxSubjects: 0, CanUseModes: false, CanUsePersistentMemory: true}
	}
}
