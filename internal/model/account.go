package model

import (
	"encoding/base64"
	"strings"
	"time"
)

// Account is the canonical record that entitlements hang off. It is keyed by
// a sanitized session identifier.
type Account struct {
	SessionID string `db:"session_id" json:"session_id"`
	Plan      Plan   `db:"plan" json:"plan"`

	AuthEmail  *string `db:"auth_email" json:"auth_email,omitempty"`
	AuthUserID *string `db:"auth_user_id" json:"auth_user_id,omitempty"`

	StripeCustomerID         *string    `db:"stripe_customer_id" json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID     *string    `db:"stripe_subscription_id" json:"stripe_subscription_id,omitempty"`
	StripeSubscriptionStatus *string    `db:"stripe_subscription_status" json:"stripe_subscription_status,omitempty"`
	StripeCurrentPeriodEnd   *time.Time `db:"stripe_current_period_end" json:"stripe_current_period_end,omitempty"`
	// StripeEventAt is the creation time of the last billing event applied.
	StripeEventAt *time.Time `db:"stripe_event_at" json:"-"`

	Name               *string `db:"name" json:"name,omitempty"`
	PrimaryFocus       *string `db:"primary_focus" json:"primary_focus,omitempty"`
	PreferredMode      *string `db:"preferred_mode" json:"preferred_mode,omitempty"`
	Goal30             *string `db:"goal_30" json:"goal_30,omitempty"`
	OnboardingComplete bool    `db:"onboarding_complete" json:"onboarding_complete"`
	OnboardingSkipped  bool    `db:"onboarding_skipped" json:"onboarding_skipped"`

	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
	LastSeenAt time.Time `db:"last_seen_at" json:"last_seen_at"`
}

// IsPaid is the paid-precedence predicate: a non-free plan or any customer id.
func (a *Account) IsPaid() bool {
	if a == nil {
		return false
	}
	if ParsePlan(string(a.Plan)) != PlanFree {
		return true
	}
	return a.StripeCustomerID != nil && strings.TrimSpace(*a.StripeCustomerID) != ""
}

// EmailLink points a normalized email at its preferred Account.
type EmailLink struct {
	Email      string    `db:"email" json:"email"`
	SessionID  string    `db:"session_id" json:"session_id"`
	AuthUserID *string   `db:"auth_user_id" json:"auth_user_id,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

var keyReplacer = strings.NewReplacer("/", "_", "\\", "_", "?", "_", "#", "_", "%", "_")

// SanitizeKey makes an externally supplied identifier safe to use as a
// storage key.
func SanitizeKey(raw string) string {
	return keyReplacer.Replace(strings.TrimSpace(raw))
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// EmailLinkKey is the storage key of the link for email: unpadded base64url
// of the normalized address.
func EmailLinkKey(email string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(NormalizeEmail(email)))
}

// ProfileUpdate carries onboarding fields. Nil fields are left untouched.
type ProfileUpdate struct {
	Name               *string
	PrimaryFocus       *string
	PreferredMode      *string
	Goal30             *string
	OnboardingComplete *bool
	OnboardingSkipped  *bool
}

// BillingPatch is a field-level merge of payment state onto an Account.
// Nil fields are left untouched.
type BillingPatch struct {
	Plan               *Plan
	CustomerID         *string
	SubscriptionID     *string
	SubscriptionStatus *string
	CurrentPeriodEnd   *time.Time
	AuthEmail          *string
	// EventAt is the provider's creation time of the event being applied.
	// Patches older than the Account's last applied event are skipped.
	EventAt time.Time
}
