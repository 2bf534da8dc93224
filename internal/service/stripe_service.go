package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"coachapi/internal/apperr"
	"coachapi/internal/config"
	"coachapi/internal/model"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
	billingsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	customerpkg "github.com/stripe/stripe-go/v82/customer"
	subscriptionpkg "github.com/stripe/stripe-go/v82/subscription"
)

// SubscriptionSnapshot is the billing state of one Stripe subscription.
type SubscriptionSnapshot struct {
	ID               string
	CustomerID       string
	Status           string
	PriceID          string
	CurrentPeriodEnd *time.Time
}

// SubscriptionFetcher loads a subscription from the payment provider.
type SubscriptionFetcher interface {
	FetchSubscription(ctx context.Context, subscriptionID string) (*SubscriptionSnapshot, error)
}

// CheckoutInput describes the account starting a paid checkout.
type CheckoutInput struct {
	SessionID  string
	Plan       model.Plan
	Email      string
	CustomerID string
}

// BillingPortal starts hosted checkout and customer portal sessions.
type BillingPortal interface {
	CreateCheckoutSession(ctx context.Context, in CheckoutInput) (string, error)
	CreatePortalSession(ctx context.Context, customerID string) (string, error)
}

// StripeService talks to the Stripe API: hosted checkout and portal,
// customer search for identity recovery, subscription lookups.
type StripeService struct {
	cfg    *config.Config
	logger zerolog.Logger
}

// NewStripeService initializes Stripe key and returns service with a scoped logger
func NewStripeService(cfg *config.Config, logger zerolog.Logger) *StripeService {
	stripe.Key = cfg.StripeSecretKey
	lg := logger.With().Str("service", "StripeService").Logger()
	return &StripeService{cfg: cfg, logger: lg}
}

// FindCustomerIDsByEmail lists the ids of Stripe customers registered with email.
func (s *StripeService) FindCustomerIDsByEmail(ctx context.Context, email string) ([]string, error) {
	email = model.NormalizeEmail(email)
	if email == "" {
		return nil, nil
	}
	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Context = ctx
	params.Limit = stripe.Int64(10)
	params.Single = true

	var ids []string
	it := customerpkg.List(params)
	for it.Next() {
		if c := it.Customer(); c != nil && c.ID != "" {
			ids = append(ids, c.ID)
		}
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("list stripe customers: %w", err)
	}
	return ids, nil
}

// FetchSubscription loads status, price and renewal of a subscription.
func (s *StripeService) FetchSubscription(ctx context.Context, subscriptionID string) (*SubscriptionSnapshot, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := subscriptionpkg.Get(subscriptionID, params)
	if err != nil {
		s.logger.Error().Err(err).Str("subscription_id", subscriptionID).Msg("Failed to fetch subscription details")
		return nil, fmt.Errorf("fetch subscription %s: %w", subscriptionID, err)
	}
	return snapshotFromSubscription(sub), nil
}

// CreateCheckoutSession creates a Stripe Checkout session for a paid plan and
// returns its URL.
func (s *StripeService) CreateCheckoutSession(ctx context.Context, in CheckoutInput) (string, error) {
	priceID, ok := s.cfg.PriceForPlan(in.Plan)
	if !ok {
		return "", apperr.New(apperr.CodeBadRequest, "Plan %q cannot be purchased.", in.Plan)
	}
	metadata := map[string]string{"sessionId": in.SessionID, "plan": string(in.Plan)}
	siteURL := strings.TrimRight(s.cfg.SiteURL, "/")

	params := &stripe.CheckoutSessionParams{
		Mode:                stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems:           []*stripe.CheckoutSessionLineItemParams{{Price: stripe.String(priceID), Quantity: stripe.Int64(1)}},
		AllowPromotionCodes: stripe.Bool(true),
		SuccessURL:          stripe.String(siteURL + "/chat?upgraded=" + string(in.Plan)),
		CancelURL:           stripe.String(siteURL + "/pricing"),
		ClientReferenceID:   stripe.String(in.SessionID),
		Metadata:            metadata,
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: metadata,
		},
	}
	switch {
	case in.CustomerID != "":
		params.Customer = stripe.String(in.CustomerID)
	case in.Email != "":
		params.CustomerEmail = stripe.String(in.Email)
	}
	params.Context = ctx

	sess, err := checkoutsession.New(params)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", in.SessionID).Str("plan", string(in.Plan)).Msg("Failed to create Stripe checkout session")
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.URL, nil
}

// CreatePortalSession creates a Stripe Customer Portal session
func (s *StripeService) CreatePortalSession(ctx context.Context, customerID string) (string, error) {
	if customerID == "" {
		return "", apperr.New(apperr.CodeNotFound, "No billing account found.")
	}
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(strings.TrimRight(s.cfg.SiteURL, "/") + "/dashboard"),
	}
	params.Context = ctx
	sess, err := billingsession.New(params)
	if err != nil {
		s.logger.Error().Err(err).Str("stripe_customer_id", customerID).Msg("Failed to create Stripe billing portal session")
		return "", fmt.Errorf("create billing portal session: %w", err)
	}
	return sess.URL, nil
}

func snapshotFromSubscription(sub *stripe.Subscription) *SubscriptionSnapshot {
	snap := &SubscriptionSnapshot{
		ID:     sub.ID,
		Status: string(sub.Status),
	}
	if sub.Customer != nil {
		snap.CustomerID = sub.Customer.ID
	}
	if sub.Items == nil {
		return snap
	}
	var maxEnd int64
	for i, item := range sub.Items.Data {
		if item == nil {
			continue
		}
		if i == 0 && item.Price != nil {
			snap.PriceID = item.Price.ID
		}
		if item.CurrentPeriodEnd > maxEnd {
			maxEnd = item.CurrentPeriodEnd
		}
	}
	if maxEnd > 0 {
		end := time.Unix(maxEnd, 0).UTC()
		snap.CurrentPeriodEnd = &end
	}
	return snap
}
