package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"coachapi/internal/metrics"
	"coachapi/internal/model"
	"coachapi/internal/pubsub"
	"coachapi/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// ErrInvalidSignature is returned for webhook payloads that fail verification.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Outcome is what reconciling one event did.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	// OutcomeStale means a newer event was already applied to the account.
	OutcomeStale Outcome = "stale"
	// OutcomeDropped means no account could be resolved for the event.
	OutcomeDropped Outcome = "dropped"
	OutcomeIgnored Outcome = "ignored"
)

// AccountEventPublisher announces billing-driven account changes.
type AccountEventPublisher interface {
	PublishAccountEvent(ctx context.Context, ev pubsub.AccountEvent) error
}

type PaymentService interface {
	// ConstructEvent verifies the signature header and decodes the event.
	ConstructEvent(payload []byte, signature string) (stripe.Event, error)
	// HandleEvent reconciles a verified event onto its Account. A returned
	// error means the provider should retry delivery.
	HandleEvent(ctx context.Context, event stripe.Event) (Outcome, error)
}

type paymentService struct {
	webhookSecret string
	prices        model.PriceTable
	accounts      repository.AccountRepository
	links         repository.EmailLinkRepository
	subscriptions SubscriptionFetcher
	events        AccountEventPublisher
	logger        zerolog.Logger
	now           func() time.Time
}

// NewPaymentService builds the reconciler. events may be nil.
func NewPaymentService(
	webhookSecret string,
	prices model.PriceTable,
	accounts repository.AccountRepository,
	links repository.EmailLinkRepository,
	subscriptions SubscriptionFetcher,
	events AccountEventPublisher,
	logger zerolog.Logger,
) PaymentService {
	return &paymentService{
		webhookSecret: webhookSecret,
		prices:        prices,
		accounts:      accounts,
		links:         links,
		subscriptions: subscriptions,
		events:        events,
		logger:        logger.With().Str("service", "PaymentService").Logger(),
		now:           time.Now,
	}
}

func (s *paymentService) ConstructEvent(payload []byte, signature string) (stripe.Event, error) {
	if s.webhookSecret == "" || signature == "" {
		return stripe.Event{}, ErrInvalidSignature
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return event, nil
}

// billingUpdate is the provider-neutral result of decoding one event.
type billingUpdate struct {
	metadata       map[string]string
	clientRef      string
	customerID     string
	subscriptionID string
	status         string
	priceID        string
	planHint       string
	periodEnd      *time.Time
	buyerEmail     string
	cancelled      bool
}

func (s *paymentService) HandleEvent(ctx context.Context, event stripe.Event) (Outcome, error) {
	start := time.Now()
	eventType := string(event.Type)
	lg := s.logger.With().Str("event_id", event.ID).Str("event_type", eventType).Logger()
	defer func() {
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	var (
		upd *billingUpdate
		err error
	)
	switch event.Type {
	case "checkout.session.completed":
		upd, err = s.decodeCheckout(ctx, event)
	case "customer.subscription.created", "customer.subscription.updated":
		upd, err = decodeSubscription(event, false)
	case "customer.subscription.deleted":
		upd, err = decodeSubscription(event, true)
	default:
		lg.Debug().Msg("Ignoring unhandled Stripe event")
		metrics.WebhookEventsTotal.WithLabelValues(eventType, string(OutcomeIgnored)).Inc()
		return OutcomeIgnored, nil
	}
	if err != nil {
		lg.Error().Err(err).Str("op", "decode").Msg("Failed to decode Stripe event")
		metrics.WebhookEventsTotal.WithLabelValues(eventType, "failed").Inc()
		return "", err
	}

	outcome, err := s.apply(ctx, lg, event, upd)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(eventType, "failed").Inc()
		return "", err
	}
	metrics.WebhookEventsTotal.WithLabelValues(eventType, string(outcome)).Inc()
	return outcome, nil
}

func (s *paymentService) decodeCheckout(ctx context.Context, event stripe.Event) (*billingUpdate, error) {
	var cs stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
		return nil, fmt.Errorf("invalid checkout.session data: %w", err)
	}
	upd := &billingUpdate{
		metadata:  cs.Metadata,
		clientRef: cs.ClientReferenceID,
		planHint:  cs.Metadata["plan"],
	}
	if cs.Customer != nil {
		upd.customerID = cs.Customer.ID
	}
	if cs.Subscription != nil {
		upd.subscriptionID = cs.Subscription.ID
	}
	if cs.CustomerDetails != nil && cs.CustomerDetails.Email != "" {
		upd.buyerEmail = model.NormalizeEmail(cs.CustomerDetails.Email)
	} else {
		upd.buyerEmail = model.NormalizeEmail(cs.CustomerEmail)
	}

	if upd.subscriptionID != "" && s.subscriptions != nil {
		snap, err := s.subscriptions.FetchSubscription(ctx, upd.subscriptionID)
		if err != nil {
			return nil, err
		}
		upd.status = snap.Status
		upd.priceID = snap.PriceID
		upd.periodEnd = snap.CurrentPeriodEnd
		if upd.customerID == "" {
			upd.customerID = snap.CustomerID
		}
		upd.cancelled = isTerminalStatus(snap.Status)
	}
	return upd, nil
}

func decodeSubscription(event stripe.Event, deleted bool) (*billingUpdate, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("invalid subscription data: %w", err)
	}
	snap := snapshotFromSubscription(&sub)
	return &billingUpdate{
		metadata:       sub.Metadata,
		customerID:     snap.CustomerID,
		subscriptionID: snap.ID,
		status:         snap.Status,
		priceID:        snap.PriceID,
		periodEnd:      snap.CurrentPeriodEnd,
		cancelled:      deleted || isTerminalStatus(snap.Status),
	}, nil
}

func (s *paymentService) apply(ctx context.Context, lg zerolog.Logger, event stripe.Event, upd *billingUpdate) (Outcome, error) {
	sessionID, err := s.resolveAccountKey(ctx, upd)
	if err != nil {
		lg.Error().Err(err).Str("op", "resolve_account").Str("stripe_customer_id", upd.customerID).Msg("Failed to resolve account for Stripe event")
		return "", err
	}
	if sessionID == "" {
		lg.Error().Str("stripe_customer_id", upd.customerID).Str("subscription_id", upd.subscriptionID).Msg("Could not resolve account for Stripe event; dropping")
		return OutcomeDropped, nil
	}
	lg = lg.With().Str("session_id", sessionID).Logger()

	plan, planKnown := s.planFor(upd)
	if !planKnown {
		lg.Warn().Str("price_id", upd.priceID).Msg("Could not resolve plan for Stripe event; leaving plan unchanged")
	}

	patch := model.BillingPatch{
		CustomerID:         optionalString(upd.customerID),
		SubscriptionID:     optionalString(upd.subscriptionID),
		SubscriptionStatus: optionalString(upd.status),
		CurrentPeriodEnd:   upd.periodEnd,
		AuthEmail:          optionalString(upd.buyerEmail),
		EventAt:            time.Unix(event.Created, 0).UTC(),
	}
	if planKnown {
		patch.Plan = &plan
	}

	now := s.now().UTC()
	applied, err := s.accounts.ApplyBilling(ctx, sessionID, patch, now)
	if err != nil {
		lg.Error().Err(err).Str("op", "apply_billing").Msg("Failed to apply billing update")
		return "", err
	}
	if !applied {
		lg.Info().Msg("Newer billing event already applied; skipping")
		return OutcomeStale, nil
	}

	if upd.buyerEmail != "" {
		if err := s.links.UpsertLink(ctx, upd.buyerEmail, sessionID, nil, now); err != nil {
			lg.Error().Err(err).Str("op", "link_email").Msg("Failed to link buyer email")
			return "", err
		}
	}

	lg.Info().Str("plan", string(plan)).Str("status", upd.status).Str("subscription_id", upd.subscriptionID).Msg("Applied Stripe billing event")

	if s.events != nil && planKnown {
		ev := pubsub.AccountEvent{
			Type:       pubsub.EventPlanChanged,
			SessionID:  sessionID,
			Plan:       string(plan),
			Status:     upd.status,
			Email:      upd.buyerEmail,
			StripeID:   event.ID,
			OccurredAt: now,
		}
		if err := s.events.PublishAccountEvent(ctx, ev); err != nil {
			lg.Warn().Err(err).Msg("Failed to publish plan change event")
		}
	}
	return OutcomeApplied, nil
}

// resolveAccountKey prefers an explicit account key in the event metadata and
// falls back to the account carrying the event's customer id.
func (s *paymentService) resolveAccountKey(ctx context.Context, upd *billingUpdate) (string, error) {
	for _, key := range []string{"sessionId", "session_id", "client_reference_id"} {
		if v := model.SanitizeKey(upd.metadata[key]); v != "" {
			return v, nil
		}
	}
	if v := model.SanitizeKey(upd.clientRef); v != "" {
		return v, nil
	}
	if upd.customerID == "" {
		return "", nil
	}
	acct, err := s.accounts.GetAccountByCustomerID(ctx, upd.customerID)
	if err != nil {
		return "", err
	}
	if acct == nil {
		return "", nil
	}
	return acct.SessionID, nil
}

// planFor maps the event to a plan: cancellation forces free, then the price
// table, then the checkout plan hint.
func (s *paymentService) planFor(upd *billingUpdate) (model.Plan, bool) {
	if upd.cancelled {
		return model.PlanFree, true
	}
	if p, ok := s.prices.Lookup(upd.priceID); ok {
		return p, true
	}
	if hint := strings.ToLower(strings.TrimSpace(upd.planHint)); hint != "" {
		if p := model.ParsePlan(hint); string(p) == hint {
			return p, true
		}
	}
	return "", false
}

func isTerminalStatus(status string) bool {
	switch stripe.SubscriptionStatus(status) {
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return true
	default:
		return false
	}
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
