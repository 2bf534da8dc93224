package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"coachapi/internal/entitlement"
	"coachapi/internal/model"
	"coachapi/internal/pubsub"
	"coachapi/internal/repository"

	"github.com/rs/zerolog"
)

const defaultPreferredMode = "direct"

// BillingSnapshot is the Stripe state stored on an Account.
type BillingSnapshot struct {
	CustomerID       *string    `json:"customerId"`
	SubscriptionID   *string    `json:"subscriptionId"`
	Status           *string    `json:"status"`
	CurrentPeriodEnd *time.Time `json:"currentPeriodEnd"`
}

// MeSnapshot is what the client needs to render plan-dependent UI.
type MeSnapshot struct {
	SessionID    string                   `json:"sessionId"`
	Plan         model.Plan               `json:"plan"`
	Entitlements entitlement.Entitlements `json:"entitlements"`
	Usage        int                      `json:"usage"`
	Stripe       BillingSnapshot          `json:"stripe"`
	Onboarding   bool                     `json:"onboardingComplete"`
}

type AccountService interface {
	Me(ctx context.Context, acct *model.Account) (*MeSnapshot, error)
	SaveOnboarding(ctx context.Context, sessionID string, upd model.ProfileUpdate) (*model.Account, error)
	// Erase removes the account and everything keyed by it.
	Erase(ctx context.Context, sessionID string) error
}

type accountService struct {
	accounts repository.AccountRepository
	links    repository.EmailLinkRepository
	usage    repository.UsageRepository
	subjects repository.SubjectRepository
	threads  repository.ThreadRepository
	usageSvc UsageService
	events   AccountEventPublisher
	logger   zerolog.Logger
	now      func() time.Time
}

func NewAccountService(
	accounts repository.AccountRepository,
	links repository.EmailLinkRepository,
	usage repository.UsageRepository,
	subjects repository.SubjectRepository,
	threads repository.ThreadRepository,
	usageSvc UsageService,
	events AccountEventPublisher,
	logger zerolog.Logger,
) AccountService {
	return &accountService{
		accounts: accounts,
		links:    links,
		usage:    usage,
		subjects: subjects,
		threads:  threads,
		usageSvc: usageSvc,
		events:   events,
		logger:   logger.With().Str("service", "AccountService").Logger(),
		now:      time.Now,
	}
}

func (s *accountService) Me(ctx context.Context, acct *model.Account) (*MeSnapshot, error) {
	plan := model.ParsePlan(string(acct.Plan))
	used, err := s.usageSvc.Today(ctx, acct.SessionID)
	if err != nil {
		return nil, err
	}
	return &MeSnapshot{
		SessionID:    acct.SessionID,
		Plan:         plan,
		Entitlements: entitlement.For(plan),
		Usage:        used,
		Stripe: BillingSnapshot{
			CustomerID:       acct.StripeCustomerID,
			SubscriptionID:   acct.StripeSubscriptionID,
			Status:           acct.StripeSubscriptionStatus,
			CurrentPeriodEnd: acct.StripeCurrentPeriodEnd,
		},
		Onboarding: acct.OnboardingComplete,
	}, nil
}

func (s *accountService) SaveOnboarding(ctx context.Context, sessionID string, upd model.ProfileUpdate) (*model.Account, error) {
	if upd.PreferredMode == nil || strings.TrimSpace(*upd.PreferredMode) == "" {
		mode := defaultPreferredMode
		upd.PreferredMode = &mode
	}
	complete := true
	upd.OnboardingComplete = &complete
	if upd.OnboardingSkipped == nil {
		skipped := false
		upd.OnboardingSkipped = &skipped
	}

	acct, err := s.accounts.UpdateProfile(ctx, sessionID, upd, s.now().UTC())
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Str("op", "onboarding").Msg("Failed to save onboarding")
		return nil, fmt.Errorf("saving onboarding: %w", err)
	}
	return acct, nil
}

func (s *accountService) Erase(ctx context.Context, sessionID string) error {
	lg := s.logger.With().Str("session_id", sessionID).Str("op", "erase").Logger()

	steps := []struct {
		name string
		run  func(context.Context, string) error
	}{
		{"subjects", s.subjects.DeleteSubjectsForUser},
		{"thread", s.threads.DeleteThread},
		{"usage", s.usage.DeleteUsageForSession},
		{"email links", s.links.DeleteLinksForSession},
		{"account", s.accounts.DeleteAccount},
	}
	for _, step := range steps {
		if err := step.run(ctx, sessionID); err != nil {
			lg.Error().Err(err).Str("step", step.name).Msg("Failed to erase account data")
			return fmt.Errorf("erasing %s: %w", step.name, err)
		}
	}
	lg.Info().Msg("Account erased")

	if s.events != nil {
		ev := pubsub.AccountEvent{Type: pubsub.EventAccountErased, SessionID: sessionID, OccurredAt: s.now().UTC()}
		if err := s.events.PublishAccountEvent(ctx, ev); err != nil {
			lg.Warn().Err(err).Msg("Failed to publish account erased event")
		}
	}
	return nil
}
