package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"coachapi/internal/apperr"
	"coachapi/internal/metrics"
	"coachapi/internal/model"
	"coachapi/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CustomerDirectory searches payment-provider customers.
type CustomerDirectory interface {
	FindCustomerIDsByEmail(ctx context.Context, email string) ([]string, error)
}

// ResolveInput carries the identity signals of one request.
type ResolveInput struct {
	// SessionToken is the marker the client presented (cookie).
	SessionToken string
	// FallbackToken is read from the legacy header when no marker was presented.
	FallbackToken string
	AuthEmail     string
	AuthUserID    string
	// AllowGenerate lets resolution mint a new anonymous token when none was sent.
	AllowGenerate bool
}

// Resolution is the canonical identity of a request.
type Resolution struct {
	SessionID string
	Account   *model.Account
	// ShouldSetCookie is true when the client must be sent SessionID as its marker.
	ShouldSetCookie bool
	Generated       bool
	Authenticated   bool
}

type IdentityService interface {
	Resolve(ctx context.Context, in ResolveInput) (*Resolution, error)
}

type identityService struct {
	accounts  repository.AccountRepository
	links     repository.EmailLinkRepository
	customers CustomerDirectory
	logger    zerolog.Logger
	now       func() time.Time
}

// NewIdentityService returns the resolver. customers may be nil, which
// disables recovery through the payment provider.
func NewIdentityService(
	accounts repository.AccountRepository,
	links repository.EmailLinkRepository,
	customers CustomerDirectory,
	logger zerolog.Logger,
) IdentityService {
	return &identityService{
		accounts:  accounts,
		links:     links,
		customers: customers,
		logger:    logger.With().Str("service", "IdentityService").Logger(),
		now:       time.Now,
	}
}

func (s *identityService) Resolve(ctx context.Context, in ResolveInput) (*Resolution, error) {
	presented := strings.TrimSpace(in.SessionToken)
	anonKey := model.SanitizeKey(presented)
	if anonKey == "" {
		anonKey = model.SanitizeKey(in.FallbackToken)
	}
	generated := false
	if anonKey == "" {
		if !in.AllowGenerate {
			return nil, apperr.ErrSessionRequired
		}
		anonKey = uuid.NewString()
		generated = true
	}

	now := s.now().UTC()
	email := model.NormalizeEmail(in.AuthEmail)
	if email == "" {
		acct, err := s.accounts.EnsureAccount(ctx, anonKey, now)
		if err != nil {
			s.logger.Error().Err(err).Str("session_id", anonKey).Str("op", "resolve").Msg("Failed to ensure anonymous account")
			return nil, fmt.Errorf("resolving anonymous account: %w", err)
		}
		metrics.IdentityResolutionsTotal.WithLabelValues("anonymous").Inc()
		return &Resolution{
			SessionID:       anonKey,
			Account:         acct,
			ShouldSetCookie: presented != anonKey,
			Generated:       generated,
		}, nil
	}

	selected, source, err := s.selectForEmail(ctx, anonKey, email)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", anonKey).Str("op", "resolve").Msg("Failed to resolve authenticated account")
		return nil, err
	}

	var authUserID *string
	if id := strings.TrimSpace(in.AuthUserID); id != "" {
		authUserID = &id
	}

	acct, err := s.accounts.EnsureAccount(ctx, selected, now)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", selected).Str("op", "resolve").Msg("Failed to ensure account")
		return nil, fmt.Errorf("ensuring account: %w", err)
	}
	if err := s.accounts.SetAuthIdentity(ctx, selected, email, authUserID, now); err != nil {
		s.logger.Error().Err(err).Str("session_id", selected).Str("op", "resolve").Msg("Failed to store auth identity")
		return nil, fmt.Errorf("storing auth identity: %w", err)
	}
	if err := s.links.UpsertLink(ctx, email, selected, authUserID, now); err != nil {
		s.logger.Error().Err(err).Str("session_id", selected).Str("op", "resolve").Msg("Failed to link email")
		return nil, fmt.Errorf("linking email: %w", err)
	}
	acct.AuthEmail = &email
	if authUserID != nil {
		acct.AuthUserID = authUserID
	}

	metrics.IdentityResolutionsTotal.WithLabelValues(source).Inc()
	if selected != anonKey {
		s.logger.Info().Str("session_id", selected).Str("anon_session_id", anonKey).Str("source", source).Msg("Resolved request to linked account")
	}

	return &Resolution{
		SessionID:       selected,
		Account:         acct,
		ShouldSetCookie: presented != selected,
		Generated:       generated && selected == anonKey,
		Authenticated:   true,
	}, nil
}

// selectForEmail applies the email link with paid precedence and then tries
// to recover a paid account through the payment provider.
func (s *identityService) selectForEmail(ctx context.Context, anonKey, email string) (string, string, error) {
	anon, err := s.accounts.GetAccount(ctx, anonKey)
	if err != nil {
		return "", "", fmt.Errorf("reading anonymous account: %w", err)
	}

	selected, selectedAcct, source := anonKey, anon, "anonymous"

	link, err := s.links.GetLink(ctx, email)
	if err != nil {
		return "", "", fmt.Errorf("reading email link: %w", err)
	}
	if link != nil {
		linkedKey := model.SanitizeKey(link.SessionID)
		switch {
		case linkedKey == "" || linkedKey == anonKey:
			source = "linked"
		default:
			linked, err := s.accounts.GetAccount(ctx, linkedKey)
			if err != nil {
				return "", "", fmt.Errorf("reading linked account: %w", err)
			}
			if linked == nil {
				s.logger.Warn().Str("session_id", anonKey).Str("linked_session_id", linkedKey).Msg("Email link points at a missing account; removing it")
				if err := s.links.DeleteLink(ctx, email, link.SessionID); err != nil {
					return "", "", fmt.Errorf("deleting stale email link: %w", err)
				}
				source = "stale_link"
			} else if anon.IsPaid() {
				source = "anonymous_paid"
			} else {
				selected, selectedAcct, source = linkedKey, linked, "linked"
			}
		}
	}

	if selectedAcct.IsPaid() || s.customers == nil {
		return selected, source, nil
	}

	customerIDs, err := s.customers.FindCustomerIDsByEmail(ctx, email)
	if err != nil {
		// A failed search keeps the unpaid selection.
		s.logger.Warn().Err(err).Str("session_id", selected).Msg("Customer search failed; skipping paid account recovery")
		return selected, source, nil
	}
	if len(customerIDs) == 0 {
		return selected, source, nil
	}
	candidates, err := s.accounts.FindByCustomerIDs(ctx, customerIDs)
	if err != nil {
		return "", "", fmt.Errorf("reading accounts by customer: %w", err)
	}
	for i := range candidates {
		if candidates[i].IsPaid() {
			return candidates[i].SessionID, "recovered", nil
		}
	}
	return selected, source, nil
}
