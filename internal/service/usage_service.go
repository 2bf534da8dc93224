package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coachapi/internal/apperr"
	"coachapi/internal/entitlement"
	"coachapi/internal/metrics"
	"coachapi/internal/model"
	"coachapi/internal/repository"

	"github.com/rs/zerolog"
)

type UsageService interface {
	// Increment records one message for dateKey. A nil limit is unlimited.
	Increment(ctx context.Context, sessionID, dateKey string, limit *int) (int, error)
	GetUsage(ctx context.Context, sessionID, dateKey string) (int, error)
	// Consume increments today's counter against the plan's daily limit.
	Consume(ctx context.Context, sessionID string, plan model.Plan) (int, error)
	// Today returns today's count.
	Today(ctx context.Context, sessionID string) (int, error)
}

type usageService struct {
	usageRepo repository.UsageRepository
	logger    zerolog.Logger
	now       func() time.Time
}

func NewUsageService(usageRepo repository.UsageRepository, logger zerolog.Logger) UsageService {
	return &usageService{
		usageRepo: usageRepo,
		logger:    logger.With().Str("service", "UsageService").Logger(),
		now:       time.Now,
	}
}

func (s *usageService) Increment(ctx context.Context, sessionID, dateKey string, limit *int) (int, error) {
	count, err := s.usageRepo.Increment(ctx, sessionID, dateKey, limit, s.now().UTC())
	if err != nil {
		if errors.Is(err, repository.ErrUsageLimitReached) {
			if limit == nil {
				return count, apperr.ErrLimitReached
			}
			return count, apperr.New(apperr.CodeLimitReached, "Daily message limit of %d reached.", *limit)
		}
		s.logger.Error().Err(err).Str("session_id", sessionID).Str("op", "usage_increment").Str("date_key", dateKey).Msg("Failed to increment usage")
		return 0, fmt.Errorf("incrementing usage: %w", err)
	}
	return count, nil
}

func (s *usageService) GetUsage(ctx context.Context, sessionID, dateKey string) (int, error) {
	count, err := s.usageRepo.GetUsage(ctx, sessionID, dateKey)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Str("op", "usage_read").Str("date_key", dateKey).Msg("Failed to read usage")
		return 0, fmt.Errorf("reading usage: %w", err)
	}
	return count, nil
}

func (s *usageService) Consume(ctx context.Context, sessionID string, plan model.Plan) (int, error) {
	limit := entitlement.For(plan).DailyMessageLimit
	count, err := s.Increment(ctx, sessionID, model.DateKey(s.now()), limit)
	if errors.Is(err, apperr.ErrLimitReached) {
		metrics.UsageLimitHitsTotal.WithLabelValues(string(model.ParsePlan(string(plan)))).Inc()
		s.logger.Info().Str("session_id", sessionID).Str("plan", string(plan)).Msg("Daily message limit reached")
	}
	return count, err
}

func (s *usageService) Today(ctx context.Context, sessionID string) (int, error) {
	return s.GetUsage(ctx, sessionID, model.DateKey(s.now()))
}
