package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"coachapi/internal/apperr"
	"coachapi/internal/entitlement"
	"coachapi/internal/metrics"
	"coachapi/internal/model"
	"coachapi/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const maxChatMessageLength = 8000

var modeInstructions = map[model.Mode]string{
	model.ModeGrounding:     "Focus: grounding. Help the user slow down and find one steady next step.",
	model.ModeDiscipline:    "Focus: discipline. Hold the user to concrete commitments and small daily actions.",
	model.ModeRelationships: "Focus: relationships. Help the user communicate clearly and take ownership of their part.",
	model.ModeBusiness:      "Focus: business. Push toward clear priorities and measurable outcomes.",
	model.ModePurpose:       "Focus: purpose. Help the user connect daily choices to what matters to them long term.",
}

// ChatRequest is one user message from a resolved account.
type ChatRequest struct {
	SessionID string
	Plan      model.Plan
	Message   string
	SubjectID string
	Mode      string
}

// ChatReply is the assistant's answer plus the usage it consumed.
type ChatReply struct {
	Reply     string    `json:"reply"`
	SubjectID string    `json:"subjectId,omitempty"`
	Usage     int       `json:"usage"`
	CreatedAt time.Time `json:"createdAt"`
}

type ChatService interface {
	Send(ctx context.Context, req ChatRequest) (*ChatReply, error)
	// History returns the single persistent thread of an account.
	History(ctx context.Context, sessionID string) ([]model.ThreadMessage, error)
}

// ChatOptions configures prompt and budget for ChatService.
type ChatOptions struct {
	SystemPrompt    string
	MaxOutputTokens int
	HistoryLimit    int
}

type chatService struct {
	subjects  SubjectService
	usage     UsageService
	threads   repository.ThreadRepository
	completer Completer
	opts      ChatOptions
	logger    zerolog.Logger
	now       func() time.Time
}

func NewChatService(
	subjects SubjectService,
	usage UsageService,
	threads repository.ThreadRepository,
	completer Completer,
	opts ChatOptions,
	logger zerolog.Logger,
) ChatService {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 20
	}
	if opts.MaxOutputTokens <= 0 {
		opts.MaxOutputTokens = 600
	}
	return &chatService{
		subjects:  subjects,
		usage:     usage,
		threads:   threads,
		completer: completer,
		opts:      opts,
		logger:    logger.With().Str("service", "ChatService").Logger(),
		now:       time.Now,
	}
}

func (s *chatService) Send(ctx context.Context, req ChatRequest) (*ChatReply, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, apperr.New(apperr.CodeBadRequest, "Message is required.")
	}
	if len(message) > maxChatMessageLength {
		return nil, apperr.New(apperr.CodeBadRequest, "Message is too long.")
	}

	ents := entitlement.For(req.Plan)

	var mode model.Mode
	if strings.TrimSpace(req.Mode) != "" {
		if !ents.CanUseModes {
			return nil, apperr.New(apperr.CodeUpgradeRequired, "Coaching modes are available on Pro and Elite plans.")
		}
		m, ok := model.ParseMode(req.Mode)
		if !ok {
			return nil, apperr.New(apperr.CodeInvalidMode, "Mode %q is not supported.", req.Mode)
		}
		mode = m
	}

	var subject *model.Subject
	if subjectID := strings.TrimSpace(req.SubjectID); subjectID != "" {
		if !ents.SubjectsEnabled() {
			return nil, apperr.New(apperr.CodeUpgradeRequired, "Subjects are available on Pro and Elite plans.")
		}
		sub, err := s.subjects.Get(ctx, req.SessionID, subjectID)
		if err != nil {
			return nil, err
		}
		subject = sub
		if mode == "" && ents.CanUseModes {
			mode = sub.Mode
		}
	}

	// The limit is enforced before any model call.
	count, err := s.usage.Consume(ctx, req.SessionID, req.Plan)
	if err != nil {
		return nil, err
	}

	history, err := s.history(ctx, req.SessionID, subject, ents)
	if err != nil {
		return nil, err
	}

	turns := make([]model.Turn, 0, len(history)+2)
	turns = append(turns, model.Turn{Role: model.RoleSystem, Content: s.systemPrompt(mode)})
	turns = append(turns, history...)
	turns = append(turns, model.Turn{Role: model.RoleUser, Content: message})

	userAt := s.now().UTC()
	reply, err := s.completer.Complete(ctx, turns, s.opts.MaxOutputTokens)
	if err != nil {
		metrics.CompletionsTotal.WithLabelValues("failed").Inc()
		s.logger.Error().Err(err).Str("session_id", req.SessionID).Str("op", "complete").Msg("Completion failed")
		return nil, fmt.Errorf("completing chat: %w", err)
	}
	metrics.CompletionsTotal.WithLabelValues("ok").Inc()

	assistantAt := s.now().UTC()
	if !assistantAt.After(userAt) {
		assistantAt = userAt.Add(time.Millisecond)
	}

	if err := s.persist(ctx, req.SessionID, subject, message, reply, userAt, assistantAt); err != nil {
		return nil, err
	}

	out := &ChatReply{Reply: reply, Usage: count, CreatedAt: assistantAt}
	if subject != nil {
		out.SubjectID = subject.ID
	}
	return out, nil
}

func (s *chatService) History(ctx context.Context, sessionID string) ([]model.ThreadMessage, error) {
	turns, err := s.threads.ListRecentTurns(ctx, sessionID, s.opts.HistoryLimit)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Str("op", "thread_history").Msg("Failed to load thread")
		return nil, fmt.Errorf("loading thread: %w", err)
	}
	return turns, nil
}

func (s *chatService) history(ctx context.Context, sessionID string, subject *model.Subject, ents entitlement.Entitlements) ([]model.Turn, error) {
	var turns []model.Turn
	switch {
	case subject != nil:
		msgs, err := s.subjects.ListMessages(ctx, sessionID, subject.ID, s.opts.HistoryLimit)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			turns = append(turns, model.Turn{Role: m.Role, Content: m.Content})
		}
	case ents.CanUsePersistentMemory:
		msgs, err := s.History(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			turns = append(turns, model.Turn{Role: m.Role, Content: m.Content})
		}
	}
	return turns, nil
}

func (s *chatService) persist(ctx context.Context, sessionID string, subject *model.Subject, message, reply string, userAt, assistantAt time.Time) error {
	if subject != nil {
		if _, err := s.subjects.AddMessage(ctx, subject.ID, NewMessage{Role: model.RoleUser, Content: message, CreatedAt: userAt}); err != nil {
			return err
		}
		if _, err := s.subjects.AddMessage(ctx, subject.ID, NewMessage{Role: model.RoleAssistant, Content: reply, CreatedAt: assistantAt}); err != nil {
			return err
		}
		return nil
	}

	turns := []model.ThreadMessage{
		{ID: uuid.NewString(), SessionID: sessionID, Role: model.RoleUser, Content: message, CreatedAt: userAt},
		{ID: uuid.NewString(), SessionID: sessionID, Role: model.RoleAssistant, Content: reply, CreatedAt: assistantAt},
	}
	if err := s.threads.AppendTurns(ctx, turns); err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Str("op", "thread_append").Msg("Failed to store thread turns")
		return fmt.Errorf("storing thread turns: %w", err)
	}
	return nil
}

func (s *chatService) systemPrompt(mode model.Mode) string {
	if instr, ok := modeInstructions[mode]; ok {
		return s.opts.SystemPrompt + "\n\n" + instr
	}
	return s.opts.SystemPrompt
}
