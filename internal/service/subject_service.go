package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"coachapi/internal/apperr"
	"coachapi/internal/entitlement"
	"coachapi/internal/model"
	"coachapi/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultMessageWindow = 50
	maxMessageWindow     = 200
	maxTitleLength       = 120
)

// CreateSubjectInput is the caller-supplied part of a new Subject.
type CreateSubjectInput struct {
	Title string
	Mode  string
}

// NewMessage is a turn to append to a Subject. A zero CreatedAt means now.
type NewMessage struct {
	Role      model.Role
	Content   string
	CreatedAt time.Time
}

type SubjectService interface {
	Create(ctx context.Context, userID string, in CreateSubjectInput, plan model.Plan) (*model.Subject, error)
	List(ctx context.Context, userID string) ([]model.Subject, error)
	Get(ctx context.Context, userID, id string) (*model.Subject, error)
	Update(ctx context.Context, userID, id string, upd model.SubjectUpdate) (*model.Subject, error)
	Delete(ctx context.Context, userID, id string) error
	AddMessage(ctx context.Context, subjectID string, msg NewMessage) (*model.SubjectMessage, error)
	// ListMessages returns the newest limit messages, oldest first.
	ListMessages(ctx context.Context, userID, id string, limit int) ([]model.SubjectMessage, error)
	DeleteAllForUser(ctx context.Context, userID string) error
}

type subjectService struct {
	subjectRepo repository.SubjectRepository
	logger      zerolog.Logger
	now         func() time.Time
}

func NewSubjectService(subjectRepo repository.SubjectRepository, logger zerolog.Logger) SubjectService {
	return &subjectService{
		subjectRepo: subjectRepo,
		logger:      logger.With().Str("service", "SubjectService").Logger(),
		now:         time.Now,
	}
}

func (s *subjectService) Create(ctx context.Context, userID string, in CreateSubjectInput, plan model.Plan) (*model.Subject, error) {
	ents := entitlement.For(plan)
	if !ents.SubjectsEnabled() {
		return nil, apperr.New(apperr.CodeUpgradeRequired, "Subjects are available on Pro and Elite plans.")
	}

	title, err := normalizeTitle(in.Title)
	if err != nil {
		return nil, err
	}
	mode, ok := model.ParseMode(in.Mode)
	if !ok {
		return nil, apperr.New(apperr.CodeInvalidMode, "Mode %q is not supported.", in.Mode)
	}

	now := s.now().UTC()
	subject := &model.Subject{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		Mode:      mode,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.subjectRepo.CreateSubject(ctx, subject, ents.MaxSubjects); err != nil {
		if errors.Is(err, repository.ErrSubjectLimitReached) {
			return nil, apperr.New(apperr.CodeLimitReached, "Subject limit of %d reached.", ents.MaxSubjects)
		}
		s.logger.Error().Err(err).Str("session_id", userID).Str("op", "subject_create").Msg("Failed to create subject")
		return nil, fmt.Errorf("creating subject: %w", err)
	}
	return subject, nil
}

func (s *subjectService) List(ctx context.Context, userID string) ([]model.Subject, error) {
	subjects, err := s.subjectRepo.ListSubjects(ctx, userID)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", userID).Str("op", "subject_list").Msg("Failed to list subjects")
		return nil, fmt.Errorf("listing subjects: %w", err)
	}
	return subjects, nil
}

// Get returns NOT_FOUND both for missing subjects and for subjects owned by
// another account.
func (s *subjectService) Get(ctx context.Context, userID, id string) (*model.Subject, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperr.ErrNotFound
	}
	subject, err := s.subjectRepo.GetSubject(ctx, id)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", userID).Str("subject_id", id).Str("op", "subject_get").Msg("Failed to get subject")
		return nil, fmt.Errorf("getting subject: %w", err)
	}
	if subject == nil || subject.UserID != userID {
		return nil, apperr.ErrNotFound
	}
	return subject, nil
}

func (s *subjectService) Update(ctx context.Context, userID, id string, upd model.SubjectUpdate) (*model.Subject, error) {
	if upd.Title == nil && upd.Mode == nil {
		return nil, apperr.New(apperr.CodeNoUpdates, "Nothing to update.")
	}
	if upd.Title != nil {
		title, err := normalizeTitle(*upd.Title)
		if err != nil {
			return nil, err
		}
		upd.Title = &title
	}
	if upd.Mode != nil {
		mode, ok := model.ParseMode(string(*upd.Mode))
		if !ok {
			return nil, apperr.New(apperr.CodeInvalidMode, "Mode %q is not supported.", *upd.Mode)
		}
		upd.Mode = &mode
	}

	if _, err := s.Get(ctx, userID, id); err != nil {
		return nil, err
	}

	updated, err := s.subjectRepo.UpdateSubject(ctx, id, upd, s.now().UTC())
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", userID).Str("subject_id", id).Str("op", "subject_update").Msg("Failed to update subject")
		return nil, fmt.Errorf("updating subject: %w", err)
	}
	if updated == nil {
		return nil, apperr.ErrNotFound
	}
	return updated, nil
}

func (s *subjectService) Delete(ctx context.Context, userID, id string) error {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return err
	}
	if err := s.subjectRepo.DeleteMessages(ctx, id); err != nil {
		s.logger.Warn().Err(err).Str("session_id", userID).Str("subject_id", id).Str("op", "subject_delete").Msg("Failed to delete subject messages; deleting subject anyway")
	}
	if err := s.subjectRepo.DeleteSubject(ctx, id); err != nil {
		s.logger.Error().Err(err).Str("session_id", userID).Str("subject_id", id).Str("op", "subject_delete").Msg("Failed to delete subject")
		return fmt.Errorf("deleting subject: %w", err)
	}
	return nil
}

func (s *subjectService) AddMessage(ctx context.Context, subjectID string, msg NewMessage) (*model.SubjectMessage, error) {
	if msg.Role != model.RoleUser && msg.Role != model.RoleAssistant {
		return nil, apperr.New(apperr.CodeBadRequest, "Role %q is not allowed.", msg.Role)
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	m := &model.SubjectMessage{
		ID:        uuid.NewString(),
		SubjectID: subjectID,
		Role:      msg.Role,
		Content:   msg.Content,
		CreatedAt: createdAt.UTC(),
	}
	if err := s.subjectRepo.CreateMessage(ctx, m); err != nil {
		s.logger.Error().Err(err).Str("subject_id", subjectID).Str("op", "subject_add_message").Msg("Failed to store subject message")
		return nil, fmt.Errorf("storing subject message: %w", err)
	}
	if err := s.subjectRepo.TouchSubject(ctx, subjectID, model.Preview(m.Content), m.CreatedAt); err != nil {
		s.logger.Error().Err(err).Str("subject_id", subjectID).Str("op", "subject_add_message").Msg("Failed to update subject preview")
		return nil, fmt.Errorf("updating subject preview: %w", err)
	}
	return m, nil
}

func (s *subjectService) ListMessages(ctx context.Context, userID, id string, limit int) ([]model.SubjectMessage, error) {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultMessageWindow
	}
	if limit > maxMessageWindow {
		limit = maxMessageWindow
	}
	msgs, err := s.subjectRepo.ListRecentMessages(ctx, id, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", userID).Str("subject_id", id).Str("op", "subject_messages").Msg("Failed to list subject messages")
		return nil, fmt.Errorf("listing subject messages: %w", err)
	}
	return msgs, nil
}

func (s *subjectService) DeleteAllForUser(ctx context.Context, userID string) error {
	if err := s.subjectRepo.DeleteSubjectsForUser(ctx, userID); err != nil {
		s.logger.Error().Err(err).Str("session_id", userID).Str("op", "subject_delete_all").Msg("Failed to delete subjects")
		return fmt.Errorf("deleting subjects: %w", err)
	}
	return nil
}

func normalizeTitle(raw string) (string, error) {
	title := strings.TrimSpace(raw)
	if title == "" {
		return "", apperr.New(apperr.CodeInvalidTitle, "Title is required.")
	}
	if r := []rune(title); len(r) > maxTitleLength {
		title = strings.TrimSpace(string(r[:maxTitleLength]))
	}
	return title, nil
}
