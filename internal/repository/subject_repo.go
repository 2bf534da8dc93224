package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coachapi/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrSubjectLimitReached is returned when the owner already holds maxSubjects subjects.
var ErrSubjectLimitReached = errors.New("subject_limit_reached")

type SubjectRepository interface {
	CountSubjects(ctx context.Context, userID string) (int, error)
	// CreateSubject inserts s unless its owner already has maxSubjects.
	CreateSubject(ctx context.Context, s *model.Subject, maxSubjects int) error
	ListSubjects(ctx context.Context, userID string) ([]model.Subject, error)
	// GetSubject returns nil, nil when the subject does not exist.
	GetSubject(ctx context.Context, id string) (*model.Subject, error)
	UpdateSubject(ctx context.Context, id string, upd model.SubjectUpdate, now time.Time) (*model.Subject, error)
	TouchSubject(ctx context.Context, id, preview string, at time.Time) error
	DeleteSubject(ctx context.Context, id string) error
	DeleteSubjectsForUser(ctx context.Context, userID string) error

	CreateMessage(ctx context.Context, m *model.SubjectMessage) error
	// ListRecentMessages returns the newest limit messages, oldest first.
	// Messages sharing a created_at keep their insertion order.
	ListRecentMessages(ctx context.Context, subjectID string, limit int) ([]model.SubjectMessage, error)
	DeleteMessages(ctx context.Context, subjectID string) error
}

type subjectRepo struct {
	pool *pgxpool.Pool
}

func NewSubjectRepo(pool *pgxpool.Pool) SubjectRepository {
	return &subjectRepo{pool: pool}
}

const subjectColumns = `id, user_id, title, mode, last_message_preview, created_at, updated_at`

func scanSubject(row rowScanner) (*model.Subject, error) {
	var s model.Subject
	var mode string
	if err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.Title,
		&mode,
		&s.LastMessagePreview,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	s.Mode = model.Mode(mode)
	return &s, nil
}

func (r *subjectRepo) CountSubjects(ctx context.Context, userID string) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM subjects WHERE user_id = $1`, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting subjects: %w", err)
	}
	return count, nil
}

func (r *subjectRepo) CreateSubject(ctx context.Context, s *model.Subject, maxSubjects int) error {
	return withKeyLock(ctx, r.pool, "subjects:"+s.UserID, func(tx pgx.Tx) error {
		var count int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM subjects WHERE user_id = $1`, s.UserID).Scan(&count); err != nil {
			return fmt.Errorf("counting subjects: %w", err)
		}
		if count >= maxSubjects {
			return ErrSubjectLimitReached
		}

		const q = `
			INSERT INTO subjects (id, user_id, title, mode, last_message_preview, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`
		if _, err := tx.Exec(ctx, q, s.ID, s.UserID, s.Title, string(s.Mode), s.LastMessagePreview, s.CreatedAt, s.UpdatedAt); err != nil {
			return fmt.Errorf("creating subject: %w", err)
		}
		return nil
	})
}

func (r *subjectRepo) ListSubjects(ctx context.Context, userID string) ([]model.Subject, error) {
	q := `
		SELECT ` + subjectColumns + `
		FROM subjects
		WHERE user_id = $1
		ORDER BY updated_at DESC, id DESC`
	rows, err := r.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("querying subjects: %w", err)
	}
	defer rows.Close()

	subjects := []model.Subject{}
	for rows.Next() {
		s, err := scanSubject(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning subject row: %w", err)
		}
		subjects = append(subjects, *s)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating subject rows: %w", err)
	}
	return subjects, nil
}

func (r *subjectRepo) GetSubject(ctx context.Context, id string) (*model.Subject, error) {
	q := `SELECT ` + subjectColumns + ` FROM subjects WHERE id = $1`
	s, err := scanSubject(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting subject: %w", err)
	}
	return s, nil
}

func (r *subjectRepo) UpdateSubject(ctx context.Context, id string, upd model.SubjectUpdate, now time.Time) (*model.Subject, error) {
	var mode *string
	if upd.Mode != nil {
		m := string(*upd.Mode)
		mode = &m
	}
	q := `
		UPDATE subjects
		SET title = COALESCE($2, title),
			mode = COALESCE($3, mode),
			updated_at = $4
		WHERE id = $1
		RETURNING ` + subjectColumns
	s, err := scanSubject(r.pool.QueryRow(ctx, q, id, upd.Title, mode, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("updating subject: %w", err)
	}
	return s, nil
}

func (r *subjectRepo) TouchSubject(ctx context.Context, id, preview string, at time.Time) error {
	const q = `
		UPDATE subjects
		SET last_message_preview = $2,
			updated_at = GREATEST(updated_at, $3)
		WHERE id = $1`
	if _, err := r.pool.Exec(ctx, q, id, preview, at); err != nil {
		return fmt.Errorf("touching subject: %w", err)
	}
	return nil
}

func (r *subjectRepo) DeleteSubject(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM subjects WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting subject: %w", err)
	}
	return nil
}

func (r *subjectRepo) DeleteSubjectsForUser(ctx context.Context, userID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction for subject cleanup: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	const messagesQ = `
		DELETE FROM subject_messages
		WHERE subject_id IN (SELECT id FROM subjects WHERE user_id = $1)`
	if _, err := tx.Exec(ctx, messagesQ, userID); err != nil {
		return fmt.Errorf("deleting subject messages: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM subjects WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("deleting subjects: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing subject cleanup: %w", err)
	}
	return nil
}

func (r *subjectRepo) CreateMessage(ctx context.Context, m *model.SubjectMessage) error {
	const q = `
		INSERT INTO subject_messages (id, subject_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := r.pool.Exec(ctx, q, m.ID, m.SubjectID, string(m.Role), m.Content, m.CreatedAt); err != nil {
		return fmt.Errorf("creating subject message: %w", err)
	}
	return nil
}

func (r *subjectRepo) ListRecentMessages(ctx context.Context, subjectID string, limit int) ([]model.SubjectMessage, error) {
	// Fetch the latest messages (ordered DESC, then reverse to get oldest first)
	const q = `
		SELECT id, subject_id, role, content, created_at
		FROM subject_messages
		WHERE subject_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2`
	rows, err := r.pool.Query(ctx, q, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying subject messages: %w", err)
	}
	defer rows.Close()

	messages := []model.SubjectMessage{}
	for rows.Next() {
		var m model.SubjectMessage
		var role string
		if err := rows.Scan(&m.ID, &m.SubjectID, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning subject message row: %w", err)
		}
		m.Role = model.Role(role)
		messages = append(messages, m)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating subject message rows: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (r *subjectRepo) DeleteMessages(ctx context.Context, subjectID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM subject_messages WHERE subject_id = $1`, subjectID); err != nil {
		return fmt.Errorf("deleting subject messages: %w", err)
	}
	return nil
}
