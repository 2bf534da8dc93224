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

// EmailLinkRepository stores the preferred Account for each normalized email.
type EmailLinkRepository interface {
	GetLink(ctx context.Context, email string) (*model.EmailLink, error)
	UpsertLink(ctx context.Context, email, sessionID string, authUserID *string, now time.Time) error
	// DeleteLink removes the link only while it still points at sessionID.
	DeleteLink(ctx context.Context, email, sessionID string) error
	DeleteLinksForSession(ctx context.Context, sessionID string) error
}

type emailLinkRepo struct {
	pool *pgxpool.Pool
}

// NewEmailLinkRepo creates a new EmailLinkRepository.
func NewEmailLinkRepo(pool *pgxpool.Pool) EmailLinkRepository {
	return &emailLinkRepo{pool: pool}
}

func (r *emailLinkRepo) GetLink(ctx context.Context, email string) (*model.EmailLink, error) {
	const q = `
		SELECT email, session_id, auth_user_id, created_at, updated_at
		FROM email_links
		WHERE link_key = $1`
	var l model.EmailLink
	err := r.pool.QueryRow(ctx, q, model.EmailLinkKey(email)).Scan(
		&l.Email,
		&l.SessionID,
		&l.AuthUserID,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting email link: %w", err)
	}
	return &l, nil
}

func (r *emailLinkRepo) UpsertLink(ctx context.Context, email, sessionID string, authUserID *string, now time.Time) error {
	const q = `
		INSERT INTO email_links (link_key, email, session_id, auth_user_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (link_key) DO UPDATE
		SET session_id = EXCLUDED.session_id,
			auth_user_id = COALESCE(EXCLUDED.auth_user_id, email_links.auth_user_id),
			updated_at = EXCLUDED.updated_at`
	normalized := model.NormalizeEmail(email)
	if _, err := r.pool.Exec(ctx, q, model.EmailLinkKey(normalized), normalized, sessionID, authUserID, now); err != nil {
		return fmt.Errorf("upserting email link to account %s: %w", sessionID, err)
	}
	return nil
}

func (r *emailLinkRepo) DeleteLink(ctx context.Context, email, sessionID string) error {
	const q = `DELETE FROM email_links WHERE link_key = $1 AND session_id = $2`
	if _, err := r.pool.Exec(ctx, q, model.EmailLinkKey(email), sessionID); err != nil {
		return fmt.Errorf("deleting email link to account %s: %w", sessionID, err)
	}
	return nil
}

func (r *emailLinkRepo) DeleteLinksForSession(ctx context.Context, sessionID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM email_links WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("deleting email links of account %s: %w", sessionID, err)
	}
	return nil
}
