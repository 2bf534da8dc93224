package repository

import (
	"context"
	"fmt"

	"coachapi/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ThreadRepository stores the single persistent thread of Accounts whose
// plan has no subjects.
type ThreadRepository interface {
	AppendTurns(ctx context.Context, msgs []model.ThreadMessage) error
	// ListRecentTurns returns the newest limit turns, oldest first.
	ListRecentTurns(ctx context.Context, sessionID string, limit int) ([]model.ThreadMessage, error)
	DeleteThread(ctx context.Context, sessionID string) error
}

type threadRepo struct {
	pool *pgxpool.Pool
}

func NewThreadRepo(pool *pgxpool.Pool) ThreadRepository {
	return &threadRepo{pool: pool}
}

func (r *threadRepo) AppendTurns(ctx context.Context, msgs []model.ThreadMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	const q = `
		INSERT INTO thread_messages (id, session_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	batch := &pgx.Batch{}
	for _, m := range msgs {
		batch.Queue(q, m.ID, m.SessionID, string(m.Role), m.Content, m.CreatedAt)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("appending thread turns: %w", err)
	}
	return nil
}

func (r *threadRepo) ListRecentTurns(ctx context.Context, sessionID string, limit int) ([]model.ThreadMessage, error) {
	const q = `
		SELECT id, session_id, role, content, created_at
		FROM thread_messages
		WHERE session_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2`
	rows, err := r.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying thread turns: %w", err)
	}
	defer rows.Close()

	var turns []model.ThreadMessage
	for rows.Next() {
		var m model.ThreadMessage
		var role string
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning thread turn row: %w", err)
		}
		m.Role = model.Role(role)
		turns = append(turns, m)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating thread turn rows: %w", err)
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (r *threadRepo) DeleteThread(ctx context.Context, sessionID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM thread_messages WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("deleting thread of account %s: %w", sessionID, err)
	}
	return nil
}
