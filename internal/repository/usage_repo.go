package repository

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrUsageLimitReached is returned when an increment would exceed the daily limit.
var ErrUsageLimitReached = errors.New("usage_limit_reached")

type backoffConfig struct {
	Initial    time.Duration
	Multiplier float64
	Jitter     float64
	Max        time.Duration
}

var txBackoff = backoffConfig{
	Initial:    5 * time.Millisecond,
	Multiplier: 1.5,
	Jitter:     0.5,
	Max:        250 * time.Millisecond,
}

func (cfg backoffConfig) nextDelay(attempt int, rng float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(cfg.Initial) * math.Pow(cfg.Multiplier, float64(attempt))
	if cfg.Max > 0 && delay > float64(cfg.Max) {
		delay = float64(cfg.Max)
	}
	if cfg.Jitter > 0 {
		delay = delay * (1 + (rng*2-1)*cfg.Jitter)
	}
	return time.Duration(delay)
}

// UsageRepository tracks per-account daily message counts.
type UsageRepository interface {
	// GetUsage returns the count for the day, or 0 when nothing was recorded.
	GetUsage(ctx context.Context, sessionID, dateKey string) (int, error)
	// Increment atomically checks the day's count against limit and records
	// one more message. A nil limit increments unconditionally. Returns
	// ErrUsageLimitReached without writing anything when count+1 > limit.
	Increment(ctx context.Context, sessionID, dateKey string, limit *int, now time.Time) (int, error)
	DeleteUsageForSession(ctx context.Context, sessionID string) error
}

type usageRepo struct {
	pool *pgxpool.Pool
}

// NewUsageRepo creates a new UsageRepository.
func NewUsageRepo(pool *pgxpool.Pool) UsageRepository {
	return &usageRepo{pool: pool}
}

func (r *usageRepo) GetUsage(ctx context.Context, sessionID, dateKey string) (int, error) {
	const q = `SELECT count FROM usage_counters WHERE session_id = $1 AND date_key = $2`
	var count int
	if err := r.pool.QueryRow(ctx, q, sessionID, dateKey).Scan(&count); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading usage for account %s on %s: %w", sessionID, dateKey, err)
	}
	return count, nil
}

// Increment runs the check-and-increment in a serializable transaction and
// retries with jittered backoff until it commits, hits the limit, or ctx ends.
// Every round of contention commits at least one writer, so it terminates.
func (r *usageRepo) Increment(ctx context.Context, sessionID, dateKey string, limit *int, now time.Time) (int, error) {
	for attempt := 0; ; attempt++ {
		count, err := r.incrementOnce(ctx, sessionID, dateKey, limit, now)
		if err == nil || !isRetryableTxError(err) {
			return count, err
		}
		timer := time.NewTimer(txBackoff.nextDelay(attempt, rand.Float64()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, fmt.Errorf("incrementing usage for account %s on %s: %w", sessionID, dateKey, ctx.Err())
		case <-timer.C:
		}
	}
}

func (r *usageRepo) incrementOnce(ctx context.Context, sessionID, dateKey string, limit *int, now time.Time) (int, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return 0, fmt.Errorf("starting transaction for usage increment: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	const selectQ = `SELECT count FROM usage_counters WHERE session_id = $1 AND date_key = $2`
	var current int
	exists := true
	if err := tx.QueryRow(ctx, selectQ, sessionID, dateKey).Scan(&current); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("reading usage for account %s on %s: %w", sessionID, dateKey, err)
		}
		exists = false
	}

	if limit != nil && current+1 > *limit {
		return current, ErrUsageLimitReached
	}

	if exists {
		const updateQ = `
			UPDATE usage_counters
			SET count = count + 1, updated_at = $3
			WHERE session_id = $1 AND date_key = $2`
		if _, err := tx.Exec(ctx, updateQ, sessionID, dateKey, now); err != nil {
			return 0, fmt.Errorf("incrementing usage for account %s on %s: %w", sessionID, dateKey, err)
		}
	} else {
		const insertQ = `
			INSERT INTO usage_counters (session_id, date_key, count, created_at, updated_at)
			VALUES ($1, $2, 1, $3, $3)`
		if _, err := tx.Exec(ctx, insertQ, sessionID, dateKey, now); err != nil {
			return 0, fmt.Errorf("creating usage for account %s on %s: %w", sessionID, dateKey, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing usage for account %s on %s: %w", sessionID, dateKey, err)
	}
	return current + 1, nil
}

func (r *usageRepo) DeleteUsageForSession(ctx context.Context, sessionID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM usage_counters WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("deleting usage of account %s: %w", sessionID, err)
	}
	return nil
}

// isRetryableTxError reports serialization failures, deadlocks and the
// unique violation two first-of-the-day inserts race into.
func isRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "23505":
		return true
	default:
		return false
	}
}
