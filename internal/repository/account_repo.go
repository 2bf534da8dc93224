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

// AccountRepository persists canonical Accounts.
type AccountRepository interface {
	// GetAccount returns nil, nil when no Account exists for sessionID.
	GetAccount(ctx context.Context, sessionID string) (*model.Account, error)
	// EnsureAccount creates the Account if absent and touches last_seen_at.
	EnsureAccount(ctx context.Context, sessionID string, now time.Time) (*model.Account, error)
	// FindByCustomerIDs returns Accounts carrying any of the customer ids,
	// paid plans first, then most recently updated.
	FindByCustomerIDs(ctx context.Context, customerIDs []string) ([]model.Account, error)
	// GetAccountByCustomerID returns the most recently updated Account for a
	// customer id, or nil, nil.
	GetAccountByCustomerID(ctx context.Context, customerID string) (*model.Account, error)
	SetAuthIdentity(ctx context.Context, sessionID, email string, authUserID *string, now time.Time) error
	UpdateProfile(ctx context.Context, sessionID string, upd model.ProfileUpdate, now time.Time) (*model.Account, error)
	// ApplyBilling merges patch onto the Account, creating it if needed. It
	// reports false when a newer billing event has already been applied.
	ApplyBilling(ctx context.Context, sessionID string, patch model.BillingPatch, now time.Time) (bool, error)
	DeleteAccount(ctx context.Context, sessionID string) error
}

type accountRepo struct {
	pool *pgxpool.Pool
}

// NewAccountRepo creates a new AccountRepository.
func NewAccountRepo(pool *pgxpool.Pool) AccountRepository {
	return &accountRepo{pool: pool}
}

const accountColumns = `
	session_id, plan, auth_email, auth_user_id,
	stripe_customer_id, stripe_subscription_id, stripe_subscription_status,
	stripe_current_period_end, stripe_event_at,
	name, primary_focus, preferred_mode, goal_30,
	onboarding_complete, onboarding_skipped,
	created_at, updated_at, last_seen_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*model.Account, error) {
	var a model.Account
	var plan string
	err := row.Scan(
		&a.SessionID,
		&plan,
		&a.AuthEmail,
		&a.AuthUserID,
		&a.StripeCustomerID,
		&a.StripeSubscriptionID,
		&a.StripeSubscriptionStatus,
		&a.StripeCurrentPeriodEnd,
		&a.StripeEventAt,
		&a.Name,
		&a.PrimaryFocus,
		&a.PreferredMode,
		&a.Goal30,
		&a.OnboardingComplete,
		&a.OnboardingSkipped,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.LastSeenAt,
	)
	if err != nil {
		return nil, err
	}
	a.Plan = model.ParsePlan(plan)
	return &a, nil
}

func (r *accountRepo) GetAccount(ctx context.Context, sessionID string) (*model.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts WHERE session_id = $1`
	a, err := scanAccount(r.pool.QueryRow(ctx, q, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting account %s: %w", sessionID, err)
	}
	return a, nil
}

func (r *accountRepo) EnsureAccount(ctx context.Context, sessionID string, now time.Time) (*model.Account, error) {
	q := `
		INSERT INTO accounts (session_id, plan, created_at, updated_at, last_seen_at)
		VALUES ($1, 'free', $2, $2, $2)
		ON CONFLICT (session_id) DO UPDATE
		SET last_seen_at = EXCLUDED.last_seen_at
		RETURNING ` + accountColumns
	a, err := scanAccount(r.pool.QueryRow(ctx, q, sessionID, now))
	if err != nil {
		return nil, fmt.Errorf("ensuring account %s: %w", sessionID, err)
	}
	return a, nil
}

func (r *accountRepo) FindByCustomerIDs(ctx context.Context, customerIDs []string) ([]model.Account, error) {
	if len(customerIDs) == 0 {
		return nil, nil
	}
	q := `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE stripe_customer_id = ANY($1)
		ORDER BY (plan <> 'free') DESC, updated_at DESC`
	rows, err := r.pool.Query(ctx, q, customerIDs)
	if err != nil {
		return nil, fmt.Errorf("querying accounts by customer ids: %w", err)
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning account row: %w", err)
		}
		accounts = append(accounts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating account rows: %w", err)
	}
	return accounts, nil
}

func (r *accountRepo) GetAccountByCustomerID(ctx context.Context, customerID string) (*model.Account, error) {
	q := `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE stripe_customer_id = $1
		ORDER BY updated_at DESC
		LIMIT 1`
	a, err := scanAccount(r.pool.QueryRow(ctx, q, customerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting account for customer %s: %w", customerID, err)
	}
	return a, nil
}

func (r *accountRepo) SetAuthIdentity(ctx context.Context, sessionID, email string, authUserID *string, now time.Time) error {
	const q = `
		UPDATE accounts
		SET auth_email = $2,
			auth_user_id = COALESCE($3, auth_user_id),
			updated_at = $4,
			last_seen_at = $4
		WHERE session_id = $1`
	tag, err := r.pool.Exec(ctx, q, sessionID, email, authUserID, now)
	if err != nil {
		return fmt.Errorf("setting auth identity on account %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("setting auth identity on account %s: %w", sessionID, pgx.ErrNoRows)
	}
	return nil
}

func (r *accountRepo) UpdateProfile(ctx context.Context, sessionID string, upd model.ProfileUpdate, now time.Time) (*model.Account, error) {
	q := `
		INSERT INTO accounts (
			session_id, plan, name, primary_focus, preferred_mode, goal_30,
			onboarding_complete, onboarding_skipped, created_at, updated_at, last_seen_at
		)
		VALUES ($1, 'free', $2, $3, $4, $5, COALESCE($6, FALSE), COALESCE($7, FALSE), $8, $8, $8)
		ON CONFLICT (session_id) DO UPDATE
		SET name = COALESCE($2, accounts.name),
			primary_focus = COALESCE($3, accounts.primary_focus),
			preferred_mode = COALESCE($4, accounts.preferred_mode),
			goal_30 = COALESCE($5, accounts.goal_30),
			onboarding_complete = COALESCE($6, accounts.onboarding_complete),
			onboarding_skipped = COALESCE($7, accounts.onboarding_skipped),
			updated_at = $8,
			last_seen_at = $8
		RETURNING ` + accountColumns
	a, err := scanAccount(r.pool.QueryRow(ctx, q,
		sessionID,
		upd.Name,
		upd.PrimaryFocus,
		upd.PreferredMode,
		upd.Goal30,
		upd.OnboardingComplete,
		upd.OnboardingSkipped,
		now,
	))
	if err != nil {
		return nil, fmt.Errorf("updating profile of account %s: %w", sessionID, err)
	}
	return a, nil
}

func (r *accountRepo) ApplyBilling(ctx context.Context, sessionID string, patch model.BillingPatch, now time.Time) (bool, error) {
	var plan *string
	if patch.Plan != nil {
		p := string(model.ParsePlan(string(*patch.Plan)))
		plan = &p
	}
	const q = `
		INSERT INTO accounts (
			session_id, plan, stripe_customer_id, stripe_subscription_id, stripe_subscription_status,
			stripe_current_period_end, auth_email, stripe_event_at, created_at, updated_at, last_seen_at
		)
		VALUES ($1, COALESCE($2::text, 'free'), $3, $4, $5, $6, $7, $8, $9, $9, $9)
		ON CONFLICT (session_id) DO UPDATE
		SET plan = COALESCE($2::text, accounts.plan),
			stripe_customer_id = COALESCE($3, accounts.stripe_customer_id),
			stripe_subscription_id = COALESCE($4, accounts.stripe_subscription_id),
			stripe_subscription_status = COALESCE($5, accounts.stripe_subscription_status),
			stripe_current_period_end = COALESCE($6, accounts.stripe_current_period_end),
			auth_email = COALESCE($7, accounts.auth_email),
			stripe_event_at = $8,
			updated_at = $9
		WHERE accounts.stripe_event_at IS NULL OR accounts.stripe_event_at <= $8`
	tag, err := r.pool.Exec(ctx, q,
		sessionID,
		plan,
		patch.CustomerID,
		patch.SubscriptionID,
		patch.SubscriptionStatus,
		patch.CurrentPeriodEnd,
		patch.AuthEmail,
		patch.EventAt,
		now,
	)
	if err != nil {
		return false, fmt.Errorf("applying billing to account %s: %w", sessionID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *accountRepo) DeleteAccount(ctx context.Context, sessionID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM accounts WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("deleting account %s: %w", sessionID, err)
	}
	return nil
}
