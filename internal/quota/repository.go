package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository mirrors Redis quota windows into the quota_usage table so that
// usage survives a Redis flush and can be reported when Redis is down.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new quota Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Upsert records the counters for the window. Counters only move forward,
// so concurrent admissions committing out of order cannot roll them back.
func (r *Repository) Upsert(ctx context.Context, u Usage) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO quota_usage (user_id, request_count, token_count, period_start, period_end, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 ON CONFLICT (user_id, period_start) DO UPDATE
		 SET request_count = GREATEST(quota_usage.request_count, EXCLUDED.request_count),
		     token_count = GREATEST(quota_usage.token_count, EXCLUDED.token_count),
		     updated_at = NOW()`,
		u.UserID, u.RequestsUsed, u.TokensUsed, u.PeriodStart, u.PeriodEnd)
	if err != nil {
		return fmt.Errorf("upserting quota usage: %w", err)
	}
	return nil
}

// GetActive returns the window covering at, or a zero-usage window if none
// has been recorded. Limits are left for the caller to fill in.
func (r *Repository) GetActive(ctx context.Context, userID string, at time.Time) (Usage, error) {
	u := Usage{UserID: userID}
	err := r.pool.QueryRow(ctx,
		`SELECT request_count, token_count, period_start, period_end
		 FROM quota_usage
		 WHERE user_id = $1 AND period_start <= $2 AND period_end > $2`, userID, at,
	).Scan(&u.RequestsUsed, &u.TokensUsed, &u.PeriodStart, &u.PeriodEnd)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			u.PeriodStart, u.PeriodEnd = Window(at)
			return u, nil
		}
		return Usage{}, fmt.Errorf("fetching quota usage: %w", err)
	}
	u.PeriodStart = u.PeriodStart.UTC()
	u.PeriodEnd = u.PeriodEnd.UTC()
	return u, nil
}
