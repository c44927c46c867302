package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aiox-platform/inferq/internal/auth"
	"github.com/aiox-platform/inferq/internal/metrics"
)

// Mirror persists window snapshots outside Redis.
type Mirror interface {
	Upsert(ctx context.Context, u Usage) error
	GetActive(ctx context.Context, userID string, at time.Time) (Usage, error)
}

// Service applies the configured failure policy around Store and keeps the
// Postgres mirror current.
type Service struct {
	store    *Store
	mirror   Mirror
	failOpen bool
}

// NewService creates a quota Service. mirror may be nil.
func NewService(store *Store, mirror Mirror, failOpen bool) *Service {
	return &Service{
		store:    store,
		mirror:   mirror,
		failOpen: failOpen,
	}
}

// FailOpen reports the configured policy.
func (s *Service) FailOpen() bool {
	return s.failOpen
}

// CheckAndReserve reserves one request and estimatedTokens for the user.
// When the store is unreachable it either admits with Bypassed set (fail
// open) or denies with ReasonUnavailable (fail closed); it never returns the
// raw store error to the caller.
func (s *Service) CheckAndReserve(ctx context.Context, userID string, estimatedTokens int64) Decision {
	d, err := s.store.CheckAndReserve(ctx, userID, estimatedTokens)
	if err != nil {
		metrics.QuotaStoreErrorsTotal.Inc()
		if s.failOpen {
			slog.Warn("quota: store unavailable, admitting without reservation",
				"error", err, "user_fp", auth.Fingerprint(userID), "estimated_tokens", estimatedTokens)
			start, end := Window(time.Now())
			return Decision{
				Admitted: true,
				Bypassed: true,
				Usage:    Usage{UserID: userID, PeriodStart: start, PeriodEnd: end},
			}
		}
		slog.Error("quota: store unavailable, denying request", "error", err, "user_fp", auth.Fingerprint(userID))
		return Decision{Reason: ReasonUnavailable}
	}

	if !d.Admitted {
		metrics.QuotaDenialsTotal.WithLabelValues(string(d.Reason)).Inc()
		return d
	}

	if s.mirror != nil {
		if err := s.mirror.Upsert(ctx, d.Usage); err != nil {
			slog.Warn("quota: mirroring usage to postgres", "error", err)
		}
	}
	return d
}

// Release undoes a reservation whose request never reached the ledger.
// Bypassed decisions hold no reservation and are ignored.
func (s *Service) Release(ctx context.Context, d Decision, estimatedTokens int64) {
	if !d.Admitted || d.Bypassed {
		return
	}
	if err := s.store.Release(ctx, d.Usage.UserID, estimatedTokens, d.Usage.PeriodStart); err != nil {
		slog.Warn("quota: releasing reservation", "error", err, "user_fp", auth.Fingerprint(d.Usage.UserID))
	}
}

// ChargeOverrun adds the amount by which actual usage exceeded the reserved
// estimate to the window the request was admitted in.
func (s *Service) ChargeOverrun(ctx context.Context, userID string, estimated, actual int64, admittedAt time.Time) error {
	overrun := actual - estimated
	if overrun <= 0 {
		return nil
	}
	start, _ := Window(admittedAt)
	if err := s.store.Charge(ctx, userID, overrun, start); err != nil {
		return fmt.Errorf("charging token overrun: %w", err)
	}
	return nil
}

// Usage returns the active window. If Redis is unreachable it falls back to
// the Postgres mirror with the default limits.
func (s *Service) Usage(ctx context.Context, userID string) (Usage, error) {
	u, err := s.store.Usage(ctx, userID)
	if err == nil {
		return u, nil
	}
	if s.mirror == nil {
		return Usage{}, err
	}

	slog.Warn("quota: reading usage from redis failed, using postgres mirror", "error", err)
	u, mirrorErr := s.mirror.GetActive(ctx, userID, time.Now().UTC())
	if mirrorErr != nil {
		return Usage{}, errors.Join(err, mirrorErr)
	}
	u.RequestLimit = s.store.defaults.Requests
	u.TokenLimit = s.store.defaults.Tokens
	return u, nil
}
