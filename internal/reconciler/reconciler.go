package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aiox-platform/inferq/internal/metrics"
	inats "github.com/aiox-platform/inferq/internal/nats"
	"github.com/aiox-platform/inferq/internal/requests"
)

// Ledger is the slice of requests.Repository the reconciler needs.
type Ledger interface {
	ListUndispatched(ctx context.Context, olderThan time.Time, limit int) ([]*requests.Request, error)
	ListExpiredDispatches(ctx context.Context, dispatchedBefore time.Time, limit int) ([]*requests.Request, error)
	MarkDispatched(ctx context.Context, id uuid.UUID) error
	FailStuck(ctx context.Context, startedBefore time.Time, message string) (int64, error)
}

// StuckMessage is recorded on requests the workers never finished.
const StuckMessage = "request timed out in processing"

// Publisher republishes dispatch messages.
type Publisher interface {
	PublishRequest(ctx context.Context, msg inats.InferenceRequest) error
}

// Reconciler repairs requests the pipeline lost track of:
//   - queued requests that never got a dispatch confirmation are published
//     again. The message id is the request id, so a request whose first
//     publish did reach the stream is deduplicated there;
//   - queued requests dispatched longer ago than the stream keeps messages
//     are published again (when redispatchAfter is set);
//   - requests stuck in processing past stuckAfter are marked error (when
//     stuckAfter is set).
type Reconciler struct {
	ledger          Ledger
	publisher       Publisher
	staleAfter      time.Duration
	redispatchAfter time.Duration
	stuckAfter      time.Duration
	batchSize       int
	now             func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithRedispatchAfter republishes queued requests whose last dispatch is
// older than d. d must stay below the request stream's MaxAge.
func WithRedispatchAfter(d time.Duration) Option {
	return func(r *Reconciler) { r.redispatchAfter = d }
}

// WithStuckAfter fails requests that have been processing for longer than d.
func WithStuckAfter(d time.Duration) Option {
	return func(r *Reconciler) { r.stuckAfter = d }
}

func New(ledger Ledger, publisher Publisher, staleAfter time.Duration, batchSize int, opts ...Option) *Reconciler {
	if batchSize <= 0 {
		batchSize = 100
	}
	r := &Reconciler{
		ledger:     ledger,
		publisher:  publisher,
		staleAfter: staleAfter,
		batchSize:  batchSize,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunOnce runs every sweep once and returns how many requests were
// republished. A failed publish leaves the row for the next run.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	now := r.now()

	pending, err := r.ledger.ListUndispatched(ctx, now.Add(-r.staleAfter), r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("listing undispatched requests: %w", err)
	}

	if r.redispatchAfter > 0 {
		expired, err := r.ledger.ListExpiredDispatches(ctx, now.Add(-r.redispatchAfter), r.batchSize)
		if err != nil {
			return 0, fmt.Errorf("listing expired dispatches: %w", err)
		}
		pending = append(pending, expired...)
	}

	republished := r.republish(ctx, pending)

	if r.stuckAfter > 0 {
		failed, err := r.ledger.FailStuck(ctx, now.Add(-r.stuckAfter), StuckMessage)
		if err != nil {
			return republished, fmt.Errorf("failing stuck requests: %w", err)
		}
		if failed > 0 {
			metrics.TasksCompletedTotal.WithLabelValues(string(requests.StatusError)).Add(float64(failed))
			slog.Warn("reconciler: failed stuck requests", "count", failed, "stuck_after", r.stuckAfter)
		}
	}

	if len(pending) > 0 {
		slog.Info("reconciler: run completed", "pending", len(pending), "republished", republished)
	}
	return republished, nil
}

func (r *Reconciler) republish(ctx context.Context, pending []*requests.Request) int {
	republished := 0
	for _, req := range pending {
		msg := inats.InferenceRequest{
			ID:              req.ID.String(),
			UserID:          req.UserID,
			Prompt:          req.Prompt,
			EstimatedTokens: req.EstimatedTokens,
			Timestamp:       req.CreatedAt,
		}
		if err := r.publisher.PublishRequest(ctx, msg); err != nil {
			metrics.ReconcilerRepublishedTotal.WithLabelValues("failed").Inc()
			slog.Warn("reconciler: republishing request", "error", err, "request_id", req.ID)
			continue
		}
		if err := r.ledger.MarkDispatched(ctx, req.ID); err != nil {
			slog.Warn("reconciler: marking request dispatched", "error", err, "request_id", req.ID)
		}
		metrics.ReconcilerRepublishedTotal.WithLabelValues("ok").Inc()
		republished++
	}
	return republished
}
