package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aiox-platform/inferq/internal/metrics"
	inats "github.com/aiox-platform/inferq/internal/nats"
	"github.com/aiox-platform/inferq/internal/requests"
)

// Ledger is the worker's side of requests.Repository.
type Ledger interface {
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	Complete(ctx context.Context, id uuid.UUID, result string, usage requests.Usage) error
	Fail(ctx context.Context, id uuid.UUID, message string) error
}

// QuotaCharger reconciles actual token usage against the admission estimate.
type QuotaCharger interface {
	ChargeOverrun(ctx context.Context, userID string, estimated, actual int64, admittedAt time.Time) error
}

// Action tells the consumer how to settle a message.
type Action int

const (
	// Ack: the ledger holds the final state, or the message is redundant.
	Ack Action = iota
	// Retry: a transient failure; the message should be redelivered.
	Retry
	// Drop: the message can never be processed.
	Drop
)

func (a Action) String() string {
	switch a {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	default:
		return "drop"
	}
}

// Processor runs one dispatched request through the inference service and
// records the outcome.
type Processor struct {
	ledger    Ledger
	client    InferenceClient
	quota     QuotaCharger
	maxLength int
	timeout   time.Duration
}

// NewProcessor creates a Processor. quota may be nil to skip reconciliation.
func NewProcessor(ledger Ledger, client InferenceClient, quota QuotaCharger, maxLength int, timeout time.Duration) *Processor {
	return &Processor{
		ledger:    ledger,
		client:    client,
		quota:     quota,
		maxLength: maxLength,
		timeout:   timeout,
	}
}

// Process handles msg. lastAttempt is set on the final delivery, where a
// transient failure is recorded as an error instead of retried.
func (p *Processor) Process(ctx context.Context, msg inats.InferenceRequest, lastAttempt bool) Action {
	id, err := uuid.Parse(msg.ID)
	if err != nil {
		slog.Error("worker: dispatch message with invalid id", "id", msg.ID)
		return Drop
	}
	log := slog.With("request_id", id)

	if err := p.ledger.MarkProcessing(ctx, id); err != nil {
		if errors.Is(err, requests.ErrTerminal) {
			log.Debug("worker: request already completed, skipping")
			return Ack
		}
		log.Warn("worker: marking request processing", "error", err)
		if lastAttempt {
			return p.giveUp(ctx, id, "could not start processing: "+err.Error())
		}
		return Retry
	}

	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	resp, err := p.client.Run(runCtx, RunRequest{
		Prompt:    msg.Prompt,
		MaxLength: p.maxLength,
		RequestID: msg.ID,
		UserID:    msg.UserID,
	})
	cancel()

	if err != nil {
		if !errors.Is(err, ErrRejected) && !lastAttempt && ctx.Err() == nil {
			log.Warn("worker: inference failed, will retry", "error", err)
			return Retry
		}
		log.Error("worker: inference failed", "error", err)
		if lastAttempt {
			return p.giveUp(ctx, id, err.Error())
		}
		return p.fail(ctx, id, err.Error())
	}

	usage := requests.Usage{
		PromptTokens:     resp.TokenUsage.PromptTokens,
		CompletionTokens: resp.TokenUsage.CompletionTokens,
		TotalTokens:      resp.TokenUsage.TotalTokens,
	}
	if err := p.ledger.Complete(ctx, id, resp.OutputText, usage); err != nil {
		if errors.Is(err, requests.ErrTerminal) {
			return Ack
		}
		log.Error("worker: recording result", "error", err)
		if lastAttempt {
			return p.giveUp(ctx, id, "could not record result: "+err.Error())
		}
		return Retry
	}
	metrics.TasksCompletedTotal.WithLabelValues(string(requests.StatusDone)).Inc()

	if p.quota != nil {
		if err := p.quota.ChargeOverrun(ctx, msg.UserID, msg.EstimatedTokens, usage.TotalTokens, msg.Timestamp); err != nil {
			log.Warn("worker: reconciling token usage", "error", err)
		}
	}

	log.Info("worker: request completed",
		"total_tokens", usage.TotalTokens,
		"estimated_tokens", msg.EstimatedTokens,
		"model", resp.Model,
	)
	return Ack
}

func (p *Processor) fail(ctx context.Context, id uuid.UUID, message string) Action {
	if err := p.ledger.Fail(ctx, id, message); err != nil {
		if errors.Is(err, requests.ErrTerminal) {
			return Ack
		}
		slog.Error("worker: recording failure", "error", err, "request_id", id)
		return Retry
	}
	metrics.TasksCompletedTotal.WithLabelValues(string(requests.StatusError)).Inc()
	return Ack
}

// giveUp records the failure on the final delivery. No redelivery follows,
// so a failed write drops the message and leaves the row to the
// reconciler's stuck-request sweep.
func (p *Processor) giveUp(ctx context.Context, id uuid.UUID, message string) Action {
	if action := p.fail(ctx, id, message); action != Retry {
		return action
	}
	slog.Error("worker: deliveries exhausted, leaving request to the reconciler", "request_id", id)
	return Drop
}
