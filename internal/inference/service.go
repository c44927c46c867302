package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aiox-platform/inferq/internal/api"
	"github.com/aiox-platform/inferq/internal/auth"
	"github.com/aiox-platform/inferq/internal/metrics"
	inats "github.com/aiox-platform/inferq/internal/nats"
	"github.com/aiox-platform/inferq/internal/quota"
	"github.com/aiox-platform/inferq/internal/requests"
	"github.com/aiox-platform/inferq/internal/tokens"
)

// QuotaService is the subset of quota.Service used by admission.
type QuotaService interface {
	CheckAndReserve(ctx context.Context, userID string, estimatedTokens int64) quota.Decision
	Release(ctx context.Context, d quota.Decision, estimatedTokens int64)
	Usage(ctx context.Context, userID string) (quota.Usage, error)
}

// Dispatcher hands admitted requests to the workers.
type Dispatcher interface {
	PublishRequest(ctx context.Context, msg inats.InferenceRequest) error
	PublishAuditEvent(ctx context.Context, event inats.AuditEvent) error
}

// Service implements admission and status resolution.
type Service struct {
	quota      QuotaService
	ledger     requests.Repository
	dispatcher Dispatcher
	model      string
	timeout    time.Duration
	now        func() time.Time
}

// NewService creates the admission service. model is the name passed to the
// token estimator; timeout bounds each downstream call separately.
func NewService(q QuotaService, ledger requests.Repository, dispatcher Dispatcher, model string, timeout time.Duration) *Service {
	if model == "" {
		model = tokens.DefaultModel
	}
	return &Service{
		quota:      q,
		ledger:     ledger,
		dispatcher: dispatcher,
		model:      model,
		timeout:    timeout,
		now:        time.Now,
	}
}

// Admit runs the admission pipeline: reserve quota, record the request,
// dispatch it. Returned errors are always *api.AppError.
func (s *Service) Admit(ctx context.Context, userID, prompt string) (*Admission, error) {
	if userID == "" {
		return nil, api.ErrMissingAPIKey
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, api.ErrMissingPrompt
	}

	estimated := tokens.Estimate(prompt, s.model)
	userFP := auth.Fingerprint(userID)

	qctx, cancel := context.WithTimeout(ctx, s.timeout)
	decision := s.quota.CheckAndReserve(qctx, userID, estimated)
	cancel()

	if !decision.Admitted {
		if decision.Reason == quota.ReasonUnavailable {
			metrics.AdmissionsTotal.WithLabelValues("unavailable").Inc()
			return nil, api.ErrUnavailable
		}
		metrics.AdmissionsTotal.WithLabelValues("denied").Inc()
		slog.Info("quota exceeded",
			"user_fp", userFP,
			"dimension", decision.Reason,
			"limit", decision.Limit(),
			"used", decision.Used(),
			"estimated", estimated,
		)
		s.audit(ctx, inats.AuditEvent{
			UserID:    userID,
			EventType: "quota_exceeded",
			Severity:  "warn",
			Details:   fmt.Sprintf("%s quota exceeded: used %d of %d, estimated %d", decision.Reason, decision.Used(), decision.Limit(), estimated),
		})
		return nil, quotaExceeded(decision, estimated)
	}

	req := &requests.Request{
		ID:              uuid.New(),
		UserID:          userID,
		Prompt:          prompt,
		Model:           s.model,
		Status:          requests.StatusQueued,
		EstimatedTokens: estimated,
		CreatedAt:       s.now().UTC(),
	}

	lctx, cancel := context.WithTimeout(ctx, s.timeout)
	err := s.ledger.Insert(lctx, req)
	cancel()
	if err != nil {
		metrics.AdmissionsTotal.WithLabelValues("unavailable").Inc()
		slog.Error("recording request", "error", err, "request_id", req.ID, "user_fp", userFP)
		s.quota.Release(context.WithoutCancel(ctx), decision, estimated)
		return nil, api.ErrUnavailable
	}

	msg := inats.InferenceRequest{
		ID:              req.ID.String(),
		UserID:          req.UserID,
		Prompt:          req.Prompt,
		EstimatedTokens: req.EstimatedTokens,
		Timestamp:       req.CreatedAt,
	}

	pctx, cancel := context.WithTimeout(ctx, s.timeout)
	err = s.dispatcher.PublishRequest(pctx, msg)
	cancel()
	if err != nil {
		metrics.AdmissionsTotal.WithLabelValues("dispatch_failed").Inc()
		metrics.DispatchFailuresTotal.Inc()
		slog.Error("dispatching request", "error", err, "request_id", req.ID, "user_fp", userFP)
		s.audit(ctx, inats.AuditEvent{
			UserID:    userID,
			EventType: "dispatch_failed",
			Severity:  "error",
			RequestID: req.ID.String(),
			Details:   "request recorded but not dispatched",
		})
		return nil, api.NewDispatchFailedError("Request recorded but could not be dispatched").
			With("requestId", req.ID)
	}

	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	if err := s.ledger.MarkDispatched(mctx, req.ID); err != nil {
		// The reconciler republishes it; the queue drops the duplicate.
		slog.Warn("marking request dispatched", "error", err, "request_id", req.ID)
	}
	cancel()

	metrics.AdmissionsTotal.WithLabelValues("admitted").Inc()
	slog.Info("request admitted", "request_id", req.ID, "user_fp", userFP, "estimated_tokens", estimated)
	s.audit(ctx, inats.AuditEvent{
		UserID:    userID,
		EventType: "request_admitted",
		Severity:  "info",
		RequestID: req.ID.String(),
		Details:   fmt.Sprintf("estimated %d tokens", estimated),
	})

	return &Admission{
		RequestID:       req.ID,
		Status:          string(requests.StatusQueued),
		EstimatedTokens: estimated,
	}, nil
}

func quotaExceeded(d quota.Decision, estimated int64) *api.AppError {
	msg := "Request quota exceeded"
	if d.Reason == quota.ReasonTokenLimit {
		msg = "Token quota exceeded"
	}
	return api.NewQuotaExceededError(msg).
		With("dimension", string(d.Reason)).
		With("limit", d.Limit()).
		With("used", d.Used()).
		With("estimated", estimated)
}

func (s *Service) audit(ctx context.Context, event inats.AuditEvent) {
	event.Timestamp = s.now().UTC()
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	if err := s.dispatcher.PublishAuditEvent(actx, event); err != nil {
		slog.Warn("publishing audit event", "error", err, "event_type", event.EventType)
	}
}

// Resolve maps the ledger row for (requestID, userID) to a client status.
// Rows owned by another user, and ids that are not UUIDs, resolve to
// OutcomeNotFound.
func (s *Service) Resolve(ctx context.Context, userID, requestID string) (*Resolution, error) {
	if userID == "" {
		return nil, api.ErrMissingAPIKey
	}
	if requestID == "" {
		return nil, api.ErrMissingID
	}

	id, err := uuid.Parse(requestID)
	if err != nil {
		return &Resolution{Status: OutcomeNotFound}, nil
	}

	rctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := s.ledger.GetForUser(rctx, id, userID)
	if err != nil {
		if errors.Is(err, requests.ErrNotFound) {
			return &Resolution{Status: OutcomeNotFound}, nil
		}
		slog.Error("reading request status", "error", err, "request_id", id)
		return nil, api.ErrInternalServer
	}
	return resolve(req), nil
}

func resolve(req *requests.Request) *Resolution {
	switch {
	case req.Status == requests.StatusDone && req.Result != nil:
		return &Resolution{
			Status: OutcomeDone,
			Output: req.Result,
			Tokens: &TokenUsage{
				Prompt:     req.PromptTokens,
				Completion: req.CompletionTokens,
				Total:      req.TotalTokens,
			},
		}
	case req.Status == requests.StatusError:
		msg := "inference failed"
		if req.ErrorMessage != nil && *req.ErrorMessage != "" {
			msg = *req.ErrorMessage
		}
		return &Resolution{Status: OutcomeFailed, Error: msg}
	default:
		return &Resolution{Status: OutcomeProcessing}
	}
}

// Quota returns the caller's active window.
func (s *Service) Quota(ctx context.Context, userID string) (*QuotaView, error) {
	if userID == "" {
		return nil, api.ErrMissingAPIKey
	}

	qctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	u, err := s.quota.Usage(qctx, userID)
	if err != nil {
		slog.Error("reading quota usage", "error", err, "user_fp", auth.Fingerprint(userID))
		return nil, api.ErrUnavailable
	}
	return &QuotaView{
		Requests:    Allowance{Used: u.RequestsUsed, Limit: u.RequestLimit, Remaining: u.RequestsRemaining()},
		Tokens:      Allowance{Used: u.TokensUsed, Limit: u.TokenLimit, Remaining: u.TokensRemaining()},
		PeriodStart: u.PeriodStart,
		PeriodEnd:   u.PeriodEnd,
	}, nil
}

// ListRequests returns one page of the caller's requests, newest first.
func (s *Service) ListRequests(ctx context.Context, userID string, params requests.ListParams) ([]*requests.Request, int64, error) {
	if userID == "" {
		return nil, 0, api.ErrMissingAPIKey
	}

	lctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	items, err := s.ledger.ListByUser(lctx, userID, params.PageSize, params.Offset())
	if err != nil {
		slog.Error("listing requests", "error", err)
		return nil, 0, api.ErrInternalServer
	}
	total, err := s.ledger.CountByUser(lctx, userID)
	if err != nil {
		slog.Error("counting requests", "error", err)
		return nil, 0, api.ErrInternalServer
	}
	if items == nil {
		items = []*requests.Request{}
	}
	return items, total, nil
}
