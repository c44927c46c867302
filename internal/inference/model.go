package inference

import (
	"time"

	"github.com/google/uuid"
)

// GenerateRequest is the /generate body.
type GenerateRequest struct {
	Prompt string `json:"prompt" validate:"required"`
}

// Admission is returned to the client once a request is queued.
type Admission struct {
	RequestID       uuid.UUID `json:"requestId"`
	Status          string    `json:"status"`
	EstimatedTokens int64     `json:"estimatedTokens"`
}

// Outcome is the client-facing status of a request.
type Outcome string

const (
	OutcomeNotFound   Outcome = "not_found"
	OutcomeProcessing Outcome = "processing"
	OutcomeDone       Outcome = "done"
	OutcomeFailed     Outcome = "error"
)

// TokenUsage mirrors the ledger's token columns; any of them may still be null.
type TokenUsage struct {
	Prompt     *int64 `json:"prompt"`
	Completion *int64 `json:"completion"`
	Total      *int64 `json:"total"`
}

// Resolution is the /status body.
type Resolution struct {
	Status Outcome     `json:"status"`
	Output *string     `json:"output,omitempty"`
	Tokens *TokenUsage `json:"tokens,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Allowance is one quota dimension as shown to clients.
type Allowance struct {
	Used      int64 `json:"used"`
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
}

// QuotaView is the /quota body.
type QuotaView struct {
	Requests    Allowance `json:"requests"`
	Tokens      Allowance `json:"tokens"`
	PeriodStart time.Time `json:"periodStart"`
	PeriodEnd   time.Time `json:"periodEnd"`
}
