package requests

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a request.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// Request matches the requests table schema.
type Request struct {
	ID               uuid.UUID  `json:"id"`
	UserID           string     `json:"-"`
	Prompt           string     `json:"prompt"`
	Model            string     `json:"model"`
	Status           Status     `json:"status"`
	EstimatedTokens  int64      `json:"estimated_tokens"`
	PromptTokens     *int64     `json:"prompt_tokens"`
	CompletionTokens *int64     `json:"completion_tokens"`
	TotalTokens      *int64     `json:"total_tokens"`
	Result           *string    `json:"result,omitempty"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	DispatchedAt     *time.Time `json:"-"`
	CompletedAt      *time.Time `json:"completed_at"`
}

// Usage is the token accounting a worker reports on completion.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// ListParams holds pagination parameters for a user's request history.
type ListParams struct {
	Page     int
	PageSize int
}

// DefaultListParams mirrors the history endpoint defaults.
func DefaultListParams() ListParams {
	return ListParams{
		Page:     1,
		PageSize: 10,
	}
}

// Offset returns the row offset for the page.
func (p ListParams) Offset() int {
	return (p.Page - 1) * p.PageSize
}
