package nats

import (
	"time"
)

// FetchTimeout is the default timeout for batch fetching messages from consumers.
const FetchTimeout = 2 * time.Second

// Stream names.
const (
	StreamRequests = "INFERENCE_REQUESTS"
	StreamEvents   = "INFERENCE_EVENTS"
)

// Subject constants.
const (
	SubjectRequestSubmitted = "inference.requests.submitted"
	SubjectAuditEvent       = "inference.events.audit"
)

// Durable consumer names.
const (
	ConsumerWorkers = "inference-workers"
	ConsumerAudit   = "audit-persister"
)

// InferenceRequest is the dispatch message handed to workers. Both ends are
// deployed together, so the schema carries no version.
type InferenceRequest struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Prompt          string    `json:"prompt"`
	EstimatedTokens int64     `json:"estimated_tokens"`
	Timestamp       time.Time `json:"timestamp"`
}

// AuditEvent is published for admission decisions worth keeping.
type AuditEvent struct {
	UserID    string    `json:"user_id"`
	EventType string    `json:"event_type"`
	Severity  string    `json:"severity"` // info, warn, error
	RequestID string    `json:"request_id,omitempty"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
}
