package quota

import (
	"time"
)

// Reason explains why a reservation was not admitted.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonRequestLimit Reason = "request"
	ReasonTokenLimit   Reason = "token"
	ReasonUnavailable  Reason = "unavailable"
)

// Usage is a snapshot of one user's active quota window.
type Usage struct {
	UserID       string    `json:"user_id"`
	RequestsUsed int64     `json:"request_count"`
	RequestLimit int64     `json:"request_limit"`
	TokensUsed   int64     `json:"token_count"`
	TokenLimit   int64     `json:"token_limit"`
	PeriodStart  time.Time `json:"period_start"`
	PeriodEnd    time.Time `json:"period_end"`
}

// RequestsRemaining never goes below zero.
func (u Usage) RequestsRemaining() int64 {
	return max(0, u.RequestLimit-u.RequestsUsed)
}

// TokensRemaining never goes below zero.
func (u Usage) TokensRemaining() int64 {
	return max(0, u.TokenLimit-u.TokensUsed)
}

// Decision is the outcome of a check-and-reserve.
type Decision struct {
	Admitted bool
	Reason   Reason
	// Bypassed is set when the store was unreachable and the fail-open
	// policy admitted the request without touching any counters.
	Bypassed bool
	Usage    Usage
}

// Limit returns the ceiling of the dimension that denied the request.
func (d Decision) Limit() int64 {
	if d.Reason == ReasonTokenLimit {
		return d.Usage.TokenLimit
	}
	return d.Usage.RequestLimit
}

// Used returns current usage of the dimension that denied the request.
func (d Decision) Used() int64 {
	if d.Reason == ReasonTokenLimit {
		return d.Usage.TokensUsed
	}
	return d.Usage.RequestsUsed
}

// Limits are the per-window ceilings for one user.
type Limits struct {
	Requests int64
	Tokens   int64
}

// Window returns the fixed UTC-day window containing t.
func Window(t time.Time) (start, end time.Time) {
	t = t.UTC()
	start = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}
