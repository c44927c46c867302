package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
)

// Kind is the stable, machine-readable error class returned to clients.
type Kind string

const (
	KindUnauthorized   Kind = "unauthorized"
	KindBadRequest     Kind = "bad_request"
	KindQuotaExceeded  Kind = "quota_exceeded"
	KindDispatchFailed Kind = "dispatch_failed"
	KindNotFound       Kind = "not_found"
	KindUnavailable    Kind = "unavailable"
	KindInternal       Kind = "internal"
)

type AppError struct {
	Code    int    `json:"-"`
	Kind    Kind   `json:"kind"`
	Message string `json:"error"`
	// Fields are merged into the response body next to error and kind.
	Fields map[string]any `json:"-"`
	// RetryAfter, in seconds, is sent as a Retry-After header when positive.
	RetryAfter int `json:"-"`
}

func (e *AppError) Error() string {
	return e.Message
}

// With returns a copy of e carrying an extra body field.
func (e *AppError) With(key string, value any) *AppError {
	cp := *e
	cp.Fields = make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		cp.Fields[k] = v
	}
	cp.Fields[key] = value
	return &cp
}

// MarshalJSON flattens Fields into the top-level object.
func (e *AppError) MarshalJSON() ([]byte, error) {
	body := make(map[string]any, len(e.Fields)+2)
	for k, v := range e.Fields {
		body[k] = v
	}
	body["error"] = e.Message
	body["kind"] = e.Kind
	return json.Marshal(body)
}

var (
	ErrBadRequest     = &AppError{Code: http.StatusBadRequest, Kind: KindBadRequest, Message: "bad request"}
	ErrUnauthorized   = &AppError{Code: http.StatusUnauthorized, Kind: KindUnauthorized, Message: "unauthorized"}
	ErrMissingAPIKey  = &AppError{Code: http.StatusUnauthorized, Kind: KindUnauthorized, Message: "API key is required"}
	ErrMissingPrompt  = &AppError{Code: http.StatusBadRequest, Kind: KindBadRequest, Message: "Missing prompt"}
	ErrMissingID      = &AppError{Code: http.StatusBadRequest, Kind: KindBadRequest, Message: "Missing requestId"}
	ErrNotFound       = &AppError{Code: http.StatusNotFound, Kind: KindNotFound, Message: "not found"}
	ErrInternalServer = &AppError{Code: http.StatusInternalServerError, Kind: KindInternal, Message: "Internal server error"}
	ErrUnavailable    = &AppError{Code: http.StatusServiceUnavailable, Kind: KindUnavailable, Message: "service temporarily unavailable", RetryAfter: 1}
)

func NewBadRequestError(msg string) *AppError {
	return &AppError{Code: http.StatusBadRequest, Kind: KindBadRequest, Message: msg}
}

func NewNotFoundError(msg string) *AppError {
	return &AppError{Code: http.StatusNotFound, Kind: KindNotFound, Message: msg}
}

func NewValidationError(msg string) *AppError {
	return &AppError{Code: http.StatusBadRequest, Kind: KindBadRequest, Message: msg}
}

func NewQuotaExceededError(msg string) *AppError {
	return &AppError{Code: http.StatusTooManyRequests, Kind: KindQuotaExceeded, Message: msg}
}

func NewDispatchFailedError(msg string) *AppError {
	return &AppError{Code: http.StatusServiceUnavailable, Kind: KindDispatchFailed, Message: msg, RetryAfter: 5}
}

// HandleError writes err as a JSON error body. Anything that is not an
// *AppError is reported as an internal error without its message.
func HandleError(w http.ResponseWriter, err error) {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		appErr = ErrInternalServer
	}
	if appErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(appErr.RetryAfter))
	}
	JSON(w, appErr.Code, appErr)
}
