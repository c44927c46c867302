package audit

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/aiox-platform/inferq/internal/api"
	"github.com/aiox-platform/inferq/internal/auth"
)

// Lister reads a user's audit trail.
type Lister interface {
	ListByUser(ctx context.Context, userID string, params ListParams) ([]Entry, int64, error)
}

// Handler serves GET /audit.
type Handler struct {
	entries Lister
}

func NewHandler(entries Lister) *Handler {
	return &Handler{entries: entries}
}

// List returns the caller's audit entries. Only the caller's own rows are
// ever visible.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID := auth.GetUserID(r.Context())
	if userID == "" {
		api.HandleError(w, api.ErrMissingAPIKey)
		return
	}

	params := parseListParams(r)
	entries, total, err := h.entries.ListByUser(r.Context(), userID, params)
	if err != nil {
		slog.Error("listing audit logs", "error", err, "user_fp", auth.Fingerprint(userID))
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSONPaginated(w, http.StatusOK, entries, total, params.Page, params.PageSize)
}

func parseListParams(r *http.Request) ListParams {
	params := DefaultListParams()
	q := r.URL.Query()

	params.EventType = q.Get("event_type")
	params.Severity = q.Get("severity")
	if id, err := uuid.Parse(q.Get("request_id")); err == nil {
		params.RequestID = &id
	}
	if page, err := strconv.Atoi(q.Get("page")); err == nil && page > 0 {
		params.Page = page
	}
	if size, err := strconv.Atoi(q.Get("page_size")); err == nil && size > 0 && size <= 100 {
		params.PageSize = size
	}
	if t, err := time.Parse(time.RFC3339, q.Get("from")); err == nil {
		params.From = &t
	}
	if t, err := time.Parse(time.RFC3339, q.Get("to")); err == nil {
		params.To = &t
	}
	return params
}
