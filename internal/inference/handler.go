package inference

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/aiox-platform/inferq/internal/api"
	"github.com/aiox-platform/inferq/internal/auth"
	"github.com/aiox-platform/inferq/internal/requests"
)

// MaxBodyBytes caps the /generate request body.
const MaxBodyBytes = 1 << 20

var errBodyTooLarge = api.NewBadRequestError("Request body too large")

type Handler struct {
	svc      *Service
	validate *validator.Validate
}

func NewHandler(svc *Service) *Handler {
	return &Handler{
		svc:      svc,
		validate: validator.New(),
	}
}

func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	userID := auth.GetUserID(r.Context())
	if userID == "" {
		api.HandleError(w, api.ErrMissingAPIKey)
		return
	}

	var req GenerateRequest
	body := http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.HandleError(w, errBodyTooLarge)
			return
		}
		api.HandleError(w, api.ErrBadRequest)
		return
	}

	check := GenerateRequest{Prompt: strings.TrimSpace(req.Prompt)}
	if err := h.validate.Struct(check); err != nil {
		api.HandleError(w, api.ErrMissingPrompt)
		return
	}

	admission, err := h.svc.Admit(r.Context(), userID, req.Prompt)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.JSON(w, http.StatusOK, admission)
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	userID := auth.GetUserID(r.Context())
	if userID == "" {
		api.HandleError(w, api.ErrMissingAPIKey)
		return
	}

	res, err := h.svc.Resolve(r.Context(), userID, r.URL.Query().Get("requestId"))
	if err != nil {
		api.HandleError(w, err)
		return
	}

	if res.Status == OutcomeNotFound {
		api.HandleError(w, api.NewNotFoundError("Request not found").With("status", string(OutcomeNotFound)))
		return
	}

	api.JSON(w, http.StatusOK, res)
}

func (h *Handler) Quota(w http.ResponseWriter, r *http.Request) {
	userID := auth.GetUserID(r.Context())
	if userID == "" {
		api.HandleError(w, api.ErrMissingAPIKey)
		return
	}

	view, err := h.svc.Quota(r.Context(), userID)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.JSON(w, http.StatusOK, view)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID := auth.GetUserID(r.Context())
	if userID == "" {
		api.HandleError(w, api.ErrMissingAPIKey)
		return
	}

	params := requests.DefaultListParams()
	if p := r.URL.Query().Get("page"); p != "" {
		if page, err := strconv.Atoi(p); err == nil && page > 0 {
			params.Page = page
		}
	}
	if ps := r.URL.Query().Get("page_size"); ps != "" {
		if pageSize, err := strconv.Atoi(ps); err == nil && pageSize > 0 && pageSize <= 100 {
			params.PageSize = pageSize
		}
	}

	items, total, err := h.svc.ListRequests(r.Context(), userID, params)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.JSONPaginated(w, http.StatusOK, items, total, params.Page, params.PageSize)
}
