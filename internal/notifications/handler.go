package notifications

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bissquit/xconfess/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrJobNotFound, Status: http.StatusNotFound, Message: "dead-letter job not found"},
	{Error: ErrInvalidTimeRange, Status: http.StatusBadRequest},
	{Error: ErrPageOutOfRange, Status: http.StatusBadRequest},
}

// Handler handles HTTP requests for dead-letter administration and diagnostics.
type Handler struct {
	queue       *Queue
	diagnostics *Diagnostics
	validator   *validator.Validate
}

// NewHandler creates a new notifications handler.
func NewHandler(queue *Queue, diagnostics *Diagnostics) *Handler {
	return &Handler{
		queue:       queue,
		diagnostics: diagnostics,
		validator:   validator.New(),
	}
}

// RegisterAdminRoutes registers dead-letter routes (require admin role).
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Route("/notifications/dlq", func(r chi.Router) {
		r.Get("/", h.ListDLQJobs)
		r.Post("/replay", h.ReplayDLQJobsBulk)
		r.Get("/{jobId}", h.GetDLQJob)
		r.Delete("/{jobId}", h.DeleteDLQJob)
		r.Post("/{jobId}/replay", h.ReplayDLQJob)
	})
}

// RegisterDiagnosticsRoutes registers diagnostics routes (require operator role).
func (h *Handler) RegisterDiagnosticsRoutes(r chi.Router) {
	r.Get("/diagnostics/notifications", h.GetDiagnostics)
}

// ListDLQQuery represents query parameters of the dead-letter listing.
type ListDLQQuery struct {
	Page         int
	Limit        int
	FailedAfter  string `validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	FailedBefore string `validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	Search       string `validate:"max=200"`
}

// ReplayRequest represents request body for replaying or deleting one job.
type ReplayRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// BulkReplayRequest represents request body for a bulk replay.
type BulkReplayRequest struct {
	Limit        int    `json:"limit"`
	FailedAfter  string `json:"failedAfter" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	FailedBefore string `json:"failedBefore" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	Search       string `json:"search" validate:"max=200"`
	Reason       string `json:"reason" validate:"max=500"`
}

// ListDLQJobs handles GET /admin/notifications/dlq.
func (h *Handler) ListDLQJobs(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()

	page, err := optionalInt(values.Get("page"))
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "page must be an integer")
		return
	}
	limit, err := optionalInt(values.Get("limit"))
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "limit must be an integer")
		return
	}

	query := ListDLQQuery{
		Page:         page,
		Limit:        limit,
		FailedAfter:  values.Get("failedAfter"),
		FailedBefore: values.Get("failedBefore"),
		Search:       values.Get("search"),
	}
	if err := h.validator.Struct(query); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	result, err := h.queue.ListDLQJobs(r.Context(), DLQQuery{
		Page:         query.Page,
		Limit:        query.Limit,
		FailedAfter:  parseOptionalTime(query.FailedAfter),
		FailedBefore: parseOptionalTime(query.FailedBefore),
		Search:       query.Search,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, result)
}

// GetDLQJob handles GET /admin/notifications/dlq/{jobId}.
func (h *Handler) GetDLQJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.queue.GetDLQJob(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, job)
}

// ReplayDLQJob handles POST /admin/notifications/dlq/{jobId}/replay.
func (h *Handler) ReplayDLQJob(w http.ResponseWriter, r *http.Request) {
	var req ReplayRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}

	result, err := h.queue.ReplayDLQJob(r.Context(), chi.URLParam(r, "jobId"), httputil.GetUserID(r.Context()), req.Reason)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, result)
}

// DeleteDLQJob handles DELETE /admin/notifications/dlq/{jobId}.
func (h *Handler) DeleteDLQJob(w http.ResponseWriter, r *http.Request) {
	var req ReplayRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}

	if err := h.queue.DeleteDLQJob(r.Context(), chi.URLParam(r, "jobId"), httputil.GetUserID(r.Context()), req.Reason); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ReplayDLQJobsBulk handles POST /admin/notifications/dlq/replay.
func (h *Handler) ReplayDLQJobsBulk(w http.ResponseWriter, r *http.Request) {
	var req BulkReplayRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}

	result, err := h.queue.ReplayDLQJobsBulk(r.Context(), httputil.GetUserID(r.Context()), BulkReplayOptions{
		Limit:        req.Limit,
		FailedAfter:  parseOptionalTime(req.FailedAfter),
		FailedBefore: parseOptionalTime(req.FailedBefore),
		Search:       req.Search,
		Reason:       req.Reason,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, result)
}

// GetDiagnostics handles GET /app/diagnostics/notifications.
func (h *Handler) GetDiagnostics(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.diagnostics.Snapshot(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, snapshot)
}

// decodeOptional decodes and validates a JSON body; an empty body leaves dst
// zero. It writes the error response and returns false on failure.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return false
	}

	if err := h.validator.Struct(dst); err != nil {
		httputil.ValidationError(w, err)
		return false
	}
	return true
}

func optionalInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// parseOptionalTime parses a value already checked by the validator.
func parseOptionalTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}
