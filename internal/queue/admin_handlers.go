package queue

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/noah-isme/backend-paysync/internal/common"
)

// AdminHandler exposes DLQ inspection and requeue endpoints.
type AdminHandler struct {
	Store     Store
	Scheduler Scheduler
}

// ListDLQ handles GET /admin/queue/dlq.
func (h *AdminHandler) ListDLQ(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		common.JSONError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "dlq store not configured", nil)
		return
	}
	kind := r.URL.Query().Get("kind")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	entries, err := h.Store.ListDLQ(r.Context(), kind, limit, offset)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to list dlq", nil)
		return
	}
	total, err := h.Store.CountDLQ(r.Context(), kind)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to count dlq", nil)
		return
	}
	items := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		items = append(items, map[string]any{
			"id":             e.ID,
			"kind":           e.Kind,
			"correlationKey": e.CorrelationKey,
			"attempts":       e.Attempts,
			"createdAt":      e.CreatedAt,
		})
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": items, "total": total})
}

// RequeueDLQ handles POST /admin/queue/dlq/{id}/requeue. The entry is pushed
// back onto its queue with a fresh attempt budget and removed from the DLQ.
func (h *AdminHandler) RequeueDLQ(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		common.JSONError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "dlq store not configured", nil)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid dlq entry id", nil)
		return
	}
	entry, err := h.Store.GetDLQ(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "dlq entry not found", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to load dlq entry", nil)
		return
	}
	scheduled, err := h.Scheduler.Schedule(r.Context(), Job{
		Kind:           entry.Kind,
		CorrelationKey: entry.CorrelationKey,
		Payload:        entry.Payload,
	})
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to requeue entry", nil)
		return
	}
	if err := h.Store.DeleteDLQ(r.Context(), id); err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to remove dlq entry", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]any{"scheduled": scheduled}})
}
