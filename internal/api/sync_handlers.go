package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/reconcile/internal/bgsync"
	"github.com/hyperengineering/reconcile/internal/types"
	"github.com/hyperengineering/reconcile/internal/validation"
)

// requireSync writes a 503 problem and returns false when no sync adapter
// is configured.
func (h *Handler) requireSync(w http.ResponseWriter, r *http.Request) bool {
	if h.sync == nil {
		WriteProblem(w, r, http.StatusServiceUnavailable, "Background sync is not configured")
		return false
	}
	return true
}

// SyncStatus handles GET /api/v1/sync/status.
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	if !h.requireSync(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, h.sync.Status(r.Context()))
}

// SyncEvents handles GET /api/v1/sync/events.
func (h *Handler) SyncEvents(w http.ResponseWriter, r *http.Request) {
	if !h.requireSync(w, r) {
		return
	}
	events := h.sync.Events()
	if events == nil {
		events = []bgsync.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// ClearSyncEvents handles DELETE /api/v1/sync/events.
func (h *Handler) ClearSyncEvents(w http.ResponseWriter, r *http.Request) {
	if !h.requireSync(w, r) {
		return
	}
	h.sync.ClearEvents(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// TriggerSync handles POST /api/v1/sync/trigger. The tag is registered for
// background sync when the capability exists; otherwise the queue is
// processed before the response is written.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if !h.requireSync(w, r) {
		return
	}

	var req types.SyncRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if errs := validation.ValidateSyncRequest(req); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	result := h.sync.SmartSync(r.Context(), req.Tag, h.processQueue)
	slog.Info("sync triggered",
		"component", "api",
		"tag", req.Tag,
		"method", result.Method,
		"success", result.Success,
	)
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) processQueue(ctx context.Context) error {
	_, err := h.manager.ProcessQueue(ctx)
	return err
}
