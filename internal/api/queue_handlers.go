package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/reconcile/internal/idempotency"
	"github.com/hyperengineering/reconcile/internal/queue"
	"github.com/hyperengineering/reconcile/internal/types"
	"github.com/hyperengineering/reconcile/internal/validation"
)

// itemGetter is implemented by queues that can look up a single item.
type itemGetter interface {
	GetItem(ctx context.Context, id string) (types.QueueItem, error)
}

// Enqueue handles POST /api/v1/queue. An Idempotency-Key header becomes the
// item's request id; replaying a key the server already applied answers 200
// with X-Idempotent-Replay instead of enqueuing again.
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req types.EnqueueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if errs := validation.ValidateEnqueueRequest(req); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	data := req.Data
	key, hasKey := IdempotencyKeyFromContext(ctx)
	if hasKey {
		data = idempotency.AddIdempotencyKey(data, key)
	}
	replay := hasKey && h.manager.WasProcessed(key)

	item, err := h.manager.Enqueue(ctx, req.Entity, req.Operation, data)
	if err != nil {
		MapError(w, r, err)
		return
	}

	if replay || queue.IsVirtual(item) {
		w.Header().Set("X-Idempotent-Replay", "true")
		slog.Info("enqueue idempotent replay",
			"component", "api",
			"entity", req.Entity,
			"item_id", item.ID,
		)
		writeJSON(w, http.StatusOK, item)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// ListItems handles GET /api/v1/queue/items. The optional status query
// parameter filters by lifecycle state.
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	status := types.QueueStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		WriteProblem(w, r, http.StatusBadRequest, "Unknown status: "+string(status))
		return
	}

	items, err := h.manager.GetAllItems(r.Context(), status)
	if err != nil {
		MapError(w, r, err)
		return
	}
	if items == nil {
		items = []types.QueueItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

// GetItem handles GET /api/v1/queue/items/{id}.
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	getter, ok := h.manager.Queue().(itemGetter)
	if !ok {
		WriteProblem(w, r, http.StatusNotImplemented, "Queue does not support item lookup")
		return
	}
	item, err := getter.GetItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// QueueStats handles GET /api/v1/queue/stats.
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.manager.IdempotencyStats(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ProcessQueue handles POST /api/v1/queue/process.
func (h *Handler) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	result, err := h.manager.ProcessQueue(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}
	if result.Errors == nil {
		result.Errors = []types.ProcessError{}
	}
	writeJSON(w, http.StatusOK, result)
}

// RetryFailed handles POST /api/v1/queue/retry.
func (h *Handler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	h.writeCount(w, r, h.manager.RetryFailed)
}

// ClearCompleted handles DELETE /api/v1/queue/completed.
func (h *Handler) ClearCompleted(w http.ResponseWriter, r *http.Request) {
	h.writeCount(w, r, h.manager.ClearCompleted)
}

// Duplicates handles GET /api/v1/queue/duplicates.
func (h *Handler) Duplicates(w http.ResponseWriter, r *http.Request) {
	groups, err := h.manager.FindDuplicates(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}
	if groups == nil {
		groups = []queue.DuplicateGroup{}
	}
	writeJSON(w, http.StatusOK, groups)
}

// RemoveDuplicates handles DELETE /api/v1/queue/duplicates.
func (h *Handler) RemoveDuplicates(w http.ResponseWriter, r *http.Request) {
	h.writeCount(w, r, h.manager.RemoveDuplicates)
}

// IdempotencyStats handles GET /api/v1/idempotency.
func (h *Handler) IdempotencyStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Tracker().Stats())
}

// CleanupIdempotency handles POST /api/v1/idempotency/cleanup. The
// optional max_age query parameter is a Go duration; the configured age
// is used when it is absent.
func (h *Handler) CleanupIdempotency(w http.ResponseWriter, r *http.Request) {
	var maxAge time.Duration
	if raw := r.URL.Query().Get("max_age"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			WriteProblem(w, r, http.StatusBadRequest, "max_age must be a positive duration")
			return
		}
		maxAge = d
	}
	writeJSON(w, http.StatusOK, types.CountResponse{Count: h.manager.Cleanup(r.Context(), maxAge)})
}

func (h *Handler) writeCount(w http.ResponseWriter, r *http.Request, op func(context.Context) (int, error)) {
	n, err := op(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.CountResponse{Count: n})
}
