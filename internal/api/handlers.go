package api

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/hyperengineering/reconcile/internal/bgsync"
	"github.com/hyperengineering/reconcile/internal/conflict"
	"github.com/hyperengineering/reconcile/internal/queue"
	"github.com/hyperengineering/reconcile/internal/types"
	"github.com/hyperengineering/reconcile/internal/validation"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Handler implements the API handlers.
type Handler struct {
	smart   *conflict.SmartResolver
	manager *queue.IdempotentManager
	sync    *bgsync.Adapter
	apiKey  string
	version string
}

// NewHandler creates a Handler. The sync adapter may be nil, in which case
// the sync endpoints answer 503.
func NewHandler(smart *conflict.SmartResolver, manager *queue.IdempotentManager, adapter *bgsync.Adapter, apiKey, version string) *Handler {
	return &Handler{
		smart:   smart,
		manager: manager,
		sync:    adapter,
		apiKey:  apiKey,
		version: version,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}

// decodeBody decodes the JSON request body into v. It writes a 400
// problem and returns false on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Could not read request body")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return false
	}
	return true
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.manager.GetStats(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}

	resp := types.HealthResponse{
		Status:     "healthy",
		Version:    h.version,
		QueueReady: h.manager.IsReady(),
		Pending:    stats.Pending,
		RuleCount:  h.smart.Rules().Len(),
	}
	if !resp.QueueReady {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListConflicts handles GET /api/v1/conflicts. The optional type and id
// query parameters filter the log.
func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	base := h.smart.Base()
	q := r.URL.Query()

	var logs []conflict.Log
	switch {
	case q.Get("id") != "":
		logs = base.LogsByID(q.Get("id"))
	case q.Get("type") != "":
		logs = base.LogsByType(q.Get("type"))
	default:
		logs = base.Logs()
	}
	if logs == nil {
		logs = []conflict.Log{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// ConflictStatsResponse combines base and rule-aware statistics.
type ConflictStatsResponse struct {
	Conflicts conflict.Stats      `json:"conflicts"`
	Smart     conflict.SmartStats `json:"smart"`
}

// ConflictStats handles GET /api/v1/conflicts/stats.
func (h *Handler) ConflictStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ConflictStatsResponse{
		Conflicts: h.smart.Base().Stats(),
		Smart:     h.smart.Stats(),
	})
}

// ClearConflicts handles DELETE /api/v1/conflicts.
func (h *Handler) ClearConflicts(w http.ResponseWriter, r *http.Request) {
	h.smart.Base().ClearLogs(r.Context())
	slog.Info("conflict logs cleared", "component", "api")
	w.WriteHeader(http.StatusNoContent)
}

// FieldConflicts handles GET /api/v1/conflicts/fields. The optional entity
// query parameter filters the log.
func (h *Handler) FieldConflicts(w http.ResponseWriter, r *http.Request) {
	logs := h.smart.FieldConflictLogs(r.URL.Query().Get("entity"))
	if logs == nil {
		logs = []conflict.FieldConflictLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// ClearFieldConflicts handles DELETE /api/v1/conflicts/fields.
func (h *Handler) ClearFieldConflicts(w http.ResponseWriter, r *http.Request) {
	h.smart.ClearFieldConflictLogs(r.Context())
	slog.Info("field conflict logs cleared", "component", "api")
	w.WriteHeader(http.StatusNoContent)
}

// Resolve handles POST /api/v1/resolve.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req types.ResolveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if errs := validation.ValidateResolveRequest(req); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	d := conflict.Data{
		Local:           req.Local,
		Remote:          req.Remote,
		LocalTimestamp:  req.LocalTimestamp,
		RemoteTimestamp: req.RemoteTimestamp,
		DataType:        req.DataType,
		ID:              req.ID,
	}
	writeJSON(w, http.StatusOK, h.smart.ResolveWithStrategy(r.Context(), d, req.Strategy))
}

// Rules handles GET /api/v1/rules.
func (h *Handler) Rules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, RuleSummaries(h.smart))
}

// RuleSummaries describes every rule registered with s in registration
// order.
func RuleSummaries(s *conflict.SmartResolver) []types.RuleSummary {
	reg := s.Rules()
	out := make([]types.RuleSummary, 0, reg.Len())
	for _, rule := range reg.Rules() {
		out = append(out, types.RuleSummary{
			Entity:                    rule.Entity,
			ProtectedFields:           nonNil(rule.ProtectedFields),
			ServerAuthoritativeFields: nonNil(rule.ServerAuthoritativeFields),
			ManualFields:              nonNil(rule.ManualFields),
			VersionFields:             rule.VersionFields(),
			HasValidator:              rule.Validator != nil,
		})
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
