package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/upb/kvtrace/internal/debugtrace"
	"github.com/upb/kvtrace/middleware"
	"github.com/upb/kvtrace/repositories"
	"github.com/upb/kvtrace/utils"
	"go.uber.org/zap"
)

const (
	defaultTraceListLimit = 20
	maxTraceListLimit     = 100
)

// DebugHandler serves persisted request traces. Its routes live under
// /debug/ so the tracer never captures them.
type DebugHandler struct {
	store     repositories.KVStore
	namespace string
	logger    *zap.Logger
}

// NewDebugHandler creates a new DebugHandler
func NewDebugHandler(store repositories.KVStore, namespace string, logger *zap.Logger) *DebugHandler {
	return &DebugHandler{
		store:     store,
		namespace: namespace,
		logger:    logger,
	}
}

// HandleGetTrace handles GET /api/v1/debug/traces/{id}
func (h *DebugHandler) HandleGetTrace(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "id")
	if err := utils.ValidateUUID(requestID); err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}

	entry, err := h.store.Get(r.Context(), middleware.TraceKey(h.namespace, requestID))
	if err != nil {
		h.logger.Error("failed to load trace",
			zap.String("trace_id", requestID),
			zap.Error(err))
		_ = utils.WriteInternalServerError(w, "")
		return
	}
	if !entry.Exists() {
		_ = utils.WriteNotFound(w, "trace not found or expired")
		return
	}

	_ = utils.WriteOK(w, entry.Value)
}

// HandleListTraces handles GET /api/v1/debug/traces?limit=n
// Traces are returned newest first.
func (h *DebugHandler) HandleListTraces(w http.ResponseWriter, r *http.Request) {
	limit := defaultTraceListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxTraceListLimit {
			_ = utils.WriteBadRequest(w, "limit must be between 1 and 100", map[string]any{"limit": raw})
			return
		}
		limit = n
	}

	// The index orders traces by start time; read it backwards
	entries, err := h.store.List(r.Context(), repositories.ListSelector{
		Prefix:  middleware.TraceIndexPrefix(h.namespace),
		Limit:   limit,
		Reverse: true,
	})
	if err != nil {
		h.logger.Error("failed to list traces", zap.Error(err))
		_ = utils.WriteInternalServerError(w, "")
		return
	}

	summaries := make([]debugtrace.Summary, 0, len(entries))
	for _, e := range entries {
		var summary debugtrace.Summary
		if err := e.Decode(&summary); err != nil {
			h.logger.Warn("skipping undecodable trace summary",
				zap.String("key", e.Key.String()),
				zap.Error(err))
			continue
		}
		summaries = append(summaries, summary)
	}

	_ = utils.WriteOK(w, summaries)
}
