package server

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/inkstone-app/inkstone/internal/health"
	"github.com/inkstone-app/inkstone/internal/model"
	"github.com/inkstone-app/inkstone/internal/scheduler"
	"github.com/inkstone-app/inkstone/internal/storage"
)

type handlers struct {
	db      *storage.DB
	sched   *scheduler.Scheduler
	probe   *health.Probe
	logger  *slog.Logger
	version string
}

// handleStatus returns the scheduler's current view.
func (h *handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.sched.Status(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "load status")
		return
	}
	writeJSON(w, r, http.StatusOK, st)
}

func (h *handlers) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.Start(r.Context()); err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"running": true})
}

func (h *handlers) handleStop(w http.ResponseWriter, r *http.Request) {
	// Stopping waits for any in-flight operation to reach a checkpoint.
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := h.sched.Stop(ctx); err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"running": false})
}

type queueOperationRequest struct {
	Type      model.ContentType `json:"type"`
	ProjectID *uuid.UUID        `json:"project_id,omitempty"`
}

// handleQueueOperation enqueues an external generation request.
func (h *handlers) handleQueueOperation(w http.ResponseWriter, r *http.Request) {
	var req queueOperationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid request body")
		return
	}
	id, err := h.sched.QueueOperation(r.Context(), req.Type, req.ProjectID)
	switch {
	case errors.Is(err, scheduler.ErrQueueFull):
		writeError(w, r, http.StatusTooManyRequests, model.ErrCodeQueueFull, "operation queue full")
		return
	case err != nil:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, err.Error())
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]any{"operation_id": id})
}

func (h *handlers) handleListOperations(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	ops, err := h.db.ListOperations(r.Context(), limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "list operations")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"operations": ops})
}

func (h *handlers) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid operation id")
		return
	}
	op, err := h.db.GetOperation(r.Context(), id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "operation not found")
		return
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "get operation")
		return
	}
	writeJSON(w, r, http.StatusOK, op)
}

// handleCancelOperation removes a queued operation. Running operations are
// only cancelled through a scheduler stop.
func (h *handlers) handleCancelOperation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid operation id")
		return
	}
	if !h.sched.CancelQueued(r.Context(), id) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "operation not queued")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"cancelled": id})
}

func (h *handlers) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.sched.Config())
}

func (h *handlers) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	var patch model.ConfigPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid request body")
		return
	}
	cfg, err := h.sched.UpdateConfig(r.Context(), patch)
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeInvalidPatch, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, cfg)
}

func (h *handlers) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	filter := model.LogFilter{
		Level: model.LogLevel(r.URL.Query().Get("level")),
		Limit: queryInt(r, "limit", 100),
	}
	if v := r.URL.Query().Get("operation_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid operation_id")
			return
		}
		filter.OperationID = &id
	}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid since timestamp")
			return
		}
		filter.Since = since
	}
	logs, err := h.db.QueryLogs(r.Context(), filter)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "query logs")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"logs": logs})
}

func (h *handlers) handleGetContent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid content id")
		return
	}
	c, err := h.db.GetContent(r.Context(), id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "content not found")
		return
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "get content")
		return
	}
	writeJSON(w, r, http.StatusOK, c)
}

func (h *handlers) handleContentStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.db.CountContentByType(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "count content")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"by_type": counts})
}

// handleHealthz reports datastore reachability and the latest resource
// snapshot. It returns 503 when the datastore is unreachable.
func (h *handlers) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	dbOK := true
	if err := h.db.Ping(r.Context()); err != nil {
		dbOK = false
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, map[string]any{
		"version":  h.version,
		"database": dbOK,
		"system":   h.probe.Latest(),
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
