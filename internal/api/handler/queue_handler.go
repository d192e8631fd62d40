package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apimw "github.com/replikv/sinkrepl/internal/api/middleware"
	"github.com/replikv/sinkrepl/internal/domain"
	"github.com/replikv/sinkrepl/internal/sink"
)

// Controller is the slice of the sink coordinator's control API the HTTP
// layer depends on.
type Controller interface {
	AddQueue(ctx context.Context, name string, peers []domain.Peer, workerCount int) error
	RemoveQueue(ctx context.Context, name string) error
	SuspendQueue(ctx context.Context, name string) error
	ResumeQueue(ctx context.Context, name string) error
	SetWorkerCount(ctx context.Context, name string, workerCount int) error
	PromptDispatch(ctx context.Context) error
	Snapshot(ctx context.Context) ([]sink.QueueSnapshot, error)
}

// QueueHandler exposes the coordinator's control operations over HTTP.
type QueueHandler struct {
	ctrl   Controller
	logger *zap.Logger
}

func NewQueueHandler(ctrl Controller, logger *zap.Logger) *QueueHandler {
	return &QueueHandler{ctrl: ctrl, logger: logger}
}

// addQueueRequest is the body of PUT /api/v1/queues/{name}.
type addQueueRequest struct {
	Peers   []domain.Peer `json:"peers"`
	Workers int           `json:"workers"`
}

// Add handles PUT /api/v1/queues/{name}
//
// Re-adding an existing name fully replaces it: new iteration, rebuilt
// backlog, suspension cleared.
func (h *QueueHandler) Add(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req addQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := h.ctrl.AddQueue(r.Context(), name, req.Peers, req.Workers); err != nil {
		h.logger.Warn("add queue failed",
			zap.String("queue", name),
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "queue": name})
}

// Remove handles DELETE /api/v1/queues/{name}
func (h *QueueHandler) Remove(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.ctrl.RemoveQueue(r.Context(), name); err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "queue": name})
}

// Suspend handles POST /api/v1/queues/{name}/suspend
func (h *QueueHandler) Suspend(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.ctrl.SuspendQueue(r.Context(), name); err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "suspended", "queue": name})
}

// Resume handles POST /api/v1/queues/{name}/resume
func (h *QueueHandler) Resume(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.ctrl.ResumeQueue(r.Context(), name); err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "resumed", "queue": name})
}

// setWorkersRequest is the body of PUT /api/v1/queues/{name}/workers.
type setWorkersRequest struct {
	Workers int `json:"workers"`
}

// SetWorkers handles PUT /api/v1/queues/{name}/workers
func (h *QueueHandler) SetWorkers(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req setWorkersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := h.ctrl.SetWorkerCount(r.Context(), name, req.Workers); err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "queue": name, "workers": req.Workers})
}

// Prompt handles POST /api/v1/dispatch — a manual dispatch pass over all
// queues. Dispatch is normally automatic.
func (h *QueueHandler) Prompt(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.PromptDispatch(r.Context()); err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// List handles GET /api/v1/queues — a point-in-time snapshot of every
// queue's state, including per-peer adaptive delays.
func (h *QueueHandler) List(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.ctrl.Snapshot(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"queues": snaps})
}
