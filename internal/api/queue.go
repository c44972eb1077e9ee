package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/renton5150/campaign-forge-queue/internal/queue"
	"github.com/renton5150/campaign-forge-queue/internal/store"
)

type QueueHandler struct {
	store  *store.PostgresStore
	worker *queue.Worker
}

func NewQueueHandler(s *store.PostgresStore, w *queue.Worker) *QueueHandler {
	return &QueueHandler{store: s, worker: w}
}

// List returns queue items filtered by campaign and/or status.
func (h *QueueHandler) List(w http.ResponseWriter, r *http.Request) {
	campaignID := r.URL.Query().Get("campaign_id")
	status := r.URL.Query().Get("status")
	limitStr := r.URL.Query().Get("limit")

	limit := 50
	if limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			limit = n
		}
	}

	items, err := h.store.ListQueueItems(r.Context(), campaignID, status, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list queue items")
		return
	}

	respondJSON(w, http.StatusOK, items)
}

// Get returns a single queue item.
func (h *QueueHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	item, err := h.store.GetQueueItem(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get queue item")
		return
	}
	if item == nil {
		respondError(w, http.StatusNotFound, "queue item not found")
		return
	}

	respondJSON(w, http.StatusOK, item)
}

// Stats returns per-status counts, optionally scoped to one campaign.
func (h *QueueHandler) Stats(w http.ResponseWriter, r *http.Request) {
	campaignID := r.URL.Query().Get("campaign_id")

	stats, err := h.store.QueueStats(r.Context(), campaignID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get queue stats")
		return
	}

	respondJSON(w, http.StatusOK, stats)
}

// ProcessBatch runs exactly one poll cycle to completion and returns what
// it did. This is the one-shot deployment shape behind an endpoint.
func (h *QueueHandler) ProcessBatch(w http.ResponseWriter, r *http.Request) {
	stats, err := h.worker.ProcessBatch(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to process batch")
		return
	}

	respondJSON(w, http.StatusOK, stats)
}

type workerStateResponse struct {
	Running bool `json:"running"`
}

// StartWorker starts the polling loop if it is not already running.
func (h *QueueHandler) StartWorker(w http.ResponseWriter, r *http.Request) {
	if err := h.worker.Start(); err != nil {
		respondError(w, http.StatusConflict, "worker already running")
		return
	}
	respondJSON(w, http.StatusOK, workerStateResponse{Running: true})
}

// StopWorker stops the polling loop. The in-flight cycle finishes first.
func (h *QueueHandler) StopWorker(w http.ResponseWriter, r *http.Request) {
	h.worker.Stop()
	respondJSON(w, http.StatusOK, workerStateResponse{Running: false})
}

// WorkerState reports whether the polling loop is active.
func (h *QueueHandler) WorkerState(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, workerStateResponse{Running: h.worker.Running()})
}
