package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/renton5150/campaign-forge-queue/internal/queue"
	"github.com/renton5150/campaign-forge-queue/internal/store"
)

// Enqueuer is what the send endpoint needs from the producer.
type Enqueuer interface {
	Enqueue(ctx context.Context, campaignID string, listIDs []string) (*queue.EnqueueResult, error)
}

type CampaignHandler struct {
	store    *store.PostgresStore
	producer Enqueuer
	waker    queue.Waker
}

func NewCampaignHandler(s *store.PostgresStore, producer Enqueuer, waker queue.Waker) *CampaignHandler {
	return &CampaignHandler{store: s, producer: producer, waker: waker}
}

type sendCampaignRequest struct {
	ListIDs []string `json:"list_ids"`
}

// Send expands the campaign against the selected lists into queue items.
func (h *CampaignHandler) Send(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "id")

	var req sendCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if len(req.ListIDs) == 0 {
		respondError(w, http.StatusBadRequest, "at least one list_id is required")
		return
	}

	result, err := h.producer.Enqueue(r.Context(), campaignID, req.ListIDs)
	if err != nil {
		if errors.Is(err, queue.ErrCampaignNotFound) {
			respondError(w, http.StatusNotFound, "campaign not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to enqueue campaign")
		return
	}

	respondJSON(w, http.StatusAccepted, result)
}

type retryFailedResponse struct {
	ResetCount int64 `json:"reset_count"`
}

// RetryFailed bulk-resets a campaign's failed items back to pending with
// retry_count zeroed.
func (h *CampaignHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "id")

	campaign, err := h.store.GetCampaign(r.Context(), campaignID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load campaign")
		return
	}
	if campaign == nil {
		respondError(w, http.StatusNotFound, "campaign not found")
		return
	}

	reset, err := h.store.ResetFailed(r.Context(), campaignID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to reset failed items")
		return
	}

	if reset > 0 && h.waker != nil {
		h.waker.Wake()
	}

	respondJSON(w, http.StatusOK, retryFailedResponse{ResetCount: reset})
}
