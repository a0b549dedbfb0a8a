package server

import (
	"net/http"

	"github.com/ashita-ai/kiai/internal/model"
	"github.com/ashita-ai/kiai/internal/storage"
)

// HandleUserStats handles GET /v1/users/{user_id}/stats.
func (h *Handlers) HandleUserStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetGameStats(r.Context(), r.PathValue("user_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

// HandleUserMessages handles GET /v1/users/{user_id}/messages, newest first.
func (h *Handlers) HandleUserMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.store.ListCoachMessages(r.Context(), r.PathValue("user_id"), queryLimit(r, storage.DefaultMessageLimit))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []model.CoachMessage{}
	}
	writeJSON(w, r, http.StatusOK, msgs)
}
