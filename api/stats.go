package api

import (
	"net/http"
	"time"

	"github.com/substratehq/dispatch/id"
)

// statsWindow reads the window_hours query parameter, defaulting to 24h.
func statsWindow(r *http.Request) time.Duration {
	return time.Duration(queryInt(r, "window_hours", 24)) * time.Hour
}

func (h *Handler) getStats(w http.ResponseWriter, r *http.Request) {
	whID, err := id.ParseWebhookID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid webhook ID")
		return
	}

	sum, statsErr := h.stats.Stats(r.Context(), whID, statsWindow(r))
	if statsErr != nil {
		writeError(w, http.StatusInternalServerError, statsErr.Error())
		return
	}

	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) getStatsByEventType(w http.ResponseWriter, r *http.Request) {
	whID, err := id.ParseWebhookID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid webhook ID")
		return
	}

	byType, statsErr := h.stats.StatsByEventType(r.Context(), whID, statsWindow(r))
	if statsErr != nil {
		writeError(w, http.StatusInternalServerError, statsErr.Error())
		return
	}

	writeJSON(w, http.StatusOK, byType)
}
