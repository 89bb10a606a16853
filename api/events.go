package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/substratehq/dispatch"
)

type dispatchEventRequest struct {
	ProjectID string          `json:"project_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

func (h *Handler) dispatchEvent(w http.ResponseWriter, r *http.Request) {
	var req dispatchEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}
	if req.EventType == "" {
		writeError(w, http.StatusBadRequest, "event_type is required")
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "payload is required")
		return
	}

	deliveries, err := h.dp.Dispatch(r.Context(), req.ProjectID, req.EventType, req.Payload)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrEventTypeNotFound):
			writeError(w, http.StatusBadRequest, "unknown event type")
		case errors.Is(err, dispatch.ErrEventTypeDeprecated):
			writeError(w, http.StatusBadRequest, "event type is deprecated")
		case errors.Is(err, dispatch.ErrPayloadValidationFailed):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"deliveries": deliveries,
	})
}
