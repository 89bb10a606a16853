package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/substratehq/dispatch"
	"github.com/substratehq/dispatch/delivery"
	"github.com/substratehq/dispatch/id"
)

// deliveryFilter builds a delivery filter from query parameters.
func deliveryFilter(r *http.Request) delivery.Filter {
	f := delivery.Filter{
		Status:    delivery.StatusFilter(queryParam(r, "status")),
		EventType: queryParam(r, "event_type"),
	}
	if v := queryParam(r, "from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.From = &t
		}
	}
	if v := queryParam(r, "to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.To = &t
		}
	}
	return f
}

func (h *Handler) listDeliveries(w http.ResponseWriter, r *http.Request) {
	whID, err := id.ParseWebhookID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid webhook ID")
		return
	}

	page, listErr := h.deliverySvc.List(r.Context(), whID, deliveryFilter(r),
		queryInt(r, "page", 1), queryInt(r, "page_size", 50))
	if listErr != nil {
		writeError(w, http.StatusInternalServerError, listErr.Error())
		return
	}

	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) getDelivery(w http.ResponseWriter, r *http.Request) {
	delID, err := id.ParseDeliveryID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid delivery ID")
		return
	}

	d, getErr := h.deliverySvc.Get(r.Context(), delID)
	if getErr != nil {
		if errors.Is(getErr, dispatch.ErrDeliveryNotFound) {
			writeError(w, http.StatusNotFound, "delivery not found")
			return
		}
		writeError(w, http.StatusInternalServerError, getErr.Error())
		return
	}

	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) retryDelivery(w http.ResponseWriter, r *http.Request) {
	delID, err := id.ParseDeliveryID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid delivery ID")
		return
	}

	replay, redeliverErr := h.dp.Redeliver(r.Context(), delID)
	if redeliverErr != nil {
		switch {
		case errors.Is(redeliverErr, dispatch.ErrDeliveryNotFound):
			writeError(w, http.StatusNotFound, "delivery not found")
		case errors.Is(redeliverErr, dispatch.ErrWebhookNotFound):
			writeError(w, http.StatusConflict, "webhook no longer exists")
		default:
			writeError(w, http.StatusInternalServerError, redeliverErr.Error())
		}
		return
	}

	writeJSON(w, http.StatusAccepted, replay)
}

func (h *Handler) exportDeliveries(w http.ResponseWriter, r *http.Request) {
	whID, err := id.ParseWebhookID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid webhook ID")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="deliveries.csv"`)

	if exportErr := h.deliverySvc.ExportCSV(r.Context(), w, whID, deliveryFilter(r)); exportErr != nil {
		// Headers may already be out; log instead of rewriting the status.
		h.logger.Error("delivery export failed", "webhook_id", whID, "error", exportErr)
	}
}

func (h *Handler) clearDeliveries(w http.ResponseWriter, r *http.Request) {
	whID, err := id.ParseWebhookID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid webhook ID")
		return
	}

	daysOld := queryInt(r, "days_old", 0)
	deleted, clearErr := h.deliverySvc.ClearOld(r.Context(), whID, daysOld)
	if clearErr != nil {
		writeError(w, http.StatusInternalServerError, clearErr.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}
