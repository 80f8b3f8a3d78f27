package httpapi

import (
	"context"
	"errors"
	"net/http"

	"agrisync/core-go/internal/telemetry"
)

func (h *Handler) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	var rep telemetry.Report
	if err := decodeJSONBody(w, r, &rep); err != nil {
		h.metrics.IncTelemetryReport("invalid")
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid telemetry body", map[string]any{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.storageTimeout)
	defer cancel()

	if _, err := h.intake.Record(ctx, rep); err != nil {
		switch {
		case errors.Is(err, telemetry.ErrValidation):
			h.writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), nil)
		default:
			h.writeMessage(w, http.StatusInternalServerError, "Server error")
		}
		return
	}

	h.writeMessage(w, http.StatusOK, "Data received")
}

// legacyDeviceID is the id the ESP32 routes act on. They carry no device id of
// their own.
func (h *Handler) legacyDeviceID(w http.ResponseWriter) (string, bool) {
	id := h.intake.DefaultDeviceID()
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "no default device id configured; use /commands/{deviceId}", nil)
		return "", false
	}
	return id, true
}

func (h *Handler) handleLegacyGetCommands(w http.ResponseWriter, r *http.Request) {
	id, ok := h.legacyDeviceID(w)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, h.store.Get(id))
}

func (h *Handler) handleLegacyControl(w http.ResponseWriter, r *http.Request) {
	id, ok := h.legacyDeviceID(w)
	if !ok {
		return
	}
	if _, ok := h.applyOperatorWrite(w, r, id); !ok {
		return
	}
	h.writeMessage(w, http.StatusOK, "Commands updated")
}
