package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"agrisync/core-go/internal/commands"
	"agrisync/core-go/internal/telemetry"
)

type commandState struct {
	DeviceID           string           `json:"device_id"`
	Commands           commands.Vector  `json:"commands"`
	Origin             commands.Origin  `json:"origin"`
	UpdatedAt          *time.Time       `json:"updated_at,omitempty"`
	LastOperatorWrite  *time.Time       `json:"last_operator_write,omitempty"`
	LastDeviceReport   *commands.Vector `json:"last_device_report,omitempty"`
	LastDeviceReportAt *time.Time       `json:"last_device_report_at,omitempty"`
	OverrideActive     bool             `json:"override_active"`
	GraceWindowSeconds float64          `json:"grace_window_seconds"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func (h *Handler) deviceParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := telemetry.ValidateDeviceID(chi.URLParam(r, "deviceId"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_id", err.Error(), nil)
		return "", false
	}
	return id, true
}

func (h *Handler) handleGetCommands(w http.ResponseWriter, r *http.Request) {
	id, ok := h.deviceParam(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, h.store.Get(id))
}

func (h *Handler) handlePutCommands(w http.ResponseWriter, r *http.Request) {
	id, ok := h.deviceParam(w, r)
	if !ok {
		return
	}
	v, ok := h.applyOperatorWrite(w, r, id)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, v)
}

func (h *Handler) handleGetCommandState(w http.ResponseWriter, r *http.Request) {
	id, ok := h.deviceParam(w, r)
	if !ok {
		return
	}

	st := h.store.State(id)
	h.writeJSON(w, http.StatusOK, commandState{
		DeviceID:           st.DeviceID,
		Commands:           st.Vector,
		Origin:             st.Origin,
		UpdatedAt:          optionalTime(st.UpdatedAt),
		LastOperatorWrite:  optionalTime(st.LastOperatorWrite),
		LastDeviceReport:   st.LastDeviceReport,
		LastDeviceReportAt: optionalTime(st.LastDeviceReportAt),
		OverrideActive:     st.OverrideActive,
		GraceWindowSeconds: h.store.Policy().GraceWindow.Seconds(),
	})
}

// applyOperatorWrite decodes a partial flag map and applies it. On failure the
// error response has been written and the store is untouched.
func (h *Handler) applyOperatorWrite(w http.ResponseWriter, r *http.Request, deviceID string) (commands.Vector, bool) {
	body, err := decodeFlagObject(w, r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return commands.Vector{}, false
	}

	patch, err := commands.ParsePatch(body)
	if err != nil {
		var unknown *commands.UnknownFlagError
		switch {
		case errors.As(err, &unknown):
			h.writeError(w, http.StatusBadRequest, "unknown_flag", "unrecognized actuator flag", map[string]any{
				"flag":    unknown.Flag,
				"allowed": commands.FlagNames(),
			})
		default:
			h.writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), nil)
		}
		return commands.Vector{}, false
	}

	v := h.store.SetFromOperator(deviceID, patch)
	h.metrics.IncOperatorWrite()
	h.log.Info().
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("device_id", deviceID).
		Interface("commands", v).
		Msg("operator command override")
	return v, true
}
