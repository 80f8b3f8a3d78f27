package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"agrisync/core-go/internal/commands"
	"agrisync/core-go/internal/metrics"
	"agrisync/core-go/internal/telemetry"
)

const (
	maxBodyBytes          = 64 << 10
	defaultStorageTimeout = 5 * time.Second
)

// Deps are the collaborators the HTTP surface drives. Nil fields are replaced
// with in-memory defaults so the router can be built without a backend.
type Deps struct {
	Store          *commands.Store
	Intake         *telemetry.Intake
	Metrics        *metrics.Metrics
	StorageTimeout time.Duration
}

type Handler struct {
	log            zerolog.Logger
	store          *commands.Store
	intake         *telemetry.Intake
	metrics        *metrics.Metrics
	storageTimeout time.Duration
}

func NewHandler(log zerolog.Logger, deps Deps) *Handler {
	store := deps.Store
	if store == nil {
		store = commands.NewStore(commands.NewPolicy(commands.DefaultGraceWindow))
	}
	intake := deps.Intake
	if intake == nil {
		intake = telemetry.NewIntake(log, telemetry.NewMemoryLog(0), store, telemetry.Options{DefaultDeviceID: "esp32-device"}, deps.Metrics)
	}
	timeout := deps.StorageTimeout
	if timeout <= 0 {
		timeout = defaultStorageTimeout
	}
	return &Handler{
		log:            log,
		store:          store,
		intake:         intake,
		metrics:        deps.Metrics,
		storageTimeout: timeout,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(echoRequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))
	r.Use(h.accessLog)

	// Health
	r.Get("/healthz", h.handleHealthz)
	r.Get("/readyz", h.handleReadyZ)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	// Device and operator surface
	r.Post("/telemetry", h.handleTelemetry)
	r.Route("/commands/{deviceId}", func(r chi.Router) {
		r.Get("/", h.handleGetCommands)
		r.Put("/", h.handlePutCommands)
		r.Get("/state", h.handleGetCommandState)
	})

	// Routes flashed into deployed ESP32 firmware.
	r.Route("/iot", func(r chi.Router) {
		r.Post("/data", h.handleTelemetry)
		r.Get("/commands", h.handleLegacyGetCommands)
		r.Post("/control", h.handleLegacyControl)
	})

	return r
}

// echoRequestID returns the request id (upstream or generated) to the caller.
func echoRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set(middleware.RequestIDHeader, id)
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		h.metrics.ObserveHTTPRequest(r.Method, route, status, time.Since(start))

		h.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("http_request")
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	resp := map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
		},
	}
	if details != nil {
		resp["error"].(map[string]any)["details"] = details
	}
	h.writeJSON(w, status, resp)
}

func (h *Handler) writeMessage(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]any{"message": msg})
}

// decodeJSONBody decodes a single JSON value. Unknown object fields are
// tolerated because device firmware sends extras (e.g. its own timestamp).
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("unexpected extra data after JSON body")
		}
		return err
	}
	return nil
}

// decodeFlagObject decodes a single flat JSON object into a map. Unlike
// decoding into map[string]any it rejects repeated keys.
func decodeFlagObject(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("body must be a JSON object")
	}

	fields := make(map[string]any)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v", tok)
		}
		if _, dup := fields[key]; dup {
			return nil, fmt.Errorf("duplicate key %q", key)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		fields[key] = v
	}
	// Closing brace.
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		if err == nil {
			return nil, errors.New("unexpected extra data after JSON body")
		}
		return nil, err
	}
	return fields, nil
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleReadyZ(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if p, ok := h.intake.Saver().(telemetry.Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			h.writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "storage not ready", map[string]any{"error": err.Error()})
			return
		}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}
