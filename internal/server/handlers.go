package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/kiai/internal/auth"
	"github.com/ashita-ai/kiai/internal/model"
	"github.com/ashita-ai/kiai/internal/provider"
	"github.com/ashita-ai/kiai/internal/service/ingest"
	"github.com/ashita-ai/kiai/internal/service/registry"
	"github.com/ashita-ai/kiai/internal/service/session"
	"github.com/ashita-ai/kiai/internal/storage"
)

// CallbackVerifier checks the token carried by a provider callback.
type CallbackVerifier interface {
	Verify(token string) (*auth.CallbackClaims, error)
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               storage.Store
	registry            *registry.Registry
	sessions            *session.Service
	pipeline            *ingest.Pipeline
	verifier            CallbackVerifier
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Verifier, Broker.
type HandlersDeps struct {
	Store               storage.Store
	Registry            *registry.Registry
	Sessions            *session.Service
	Pipeline            *ingest.Pipeline
	Verifier            CallbackVerifier
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		store:               d.Store,
		registry:            d.Registry,
		sessions:            d.Sessions,
		pipeline:            d.Pipeline,
		verifier:            d.Verifier,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleSubscribe handles GET /v1/subscribe (SSE).
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError,
			"SSE not available (LISTEN/NOTIFY not configured)")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Long-lived connection: lift the server's WriteTimeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Storage: "connected",
		Backend: h.store.Backend(),
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		resp.Storage = "disconnected"
		resp.Status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else if depth, err := h.store.PendingJobs(r.Context()); err == nil {
		resp.QueueDepth = depth
	} else {
		h.logger.Warn("health: queue depth", "error", err)
	}

	if h.broker != nil {
		resp.SSEBroker = "running"
	}
	writeJSON(w, r, httpStatus, resp)
}

// writeServiceError maps domain errors onto API error responses.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *model.ValidationError
	var ue *model.UpstreamError
	switch {
	case errors.As(err, &ve):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, ve.Error())
	case errors.Is(err, model.ErrTaskNotFound), errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
	case errors.Is(err, model.ErrDuplicateTask):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "task already exists")
	case errors.Is(err, provider.ErrNotConfigured):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUpstream, "stream provider not configured")
	case errors.As(err, &ue):
		writeError(w, r, http.StatusBadGateway, model.ErrCodeUpstream, ue.Error())
	default:
		h.writeInternalError(w, r, "request failed", err)
	}
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
}

// queryLimit returns the limit query parameter, or defaultVal when absent or
// malformed. Storage clamps the upper bound.
func queryLimit(r *http.Request, defaultVal int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return defaultVal
	}
	return storage.ClampLimit(n, defaultVal)
}
