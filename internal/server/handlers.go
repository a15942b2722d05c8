package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/specnet-ai/specviz/internal/demo"
	"github.com/specnet-ai/specviz/internal/engine"
	"github.com/specnet-ai/specviz/internal/health"
	"github.com/specnet-ai/specviz/internal/history"
	"github.com/specnet-ai/specviz/internal/live"
	"github.com/specnet-ai/specviz/internal/model"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 100

	keepaliveInterval = 15 * time.Second
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	engine       *engine.Engine
	bridge       *live.Client
	prober       *health.Prober
	history      *history.Store
	logger       *slog.Logger
	startedAt    time.Time
	version      string
	maxBodyBytes int64
	openapiSpec  []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Bridge, Prober, History, OpenAPISpec.
type HandlersDeps struct {
	Engine       *engine.Engine
	Bridge       *live.Client
	Prober       *health.Prober
	History      *history.Store
	Logger       *slog.Logger
	Version      string
	MaxBodyBytes int64
	OpenAPISpec  []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		engine:       d.Engine,
		bridge:       d.Bridge,
		prober:       d.Prober,
		history:      d.History,
		logger:       d.Logger,
		startedAt:    time.Now(),
		version:      d.Version,
		maxBodyBytes: d.MaxBodyBytes,
		openapiSpec:  d.OpenAPISpec,
	}
}

// HandleSubmit handles POST /v1/inference. An accepted submission retires
// any run already playing; the response carries the resolved mode.
func (h *Handlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var params model.InferenceParams
	if err := decodeJSON(w, r, &params, h.maxBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	accepted, err := h.engine.Submit(r.Context(), params)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrNotRunning):
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "engine is shutting down")
		case errors.Is(err, r.Context().Err()):
			// Client went away while the submission was queued.
		default:
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		}
		return
	}

	writeJSON(w, r, http.StatusAccepted, accepted)
}

// HandleState handles GET /v1/state. It serves the engine's current
// snapshot without touching the animation loop.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.engine.Snapshot())
}

// HandleStateStream handles GET /v1/state/stream, pushing a snapshot per
// engine publish as an SSE "state" event.
func (h *Handlers) HandleStateStream(w http.ResponseWriter, r *http.Request) {
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

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	snapshots, cancel := h.engine.Subscribe()
	defer cancel()

	// The subscriber starts with the current snapshot so a reconnecting
	// client renders immediately instead of waiting for the next publish.
	if !writeStateEvent(w, flusher, h.engine.Snapshot()) {
		return
	}

	keepalive := time.NewTicker(keepaliveInterval)
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
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			if !writeStateEvent(w, flusher, snap) {
				return
			}
		}
	}
}

// HandlePacketAck handles POST /v1/packets/{id}/ack. Acknowledging an
// unknown or stale id is a no-op, so the endpoint is idempotent.
func (h *Handlers) HandlePacketAck(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "packet id must be a positive integer")
		return
	}

	h.engine.AcknowledgePacket(id)
	writeJSON(w, r, http.StatusOK, model.PacketAck{ID: id, Acknowledged: true})
}

// HandleRuns handles GET /v1/runs. Serves recent terminal run summaries,
// newest first. An instance without history answers with an empty list.
func (h *Handlers) HandleRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunsLimit)
	}

	if h.history == nil {
		writeJSON(w, r, http.StatusOK, []model.RunSummary{})
		return
	}

	runs, err := h.history.RecentRuns(r.Context(), limit)
	if err != nil {
		h.logger.Error("list runs", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []model.RunSummary{}
	}
	writeJSON(w, r, http.StatusOK, runs)
}

// HandleNodes handles GET /v1/nodes: the bridge's node inventory when it
// is reachable, canned demo nodes otherwise.
func (h *Handlers) HandleNodes(w http.ResponseWriter, r *http.Request) {
	if h.bridgeOnline(r) {
		nodes, err := h.bridge.Nodes(r.Context())
		if err == nil {
			writeJSON(w, r, http.StatusOK, nodes)
			return
		}
		h.logger.Warn("bridge nodes fetch failed, serving demo inventory", "error", err)
	}
	writeJSON(w, r, http.StatusOK, demo.Nodes())
}

// HandleStats handles GET /v1/stats, with the same sourcing rule as nodes.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	if h.bridgeOnline(r) {
		stats, err := h.bridge.Stats(r.Context())
		if err == nil {
			writeJSON(w, r, http.StatusOK, stats)
			return
		}
		h.logger.Warn("bridge stats fetch failed, serving demo stats", "error", err)
	}
	writeJSON(w, r, http.StatusOK, demo.Stats())
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	bridgeStatus := health.StatusUnknown
	if h.prober != nil {
		bridgeStatus = h.prober.Check(r.Context())
	}

	historyStatus := "disabled"
	if h.history != nil {
		historyStatus = "enabled"
	}

	writeJSON(w, r, http.StatusOK, model.HealthResponse{
		Status:      "ok",
		Version:     h.version,
		Bridge:      string(bridgeStatus),
		EnginePhase: h.engine.Snapshot().Phase,
		History:     historyStatus,
		Uptime:      int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// bridgeOnline reports whether proxying to the bridge is worth attempting.
func (h *Handlers) bridgeOnline(r *http.Request) bool {
	return h.bridge != nil && h.prober != nil && h.prober.Check(r.Context()) == health.StatusOnline
}

// writeStateEvent writes one snapshot as an SSE "state" event. Returns
// false when the client is gone.
func writeStateEvent(w http.ResponseWriter, flusher http.Flusher, snap model.Snapshot) bool {
	data, err := json.Marshal(snap)
	if err != nil {
		return false
	}
	if _, err := w.Write(formatSSE("state", data)); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

// formatSSE formats a payload as a Server-Sent Events message.
func formatSSE(eventType string, data []byte) []byte {
	// SSE format: "event: <type>\ndata: <payload>\n\n"
	buf := make([]byte, 0, len(eventType)+len(data)+16)
	buf = append(buf, "event: "...)
	buf = append(buf, eventType...)
	buf = append(buf, "\ndata: "...)
	buf = append(buf, data...)
	buf = append(buf, "\n\n"...)
	return buf
}
