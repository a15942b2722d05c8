package mockbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/specnet-ai/specviz/internal/model"
)

// Node inventory and network stats reported by the mock bridge.
var (
	mockNodes = []model.NodeInfo{
		{
			ID:        "target-0",
			Type:      "target",
			Hardware:  "GPU Server",
			Model:     "Qwen/Qwen2.5-3B-Instruct",
			Status:    "online",
			Latency:   12,
			Price:     2.49,
			GPUMemory: "80 GB",
		},
		{
			ID:        "draft-0",
			Type:      "draft",
			Hardware:  "Mock CPU",
			Model:     "mock-model",
			Status:    "online",
			Latency:   45,
			Price:     0.05,
			GPUMemory: "N/A",
		},
	}

	mockStats = model.NetworkStats{
		ActiveDraftNodes:  1,
		ActiveTargetNodes: 1,
		TotalTPS:          145,
		AvgAcceptanceRate: 0.82,
		AvgCostPer1K:      0.0004,
	}
)

const maxRequestBodyBytes = 1 << 20

// Config holds the settings for the mock bridge server.
type Config struct {
	Port int

	// Seed makes streams reproducible; zero picks a time-based seed.
	Seed int64

	Logger *slog.Logger
}

// Server serves the bridge HTTP surface backed by the simulator.
type Server struct {
	sim        *Simulator
	logger     *slog.Logger
	handler    http.Handler
	httpServer *http.Server
}

// New creates a mock bridge server with all routes configured.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		sim:    NewSimulator(cfg.Seed),
		logger: logger.With("component", "mockbridge"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/inference", s.handleInference)
	mux.HandleFunc("POST /api/inference/stream", s.handleStream)
	mux.HandleFunc("GET /api/nodes", s.handleNodes)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	s.handler = mux

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		// No write timeout: the stream endpoint writes for the whole run.
	}
	return s
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("mock bridge starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("mock bridge shutting down")
	return s.httpServer.Shutdown(ctx)
}

// handleStream runs one simulated inference and streams it as SSE: for each
// round, the round's token events, then the round event; finally the done
// summary. A short pause separates rounds.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	params, ok := s.decodeParams(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	rounds, summary := s.sim.Run(params)
	s.logger.Info("stream started",
		"request_id", summary.RequestID,
		"rounds", len(rounds),
		"total_tokens", summary.TotalTokens)

	for _, round := range rounds {
		for i := range round.Tokens {
			if !s.writeEvent(w, flusher, model.StreamMessage{Type: model.MessageToken, Token: &round.Tokens[i]}) {
				return
			}
		}
		if !s.writeEvent(w, flusher, model.StreamMessage{Type: model.MessageRound, Round: &round.Event}) {
			return
		}

		select {
		case <-r.Context().Done():
			s.logger.Debug("stream client disconnected", "request_id", summary.RequestID)
			return
		case <-time.After(round.Delay):
		}
	}

	s.writeEvent(w, flusher, model.StreamMessage{Type: model.MessageDone, Done: &summary})
	s.logger.Info("stream finished", "request_id", summary.RequestID)
}

// handleInference runs the same simulation buffered and returns only the
// final summary, without the inter-round pauses.
func (s *Server) handleInference(w http.ResponseWriter, r *http.Request) {
	params, ok := s.decodeParams(w, r)
	if !ok {
		return
	}
	_, summary := s.sim.Run(params)
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, mockNodes)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, mockStats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
		Mock   bool   `json:"mock"`
	}{Status: "ok", Mock: true})
}

func (s *Server) decodeParams(w http.ResponseWriter, r *http.Request) (model.InferenceParams, bool) {
	var params model.InferenceParams
	body := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(body).Decode(&params); err != nil {
		s.writeDetail(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return model.InferenceParams{}, false
	}
	params.Normalize()
	if err := params.Validate(); err != nil {
		s.writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return model.InferenceParams{}, false
	}
	return params, true
}

func (s *Server) writeEvent(w http.ResponseWriter, flusher http.Flusher, msg model.StreamMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("marshal stream event failed", "error", err)
		return false
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, data); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response failed", "error", err)
	}
}

// writeDetail writes the bridge's plain error document.
func (s *Server) writeDetail(w http.ResponseWriter, status int, detail string) {
	s.writeJSON(w, status, struct {
		Detail string `json:"detail"`
	}{Detail: detail})
}
