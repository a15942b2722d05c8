package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specnet-ai/specviz/internal/demo"
	"github.com/specnet-ai/specviz/internal/engine"
	"github.com/specnet-ai/specviz/internal/health"
	"github.com/specnet-ai/specviz/internal/history"
	"github.com/specnet-ai/specviz/internal/live"
	"github.com/specnet-ai/specviz/internal/model"
	"github.com/specnet-ai/specviz/internal/ratelimit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestServer builds a server around a running demo-mode engine.
// Mutators adjust the config before construction.
func newTestServer(t *testing.T, mutators ...func(*ServerConfig)) *Server {
	t.Helper()

	eng := engine.New(engine.Config{
		Logger: testLogger(),
		Script: demo.Script,
	})
	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)
	t.Cleanup(func() {
		cancel()
		<-eng.Done()
	})

	cfg := ServerConfig{
		Engine:       eng,
		Logger:       testLogger(),
		Version:      "test",
		MaxBodyBytes: 64 * 1024,
	}
	for _, m := range mutators {
		m(&cfg)
	}
	return New(cfg)
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeErrorEnvelope(t *testing.T, rec *httptest.ResponseRecorder) model.APIError {
	t.Helper()
	var envelope model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope
}

func TestSubmitReturnsAccepted(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/inference", `{"prompt":"tell me about relativity"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp struct {
		Data model.SubmitAccepted `json:"data"`
		Meta model.ResponseMeta   `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Data.RunID)
	assert.Equal(t, model.ModeDemo, resp.Data.Mode)
	assert.NotEmpty(t, resp.Meta.RequestID)
	assert.False(t, resp.Meta.Timestamp.IsZero())
}

func TestSubmitRejectsMalformedBody(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/inference", `{not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	envelope := decodeErrorEnvelope(t, rec)
	assert.Equal(t, model.ErrCodeInvalidInput, envelope.Error.Code)
	assert.Contains(t, envelope.Error.Message, "invalid request body")
}

func TestSubmitRejectsUnknownFields(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/inference", `{"prompt":"hi","bogus":1}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	envelope := decodeErrorEnvelope(t, rec)
	assert.Equal(t, model.ErrCodeInvalidInput, envelope.Error.Code)
}

func TestSubmitRejectsEmptyPrompt(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/inference", `{"prompt":"   "}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	envelope := decodeErrorEnvelope(t, rec)
	assert.Equal(t, model.ErrCodeInvalidInput, envelope.Error.Code)
	assert.Contains(t, envelope.Error.Message, "prompt")
}

func TestSubmitEnforcesBodyLimit(t *testing.T) {
	srv := newTestServer(t, func(cfg *ServerConfig) {
		cfg.MaxBodyBytes = 32
	})

	body := fmt.Sprintf(`{"prompt":%q}`, strings.Repeat("a", 256))
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/inference", body)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	envelope := decodeErrorEnvelope(t, rec)
	assert.Equal(t, model.ErrCodeInvalidInput, envelope.Error.Code)
}

func TestSubmitRateLimited(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	t.Cleanup(func() { _ = limiter.Close() })

	srv := newTestServer(t, func(cfg *ServerConfig) {
		cfg.Limiter = limiter
	})

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/inference", `{"prompt":"one"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/v1/inference", `{"prompt":"two"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	envelope := decodeErrorEnvelope(t, rec)
	assert.Equal(t, model.ErrCodeRateLimited, envelope.Error.Code)
	assert.NotEmpty(t, envelope.Meta.RequestID)

	// Reads stay unthrottled while submissions are exhausted.
	rec = doJSON(t, srv.Handler(), http.MethodGet, "/v1/state", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStateServesSnapshot(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/state", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data model.Snapshot `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.PhaseIdle, resp.Data.Phase)
	assert.False(t, resp.Data.Streaming)
	assert.Empty(t, resp.Data.VisibleTokens)
}

func TestPacketAck(t *testing.T) {
	srv := newTestServer(t)

	// Unknown ids acknowledge cleanly, and repeating the call is harmless.
	for i := 0; i < 2; i++ {
		rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/packets/999/ack", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Data model.PacketAck `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, uint64(999), resp.Data.ID)
		assert.True(t, resp.Data.Acknowledged)
	}

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/packets/abc/ack", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunsWithoutHistory(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data []model.RunSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotNil(t, resp.Data)
	assert.Empty(t, resp.Data)
}

func TestRunsServesHistory(t *testing.T) {
	store, err := history.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 3; i++ {
		run := model.RunSummary{
			ID:         uuid.New(),
			Prompt:     fmt.Sprintf("prompt %d", i),
			Mode:       model.ModeDemo,
			Status:     model.RunCompleted,
			StartedAt:  base.Add(time.Duration(i) * time.Second),
			FinishedAt: base.Add(time.Duration(i)*time.Second + 500*time.Millisecond),
		}
		require.NoError(t, store.SaveRun(context.Background(), run))
	}

	srv := newTestServer(t, func(cfg *ServerConfig) {
		cfg.History = store
	})

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data []model.RunSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 3)
	assert.Equal(t, "prompt 2", resp.Data[0].Prompt, "newest run first")

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/v1/runs?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp.Data = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 1)

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/v1/runs?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/v1/runs?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNodesAndStatsFallBackToDemo(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/nodes", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var nodesResp struct {
		Data []model.NodeInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &nodesResp))
	require.Len(t, nodesResp.Data, 2)
	assert.Equal(t, "target-0", nodesResp.Data[0].ID)
	assert.Equal(t, "draft-0", nodesResp.Data[1].ID)

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var statsResp struct {
		Data model.NetworkStats `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statsResp))
	assert.Equal(t, 145.0, statsResp.Data.TotalTPS)
	assert.Equal(t, 0.82, statsResp.Data.AvgAcceptanceRate)
}

func TestNodesProxiesOnlineBridge(t *testing.T) {
	bridgeMux := http.NewServeMux()
	bridgeMux.HandleFunc("GET /api/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok","mock":true}`)
	})
	bridgeMux.HandleFunc("GET /api/nodes", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"id":"live-target","type":"target","status":"online"}]`)
	})
	bridge := httptest.NewServer(bridgeMux)
	t.Cleanup(bridge.Close)

	client, err := live.NewClient(live.Config{BaseURL: bridge.URL, Logger: testLogger()})
	require.NoError(t, err)

	prober := health.New(health.Config{
		Probe: func(ctx context.Context) error {
			_, err := client.Health(ctx)
			return err
		},
		Logger: testLogger(),
	})

	srv := newTestServer(t, func(cfg *ServerConfig) {
		cfg.Bridge = client
		cfg.Prober = prober
	})

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/nodes", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data []model.NodeInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "live-target", resp.Data[0].ID)
}

func TestNodesFallsBackWhenBridgeDown(t *testing.T) {
	// A bridge client pointed at a closed server plus a prober that reports
	// offline must serve the demo inventory.
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	client, err := live.NewClient(live.Config{BaseURL: deadURL, Logger: testLogger()})
	require.NoError(t, err)

	prober := health.New(health.Config{
		Probe: func(ctx context.Context) error {
			_, err := client.Health(ctx)
			return err
		},
		Logger: testLogger(),
	})

	srv := newTestServer(t, func(cfg *ServerConfig) {
		cfg.Bridge = client
		cfg.Prober = prober
	})

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/nodes", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data []model.NodeInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "target-0", resp.Data[0].ID)
}

func TestHealthReport(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data model.HealthResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Data.Status)
	assert.Equal(t, "test", resp.Data.Version)
	assert.Equal(t, "unknown", resp.Data.Bridge)
	assert.Equal(t, model.PhaseIdle, resp.Data.EnginePhase)
	assert.Equal(t, "disabled", resp.Data.History)
}

func TestOpenAPISpecServed(t *testing.T) {
	srv := newTestServer(t, func(cfg *ServerConfig) {
		cfg.OpenAPISpec = []byte("openapi: 3.1.0\n")
	})

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/openapi.yaml", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "openapi: 3.1.0")

	// Without an embedded spec the route 404s.
	srv = newTestServer(t)
	rec = doJSON(t, srv.Handler(), http.MethodGet, "/openapi.yaml", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestIDEchoed(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/state", nil)
	req.Header.Set("X-Request-ID", "my-req-id")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "my-req-id", rec.Header().Get("X-Request-ID"))

	var resp struct {
		Meta model.ResponseMeta `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "my-req-id", resp.Meta.RequestID)
}

func TestRequestIDGenerated(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestSecurityHeaders(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestCORS(t *testing.T) {
	srv := newTestServer(t, func(cfg *ServerConfig) {
		cfg.CORSAllowedOrigins = []string{"http://localhost:3000"}
	})

	// Preflight from an allowed origin.
	req := httptest.NewRequest(http.MethodOptions, "/v1/inference", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	// Unlisted origins get no CORS headers.
	req = httptest.NewRequest(http.MethodGet, "/v1/state", nil)
	req.Header.Set("Origin", "http://evil.example.com")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSWildcard(t *testing.T) {
	srv := newTestServer(t, func(cfg *ServerConfig) {
		cfg.CORSAllowedOrigins = []string{"*"}
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/state", nil)
	req.Header.Set("Origin", "http://anywhere.example.com")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSDisabledByDefault(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/state", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecoveryMiddleware(t *testing.T) {
	panicky := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	handler := recoveryMiddleware(testLogger(), panicky)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var envelope model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, model.ErrCodeInternalError, envelope.Error.Code)
}

func TestUnknownRouteIs404(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStateStream(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/state/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	// The first event is the current snapshot, sent before any publish.
	snap := readStateEvent(t, reader)
	assert.Equal(t, model.PhaseIdle, snap.Phase)

	// A submission must push a fresh snapshot to the open stream.
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/inference", `{"prompt":"stream me"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	snap = readStateEvent(t, reader)
	assert.NotEmpty(t, snap.RunID)
	assert.Equal(t, model.PhaseDrafting, snap.Phase)
}

// readStateEvent scans SSE lines until one full "state" event is decoded.
// Keepalive comments are skipped.
func readStateEvent(t *testing.T, reader *bufio.Reader) model.Snapshot {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err, "stream ended before a state event arrived")
		line = strings.TrimRight(line, "\n")
		if line != "event: state" {
			continue
		}
		data, err := reader.ReadString('\n')
		require.NoError(t, err)
		data = strings.TrimRight(data, "\n")
		require.True(t, strings.HasPrefix(data, "data: "), "event line must be followed by data, got %q", data)

		var snap model.Snapshot
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(data, "data: ")), &snap))
		return snap
	}
}
