// Package live connects specviz to a SpecNet bridge: it streams inference
// events over SSE and mirrors the bridge's REST documents.
package live

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/specnet-ai/specviz/internal/model"
)

// Bridge endpoint paths.
const (
	streamPath = "/api/inference/stream"
	inferPath  = "/api/inference"
	nodesPath  = "/api/nodes"
	statsPath  = "/api/stats"
	healthPath = "/api/health"
)

const defaultRequestTimeout = 10 * time.Second

// Sink receives one stream's events in order. Message may block to apply
// backpressure; Closed is called exactly once when the stream ends, with
// nil after a clean server close.
type Sink interface {
	Message(model.StreamMessage)
	Closed(err error)
}

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the bridge (e.g. "http://localhost:8799").
	BaseURL string

	// HTTPClient optionally overrides the transport. It must not carry a
	// client-wide timeout, or long streams get cut off; REST calls are
	// bounded per request instead.
	HTTPClient *http.Client

	// Timeout bounds individual REST requests. Defaults to 10 seconds.
	Timeout time.Duration

	Logger *slog.Logger
}

// Client talks to one bridge. Safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("bridge: BaseURL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpClient,
		timeout: timeout,
		logger:  logger.With("component", "bridge"),
	}, nil
}

// bridgeRequest is the inference request body the bridge accepts.
type bridgeRequest struct {
	Prompt      string   `json:"prompt"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	DraftTokens int      `json:"draft_tokens,omitempty"`
}

func toBridgeRequest(params model.InferenceParams) bridgeRequest {
	return bridgeRequest{
		Prompt:      params.Prompt,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
		TopK:        params.TopK,
		DraftTokens: params.DraftTokens,
	}
}

// streamHandle aborts an open stream. Close is idempotent and safe from any
// goroutine; the reader observes the closed body and reports Closed to the
// sink on its own.
type streamHandle struct {
	cancel context.CancelFunc
	body   io.Closer
	once   sync.Once
}

func (h *streamHandle) Close() error {
	h.once.Do(func() {
		h.cancel()
		_ = h.body.Close()
	})
	return nil
}

// Open submits params to the bridge and streams the resulting events into
// sink from a background goroutine. The stream lives until the server
// closes it, ctx is cancelled, or the returned handle is closed.
func (c *Client) Open(ctx context.Context, params model.InferenceParams, sink Sink) (io.Closer, error) {
	body, err := json.Marshal(toBridgeRequest(params))
	if err != nil {
		return nil, fmt.Errorf("bridge: marshal stream request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, c.baseURL+streamPath, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("bridge: create stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("bridge: open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet := readSnippet(resp.Body)
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("bridge: stream returned %s: %s", resp.Status, snippet)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("bridge: unexpected stream content type %q", ct)
	}

	h := &streamHandle{cancel: cancel, body: resp.Body}
	go c.readStream(resp.Body, sink)
	return h, nil
}

// readStream decodes SSE events off the response body until it ends.
// Undecodable events are skipped; the bridge occasionally interleaves
// keepalive comments, which the parser drops.
func (c *Client) readStream(body io.ReadCloser, sink Sink) {
	defer func() { _ = body.Close() }()

	var parser sseParser
	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, ev := range parser.feed(buf[:n]) {
				msg, decErr := decodeStreamEvent(ev)
				if decErr != nil {
					c.logger.Debug("skipping undecodable stream event",
						"event", ev.Type, "error", decErr)
					continue
				}
				sink.Message(msg)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				sink.Closed(nil)
			} else {
				sink.Closed(err)
			}
			return
		}
	}
}

// decodeStreamEvent turns one SSE event into a stream message. The data
// line carries the full {"type","data"} envelope; the SSE event name, when
// present, must agree with it.
func decodeStreamEvent(ev sseEvent) (model.StreamMessage, error) {
	var msg model.StreamMessage
	if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
		return model.StreamMessage{}, err
	}
	if ev.Type != "" && ev.Type != string(msg.Type) {
		return model.StreamMessage{}, fmt.Errorf("event name %q does not match payload type %q", ev.Type, msg.Type)
	}
	return msg, nil
}

// Infer runs one buffered inference and returns the final summary.
func (c *Client) Infer(ctx context.Context, params model.InferenceParams) (model.InferenceSummary, error) {
	var out model.InferenceSummary
	err := c.post(ctx, inferPath, toBridgeRequest(params), &out)
	return out, err
}

// Nodes returns the bridge's compute node inventory.
func (c *Client) Nodes(ctx context.Context) ([]model.NodeInfo, error) {
	var out []model.NodeInfo
	err := c.get(ctx, nodesPath, &out)
	return out, err
}

// Stats returns the bridge's network-wide statistics.
func (c *Client) Stats(ctx context.Context) (model.NetworkStats, error) {
	var out model.NetworkStats
	err := c.get(ctx, statsPath, &out)
	return out, err
}

// BridgeHealth is the bridge's health document.
type BridgeHealth struct {
	Status string `json:"status"`
	Mock   bool   `json:"mock"`
}

// Health probes the bridge.
func (c *Client) Health(ctx context.Context) (BridgeHealth, error) {
	var out BridgeHealth
	err := c.get(ctx, healthPath, &out)
	return out, err
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("bridge: create request: %w", err)
	}
	return c.do(req, dest)
}

func (c *Client) post(ctx context.Context, path string, body, dest any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("bridge: marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("bridge: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, dest)
}

func (c *Client) do(req *http.Request, dest any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("bridge: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("bridge: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("bridge: %s %s: status %d: %s",
			req.Method, req.URL.Path, resp.StatusCode, firstLine(body))
	}
	if dest == nil {
		return nil
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("bridge: decode response: %w", err)
	}
	return nil
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 256))
	return firstLine(b)
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
