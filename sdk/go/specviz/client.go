package specviz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultRequestTimeout = 30 * time.Second

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the specviz server
	// (e.g. "http://localhost:8090").
	BaseURL string

	// HTTPClient optionally overrides the transport. It must not carry a
	// client-wide timeout, or open state streams get cut off; REST calls
	// are bounded per request instead.
	HTTPClient *http.Client

	// Timeout applies to individual REST requests. Defaults to 30 seconds.
	// It does not apply to StreamState.
	Timeout time.Duration
}

// Client is an HTTP client for the specviz visualization API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("specviz: BaseURL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultRequestTimeout
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpClient,
		timeout: timeout,
	}, nil
}

// Submit starts a new visualization run. A run already playing on the
// server is cancelled and replaced.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitAccepted, error) {
	var resp SubmitAccepted
	if err := c.post(ctx, "/v1/inference", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// State fetches the current render state snapshot.
func (c *Client) State(ctx context.Context) (*Snapshot, error) {
	var resp Snapshot
	if err := c.get(ctx, "/v1/state", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AcknowledgePacket removes a packet from the active set once its travel
// animation has finished. Unknown IDs are a no-op on the server.
func (c *Client) AcknowledgePacket(ctx context.Context, id uint64) (*PacketAck, error) {
	var resp PacketAck
	path := "/v1/packets/" + strconv.FormatUint(id, 10) + "/ack"
	if err := c.post(ctx, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Runs lists terminal run records, newest first. A non-positive limit
// takes the server default.
func (c *Client) Runs(ctx context.Context, limit int) ([]Run, error) {
	path := "/v1/runs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp []Run
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Nodes lists the compute nodes on the network diagram.
func (c *Client) Nodes(ctx context.Context) ([]Node, error) {
	var resp []Node
	if err := c.get(ctx, "/v1/nodes", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Stats fetches the network-wide statistics document.
func (c *Client) Stats(ctx context.Context) (*NetworkStats, error) {
	var resp NetworkStats
	if err := c.get(ctx, "/v1/stats", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the server's health report.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var resp Health
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("specviz: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("specviz: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("specviz: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	// Bound REST calls without putting a timeout on the shared client,
	// which StreamState also uses.
	ctx, cancel := context.WithTimeout(req.Context(), c.timeout)
	defer cancel()
	req = req.WithContext(ctx)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("specviz: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("specviz: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("specviz: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
