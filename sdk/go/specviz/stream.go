package specviz

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// StreamState opens the server-sent events stream of render snapshots.
// The first snapshot arrives immediately so callers can render without
// waiting for the next engine firing. Cancelling ctx closes the stream.
//
// The caller must Close the returned stream when done.
func (c *Client) StreamState(ctx context.Context) (*StateStream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/state/stream", nil)
	if err != nil {
		return nil, fmt.Errorf("specviz: create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// No per-request timeout here: the stream stays open until the caller
	// closes it or ctx is cancelled.
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("specviz: GET /v1/state/stream: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, parseErrorResponse(resp.StatusCode, body)
	}

	return &StateStream{
		body:   resp.Body,
		reader: bufio.NewReader(resp.Body),
	}, nil
}

// StateStream reads snapshots from an open SSE connection.
// It is not safe for concurrent use.
type StateStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
}

// Next blocks until the next state event arrives and returns its snapshot.
// It returns io.EOF after a clean server close and the transport error
// otherwise. Keepalive comments and unknown event types are skipped.
func (s *StateStream) Next() (*Snapshot, error) {
	var eventType string
	var data []string

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if eventType == "state" && len(data) > 0 {
				var snap Snapshot
				if err := json.Unmarshal([]byte(strings.Join(data, "\n")), &snap); err != nil {
					return nil, fmt.Errorf("specviz: decode state event: %w", err)
				}
				return &snap, nil
			}
			eventType = ""
			data = nil
		case strings.HasPrefix(line, ":"):
			// keepalive comment
		case strings.HasPrefix(line, "event:"):
			eventType = trimFieldValue(line, "event:")
		case strings.HasPrefix(line, "data:"):
			data = append(data, trimFieldValue(line, "data:"))
		}
	}
}

// Close terminates the stream. Any blocked Next call returns an error.
func (s *StateStream) Close() error {
	return s.body.Close()
}

// trimFieldValue strips the field name and at most one leading space.
func trimFieldValue(line, field string) string {
	v := strings.TrimPrefix(line, field)
	return strings.TrimPrefix(v, " ")
}
