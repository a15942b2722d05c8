// Command smoke submits a prompt to a running specviz server and tails the
// state stream until the run completes. Useful for checking a deployment end
// to end without opening the UI.
//
// Usage (server already running):
//
//	SPECVIZ_URL=http://localhost:8090 go run ./scripts/smoke -prompt "explain speculative decoding"
//
// SPECVIZ_URL defaults to http://localhost:8090. The script prints one line
// per state update, then the generated text and savings metrics when the run
// finishes. Exits non-zero if the server is unreachable or the run errors.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/specnet-ai/specviz/internal/model"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	_ = godotenv.Load()

	prompt := flag.String("prompt", "Explain how speculative decoding speeds up inference", "prompt to submit")
	mode := flag.String("mode", "", "run mode override (demo or live); empty lets the server decide")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall deadline for the run")
	flag.Parse()

	baseURL := os.Getenv("SPECVIZ_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8090"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	accepted, err := submit(ctx, baseURL, *prompt, *mode)
	if err != nil {
		return err
	}
	fmt.Printf("run %s accepted in %s mode\n", accepted.RunID, accepted.Mode)

	final, err := tail(ctx, baseURL, accepted.RunID)
	if err != nil {
		return err
	}

	var words []string
	for _, tok := range final.VisibleTokens {
		words = append(words, tok.Text)
	}
	fmt.Printf("\ngenerated: %s\n", strings.Join(words, " "))
	fmt.Printf("tokens: %d drafted, %d accepted, %d rejected, %d corrected\n",
		final.Counts.Drafted, final.Counts.Accepted, final.Counts.Rejected, final.Counts.Corrected)
	fmt.Printf("savings: %.1f%% acceptance, %.0fms, $%.4f\n",
		final.Metrics.AcceptanceRatePercent, final.Metrics.TimeSavedMs, final.Metrics.CostSavedUsd)
	return nil
}

func submit(ctx context.Context, baseURL, prompt, mode string) (*model.SubmitAccepted, error) {
	params := model.InferenceParams{Prompt: prompt, Mode: model.RunMode(mode)}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/inference", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil && envelope.Error.Code != "" {
			return nil, fmt.Errorf("submit rejected: %s (%s)", envelope.Error.Message, envelope.Error.Code)
		}
		return nil, fmt.Errorf("submit rejected: HTTP %d", resp.StatusCode)
	}

	var envelope struct {
		Data model.SubmitAccepted `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &envelope.Data, nil
}

// tail follows the SSE state stream and returns the final snapshot for runID.
func tail(ctx context.Context, baseURL, runID string) (*model.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/state/stream", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("open stream: HTTP %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event, data string
	var lastSeq uint64
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event == "state" && data != "" {
				var snap model.Snapshot
				if err := json.Unmarshal([]byte(data), &snap); err != nil {
					return nil, fmt.Errorf("decode snapshot: %w", err)
				}
				if snap.Seq != lastSeq {
					lastSeq = snap.Seq
					fmt.Printf("seq=%-4d phase=%-10s drafted=%d accepted=%d rejected=%d corrected=%d\n",
						snap.Seq, snap.Phase,
						snap.Counts.Drafted, snap.Counts.Accepted, snap.Counts.Rejected, snap.Counts.Corrected)
				}
				if snap.Done && snap.RunID == runID {
					return &snap, nil
				}
			}
			event, data = "", ""
		case strings.HasPrefix(line, ":"):
			// keepalive
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream closed: %w", err)
	}
	return nil, fmt.Errorf("stream ended before run %s completed", runID)
}
