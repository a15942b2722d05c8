package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Bridge defaults and bounds for inference parameters.
const (
	DefaultMaxTokens   = 64
	MinMaxTokens       = 1
	MaxMaxTokens       = 512
	DefaultTemperature = 0.8
	MinTemperature     = 0.0
	MaxTemperature     = 2.0
	DefaultTopK        = 50
	MinTopK            = -1
	DefaultDraftTokens = 5
	MinDraftTokens     = 1
	MaxDraftTokens     = 20

	MaxPromptLen = 8 * 1024
)

// InferenceParams is the submission request accepted by POST /v1/inference
// and forwarded to the bridge stream endpoint. Zero/nil optional fields are
// filled with bridge defaults by Normalize.
type InferenceParams struct {
	Prompt      string   `json:"prompt"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	DraftTokens int      `json:"draft_tokens,omitempty"`

	// Mode optionally forces demo or live instead of probing the bridge.
	// Never forwarded to the bridge.
	Mode RunMode `json:"mode,omitempty"`
}

// Normalize fills unset optional fields with bridge defaults.
func (p *InferenceParams) Normalize() {
	if p.MaxTokens == 0 {
		p.MaxTokens = DefaultMaxTokens
	}
	if p.Temperature == nil {
		t := DefaultTemperature
		p.Temperature = &t
	}
	if p.TopK == nil {
		k := DefaultTopK
		p.TopK = &k
	}
	if p.DraftTokens == 0 {
		p.DraftTokens = DefaultDraftTokens
	}
}

// Validate checks field bounds. Call after Normalize.
func (p InferenceParams) Validate() error {
	if strings.TrimSpace(p.Prompt) == "" {
		return fmt.Errorf("prompt is required")
	}
	if len(p.Prompt) > MaxPromptLen {
		return fmt.Errorf("prompt exceeds maximum length of %d bytes", MaxPromptLen)
	}
	if p.MaxTokens < MinMaxTokens || p.MaxTokens > MaxMaxTokens {
		return fmt.Errorf("max_tokens must be in [%d, %d]", MinMaxTokens, MaxMaxTokens)
	}
	if p.Temperature != nil && (*p.Temperature < MinTemperature || *p.Temperature > MaxTemperature) {
		return fmt.Errorf("temperature must be in [%g, %g]", MinTemperature, MaxTemperature)
	}
	if p.TopK != nil && *p.TopK < MinTopK {
		return fmt.Errorf("top_k must be >= %d", MinTopK)
	}
	if p.DraftTokens < MinDraftTokens || p.DraftTokens > MaxDraftTokens {
		return fmt.Errorf("draft_tokens must be in [%d, %d]", MinDraftTokens, MaxDraftTokens)
	}
	switch p.Mode {
	case "", ModeDemo, ModeLive:
	default:
		return fmt.Errorf("mode must be %q or %q", ModeDemo, ModeLive)
	}
	return nil
}

// SubmitAccepted is the response body for POST /v1/inference.
type SubmitAccepted struct {
	RunID string  `json:"run_id"`
	Mode  RunMode `json:"mode"`
}

// PacketAck is the response body for POST /v1/packets/{id}/ack.
type PacketAck struct {
	ID           uint64 `json:"id"`
	Acknowledged bool   `json:"acknowledged"`
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUnavailable   = "UNAVAILABLE"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status      string      `json:"status"`
	Version     string      `json:"version"`
	Bridge      string      `json:"bridge"`
	EnginePhase StreamPhase `json:"engine_phase"`
	History     string      `json:"history"`
	Uptime      int64       `json:"uptime_seconds"`
}

// NodeInfo describes one compute node on the network diagram.
// Field names match the bridge's /api/nodes document.
type NodeInfo struct {
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	Hardware  string  `json:"hardware"`
	Model     string  `json:"model"`
	Status    string  `json:"status"`
	Latency   float64 `json:"latency"`
	Price     float64 `json:"price"`
	GPUMemory string  `json:"gpu_memory"`
}

// NetworkStats is the bridge's network-wide statistics document.
type NetworkStats struct {
	ActiveDraftNodes  int     `json:"active_draft_nodes"`
	ActiveTargetNodes int     `json:"active_target_nodes"`
	TotalTPS          float64 `json:"total_tps"`
	AvgAcceptanceRate float64 `json:"avg_acceptance_rate"`
	AvgCostPer1K      float64 `json:"avg_cost_per_1k"`
}

// RunStatus is the terminal outcome of an animation run.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// RunSummary is the terminal record of one animation run. Only terminal
// outcomes are recorded; the visible-token timeline is never persisted.
type RunSummary struct {
	ID                    uuid.UUID `json:"id"`
	Prompt                string    `json:"prompt"`
	Mode                  RunMode   `json:"mode"`
	Status                RunStatus `json:"status"`
	RequestID             string    `json:"request_id,omitempty"`
	GeneratedText         string    `json:"generated_text,omitempty"`
	TotalTokens           int       `json:"total_tokens"`
	Counts                Counts    `json:"counts"`
	AcceptanceRatePercent float64   `json:"acceptance_rate_percent"`
	TimeSavedMs           float64   `json:"time_saved_ms"`
	CostSavedUsd          float64   `json:"cost_saved_usd"`
	DurationMs            int64     `json:"duration_ms"`
	SpeculationRounds     int       `json:"speculation_rounds"`
	StartedAt             time.Time `json:"started_at"`
	FinishedAt            time.Time `json:"finished_at"`
}
