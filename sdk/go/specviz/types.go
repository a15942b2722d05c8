package specviz

import (
	"time"

	"github.com/google/uuid"
)

// SubmitRequest is the body for POST /v1/inference. Prompt is required;
// zero/nil optional fields take server defaults.
type SubmitRequest struct {
	Prompt      string   `json:"prompt"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	DraftTokens int      `json:"draft_tokens,omitempty"`

	// Mode optionally forces "demo" or "live" instead of letting the
	// server probe the bridge.
	Mode string `json:"mode,omitempty"`
}

// SubmitAccepted is the response for an accepted submission.
type SubmitAccepted struct {
	RunID string `json:"run_id"`
	Mode  string `json:"mode"`
}

// VisibleToken is one token on the transcript surface.
type VisibleToken struct {
	Text        string `json:"text"`
	Kind        string `json:"kind"`
	RenderPhase string `json:"render_phase"`
}

// Counts tracks per-run token outcomes.
type Counts struct {
	Drafted   int `json:"drafted"`
	Accepted  int `json:"accepted"`
	Rejected  int `json:"rejected"`
	Corrected int `json:"corrected"`
}

// PacketEvent is one active packet on the lane diagram. Acknowledge it
// with AcknowledgePacket once its travel animation has finished.
type PacketEvent struct {
	ID        uint64 `json:"id"`
	Direction string `json:"direction"`
	Lane      string `json:"lane"`
	Color     string `json:"color"`
}

// StatusEvent is one entry in the bounded activity feed.
type StatusEvent struct {
	ID        uint64    `json:"id"`
	Kind      string    `json:"kind"`
	Token     string    `json:"token"`
	Timestamp time.Time `json:"timestamp"`
}

// Metrics are the derived savings figures for the metrics panel.
type Metrics struct {
	AcceptanceRatePercent float64 `json:"acceptance_rate_percent"`
	TimeSavedMs           float64 `json:"time_saved_ms"`
	CostSavedUsd          float64 `json:"cost_saved_usd"`
}

// Snapshot is the full render state published after every engine firing.
type Snapshot struct {
	RunID         string         `json:"run_id"`
	Mode          string         `json:"mode"`
	Seq           uint64         `json:"seq"`
	Phase         string         `json:"phase"`
	CurrentToken  string         `json:"current_token"`
	Done          bool           `json:"done"`
	Streaming     bool           `json:"streaming"`
	VisibleTokens []VisibleToken `json:"visible_tokens"`
	Counts        Counts         `json:"counts"`
	Packets       []PacketEvent  `json:"packets"`
	Events        []StatusEvent  `json:"events"`
	Metrics       Metrics        `json:"metrics"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// PacketAck is the response for a packet acknowledgement.
type PacketAck struct {
	ID           uint64 `json:"id"`
	Acknowledged bool   `json:"acknowledged"`
}

// Run is the terminal record of one visualization run.
type Run struct {
	ID                    uuid.UUID `json:"id"`
	Prompt                string    `json:"prompt"`
	Mode                  string    `json:"mode"`
	Status                string    `json:"status"`
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

// Node describes one compute node on the network diagram.
type Node struct {
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	Hardware  string  `json:"hardware"`
	Model     string  `json:"model"`
	Status    string  `json:"status"`
	Latency   float64 `json:"latency"`
	Price     float64 `json:"price"`
	GPUMemory string  `json:"gpu_memory"`
}

// NetworkStats is the network-wide statistics document.
type NetworkStats struct {
	ActiveDraftNodes  int     `json:"active_draft_nodes"`
	ActiveTargetNodes int     `json:"active_target_nodes"`
	TotalTPS          float64 `json:"total_tps"`
	AvgAcceptanceRate float64 `json:"avg_acceptance_rate"`
	AvgCostPer1K      float64 `json:"avg_cost_per_1k"`
}

// Health is the server health report.
type Health struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Bridge      string `json:"bridge"`
	EnginePhase string `json:"engine_phase"`
	History     string `json:"history"`
	Uptime      int64  `json:"uptime_seconds"`
}
