package model

import "time"

// StreamPhase is the engine-wide stage of the current animation run.
type StreamPhase string

const (
	PhaseIdle       StreamPhase = "idle"
	PhaseDrafting   StreamPhase = "drafting"
	PhaseVerifying  StreamPhase = "verifying"
	PhaseCorrecting StreamPhase = "correcting"
	PhaseComplete   StreamPhase = "complete"
)

// RenderPhase is the per-token animation stage on the transcript surface.
type RenderPhase string

const (
	RenderAppearing RenderPhase = "appearing"
	RenderStriking  RenderPhase = "striking"
	RenderStruck    RenderPhase = "struck"
	RenderHidden    RenderPhase = "hidden"
	RenderSettled   RenderPhase = "settled"
)

// VisibleToken is the view-model for one token in the transcript.
type VisibleToken struct {
	Text        string      `json:"text"`
	Kind        TokenKind   `json:"kind"`
	RenderPhase RenderPhase `json:"render_phase"`
}

// Counts tracks per-run token outcomes. Each field is monotonically
// non-decreasing within a run and resets to zero only at run start.
// Drafted is not the sum of the others: a rejection contributes two
// drafted tokens (the attempt and its correction) but one rejected and
// one corrected count.
type Counts struct {
	Drafted   int `json:"drafted"`
	Accepted  int `json:"accepted"`
	Rejected  int `json:"rejected"`
	Corrected int `json:"corrected"`
}

// EventKind classifies activity-feed entries.
type EventKind string

const (
	EventDraft     EventKind = "draft"
	EventVerified  EventKind = "verified"
	EventRejected  EventKind = "rejected"
	EventCorrected EventKind = "corrected"
)

// StatusEvent is one entry in the bounded activity feed.
type StatusEvent struct {
	ID        uint64    `json:"id"`
	Kind      EventKind `json:"kind"`
	Token     string    `json:"token"`
	Timestamp time.Time `json:"timestamp"`
}

// PacketDirection is the travel direction of a packet on the lane diagram.
type PacketDirection string

const (
	DirectionForward PacketDirection = "forward"
	DirectionReverse PacketDirection = "reverse"
)

// PacketLane identifies a network lane.
type PacketLane string

const (
	LaneDraft  PacketLane = "draft"
	LaneVerify PacketLane = "verify"
)

// PacketEvent is an ephemeral lane-animation unit. It stays in the
// snapshot's active set until the caller acknowledges that its travel
// animation finished.
type PacketEvent struct {
	ID        uint64          `json:"id"`
	Direction PacketDirection `json:"direction"`
	Lane      PacketLane      `json:"lane"`
	Color     string          `json:"color"`
}

// Metrics are the derived savings figures shown on the metrics panel.
// Illustrative unit economics, not measured values.
type Metrics struct {
	AcceptanceRatePercent float64 `json:"acceptance_rate_percent"`
	TimeSavedMs           float64 `json:"time_saved_ms"`
	CostSavedUsd          float64 `json:"cost_saved_usd"`
}

// RunMode selects the token producer for a run.
type RunMode string

const (
	ModeDemo RunMode = "demo"
	ModeLive RunMode = "live"
)

// Snapshot is the immutable render state published after every engine
// firing. Slices are deep copies owned by the snapshot; observers of the
// same Seq always see identical contents.
type Snapshot struct {
	RunID         string         `json:"run_id"`
	Mode          RunMode        `json:"mode"`
	Seq           uint64         `json:"seq"`
	Phase         StreamPhase    `json:"phase"`
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

// SettledText returns the text of settled tokens in transcript order.
func (s Snapshot) SettledText() []string {
	var out []string
	for _, t := range s.VisibleTokens {
		if t.RenderPhase == RenderSettled {
			out = append(out, t.Text)
		}
	}
	return out
}
