package model

import (
	"encoding/json"
	"fmt"
)

// StreamMessageType discriminates bridge stream messages.
type StreamMessageType string

const (
	MessageToken StreamMessageType = "token"
	MessageRound StreamMessageType = "round"
	MessageDone  StreamMessageType = "done"
	MessageError StreamMessageType = "error"
)

// TokenEvent is the data payload of a "token" stream message.
type TokenEvent struct {
	Text    string    `json:"text"`
	Type    TokenKind `json:"type"`
	TokenID int       `json:"token_id,omitempty"`
	Logprob float64   `json:"logprob,omitempty"`
}

// Decision converts the wire token into the engine's TokenDecision.
func (e TokenEvent) Decision() TokenDecision {
	return TokenDecision{Text: e.Text, Kind: e.Type, ID: e.TokenID, LogScore: e.Logprob}
}

// RoundEvent is the data payload of a "round" stream message:
// authoritative per-round verification results.
type RoundEvent struct {
	RoundNum           int     `json:"round_num"`
	Drafted            int     `json:"drafted"`
	Accepted           int     `json:"accepted"`
	Corrected          int     `json:"corrected"`
	VerificationTimeMs float64 `json:"verification_time_ms"`
	AcceptanceRate     float64 `json:"acceptance_rate"`
}

// InferenceSummary is the data payload of a "done" stream message and the
// response body of the bridge's buffered inference endpoint.
type InferenceSummary struct {
	RequestID            string       `json:"request_id"`
	GeneratedText        string       `json:"generated_text"`
	Tokens               []TokenEvent `json:"tokens"`
	TotalTokens          int          `json:"total_tokens"`
	DraftTokensGenerated int          `json:"draft_tokens_generated"`
	DraftTokensAccepted  int          `json:"draft_tokens_accepted"`
	GenerationTimeMs     float64      `json:"generation_time_ms"`
	AcceptanceRate       float64      `json:"acceptance_rate"`
	SpeculationRounds    int          `json:"speculation_rounds"`
}

// StreamError is the data payload of an "error" stream message.
type StreamError struct {
	Message string `json:"message"`
}

// StreamMessage is the discriminated union pushed by the bridge over the
// inference stream. Exactly one payload field is non-nil, matching Type.
type StreamMessage struct {
	Type  StreamMessageType
	Token *TokenEvent
	Round *RoundEvent
	Done  *InferenceSummary
	Err   *StreamError
}

// streamEnvelope is the wire shape: {"type": ..., "data": ...}.
type streamEnvelope struct {
	Type StreamMessageType `json:"type"`
	Data json.RawMessage   `json:"data"`
}

// MarshalJSON encodes the message in the bridge wire shape.
func (m StreamMessage) MarshalJSON() ([]byte, error) {
	var payload any
	switch m.Type {
	case MessageToken:
		payload = m.Token
	case MessageRound:
		payload = m.Round
	case MessageDone:
		payload = m.Done
	case MessageError:
		payload = m.Err
	default:
		return nil, fmt.Errorf("unknown stream message type %q", m.Type)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(streamEnvelope{Type: m.Type, Data: data})
}

// UnmarshalJSON decodes the bridge wire shape. An unknown type or a payload
// that does not decode yields an error; callers treat such messages as
// no-ops rather than faults.
func (m *StreamMessage) UnmarshalJSON(b []byte) error {
	var env streamEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	*m = StreamMessage{Type: env.Type}
	switch env.Type {
	case MessageToken:
		m.Token = &TokenEvent{}
		return json.Unmarshal(env.Data, m.Token)
	case MessageRound:
		m.Round = &RoundEvent{}
		return json.Unmarshal(env.Data, m.Round)
	case MessageDone:
		m.Done = &InferenceSummary{}
		return json.Unmarshal(env.Data, m.Done)
	case MessageError:
		m.Err = &StreamError{}
		return json.Unmarshal(env.Data, m.Err)
	default:
		return fmt.Errorf("unknown stream message type %q", env.Type)
	}
}
