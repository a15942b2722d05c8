// Package model defines the domain, wire, and API types for specviz.
//
// Types use strong typing (enums, time.Time, uuid.UUID) and avoid
// interface{} wherever possible. Wire types mirror the SpecNet bridge
// JSON format field for field.
package model

// TokenKind classifies a draft token's verification outcome.
type TokenKind string

const (
	// TokenAccepted means verification confirmed the draft token; kept as-is.
	TokenAccepted TokenKind = "accepted"
	// TokenRejected means verification rejected the draft token.
	TokenRejected TokenKind = "rejected"
	// TokenCorrected is the replacement substituted after a rejection.
	TokenCorrected TokenKind = "corrected"
)

// Valid reports whether k is one of the three known kinds.
func (k TokenKind) Valid() bool {
	switch k {
	case TokenAccepted, TokenRejected, TokenCorrected:
		return true
	}
	return false
}

// TokenDecision is one draft/verify outcome produced by the decoding
// pipeline. Immutable once produced.
type TokenDecision struct {
	Text     string    `json:"text"`
	Kind     TokenKind `json:"kind"`
	ID       int       `json:"id,omitempty"`
	LogScore float64   `json:"log_score,omitempty"`
}

// StepKind discriminates Step variants.
type StepKind string

const (
	StepAccepted  StepKind = "accepted"
	StepRejection StepKind = "rejection"
)

// Step is one atomic unit of the segmented token sequence: either a single
// accepted token, or a rejected token paired with its correction.
//
// For StepAccepted, Token holds the unpaired token (of any kind). For
// StepRejection, Rejected and Corrected hold the pair and Token is unused.
type Step struct {
	Kind      StepKind      `json:"kind"`
	Token     TokenDecision `json:"token,omitempty"`
	Rejected  TokenDecision `json:"rejected,omitempty"`
	Corrected TokenDecision `json:"corrected,omitempty"`
}

// AcceptedStep wraps a single unpaired token.
func AcceptedStep(t TokenDecision) Step {
	return Step{Kind: StepAccepted, Token: t}
}

// RejectionStep pairs a rejected token with its correction.
func RejectionStep(rejected, corrected TokenDecision) Step {
	return Step{Kind: StepRejection, Rejected: rejected, Corrected: corrected}
}
