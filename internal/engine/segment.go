// Package engine implements the token-stream animation core: step
// segmentation, the timed phase state machine, packet throttling, metric
// derivation, and the observable render state.
//
// One loop goroutine owns all run state. Everything else talks to it
// through commands and reads it through immutable snapshots, so a firing
// is never interleaved with another writer.
package engine

import "github.com/specnet-ai/specviz/internal/model"

// Segment turns a flat token-decision sequence into atomic animation steps.
//
// A rejected token immediately followed by a corrected token pairs into one
// rejection step; every other token becomes an accepted step regardless of
// its tag. A trailing rejected token with no correction therefore falls
// through as an accepted step wrapping a rejected-tagged token, which
// renders as a permanently struck token with no reject/correct animation.
// Upstream producers never emit that shape today; it is preserved rather
// than papered over.
func Segment(tokens []model.TokenDecision) []model.Step {
	steps := make([]model.Step, 0, len(tokens))
	for i := 0; i < len(tokens); {
		t := tokens[i]
		if t.Kind == model.TokenRejected && i+1 < len(tokens) && tokens[i+1].Kind == model.TokenCorrected {
			steps = append(steps, model.RejectionStep(t, tokens[i+1]))
			i += 2
			continue
		}
		steps = append(steps, model.AcceptedStep(t))
		i++
	}
	return steps
}
