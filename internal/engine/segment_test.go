package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specnet-ai/specviz/internal/model"
)

func TestSegment_PairsRejectionWithCorrection(t *testing.T) {
	tokens := []model.TokenDecision{
		{Text: "The", Kind: model.TokenAccepted},
		{Text: " theory", Kind: model.TokenAccepted},
		{Text: " the early", Kind: model.TokenRejected},
		{Text: " 1905", Kind: model.TokenCorrected},
	}

	steps := Segment(tokens)
	require.Len(t, steps, 3)

	assert.Equal(t, model.StepAccepted, steps[0].Kind)
	assert.Equal(t, "The", steps[0].Token.Text)

	assert.Equal(t, model.StepAccepted, steps[1].Kind)
	assert.Equal(t, " theory", steps[1].Token.Text)

	assert.Equal(t, model.StepRejection, steps[2].Kind)
	assert.Equal(t, " the early", steps[2].Rejected.Text)
	assert.Equal(t, " 1905", steps[2].Corrected.Text)
}

func TestSegment_UnpairedCorrectedStandsAlone(t *testing.T) {
	// A corrected token without a preceding rejected token is a plain step.
	tokens := []model.TokenDecision{
		{Text: "a", Kind: model.TokenAccepted},
		{Text: "b", Kind: model.TokenCorrected},
	}

	steps := Segment(tokens)
	require.Len(t, steps, 2)
	assert.Equal(t, model.StepAccepted, steps[1].Kind)
	assert.Equal(t, model.TokenCorrected, steps[1].Token.Kind)
}

func TestSegment_TrailingRejectedFallsThrough(t *testing.T) {
	tokens := []model.TokenDecision{
		{Text: "a", Kind: model.TokenAccepted},
		{Text: "b", Kind: model.TokenRejected},
	}

	steps := Segment(tokens)
	require.Len(t, steps, 2)
	assert.Equal(t, model.StepAccepted, steps[1].Kind)
	assert.Equal(t, model.TokenRejected, steps[1].Token.Kind)
}

func TestSegment_RejectedBeforeNonCorrectedStaysUnpaired(t *testing.T) {
	tokens := []model.TokenDecision{
		{Text: "a", Kind: model.TokenRejected},
		{Text: "b", Kind: model.TokenAccepted},
	}

	steps := Segment(tokens)
	require.Len(t, steps, 2)
	assert.Equal(t, model.StepAccepted, steps[0].Kind)
	assert.Equal(t, model.TokenRejected, steps[0].Token.Kind)
	assert.Equal(t, model.StepAccepted, steps[1].Kind)
}

func TestSegment_ConsecutiveRejections(t *testing.T) {
	tokens := []model.TokenDecision{
		{Text: "r1", Kind: model.TokenRejected},
		{Text: "c1", Kind: model.TokenCorrected},
		{Text: "r2", Kind: model.TokenRejected},
		{Text: "c2", Kind: model.TokenCorrected},
	}

	steps := Segment(tokens)
	require.Len(t, steps, 2)
	for i, s := range steps {
		assert.Equal(t, model.StepRejection, s.Kind, "step %d", i)
	}
	assert.Equal(t, "c2", steps[1].Corrected.Text)
}

func TestSegment_Empty(t *testing.T) {
	assert.Empty(t, Segment(nil))
	assert.Empty(t, Segment([]model.TokenDecision{}))
}

func TestSegment_EveryTokenLandsInExactlyOneStep(t *testing.T) {
	tokens := []model.TokenDecision{
		{Text: "a", Kind: model.TokenAccepted},
		{Text: "r", Kind: model.TokenRejected},
		{Text: "c", Kind: model.TokenCorrected},
		{Text: "b", Kind: model.TokenAccepted},
		{Text: "r2", Kind: model.TokenRejected},
	}

	steps := Segment(tokens)

	total := 0
	for _, s := range steps {
		if s.Kind == model.StepRejection {
			total += 2
		} else {
			total++
		}
	}
	assert.Equal(t, len(tokens), total)
}
