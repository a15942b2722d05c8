package model_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specnet-ai/specviz/internal/model"
)

// ptr is a convenience helper for pointer literals in test cases.
func ptr[T any](v T) *T { return &v }

// ---- InferenceParams.Normalize ---------------------------------------------

func TestInferenceParamsNormalize_FillsDefaults(t *testing.T) {
	p := model.InferenceParams{Prompt: "explain relativity"}
	p.Normalize()

	assert.Equal(t, model.DefaultMaxTokens, p.MaxTokens)
	require.NotNil(t, p.Temperature)
	assert.Equal(t, model.DefaultTemperature, *p.Temperature)
	require.NotNil(t, p.TopK)
	assert.Equal(t, model.DefaultTopK, *p.TopK)
	assert.Equal(t, model.DefaultDraftTokens, p.DraftTokens)
}

func TestInferenceParamsNormalize_KeepsExplicitValues(t *testing.T) {
	p := model.InferenceParams{
		Prompt:      "hi",
		MaxTokens:   10,
		Temperature: ptr(0.0),
		TopK:        ptr(-1),
		DraftTokens: 3,
	}
	p.Normalize()

	assert.Equal(t, 10, p.MaxTokens)
	assert.Equal(t, 0.0, *p.Temperature, "explicit zero temperature must survive")
	assert.Equal(t, -1, *p.TopK, "top_k=-1 disables sampling and must survive")
	assert.Equal(t, 3, p.DraftTokens)
}

// ---- InferenceParams.Validate ----------------------------------------------

func TestInferenceParamsValidate_HappyPath(t *testing.T) {
	p := model.InferenceParams{Prompt: "what is the capital of France"}
	p.Normalize()
	assert.NoError(t, p.Validate())
}

func TestInferenceParamsValidate_EmptyPrompt(t *testing.T) {
	p := model.InferenceParams{Prompt: "   "}
	p.Normalize()
	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prompt")
}

func TestInferenceParamsValidate_PromptOverMax(t *testing.T) {
	p := model.InferenceParams{Prompt: strings.Repeat("x", model.MaxPromptLen+1)}
	p.Normalize()
	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prompt")
}

func TestInferenceParamsValidate_MaxTokensOutOfBounds(t *testing.T) {
	for _, tokens := range []int{-1, model.MaxMaxTokens + 1} {
		p := model.InferenceParams{Prompt: "hi", MaxTokens: tokens}
		p.Normalize()
		err := p.Validate()
		require.Error(t, err, "max_tokens=%d", tokens)
		assert.Contains(t, err.Error(), "max_tokens")
	}
}

func TestInferenceParamsValidate_MaxTokensAtBounds(t *testing.T) {
	for _, tokens := range []int{model.MinMaxTokens, model.MaxMaxTokens} {
		p := model.InferenceParams{Prompt: "hi", MaxTokens: tokens}
		p.Normalize()
		assert.NoError(t, p.Validate(), "max_tokens=%d", tokens)
	}
}

func TestInferenceParamsValidate_TemperatureOutOfRange(t *testing.T) {
	p := model.InferenceParams{Prompt: "hi", Temperature: ptr(2.1)}
	p.Normalize()
	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "temperature")
}

func TestInferenceParamsValidate_TopKBelowMin(t *testing.T) {
	p := model.InferenceParams{Prompt: "hi", TopK: ptr(-2)}
	p.Normalize()
	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "top_k")
}

func TestInferenceParamsValidate_DraftTokensOverMax(t *testing.T) {
	p := model.InferenceParams{Prompt: "hi", DraftTokens: model.MaxDraftTokens + 1}
	p.Normalize()
	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "draft_tokens")
}

func TestInferenceParamsValidate_UnknownMode(t *testing.T) {
	p := model.InferenceParams{Prompt: "hi", Mode: model.RunMode("replay")}
	p.Normalize()
	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mode")
}

func TestInferenceParamsValidate_KnownModes(t *testing.T) {
	for _, mode := range []model.RunMode{"", model.ModeDemo, model.ModeLive} {
		p := model.InferenceParams{Prompt: "hi", Mode: mode}
		p.Normalize()
		assert.NoError(t, p.Validate(), "mode=%q", mode)
	}
}

// ---- Snapshot helpers ------------------------------------------------------

func TestSnapshotSettledText_OrderAndFiltering(t *testing.T) {
	s := model.Snapshot{
		VisibleTokens: []model.VisibleToken{
			{Text: "The", Kind: model.TokenAccepted, RenderPhase: model.RenderSettled},
			{Text: " theory", Kind: model.TokenAccepted, RenderPhase: model.RenderSettled},
			{Text: " the early", Kind: model.TokenRejected, RenderPhase: model.RenderStriking},
			{Text: " 1905", Kind: model.TokenCorrected, RenderPhase: model.RenderSettled},
		},
	}
	assert.Equal(t, []string{"The", " theory", " 1905"}, s.SettledText())
}
