// Package demo produces the scripted token sequences played when no live
// bridge is reachable. Scripts are deterministic per prompt so the
// animation is reproducible.
package demo

import (
	"strings"

	"github.com/specnet-ai/specviz/internal/model"
)

// rejectionPeriod marks every Nth word of a script as a draft miss, which
// keeps the reject/correct animation visible at a realistic cadence.
const rejectionPeriod = 6

// Illustrative log scores matching what the bridge reports for each
// outcome.
const (
	acceptedLogScore  = -0.1
	rejectedLogScore  = -2.5
	correctedLogScore = -0.3
)

// responses are the canned continuations, keyed by prompt keyword. The
// default entry is the fallback when no keyword matches.
var responses = map[string]string{
	"default": "The concept you're asking about is quite fascinating. It involves multiple layers of " +
		"understanding that have been refined over decades of research. At its core, the idea " +
		"relies on fundamental principles that connect seemingly disparate observations into a " +
		"unified framework. Researchers have spent considerable effort developing mathematical " +
		"models that capture these relationships with remarkable precision.",
	"relativity": "The theory of relativity, proposed by Albert Einstein in 1905 and 1915, fundamentally " +
		"revolutionized our understanding of space and time. Special relativity demonstrates that " +
		"the speed of light is constant for all observers, leading to the iconic equation E=mc². " +
		"General relativity extends this by describing gravity not as a force, but as a curvature " +
		"of spacetime caused by massive objects.",
	"ai": "Artificial intelligence has evolved dramatically since its inception in the 1950s. Modern " +
		"deep learning approaches use neural networks with billions of parameters trained on vast " +
		"datasets. Techniques like speculative decoding accelerate inference by using a smaller " +
		"draft model to predict tokens that a larger target model then verifies, achieving " +
		"significant speedups while maintaining output quality.",
	"capital": "The capital city serves as the political and administrative center of the country. It " +
		"houses the primary government institutions, diplomatic missions, and often serves as a " +
		"cultural hub. The population and economic significance can vary greatly depending on the " +
		"nation's structure and historical development.",
}

// keywordOrder fixes the matching precedence; map iteration would make a
// prompt containing two keywords non-deterministic.
var keywordOrder = []string{"relativity", "ai", "capital"}

// corrections maps commonly rejected draft words to their replacements.
var corrections = map[string]string{
	"fundamentally": "profoundly",
	"changed":       "transformed",
	"shows":         "demonstrates",
	"famous":        "well-known",
	"explains":      "describes",
	"significant":   "notable",
	"vast":          "enormous",
	"dramatic":      "remarkable",
	"evolved":       "progressed",
	"modern":        "contemporary",
}

// ResponseFor returns the canned continuation whose keyword occurs in
// prompt, falling back to the generic one.
func ResponseFor(prompt string) string {
	lower := strings.ToLower(prompt)
	for _, key := range keywordOrder {
		if strings.Contains(lower, key) {
			return responses[key]
		}
	}
	return responses["default"]
}

// Correct returns the replacement for a rejected draft word: a known
// synonym when one exists, otherwise the word toggled between singular and
// plural so the substitution stays readable.
func Correct(word string) string {
	if c, ok := corrections[word]; ok {
		return c
	}
	if strings.HasSuffix(word, "s") {
		return word[:len(word)-1]
	}
	return word + "s"
}

// Nodes returns the canned node inventory served when no bridge is
// reachable. The values mirror the mock bridge's network document.
func Nodes() []model.NodeInfo {
	return []model.NodeInfo{
		{
			ID:        "target-0",
			Type:      "target",
			Hardware:  "GPU Server",
			Model:     "Qwen/Qwen2.5-3B-Instruct",
			Status:    "online",
			Latency:   12,
			Price:     2.49,
			GPUMemory: "80 GB",
		},
		{
			ID:        "draft-0",
			Type:      "draft",
			Hardware:  "Mock CPU",
			Model:     "mock-model",
			Status:    "online",
			Latency:   45,
			Price:     0.05,
			GPUMemory: "N/A",
		},
	}
}

// Stats returns the canned network statistics for offline operation.
func Stats() model.NetworkStats {
	return model.NetworkStats{
		ActiveDraftNodes:  1,
		ActiveTargetNodes: 1,
		TotalTPS:          145,
		AvgAcceptanceRate: 0.82,
		AvgCostPer1K:      0.0004,
	}
}

// Script converts the canned continuation for prompt into the decision
// sequence the engine animates. Every rejectionPeriod'th word drafts wrong
// and is immediately followed by its correction; everything else is
// accepted. Tokens after the first carry a leading space so settled text
// joins cleanly.
func Script(prompt string) []model.TokenDecision {
	words := strings.Split(ResponseFor(prompt), " ")
	out := make([]model.TokenDecision, 0, len(words)+len(words)/rejectionPeriod)

	for i, word := range words {
		prefix := ""
		if i > 0 {
			prefix = " "
		}
		if (i+1)%rejectionPeriod == 0 {
			out = append(out,
				model.TokenDecision{Text: prefix + word, Kind: model.TokenRejected, LogScore: rejectedLogScore},
				model.TokenDecision{Text: prefix + Correct(word), Kind: model.TokenCorrected, LogScore: correctedLogScore},
			)
			continue
		}
		out = append(out, model.TokenDecision{Text: prefix + word, Kind: model.TokenAccepted, LogScore: acceptedLogScore})
	}
	return out
}
