// Package mockbridge is a stand-in SpecNet bridge: it simulates speculative
// decoding and serves the bridge HTTP surface, so the engine can be
// developed and tested without GPUs.
package mockbridge

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/specnet-ai/specviz/internal/demo"
	"github.com/specnet-ai/specviz/internal/model"
)

const (
	acceptProbability = 0.80

	acceptedLogprob  = -0.1
	rejectedLogprob  = -2.5
	correctedLogprob = -0.3

	verifyTimeMinMs = 5.0
	verifyTimeMaxMs = 25.0

	roundDelayMin = 30 * time.Millisecond
	roundDelayMax = 80 * time.Millisecond
)

// Round is one speculation round as it appears on the wire: token events
// first, then the round summary, then a short pause before the next round.
type Round struct {
	Tokens []model.TokenEvent
	Event  model.RoundEvent
	Delay  time.Duration
}

// Simulator produces randomized speculative-decoding runs. Safe for
// concurrent use; with a fixed seed, serial runs are reproducible.
type Simulator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulator creates a Simulator. A zero seed picks a time-based one.
func NewSimulator(seed int64) *Simulator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulator{rng: rand.New(rand.NewSource(seed))}
}

func (s *Simulator) float() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

func (s *Simulator) between(lo, hi float64) float64 {
	return lo + s.float()*(hi-lo)
}

// Run simulates one inference: every speculation round plus the final
// summary. Each round drafts up to DraftTokens words from the prompt's word
// bank; roughly 80% of drafts are accepted, and a rejection emits a
// corrected replacement and ends its round. The correction counts as both a
// generated and an accepted draft token in the overall totals, but not in
// the per-round acceptance rate.
func (s *Simulator) Run(params model.InferenceParams) ([]Round, model.InferenceSummary) {
	words := strings.Split(demo.ResponseFor(params.Prompt), " ")
	requestID := uuid.New().String()[:8]

	var (
		rounds        []Round
		allTokens     []model.TokenEvent
		totalDrafted  int
		totalAccepted int
		elapsedMs     float64
	)

	i := 0
	for i < len(words) && len(allTokens) < params.MaxTokens {
		draftCount := min(params.DraftTokens, len(words)-i, params.MaxTokens-len(allTokens))

		var (
			tokens    []model.TokenEvent
			drafted   int
			accepted  int
			corrected int
		)
		consumed := draftCount
		for j := 0; j < draftCount; j++ {
			word := words[i+j]
			prefix := ""
			if i+j > 0 {
				prefix = " "
			}
			drafted++
			totalDrafted++

			if s.float() < acceptProbability {
				tokens = append(tokens, model.TokenEvent{
					Text: prefix + word, Type: model.TokenAccepted, Logprob: acceptedLogprob,
				})
				accepted++
				totalAccepted++
				continue
			}

			// A rejected draft is replaced in place; the round ends here.
			tokens = append(tokens,
				model.TokenEvent{Text: prefix + word, Type: model.TokenRejected, Logprob: rejectedLogprob},
				model.TokenEvent{Text: prefix + demo.Correct(word), Type: model.TokenCorrected, Logprob: correctedLogprob},
			)
			corrected++
			totalDrafted++
			totalAccepted++
			consumed = j + 1
			break
		}
		i += consumed
		allTokens = append(allTokens, tokens...)

		verifyMs := s.between(verifyTimeMinMs, verifyTimeMaxMs)
		rate := 0.0
		if drafted > 0 {
			rate = float64(accepted) / float64(drafted)
		}
		delay := time.Duration(s.between(float64(roundDelayMin), float64(roundDelayMax)))
		elapsedMs += verifyMs + float64(delay.Milliseconds())

		rounds = append(rounds, Round{
			Tokens: tokens,
			Event: model.RoundEvent{
				RoundNum:           len(rounds) + 1,
				Drafted:            drafted,
				Accepted:           accepted,
				Corrected:          corrected,
				VerificationTimeMs: verifyMs,
				AcceptanceRate:     rate,
			},
			Delay: delay,
		})
	}

	kept := make([]string, 0, len(allTokens))
	for _, tok := range allTokens {
		if tok.Type == model.TokenAccepted || tok.Type == model.TokenCorrected {
			kept = append(kept, strings.TrimSpace(tok.Text))
		}
	}
	overall := 0.0
	if totalDrafted > 0 {
		overall = float64(totalAccepted) / float64(totalDrafted)
	}

	summary := model.InferenceSummary{
		RequestID:            requestID,
		GeneratedText:        strings.Join(kept, " "),
		Tokens:               allTokens,
		TotalTokens:          len(allTokens),
		DraftTokensGenerated: totalDrafted,
		DraftTokensAccepted:  totalAccepted,
		GenerationTimeMs:     elapsedMs,
		AcceptanceRate:       overall,
		SpeculationRounds:    len(rounds),
	}
	return rounds, summary
}
