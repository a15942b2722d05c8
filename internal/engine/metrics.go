package engine

import "github.com/specnet-ai/specviz/internal/model"

// Illustrative unit economics applied to accepted draft tokens. Display
// figures only; nothing here is measured or billed.
const (
	timeSavedPerTokenMs   = 12.0
	costSavedPerKiloToken = 0.5
)

// metricsState derives the panel metrics from observed counts and reconciles
// them against authoritative transport values when those arrive.
type metricsState struct {
	// acceptedDraft is the local accepted-token count feeding the savings
	// estimates. A done summary replaces it with the authoritative total.
	acceptedDraft int

	// rateOverride holds the authoritative acceptance rate (as a percentage)
	// once a round or done message reported one. While set, the local
	// estimate is not used.
	rateOverride *float64
}

func (m *metricsState) noteAccepted() {
	m.acceptedDraft++
}

// applyRound takes the round's acceptance rate verbatim (scaled to percent).
func (m *metricsState) applyRound(r model.RoundEvent) {
	p := r.AcceptanceRate * 100
	m.rateOverride = &p
}

// applyDone replaces the local accepted-token count with the authoritative
// total and takes the final acceptance rate verbatim.
func (m *metricsState) applyDone(d model.InferenceSummary) {
	m.acceptedDraft = d.DraftTokensAccepted
	p := d.AcceptanceRate * 100
	m.rateOverride = &p
}

// compute returns the metrics document for the given counts. The local
// acceptance-rate estimate counts corrections as accepted output, matching
// the bridge's own accounting.
func (m *metricsState) compute(c model.Counts) model.Metrics {
	out := model.Metrics{
		TimeSavedMs:  float64(m.acceptedDraft) * timeSavedPerTokenMs,
		CostSavedUsd: float64(m.acceptedDraft) / 1000 * costSavedPerKiloToken,
	}
	switch {
	case m.rateOverride != nil:
		out.AcceptanceRatePercent = *m.rateOverride
	case c.Drafted > 0:
		out.AcceptanceRatePercent = float64(c.Accepted+c.Corrected) / float64(c.Drafted) * 100
	}
	return out
}
