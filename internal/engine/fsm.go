package engine

import (
	"time"

	"github.com/specnet-ai/specviz/internal/model"
)

// Per-run timing constants. The cadence is part of the product's look and
// is asserted exactly in tests.
const (
	initialDelay           = 800 * time.Millisecond
	acceptedStepDelayDemo  = 60 * time.Millisecond
	acceptedStepDelayLive  = 20 * time.Millisecond
	rejectedShowDelay      = 80 * time.Millisecond
	strikePause            = 500 * time.Millisecond
	hiddenToCorrectedDelay = 100 * time.Millisecond
	settleDelay            = 150 * time.Millisecond
)

// Lane colors stamped onto emitted packets.
const (
	draftPacketColor  = "#38bdf8"
	verifyPacketColor = "#a78bfa"
)

// stage is the scheduler's position inside the current animation unit.
type stage int

const (
	stageNext    stage = iota // pick the next step or queued message
	stageStrike               // rejected token is visible; strike it
	stageHide                 // struck token hides
	stageCorrect              // hidden tokens are filtered; paired units append the correction
	stageSettle               // correction settles
)

// unitKind classifies the animation unit driving the current stage chain.
type unitKind int

const (
	unitPairedRejection unitKind = iota // rejected+corrected step
	unitLoneRejection                   // rejected live message; correction arrives separately
	unitLoneCorrection                  // corrected live message
)

// unit is the multi-stage animation currently in flight.
type unit struct {
	kind      unitKind
	rejected  model.TokenDecision
	corrected model.TokenDecision
	tokenIdx  int // index of the token being mutated in run.visible
}

type fsmKey struct {
	stage stage
	kind  unitKind
}

// transition is one row of the scheduler table. Firing applies mutate as a
// single atomic update, then arms the timer: stepPaced rows wait the run's
// per-mode step delay, all others wait the fixed delay.
type transition struct {
	mutate    func(*Engine, *run)
	next      stage
	delay     time.Duration
	stepPaced bool
}

// stageTable drives every multi-stage animation unit, keyed by
// (current stage, unit kind). stageNext is handled by the scheduler itself
// since it consumes producer input rather than an in-flight unit.
var stageTable = map[fsmKey]transition{
	{stageStrike, unitPairedRejection}:  {mutate: applyStrike, next: stageHide, delay: strikePause},
	{stageHide, unitPairedRejection}:    {mutate: applyHide, next: stageCorrect, delay: hiddenToCorrectedDelay},
	{stageCorrect, unitPairedRejection}: {mutate: applyCorrect, next: stageSettle, delay: settleDelay},
	{stageSettle, unitPairedRejection}:  {mutate: applySettle, next: stageNext, stepPaced: true},

	{stageStrike, unitLoneRejection}:  {mutate: applyStrike, next: stageHide, delay: strikePause},
	{stageHide, unitLoneRejection}:    {mutate: applyHide, next: stageCorrect, delay: hiddenToCorrectedDelay},
	{stageCorrect, unitLoneRejection}: {mutate: applyFilter, next: stageNext, stepPaced: true},

	{stageSettle, unitLoneCorrection}: {mutate: applySettle, next: stageNext, stepPaced: true},
}

// beginAccepted animates a single-token step: the token settles immediately
// and the next unit is due one step delay later.
func beginAccepted(e *Engine, r *run, tok model.TokenDecision) {
	r.visible = append(r.visible, model.VisibleToken{
		Text:        tok.Text,
		Kind:        tok.Kind,
		RenderPhase: model.RenderSettled,
	})
	r.counts.Drafted++
	if tok.Kind == model.TokenCorrected {
		r.counts.Corrected++
	} else {
		r.counts.Accepted++
		r.metrics.noteAccepted()
	}
	r.current = tok.Text
	r.phase = model.PhaseDrafting
	r.events.append(model.EventVerified, tok.Text, e.now())
	e.emitPackets(r, model.LaneDraft, tok.Text)
	e.emitPackets(r, model.LaneVerify, tok.Text)
	e.countToken(tok.Kind)
	r.stage = stageNext
	e.arm(r.stepDelay())
}

// beginRejection starts the strike chain for a rejected token. Paired units
// carry the known correction; lone units strike, hide, and filter only.
func beginRejection(e *Engine, r *run, rejected, corrected model.TokenDecision, kind unitKind) {
	r.visible = append(r.visible, model.VisibleToken{
		Text:        rejected.Text,
		Kind:        rejected.Kind,
		RenderPhase: model.RenderAppearing,
	})
	r.unit = &unit{kind: kind, rejected: rejected, corrected: corrected, tokenIdx: len(r.visible) - 1}
	r.counts.Drafted++
	r.current = rejected.Text
	r.phase = model.PhaseDrafting
	r.events.append(model.EventDraft, rejected.Text, e.now())
	e.emitPackets(r, model.LaneDraft, rejected.Text)
	e.countToken(rejected.Kind)
	r.stage = stageStrike
	e.arm(rejectedShowDelay)
}

// beginCorrection animates a lone corrected live message.
func beginCorrection(e *Engine, r *run, tok model.TokenDecision) {
	r.visible = append(r.visible, model.VisibleToken{
		Text:        tok.Text,
		Kind:        tok.Kind,
		RenderPhase: model.RenderAppearing,
	})
	r.unit = &unit{kind: unitLoneCorrection, corrected: tok, tokenIdx: len(r.visible) - 1}
	r.counts.Drafted++
	r.counts.Corrected++
	r.current = tok.Text
	r.phase = model.PhaseCorrecting
	r.events.append(model.EventCorrected, tok.Text, e.now())
	e.emitPackets(r, model.LaneDraft, tok.Text)
	e.countToken(tok.Kind)
	r.stage = stageSettle
	e.arm(settleDelay)
}

func applyStrike(e *Engine, r *run) {
	r.visible[r.unit.tokenIdx].RenderPhase = model.RenderStriking
	r.counts.Rejected++
	r.phase = model.PhaseVerifying
	r.events.append(model.EventRejected, r.unit.rejected.Text, e.now())
	e.emitPackets(r, model.LaneVerify, r.unit.rejected.Text)
}

func applyHide(_ *Engine, r *run) {
	r.visible[r.unit.tokenIdx].RenderPhase = model.RenderHidden
}

// applyCorrect drops hidden tokens and appends the paired correction.
func applyCorrect(e *Engine, r *run) {
	r.visible = filterHidden(r.visible)
	cor := r.unit.corrected
	r.visible = append(r.visible, model.VisibleToken{
		Text:        cor.Text,
		Kind:        cor.Kind,
		RenderPhase: model.RenderAppearing,
	})
	r.unit.tokenIdx = len(r.visible) - 1
	r.counts.Drafted++
	r.counts.Corrected++
	r.current = cor.Text
	r.phase = model.PhaseCorrecting
	r.events.append(model.EventCorrected, cor.Text, e.now())
	e.emitPackets(r, model.LaneDraft, cor.Text)
	e.countToken(cor.Kind)
}

// applyFilter drops hidden tokens for a lone rejection; the correction, if
// one exists, arrives as its own queued message.
func applyFilter(_ *Engine, r *run) {
	r.visible = filterHidden(r.visible)
	r.phase = model.PhaseDrafting
	r.unit = nil
}

func applySettle(e *Engine, r *run) {
	r.visible[r.unit.tokenIdx].RenderPhase = model.RenderSettled
	r.phase = model.PhaseDrafting
	e.emitPackets(r, model.LaneVerify, r.unit.corrected.Text)
	r.unit = nil
}

func filterHidden(tokens []model.VisibleToken) []model.VisibleToken {
	out := tokens[:0]
	for _, t := range tokens {
		if t.RenderPhase != model.RenderHidden {
			out = append(out, t)
		}
	}
	return out
}

// fireStage advances the in-flight unit one table row.
func (e *Engine) fireStage(r *run) {
	row, ok := stageTable[fsmKey{stage: r.stage, kind: r.unit.kind}]
	if !ok {
		e.logger.Error("no transition for stage", "stage", int(r.stage), "unit", int(r.unit.kind))
		r.unit = nil
		r.stage = stageNext
		e.arm(r.stepDelay())
		return
	}
	row.mutate(e, r)
	r.stage = row.next
	if row.stepPaced {
		e.arm(r.stepDelay())
	} else {
		e.arm(row.delay)
	}
}
