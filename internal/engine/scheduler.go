package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/specnet-ai/specviz/internal/model"
)

const (
	// maxPendingLive bounds the undrained live-message queue. When full the
	// loop stops receiving from the transport channel and TCP flow control
	// holds the bridge back; nothing is dropped.
	maxPendingLive = 512

	// liveChanBuffer absorbs short bursts between the transport reader and
	// the loop.
	liveChanBuffer = 64

	cmdChanBuffer = 16
)

// ErrNotRunning is returned when the engine loop has exited.
var ErrNotRunning = errors.New("engine is not running")

// ScriptFunc produces the scripted token sequence for a demo prompt.
type ScriptFunc func(prompt string) []model.TokenDecision

// ResolveModeFunc picks demo or live for a submission. requested is the
// caller's explicit mode, or empty to let the resolver decide.
type ResolveModeFunc func(ctx context.Context, requested model.RunMode) model.RunMode

// Sink receives one run's transport events. Message may block to apply
// backpressure. Closed must be called exactly once when the stream ends,
// with nil for a clean close.
type Sink interface {
	Message(model.StreamMessage)
	Closed(err error)
}

// OpenLiveFunc dials the live transport and feeds its events to sink until
// the stream ends or the returned handle is closed. Closing the handle must
// be idempotent.
type OpenLiveFunc func(ctx context.Context, params model.InferenceParams, sink Sink) (io.Closer, error)

// Config wires an Engine.
type Config struct {
	Logger   *slog.Logger
	Script   ScriptFunc
	OpenLive OpenLiveFunc // nil disables live mode

	// ResolveMode picks the mode for each submission; nil uses the
	// requested mode as-is, defaulting to demo.
	ResolveMode ResolveModeFunc

	// OnRunFinished receives the terminal summary of every run. Called from
	// the engine loop; implementations must not block.
	OnRunFinished func(model.RunSummary)
}

// Engine owns one animation run at a time and drives it through timed
// firings. A single loop goroutine owns all run state; HTTP handlers and
// transport readers talk to it over channels only.
type Engine struct {
	logger        *slog.Logger
	script        ScriptFunc
	openLive      OpenLiveFunc
	resolveMode   ResolveModeFunc
	onRunFinished func(model.RunSummary)

	cmds     chan command
	liveCh   chan liveEvent
	loopDone chan struct{}

	startOnce sync.Once
	nowFn     func() time.Time

	snap atomic.Pointer[model.Snapshot]

	subMu sync.Mutex
	subs  map[chan model.Snapshot]struct{}

	// Everything below is owned by the loop goroutine. Unit tests drive
	// the handlers directly instead of running the loop.
	gen        uint64
	run        *run
	seq        uint64
	timer      *time.Timer
	armed      bool
	armedDelay time.Duration

	instruments
}

// run is the state of one animation run.
type run struct {
	gen       uint64
	id        uuid.UUID
	prompt    string
	params    model.InferenceParams
	mode      model.RunMode
	startedAt time.Time
	cancel    context.CancelFunc
	handle    io.Closer

	// demo producer
	steps  []model.Step
	cursor int

	// live producer
	pending   []model.StreamMessage
	doneMsg   *model.InferenceSummary
	rounds    int
	streaming bool

	stage stage
	unit  *unit

	phase    model.StreamPhase
	current  string
	done     bool
	visible  []model.VisibleToken
	counts   model.Counts
	packets  []model.PacketEvent
	events   eventLog
	throttle *throttler
	metrics  metricsState
}

func (r *run) stepDelay() time.Duration {
	if r.mode == model.ModeLive {
		return acceptedStepDelayLive
	}
	return acceptedStepDelayDemo
}

type command any

type submitCmd struct {
	params model.InferenceParams
	mode   model.RunMode
	reply  chan model.SubmitAccepted
}

type ackCmd struct {
	id uint64
}

type attachHandleCmd struct {
	gen    uint64
	handle io.Closer
}

// streamErrorCmd carries an in-band bridge error. It bypasses the token
// queue so a full queue cannot delay the failure.
type streamErrorCmd struct {
	gen uint64
	msg string
}

type streamClosedCmd struct {
	gen uint64
	err error
}

type liveEvent struct {
	gen uint64
	msg model.StreamMessage
	// eof marks a clean transport close. It rides the ordered message
	// channel so it is always observed after the messages that preceded
	// it, in particular after done.
	eof bool
}

// New builds an Engine. Call Start before submitting runs.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		logger:        logger.With("component", "engine"),
		script:        cfg.Script,
		openLive:      cfg.OpenLive,
		resolveMode:   cfg.ResolveMode,
		onRunFinished: cfg.OnRunFinished,
		cmds:          make(chan command, cmdChanBuffer),
		liveCh:        make(chan liveEvent, liveChanBuffer),
		loopDone:      make(chan struct{}),
		subs:          make(map[chan model.Snapshot]struct{}),
		nowFn:         time.Now,
	}
	if e.script == nil {
		e.script = func(string) []model.TokenDecision { return nil }
	}
	e.snap.Store(&model.Snapshot{Phase: model.PhaseIdle, UpdatedAt: e.now()})
	return e
}

// Start launches the engine loop. It runs until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		e.registerInstruments()
		go e.loop(ctx)
	})
}

// Done is closed once the loop has exited and every subscriber channel is
// closed.
func (e *Engine) Done() <-chan struct{} { return e.loopDone }

func (e *Engine) loop(ctx context.Context) {
	defer close(e.loopDone)
	defer e.shutdown()

	e.timer = time.NewTimer(time.Hour)
	if !e.timer.Stop() {
		<-e.timer.C
	}

	for {
		// Receiving from the transport is gated on queue headroom.
		var liveCh <-chan liveEvent
		if r := e.run; r != nil && r.mode == model.ModeLive && !r.done && len(r.pending) < maxPendingLive {
			liveCh = e.liveCh
		}

		select {
		case <-ctx.Done():
			return
		case cmd := <-e.cmds:
			e.handleCommand(ctx, cmd)
		case ev := <-liveCh:
			e.handleLiveEvent(ev)
		case <-e.timer.C:
			e.armed = false
			e.handleFire()
		}
	}
}

// arm schedules the next firing, replacing any pending one. Outside the
// loop (unit tests) it only records the requested delay.
func (e *Engine) arm(d time.Duration) {
	if e.timer != nil {
		if e.armed && !e.timer.Stop() {
			<-e.timer.C
		}
		e.timer.Reset(d)
	}
	e.armed = true
	e.armedDelay = d
}

// disarm cancels any pending firing.
func (e *Engine) disarm() {
	if e.armed && e.timer != nil && !e.timer.Stop() {
		<-e.timer.C
	}
	e.armed = false
	e.armedDelay = 0
}

func (e *Engine) now() time.Time { return e.nowFn() }

func (e *Engine) shutdown() {
	if r := e.run; r != nil && !r.done {
		e.finishRun(r, model.RunCancelled)
		e.publish()
	}
	e.closeSubscribers()
}

// Submit starts a new run, retiring any active one. The retired run's
// pending firings and undrained queue are discarded before the new run is
// seeded.
func (e *Engine) Submit(ctx context.Context, params model.InferenceParams) (model.SubmitAccepted, error) {
	params.Normalize()
	if err := params.Validate(); err != nil {
		return model.SubmitAccepted{}, err
	}

	mode := params.Mode
	if e.resolveMode != nil {
		mode = e.resolveMode(ctx, params.Mode)
	}
	if mode != model.ModeLive || e.openLive == nil {
		mode = model.ModeDemo
	}

	reply := make(chan model.SubmitAccepted, 1)
	cmd := submitCmd{params: params, mode: mode, reply: reply}
	select {
	case e.cmds <- cmd:
	case <-e.loopDone:
		return model.SubmitAccepted{}, ErrNotRunning
	case <-ctx.Done():
		return model.SubmitAccepted{}, ctx.Err()
	}
	select {
	case acc := <-reply:
		return acc, nil
	case <-e.loopDone:
		return model.SubmitAccepted{}, ErrNotRunning
	case <-ctx.Done():
		return model.SubmitAccepted{}, ctx.Err()
	}
}

// AcknowledgePacket removes a packet whose travel animation has finished.
// Unknown or already-acknowledged ids are ignored.
func (e *Engine) AcknowledgePacket(id uint64) {
	select {
	case e.cmds <- ackCmd{id: id}:
	case <-e.loopDone:
	}
}

func (e *Engine) handleCommand(ctx context.Context, cmd command) {
	switch c := cmd.(type) {
	case submitCmd:
		e.handleSubmit(ctx, c)
	case ackCmd:
		e.handleAck(c.id)
	case attachHandleCmd:
		if e.run == nil || c.gen != e.run.gen || e.run.done {
			if c.handle != nil {
				_ = c.handle.Close()
			}
			return
		}
		e.run.handle = c.handle
	case streamErrorCmd:
		e.handleStreamEnd(c.gen, errors.New(c.msg))
	case streamClosedCmd:
		e.handleStreamEnd(c.gen, c.err)
	}
}

func (e *Engine) handleSubmit(ctx context.Context, c submitCmd) {
	if r := e.run; r != nil && !r.done {
		e.finishRun(r, model.RunCancelled)
	}

	e.gen++
	runCtx, cancel := context.WithCancel(ctx)
	r := &run{
		gen:       e.gen,
		id:        uuid.New(),
		prompt:    c.params.Prompt,
		params:    c.params,
		mode:      c.mode,
		startedAt: e.now(),
		cancel:    cancel,
		streaming: true,
		stage:     stageNext,
		phase:     model.PhaseDrafting,
		throttle:  newThrottler(),
	}
	e.run = r
	e.syncQueueDepth(r)
	e.syncActivePackets(r)

	switch c.mode {
	case model.ModeLive:
		sink := &liveSink{eng: e, gen: r.gen, ctx: runCtx}
		go e.dialLive(runCtx, r.gen, c.params, sink)
	default:
		r.steps = Segment(e.script(c.params.Prompt))
	}

	e.arm(initialDelay)
	e.countRunStarted(c.mode)
	e.logger.Info("run started",
		"run_id", r.id.String(),
		"mode", string(c.mode),
		"prompt_len", len(c.params.Prompt),
	)
	c.reply <- model.SubmitAccepted{RunID: r.id.String(), Mode: c.mode}
	e.publish()
}

func (e *Engine) handleAck(id uint64) {
	r := e.run
	if r == nil {
		return
	}
	for i, p := range r.packets {
		if p.ID == id {
			r.packets = append(r.packets[:i], r.packets[i+1:]...)
			e.syncActivePackets(r)
			e.publish()
			return
		}
	}
}

func (e *Engine) handleLiveEvent(ev liveEvent) {
	r := e.run
	if r == nil || ev.gen != r.gen || r.done {
		return
	}
	if ev.eof {
		e.handleStreamEnd(ev.gen, nil)
		return
	}
	r.pending = append(r.pending, ev.msg)
	e.syncQueueDepth(r)
	// Wake a quiescent run; mid-animation the chain picks the message up
	// on its own.
	if r.stage == stageNext && !e.armed {
		e.arm(0)
	}
}

// handleStreamEnd ends a live run when the transport closes or the bridge
// reports an error. A clean close after done was delivered is the normal
// end of stream: rendering continues until the queue drains. Anything else
// abandons the queue and forces the run idle.
func (e *Engine) handleStreamEnd(gen uint64, err error) {
	r := e.run
	if r == nil || gen != r.gen || r.done {
		return
	}
	if err == nil && (r.doneMsg != nil || pendingHasDone(r.pending)) {
		r.streaming = false
		e.publish()
		return
	}

	if err != nil {
		e.logger.Warn("live stream failed", "run_id", r.id.String(), "error", err)
	} else {
		e.logger.Warn("live stream closed before completion", "run_id", r.id.String())
	}
	r.pending = nil
	e.syncQueueDepth(r)
	e.finishRun(r, model.RunFailed)
	e.publish()
}

func pendingHasDone(pending []model.StreamMessage) bool {
	for _, m := range pending {
		if m.Type == model.MessageDone {
			return true
		}
	}
	return false
}

// handleFire advances the run one animation stage and publishes the result
// as a single snapshot.
func (e *Engine) handleFire() {
	r := e.run
	if r == nil || r.done {
		return
	}
	if r.stage == stageNext {
		e.fireNext(r)
	} else {
		e.fireStage(r)
	}
	e.publish()
}

// fireNext consumes the next producer unit: a segmented step in demo mode,
// a queued message in live mode.
func (e *Engine) fireNext(r *run) {
	switch r.mode {
	case model.ModeLive:
		e.fireNextLive(r)
	default:
		if r.cursor >= len(r.steps) {
			e.finishRun(r, model.RunCompleted)
			return
		}
		step := r.steps[r.cursor]
		r.cursor++
		if step.Kind == model.StepRejection {
			beginRejection(e, r, step.Rejected, step.Corrected, unitPairedRejection)
		} else {
			beginAccepted(e, r, step.Token)
		}
	}
}

func (e *Engine) fireNextLive(r *run) {
	// Rounds and the final summary carry no animation of their own; they
	// apply inline until a token is found.
	for len(r.pending) > 0 {
		msg := r.pending[0]
		r.pending = r.pending[1:]
		switch msg.Type {
		case model.MessageRound:
			r.metrics.applyRound(*msg.Round)
			if msg.Round.RoundNum > r.rounds {
				r.rounds = msg.Round.RoundNum
			}
		case model.MessageDone:
			r.doneMsg = msg.Done
		case model.MessageToken:
			tok := msg.Token.Decision()
			if !tok.Kind.Valid() {
				e.logger.Debug("dropping token with unknown type", "type", msg.Token.Type)
				continue
			}
			e.syncQueueDepth(r)
			switch tok.Kind {
			case model.TokenRejected:
				beginRejection(e, r, tok, model.TokenDecision{}, unitLoneRejection)
			case model.TokenCorrected:
				beginCorrection(e, r, tok)
			default:
				beginAccepted(e, r, tok)
			}
			return
		default:
			e.logger.Debug("dropping unhandled stream message", "type", string(msg.Type))
		}
	}

	e.syncQueueDepth(r)
	if r.doneMsg != nil {
		if r.doneMsg.SpeculationRounds > r.rounds {
			r.rounds = r.doneMsg.SpeculationRounds
		}
		r.metrics.applyDone(*r.doneMsg)
		e.finishRun(r, model.RunCompleted)
		return
	}
	// Queue drained with the stream still open: stay quiescent until the
	// next message wakes the run.
}

// finishRun records the terminal state of the current run exactly once and
// hands the summary to the finished hook.
func (e *Engine) finishRun(r *run, status model.RunStatus) {
	if r.done {
		return
	}
	r.done = true
	r.streaming = false
	e.disarm()
	if status == model.RunCompleted {
		r.phase = model.PhaseComplete
	} else {
		r.phase = model.PhaseIdle
	}
	if r.handle != nil {
		_ = r.handle.Close()
	}
	if r.cancel != nil {
		r.cancel()
	}
	e.countRunFinished(status)
	e.logger.Info("run finished",
		"run_id", r.id.String(),
		"status", string(status),
		"mode", string(r.mode),
		"drafted", r.counts.Drafted,
		"accepted", r.counts.Accepted,
		"rejected", r.counts.Rejected,
		"corrected", r.counts.Corrected,
	)
	if e.onRunFinished != nil {
		e.onRunFinished(e.summarize(r, status))
	}
}

func (e *Engine) summarize(r *run, status model.RunStatus) model.RunSummary {
	finished := e.now()
	metrics := r.metrics.compute(r.counts)
	sum := model.RunSummary{
		ID:                    r.id,
		Prompt:                r.prompt,
		Mode:                  r.mode,
		Status:                status,
		TotalTokens:           r.counts.Drafted,
		Counts:                r.counts,
		AcceptanceRatePercent: metrics.AcceptanceRatePercent,
		TimeSavedMs:           metrics.TimeSavedMs,
		CostSavedUsd:          metrics.CostSavedUsd,
		SpeculationRounds:     r.rounds,
		DurationMs:            finished.Sub(r.startedAt).Milliseconds(),
		StartedAt:             r.startedAt,
		FinishedAt:            finished,
	}
	if r.doneMsg != nil {
		sum.RequestID = r.doneMsg.RequestID
		sum.GeneratedText = r.doneMsg.GeneratedText
		if r.doneMsg.TotalTokens > 0 {
			sum.TotalTokens = r.doneMsg.TotalTokens
		}
	} else if status == model.RunCompleted {
		sum.GeneratedText = settledText(r.visible)
	}
	return sum
}

func settledText(tokens []model.VisibleToken) string {
	var b strings.Builder
	for _, t := range tokens {
		if t.RenderPhase == model.RenderSettled {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

// emitPackets runs lane text through the word throttler and appends any
// packets that crossed the threshold.
func (e *Engine) emitPackets(r *run, lane model.PacketLane, text string) {
	color := draftPacketColor
	if lane == model.LaneVerify {
		color = verifyPacketColor
	}
	emitted := r.throttle.dispatch(lane, text, color)
	if len(emitted) == 0 {
		return
	}
	r.packets = append(r.packets, emitted...)
	e.syncActivePackets(r)
	e.countPackets(lane, len(emitted))
}

// dialLive opens the transport off-loop and hands the handle back for
// lifecycle management.
func (e *Engine) dialLive(ctx context.Context, gen uint64, params model.InferenceParams, sink Sink) {
	handle, err := e.openLive(ctx, params, sink)
	if err != nil {
		e.sendCmd(ctx, streamClosedCmd{gen: gen, err: fmt.Errorf("open live stream: %w", err)})
		return
	}
	e.sendCmd(ctx, attachHandleCmd{gen: gen, handle: handle})
}

func (e *Engine) sendCmd(ctx context.Context, cmd command) {
	select {
	case e.cmds <- cmd:
	case <-ctx.Done():
	case <-e.loopDone:
	}
}

// liveSink forwards one run's transport events into the engine. Message
// blocks when the queue is full, which backpressures the bridge through the
// unread response body. Failures bypass the token queue so a full queue
// cannot mask a dead transport; a clean close rides the ordered queue so it
// is observed after the done message it follows.
type liveSink struct {
	eng *Engine
	gen uint64
	ctx context.Context
}

func (s *liveSink) Message(m model.StreamMessage) {
	if m.Type == model.MessageError {
		msg := "bridge reported an error"
		if m.Err != nil && m.Err.Message != "" {
			msg = m.Err.Message
		}
		s.eng.sendCmd(s.ctx, streamErrorCmd{gen: s.gen, msg: msg})
		return
	}
	s.send(liveEvent{gen: s.gen, msg: m})
}

func (s *liveSink) Closed(err error) {
	if err != nil {
		s.eng.sendCmd(s.ctx, streamClosedCmd{gen: s.gen, err: err})
		return
	}
	s.send(liveEvent{gen: s.gen, eof: true})
}

func (s *liveSink) send(ev liveEvent) {
	select {
	case s.eng.liveCh <- ev:
	case <-s.ctx.Done():
	case <-s.eng.loopDone:
	}
}
