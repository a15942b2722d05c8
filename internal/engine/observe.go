package engine

import (
	"github.com/specnet-ai/specviz/internal/model"
)

// subscriberBuffer is each observer channel's capacity. Snapshots are
// complete states rather than deltas, so an observer that skips frames
// still converges on the latest one.
const subscriberBuffer = 16

// Snapshot returns the most recently published render state. Snapshots are
// immutable once published.
func (e *Engine) Snapshot() model.Snapshot {
	return *e.snap.Load()
}

// Subscribe registers a snapshot observer. The current snapshot is
// delivered immediately; cancel unregisters the observer and closes the
// channel. The channel is also closed when the engine shuts down.
func (e *Engine) Subscribe() (<-chan model.Snapshot, func()) {
	ch := make(chan model.Snapshot, subscriberBuffer)
	e.subMu.Lock()
	ch <- *e.snap.Load()
	e.subs[ch] = struct{}{}
	e.subMu.Unlock()

	cancel := func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		if _, ok := e.subs[ch]; ok {
			delete(e.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// publish stores the current run state as one snapshot and fans it out.
// Full observer channels are skipped rather than blocking the loop.
func (e *Engine) publish() {
	s := e.buildSnapshot()
	e.snap.Store(s)

	e.subMu.Lock()
	for ch := range e.subs {
		select {
		case ch <- *s:
		default:
		}
	}
	e.subMu.Unlock()
}

func (e *Engine) buildSnapshot() *model.Snapshot {
	e.seq++
	r := e.run
	if r == nil {
		return &model.Snapshot{
			Seq:       e.seq,
			Phase:     model.PhaseIdle,
			UpdatedAt: e.now(),
		}
	}

	visible := make([]model.VisibleToken, len(r.visible))
	copy(visible, r.visible)
	packets := make([]model.PacketEvent, len(r.packets))
	copy(packets, r.packets)

	return &model.Snapshot{
		RunID:         r.id.String(),
		Mode:          r.mode,
		Seq:           e.seq,
		Phase:         r.phase,
		CurrentToken:  r.current,
		Done:          r.done,
		Streaming:     r.streaming,
		VisibleTokens: visible,
		Counts:        r.counts,
		Packets:       packets,
		Events:        r.events.snapshot(),
		Metrics:       r.metrics.compute(r.counts),
		UpdatedAt:     e.now(),
	}
}

func (e *Engine) closeSubscribers() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for ch := range e.subs {
		delete(e.subs, ch)
		close(ch)
	}
}
