package engine

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/specnet-ai/specviz/internal/model"
	"github.com/specnet-ai/specviz/internal/telemetry"
)

// instruments holds the engine's OTEL instruments plus the atomic mirrors
// its observable gauges read. Gauge callbacks run on the collector's
// goroutine and must not touch loop-owned state.
type instruments struct {
	tokens   metric.Int64Counter
	packets  metric.Int64Counter
	runs     metric.Int64Counter
	finished metric.Int64Counter

	queueDepth    atomic.Int64
	activePackets atomic.Int64
}

// registerInstruments registers the engine's OTEL instruments. Called from
// Start() after the global meter provider has been initialized.
func (e *Engine) registerInstruments() {
	meter := telemetry.Meter("specviz/engine")

	e.tokens, _ = meter.Int64Counter("specviz.engine.tokens_animated",
		metric.WithDescription("Tokens animated, by verification outcome"))
	e.packets, _ = meter.Int64Counter("specviz.engine.packets_emitted",
		metric.WithDescription("Network packets emitted, by lane"))
	e.runs, _ = meter.Int64Counter("specviz.engine.runs_started",
		metric.WithDescription("Runs started, by mode"))
	e.finished, _ = meter.Int64Counter("specviz.engine.runs_finished",
		metric.WithDescription("Runs finished, by terminal status"))

	_, _ = meter.Int64ObservableGauge("specviz.engine.live_queue_depth",
		metric.WithDescription("Undrained live messages waiting to animate"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(e.queueDepth.Load())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("specviz.engine.active_packets",
		metric.WithDescription("Packets in flight awaiting acknowledgement"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(e.activePackets.Load())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("specviz.engine.subscribers",
		metric.WithDescription("Registered snapshot observers"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			e.subMu.Lock()
			n := len(e.subs)
			e.subMu.Unlock()
			o.Observe(int64(n))
			return nil
		}),
	)
}

func (e *Engine) countToken(kind model.TokenKind) {
	if e.tokens == nil {
		return
	}
	e.tokens.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("kind", string(kind))))
}

func (e *Engine) countPackets(lane model.PacketLane, n int) {
	if e.packets == nil {
		return
	}
	e.packets.Add(context.Background(), int64(n),
		metric.WithAttributes(attribute.String("lane", string(lane))))
}

func (e *Engine) countRunStarted(mode model.RunMode) {
	if e.runs == nil {
		return
	}
	e.runs.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("mode", string(mode))))
}

func (e *Engine) countRunFinished(status model.RunStatus) {
	if e.finished == nil {
		return
	}
	e.finished.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("status", string(status))))
}

func (e *Engine) syncQueueDepth(r *run) {
	e.queueDepth.Store(int64(len(r.pending)))
}

func (e *Engine) syncActivePackets(r *run) {
	e.activePackets.Store(int64(len(r.packets)))
}
