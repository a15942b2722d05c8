package history

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/specnet-ai/specviz/internal/model"
	"github.com/specnet-ai/specviz/internal/telemetry"
)

// maxQueueCapacity is the hard upper limit on queued summaries. Runs finish
// at human pace, so the queue only grows when the store keeps failing; at
// the limit Record drops the oldest entry rather than block the engine loop.
const maxQueueCapacity = 256

// retryInterval is how often a non-empty queue is retried after a failed
// flush.
const retryInterval = 5 * time.Second

// Recorder persists run summaries asynchronously. Record never blocks, so
// it is safe to call from the engine's completion hook.
type Recorder struct {
	store  *Store
	logger *slog.Logger

	mu    sync.Mutex
	queue []model.RunSummary

	dropped atomic.Int64

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context // set by Drain so the final flush respects the caller's deadline
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store *Store, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:   store,
		logger:  logger.With("component", "history"),
		flushCh: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start begins the background flush loop and registers OTEL metrics. Call
// Drain to stop.
func (r *Recorder) Start(ctx context.Context) {
	r.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancelLoop = cancel
	go r.flushLoop(loopCtx)
}

// Record queues one terminal run summary for persistence. When the queue is
// at capacity the oldest entry is dropped and counted.
func (r *Recorder) Record(run model.RunSummary) {
	r.mu.Lock()
	if len(r.queue) >= maxQueueCapacity {
		r.queue = r.queue[1:]
		r.dropped.Add(1)
		r.logger.Error("dropping run summary, queue at capacity", "capacity", maxQueueCapacity)
	}
	r.queue = append(r.queue, run)
	r.mu.Unlock()

	select {
	case r.flushCh <- struct{}{}:
	default:
	}
}

func (r *Recorder) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush using the drain context provided by Drain();
			// ctx itself is already done.
			if r.drainCtx != nil {
				r.flush(r.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				r.flush(fallbackCtx)
				cancel()
			}
			close(r.done)
			return
		case <-ticker.C:
			r.flush(ctx)
		case <-r.flushCh:
			r.flush(ctx)
		}
	}
}

func (r *Recorder) flush(ctx context.Context) {
	r.mu.Lock()
	if len(r.queue) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.queue
	r.queue = nil
	r.mu.Unlock()

	for i, run := range batch {
		if err := r.store.SaveRun(ctx, run); err != nil {
			r.logger.Error("saving run summary failed",
				"error", err, "run_id", run.ID, "remaining", len(batch)-i)
			// Re-queue the unflushed tail for the next retry tick.
			r.mu.Lock()
			r.queue = append(batch[i:], r.queue...)
			if overflow := len(r.queue) - maxQueueCapacity; overflow > 0 {
				r.queue = r.queue[overflow:]
				r.dropped.Add(int64(overflow))
			}
			r.mu.Unlock()
			return
		}
	}
}

// Drain signals the flush loop to stop, waits for its final flush, and
// returns. The ctx bounds both the wait and the final flush.
func (r *Recorder) Drain(ctx context.Context) {
	r.drainCtx = ctx
	if r.cancelLoop != nil {
		r.cancelLoop()
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		r.logger.Warn("drain timed out waiting for flush loop")
	}
}

// registerMetrics registers observable OTEL gauges for recorder health.
// Called from Start() after the global meter provider has been initialized.
func (r *Recorder) registerMetrics() {
	meter := telemetry.Meter("specviz/history")

	_, _ = meter.Int64ObservableGauge("specviz.history.queue_depth",
		metric.WithDescription("Run summaries waiting to be persisted"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(r.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("specviz.history.dropped_total",
		metric.WithDescription("Run summaries dropped due to queue capacity exhaustion"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(r.Dropped())
			return nil
		}),
	)
}

// Len returns the number of queued summaries.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Dropped returns the total number of summaries dropped at capacity.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}
