// Package health answers "is the bridge up" with TTL-cached, deduplicated
// probes, so a burst of submissions costs at most one probe.
package health

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Status is the probed bridge state.
type Status string

const (
	// StatusOnline means the bridge answered the probe.
	StatusOnline Status = "online"
	// StatusOffline means the probe failed or the bridge answered non-200.
	StatusOffline Status = "offline"
	// StatusUnknown means no probe has completed yet.
	StatusUnknown Status = "unknown"
)

const (
	defaultTTL     = 15 * time.Second
	defaultTimeout = 2 * time.Second
)

// ProbeFunc performs one bridge health check. A nil return means the bridge
// is reachable and healthy.
type ProbeFunc func(ctx context.Context) error

// Config holds the settings needed to construct a Prober.
type Config struct {
	// Probe is the underlying check, typically GET /api/health through the
	// bridge client.
	Probe ProbeFunc

	// TTL bounds how long a probe result is reused. Defaults to 15 seconds.
	TTL time.Duration

	// Timeout bounds each underlying probe. Defaults to 2 seconds.
	Timeout time.Duration

	Logger *slog.Logger
}

// Prober caches and deduplicates bridge health probes. Safe for concurrent
// use.
type Prober struct {
	probe   ProbeFunc
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger

	group singleflight.Group
	last  atomic.Value // stores Status
	at    atomic.Int64 // unix nanos of last completed probe
}

// New creates a Prober. With a nil Probe it always reports StatusUnknown,
// which mode selection treats the same as offline.
func New(cfg Config) *Prober {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		probe:   cfg.Probe,
		ttl:     ttl,
		timeout: timeout,
		logger:  logger.With("component", "health"),
	}
}

// Check returns the bridge status, probing at most once per TTL. Concurrent
// calls after cache expiry are deduplicated via singleflight so only one
// probe is made; all waiters share its result. If ctx is cancelled before
// the shared probe completes, Check returns the previous status, or
// StatusUnknown when none exists; the probe itself keeps running and still
// refreshes the cache.
func (p *Prober) Check(ctx context.Context) Status {
	if p.probe == nil {
		return StatusUnknown
	}

	// Fast path: reuse a fresh result.
	if at := p.at.Load(); at != 0 && time.Since(time.Unix(0, at)) < p.ttl {
		return p.loadStatus()
	}

	// The probe runs on a background context because singleflight reuses
	// the first caller's context; if that caller cancels, all waiters
	// would inherit the failure.
	ch := p.group.DoChan("probe", func() (any, error) {
		probeCtx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()

		status := StatusOnline
		if err := p.probe(probeCtx); err != nil {
			status = StatusOffline
			p.logger.Debug("bridge probe failed", "error", err)
		}
		p.last.Store(status)
		p.at.Store(time.Now().UnixNano())
		return status, nil
	})

	select {
	case res := <-ch:
		return res.Val.(Status)
	case <-ctx.Done():
		return p.loadStatus()
	}
}

// Last returns the most recent completed probe result without probing.
func (p *Prober) Last() Status {
	return p.loadStatus()
}

func (p *Prober) loadStatus() Status {
	v := p.last.Load()
	if v == nil {
		return StatusUnknown
	}
	return v.(Status)
}
