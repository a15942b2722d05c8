// Package specviz is the public API for embedding the specviz visualization
// server.
//
// Dashboard and demo-booth consumers import this package to run the server
// inside a larger process without forking it:
//
//	app, err := specviz.New(
//	    specviz.WithVersion(version),
//	    specviz.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: specviz (root) imports
// internal/*, but internal/* never imports specviz (root).
package specviz

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/specnet-ai/specviz/api"
	"github.com/specnet-ai/specviz/internal/config"
	"github.com/specnet-ai/specviz/internal/demo"
	"github.com/specnet-ai/specviz/internal/engine"
	"github.com/specnet-ai/specviz/internal/health"
	"github.com/specnet-ai/specviz/internal/history"
	"github.com/specnet-ai/specviz/internal/live"
	"github.com/specnet-ai/specviz/internal/model"
	"github.com/specnet-ai/specviz/internal/ratelimit"
	"github.com/specnet-ai/specviz/internal/server"
	"github.com/specnet-ai/specviz/internal/telemetry"
	"github.com/specnet-ai/specviz/ui"
)

// App is the specviz server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	eng          *engine.Engine
	srv          *server.Server
	bridge       *live.Client      // nil in demo mode
	prober       *health.Prober    // nil in demo mode
	store        *history.Store    // nil when history is disabled
	recorder     *history.Recorder // nil when history is disabled
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the specviz server. It opens the history store, wires the
// bridge client and engine, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.bridgeURL != "" {
		cfg.BridgeURL = o.bridgeURL
	}
	if o.mode != "" {
		cfg.Mode = o.mode
	}
	if o.historySet {
		cfg.HistoryPath = o.historyPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("specviz starting", "version", version, "port", cfg.Port, "mode", cfg.Mode)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Open the run history store.
	var store *history.Store
	var recorder *history.Recorder
	if cfg.HistoryPath != "" {
		store, err = history.Open(cfg.HistoryPath)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("history: %w", err)
		}
		recorder = history.NewRecorder(store, logger)
		logger.Info("run history: sqlite", "path", cfg.HistoryPath)
	} else {
		logger.Info("run history: disabled (empty SPECVIZ_HISTORY_PATH)")
	}

	// Create the bridge client and health prober. Demo mode never dials out,
	// so it skips both and the engine falls back to scripted runs.
	var bridge *live.Client
	var prober *health.Prober
	if cfg.Mode != config.ModeDemo {
		bridge, err = live.NewClient(live.Config{
			BaseURL: cfg.BridgeURL,
			Logger:  logger,
		})
		if err != nil {
			closeStore(store, logger)
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("bridge: %w", err)
		}
		prober = health.New(health.Config{
			Probe: func(ctx context.Context) error {
				_, err := bridge.Health(ctx)
				return err
			},
			TTL:     cfg.ProbeCacheTTL,
			Timeout: cfg.ProbeTimeout,
			Logger:  logger,
		})
		logger.Info("bridge: configured", "url", cfg.BridgeURL)
	} else {
		logger.Info("bridge: disabled (demo mode)")
	}

	// Load embedded frontend (non-nil only when built with -tags ui).
	uiFS, err := ui.DistFS()
	if err != nil {
		closeStore(store, logger)
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("ui: %w", err)
	}
	if uiFS != nil {
		logger.Info("ui: embedded SPA loaded")
	}

	// Create rate limiter.
	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// Create the animation engine.
	engCfg := engine.Config{
		Logger:      logger,
		Script:      demo.Script,
		ResolveMode: resolveMode(cfg.Mode, prober),
	}
	if bridge != nil {
		engCfg.OpenLive = func(ctx context.Context, params model.InferenceParams, sink engine.Sink) (io.Closer, error) {
			return bridge.Open(ctx, params, sink)
		}
	}
	if recorder != nil {
		engCfg.OnRunFinished = recorder.Record
	}
	eng := engine.New(engCfg)

	// Create HTTP server.
	srv := server.New(server.ServerConfig{
		Engine:             eng,
		Logger:             logger,
		Bridge:             bridge,
		Prober:             prober,
		History:            store,
		Limiter:            limiter,
		Port:               cfg.Port,
		ReadTimeout:        cfg.ReadTimeout,
		WriteTimeout:       cfg.WriteTimeout,
		Version:            version,
		MaxBodyBytes:       cfg.MaxBodyBytes,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		UIFS:               uiFS,
		OpenAPISpec:        api.OpenAPISpec,
	})

	return &App{
		cfg:          cfg,
		eng:          eng,
		srv:          srv,
		bridge:       bridge,
		prober:       prober,
		store:        store,
		recorder:     recorder,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the engine loop, the history recorder, and the HTTP server,
// then blocks until ctx is cancelled or a fatal server error occurs. On
// cancellation, Shutdown is called automatically; callers should not call
// Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	// Start background services.
	a.eng.Start(ctx)
	if a.recorder != nil {
		a.recorder.Start(ctx)
	}

	// Start HTTP server.
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Block until signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a three-phase graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight (open SSE streams
// close with their clients),
// (2) wait for the engine loop to exit so the final run summary is queued,
// (3) drain the history recorder to the store.
// It then closes the store, rate limiter, and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("specviz shutting down")

	// Phase 1: HTTP drain.
	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	// Phase 2: engine loop exit. The loop stops when the Run context is
	// cancelled; waiting here orders the recorder drain after the final
	// summary lands in its queue.
	engCtx, engCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	select {
	case <-a.eng.Done():
	case <-engCtx.Done():
		a.logger.Warn("engine loop still running at shutdown deadline")
	}
	engCancel()

	// Phase 3: recorder drain.
	if a.recorder != nil {
		recCtx, recCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
		a.recorder.Drain(recCtx)
		recCancel()
	}

	// Cleanup.
	closeStore(a.store, a.logger)
	_ = a.limiter.Close()
	_ = a.otelShutdown(context.Background())

	a.logger.Info("specviz stopped")
	return nil
}

// resolveMode builds the per-submission mode resolver. A configured demo or
// live mode pins every run; auto honours an explicit request and otherwise
// goes live only when the bridge probe reports online.
func resolveMode(configured string, prober *health.Prober) engine.ResolveModeFunc {
	switch configured {
	case config.ModeDemo:
		return func(context.Context, model.RunMode) model.RunMode {
			return model.ModeDemo
		}
	case config.ModeLive:
		return func(_ context.Context, requested model.RunMode) model.RunMode {
			if requested == model.ModeDemo {
				return model.ModeDemo
			}
			return model.ModeLive
		}
	default:
		return func(ctx context.Context, requested model.RunMode) model.RunMode {
			if requested != "" {
				return requested
			}
			if prober != nil && prober.Check(ctx) == health.StatusOnline {
				return model.ModeLive
			}
			return model.ModeDemo
		}
	}
}

func closeStore(store *history.Store, logger *slog.Logger) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		logger.Error("history store close error", "error", err)
	}
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
