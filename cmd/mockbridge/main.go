// Command mockbridge runs a standalone speculative-decoding bridge that
// serves synthetic streams. Point SPECVIZ_BRIDGE_URL at it to exercise live
// mode without GPU nodes.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/specnet-ai/specviz/internal/mockbridge"
)

func main() {
	port := flag.Int("port", 8000, "TCP port to listen on")
	seed := flag.Int64("seed", 0, "simulator seed; zero picks a time-based seed")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, *port, *seed); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, port int, seed int64) error {
	srv := mockbridge.New(mockbridge.Config{
		Port:   port,
		Seed:   seed,
		Logger: logger,
	})

	logger.Info("mockbridge starting", "port", port, "seed", seed)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info("mockbridge shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
