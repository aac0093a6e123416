package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"bookbot/internal/app"
	"bookbot/internal/httputil"
)

func main() {
	if err := run(); err != nil {
		slog.Default().Error("bookbotd stopped", "err", err)
		os.Exit(1)
	}
}

func run() error {
	deps, err := app.Build()
	if err != nil {
		return fmt.Errorf("building dependencies: %w", err)
	}
	defer func() {
		if cerr := deps.Close(); cerr != nil {
			deps.Log.Error("shutdown cleanup failed", "err", cerr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := httputil.NewRouter(deps.Log)
	r.Use(httputil.RateLimit(deps.Config.APIRateRPS, deps.Config.APIRateBurst))
	registerRoutes(r, deps)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", deps.Config.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// Run the agents alongside the API in one process.
	g.Go(func() error {
		return deps.Orch.Run(gctx)
	})
	g.Go(func() error {
		deps.Log.Info("bookbotd listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	deps.Log.Info("shutdown complete")
	return nil
}
