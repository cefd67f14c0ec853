package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/misszhang/rosterboard/internal/config"
	"github.com/misszhang/rosterboard/internal/health"
	"github.com/misszhang/rosterboard/internal/observability"
	"github.com/misszhang/rosterboard/internal/service"
)

type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Server        *http.Server
	Observability *observability.Runtime
	Sweeper       *service.SessionSweeper
	Readiness     *health.ProbeRunner

	ShutdownTimeout              time.Duration
	ShutdownHTTPDrainTimeout     time.Duration
	ShutdownObservabilityTimeout time.Duration

	cleanup        func() error
	stopBackground func()
}

// New assembles the process. cleanup releases storage handles after the
// HTTP server has drained; stopBackground cancels work started outside Run.
func New(
	cfg *config.Config,
	logger *slog.Logger,
	server *http.Server,
	runtime *observability.Runtime,
	sweeper *service.SessionSweeper,
	cleanup func() error,
	readiness *health.ProbeRunner,
	stopBackground func(),
) *App {
	return &App{
		Config:                       cfg,
		Logger:                       logger,
		Server:                       server,
		Observability:                runtime,
		Sweeper:                      sweeper,
		Readiness:                    readiness,
		ShutdownTimeout:              cfg.ShutdownTimeout,
		ShutdownHTTPDrainTimeout:     cfg.ShutdownHTTPDrainTimeout,
		ShutdownObservabilityTimeout: cfg.ShutdownObservabilityTimeout,
		cleanup:                      cleanup,
		stopBackground:               stopBackground,
	}
}

// Run serves HTTP and runs the session sweeper until ctx is cancelled or
// either of them fails, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info("http server listening", "addr", a.Server.Addr)
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if a.Sweeper != nil {
		g.Go(func() error {
			return a.Sweeper.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.Logger.Info("shutdown started")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), orDefault(a.ShutdownTimeout, 15*time.Second))
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if err != nil {
		a.Logger.Error("application stopped with error", "error", err)
		return err
	}
	a.Logger.Info("application stopped")
	return nil
}

// Shutdown drains HTTP, releases storage and flushes telemetry, each phase
// bounded by its own timeout inside ctx.
func (a *App) Shutdown(ctx context.Context) error {
	a.StopBackgroundTasks()

	var errs []error
	drainCtx, cancelDrain := context.WithTimeout(ctx, orDefault(a.ShutdownHTTPDrainTimeout, 10*time.Second))
	if err := a.Server.Shutdown(drainCtx); err != nil {
		errs = append(errs, fmt.Errorf("drain http server: %w", err))
	}
	cancelDrain()

	if a.cleanup != nil {
		if err := a.cleanup(); err != nil {
			errs = append(errs, fmt.Errorf("release resources: %w", err))
		}
	}

	obsCtx, cancelObs := context.WithTimeout(ctx, orDefault(a.ShutdownObservabilityTimeout, 5*time.Second))
	if err := a.Observability.Shutdown(obsCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown observability: %w", err))
	}
	cancelObs()

	return errors.Join(errs...)
}

// AttachCleanup runs release during Shutdown, after the HTTP drain and
// before any cleanup passed to New.
func (a *App) AttachCleanup(release func()) {
	prev := a.cleanup
	a.cleanup = func() error {
		release()
		if prev != nil {
			return prev()
		}
		return nil
	}
}

func (a *App) StopBackgroundTasks() {
	if a.stopBackground != nil {
		a.stopBackground()
	}
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
