package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tillworks/posterm/internal/auth"
	"github.com/tillworks/posterm/internal/identity/httpidp"
	"github.com/tillworks/posterm/internal/session"
	"github.com/tillworks/posterm/internal/session/store/drivers/sqlite"
	"github.com/tillworks/posterm/pkg/slogx"
)

// BuildVersion should be set at build time via ldflags.
const BuildVersion = "v0.1.0"

// Application is the assembled terminal process.
type Application struct {
	cfg    Config
	logger *slog.Logger

	store       *sqlite.Store
	provider    *httpidp.Client
	coordinator *auth.Coordinator

	metricsServer *http.Server
}

// New builds the application with all dependencies initialized.
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service:  "posterm",
			Version:  BuildVersion,
			Terminal: cfg.TerminalID,
			Env:      cfg.Env,
			Level:    cfg.LogLevel,
			Format:   cfg.LogFormat,
		}),
	}

	st, err := sqlite.NewStore(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	if err := st.ApplyMigrations(); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to migrate session store: %w", err)
	}
	app.store = st

	clock := session.SystemClock()
	sessions := session.NewManager(st, clock, app.logger)

	app.provider = httpidp.NewClient(cfg.ProviderURL, cfg.ProviderKey, app.logger)
	app.coordinator = auth.NewCoordinator(
		app.provider,
		sessions,
		clock,
		app.logger,
		auth.WithHealthInterval(cfg.HealthInterval),
	)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		app.metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	}

	return app, nil
}

// Coordinator exposes the session lifecycle surface consumed by the UI layer.
func (app *Application) Coordinator() *auth.Coordinator { return app.coordinator }

// Run starts the background workers and blocks until shutdown is requested.
func (app *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app.provider.Start(ctx)
	app.coordinator.Start(ctx)
	app.logger.Info("terminal started", "version", BuildVersion, "provider", app.cfg.ProviderURL)

	serverErrors := make(chan error, 1)
	if app.metricsServer != nil {
		go func() {
			serverErrors <- app.metricsServer.ListenAndServe()
		}()
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server failed: %w", err)
		}
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)
	}

	return app.Shutdown()
}

// Shutdown stops the workers and closes the store.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down terminal...")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	if app.metricsServer != nil {
		if err := app.metricsServer.Shutdown(ctx); err != nil {
			app.logger.Error("metrics server shutdown failed", "error", err)
		}
	}

	app.coordinator.Stop()

	if err := app.store.Close(); err != nil {
		app.logger.Error("error closing session store", "error", err)
		return err
	}

	app.logger.Info("terminal stopped")
	return nil
}
