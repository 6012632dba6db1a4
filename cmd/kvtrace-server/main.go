package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"syscall"

	"github.com/oklog/run"
	"github.com/upb/kvtrace/app"
	"github.com/upb/kvtrace/config"
	"github.com/upb/kvtrace/internal/observability"
	"github.com/upb/kvtrace/routes"
	"go.uber.org/zap"
)

func main() {
	if err := exec(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "kvtrace-server: %v\n", err)
		os.Exit(1)
	}
}

func exec(ctx context.Context) error {
	logger, err := initLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := config.New(ctx)
	if err != nil {
		logger.Error("failed to load config", zap.Error(err))
		return err
	}

	deps, err := app.NewDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize dependencies", zap.Error(err))
		return err
	}
	defer deps.Close(context.Background())

	srv := newServer(cfg, routes.SetupRoutes(deps))

	var g run.Group

	{
		g.Add(func() error {
			logger.Info("kvtrace server listening",
				zap.String("addr", srv.Addr),
				zap.String("environment", cfg.Environment))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http server shutdown", zap.Error(err))
			}
		})
	}

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return deps.RunExpiryCleanup(ctx, cfg.Storage.CleanupInterval)
		}, func(error) {
			cancel()
		})
	}

	{
		g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	}

	err = g.Run()

	var sigErr run.SignalError
	if errors.As(err, &sigErr) {
		logger.Info("shutting down", zap.String("signal", sigErr.Signal.String()))
		return nil
	}
	return err
}

func newServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}
}

// initLogger builds the process logger from LOG_LEVEL and LOG_FORMAT
func initLogger() (*zap.Logger, error) {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	format := os.Getenv("LOG_FORMAT")
	if format == "" {
		format = "json"
	}
	return observability.NewLogger(level, format)
}
