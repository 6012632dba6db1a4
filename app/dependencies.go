package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/upb/kvtrace/config"
	"github.com/upb/kvtrace/internal/observability"
	"github.com/upb/kvtrace/middleware"
	"github.com/upb/kvtrace/repositories"
	"github.com/upb/kvtrace/repositories/memory"
	"github.com/upb/kvtrace/repositories/postgres"
	"github.com/upb/kvtrace/repositories/traced"
	"go.uber.org/zap"
)

// Engine is a KV storage engine that can report its health
type Engine interface {
	repositories.KVStore
	Ping(ctx context.Context) error
}

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	Logger *zap.Logger
	DB     *postgres.DB    // nil unless KV_BACKEND=postgres
	Memory *memory.KVStore // nil unless KV_BACKEND=memory

	// Engine is the undecorated KV engine; Store is the traced client
	// handed to handlers and to the debug tracer.
	Engine Engine
	Store  repositories.KVStore

	// Observability; both nil when metrics are disabled
	Registry *prometheus.Registry
	Metrics  *observability.Metrics

	DebugTrace *middleware.DebugTrace
}

// NewDependencies creates and wires up all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	deps.initMetrics(cfg)

	if err := deps.initStorage(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	deps.DebugTrace = middleware.NewDebugTrace(deps.Store, middleware.DebugTraceConfig{
		Enabled:   cfg.DebugTrace.Enabled,
		Namespace: cfg.DebugTrace.Namespace,
		Expiry:    cfg.DebugTrace.Expiry,
		MaxBytes:  cfg.DebugTrace.MaxBytes,
	}, logger, deps.Metrics)

	logger.Info("all dependencies initialized successfully",
		zap.String("kv_backend", cfg.Storage.Backend),
		zap.Bool("debug_trace", cfg.DebugTrace.Enabled))
	return deps, nil
}

func (d *Dependencies) initMetrics(cfg *config.Config) {
	if !cfg.Observability.MetricsEnabled {
		return
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	d.Registry = reg
	d.Metrics = observability.NewMetrics(reg)
}

// initStorage opens the configured engine and wraps it for tracing
func (d *Dependencies) initStorage(ctx context.Context, cfg *config.Config) error {
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		db, err := postgres.NewDB(cfg.Database, d.Logger)
		if err != nil {
			return err
		}
		if err := db.InitSchema(ctx); err != nil {
			_ = db.Close()
			return err
		}
		d.DB = db
		d.Engine = postgres.NewKVStore(db, d.Logger)
	case config.BackendMemory:
		d.Memory = memory.NewKVStore(d.Logger)
		d.Engine = d.Memory
	default:
		return fmt.Errorf("unknown kv backend %q", cfg.Storage.Backend)
	}

	d.Store = traced.Wrap(d.Engine, traced.WithMetrics(d.Metrics))
	return nil
}

// RunExpiryCleanup reclaims expired entries every interval until ctx is done
func (d *Dependencies) RunExpiryCleanup(ctx context.Context, interval time.Duration) error {
	if d.Memory != nil {
		d.Memory.StartCleanupWorker(interval, ctx.Done())
		return nil
	}
	if d.DB == nil {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := d.DB.PurgeExpired(ctx)
			if err != nil {
				d.Logger.Warn("failed to purge expired entries", zap.Error(err))
				continue
			}
			if n > 0 {
				d.Logger.Debug("expired entries purged", zap.Int64("count", n))
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	if d.Memory != nil {
		if err := d.Memory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close memory store: %w", err))
		}
	}

	// Sync logger
	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	return nil
}
