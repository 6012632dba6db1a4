package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/upb/kvtrace/app"
	"github.com/upb/kvtrace/handlers"
	kvmiddleware "github.com/upb/kvtrace/middleware"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware. Recoverer sits outside the debug tracer so a panic
	// re-raised after the trace is persisted still becomes a 500.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "https://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID", kvmiddleware.RequestIDHeader, kvmiddleware.TraceActiveHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Use(deps.DebugTrace.Handler)

	health := handlers.NewHealthHandler(deps.Engine, deps.Logger)
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)

	if deps.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	kv := handlers.NewKVHandler(deps.Store, deps.Logger)
	debug := handlers.NewDebugHandler(deps.Store, deps.Config.DebugTrace.Namespace, deps.Logger)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/kv", func(r chi.Router) {
			r.Get("/", kv.HandleList)
			r.Get("/*", kv.HandleGet)
			r.Put("/*", kv.HandlePut)
			r.Delete("/*", kv.HandleDelete)
		})
		r.Post("/atomic", kv.HandleAtomic)

		// Trace inspection; never traced itself
		r.Route("/debug/traces", func(r chi.Router) {
			r.Get("/", debug.HandleListTraces)
			r.Get("/{id}", debug.HandleGetTrace)
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	return r
}
