package apiv1

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"screening-engine/internal/domain/ports/usecase"
	"screening-engine/internal/infra/api"
)

type Options struct {
	Auth        *api.AuthManager
	CORSOrigins []string
	Timeout     time.Duration
	// Health, when set, backs /health (e.g. a store ping).
	Health func(ctx context.Context) error
}

type Handler struct {
	svc usecase.BatchService
	log *zerolog.Logger
}

// NewRouter mounts the batch API, health and metrics endpoints.
func NewRouter(svc usecase.BatchService, opts Options, logger *zerolog.Logger) http.Handler {
	l := logger.With().Str("component", "API").Logger()
	h := &Handler{svc: svc, log: &l}

	r := chi.NewRouter()
	r.Use(api.Recover(&l), api.TraceID(), api.RequestLog(&l))
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", api.TraceHeader},
			ExposedHeaders:   []string{api.TraceHeader},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/health", healthHandler(opts.Health))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/batches", func(r chi.Router) {
		if opts.Timeout > 0 {
			r.Use(api.Timeout(opts.Timeout))
		}
		if opts.Auth != nil {
			r.Use(opts.Auth.Require())
		}
		r.Post("/", h.submit)
		r.Get("/", h.list)
		r.Route("/{batchID}", func(r chi.Router) {
			r.Get("/", h.status)
			r.Delete("/", h.delete)
			r.Get("/results", h.results)
			r.Post("/cancel", h.cancel)
		})
	})
	return r
}

func healthHandler(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				render.Status(r, http.StatusServiceUnavailable)
				render.JSON(w, r, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		render.JSON(w, r, map[string]string{"status": "ok"})
	}
}
