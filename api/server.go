/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for internal dashboards
  5. metrics:    Request counter by method and status class

ROUTE GROUPS:
  /api/obligors/*    Obligor lifecycle, payments, reconciliation, audit
  /api/payments/*    Payment amendment and voiding
  /api/admin/*       Tenant recompute jobs
  /metrics           Prometheus scrape endpoint
  /healthz           Liveness probe

SECURITY NOTE:
  Tenant and actor identity come from X-Tenant-ID / X-Actor-ID headers set
  by the gateway; this service does not authenticate them itself.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Tenant-ID", "X-Actor-ID"},
		AllowCredentials: true,
	}))
	r.Use(h.countRequests)

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Obligor routes
		r.Route("/obligors", func(r chi.Router) {
			r.Get("/", h.ListObligors)
			r.Post("/", h.CreateObligor)
			r.Get("/{id}", h.GetObligor)
			r.Put("/{id}/terms", h.UpdateTerms)
			r.Post("/{id}/archive", h.ArchiveObligor)
			r.Get("/{id}/balance", h.GetBalance)
			r.Post("/{id}/payments", h.RecordPayment)
			r.Get("/{id}/payments", h.ListPayments)
			r.Post("/{id}/reconcile", h.Reconcile)
			r.Get("/{id}/audit", h.ListAudit)
		})

		// Payment routes
		r.Route("/payments", func(r chi.Router) {
			r.Put("/{id}", h.AmendPayment)
			r.Delete("/{id}", h.VoidPayment)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/recompute", h.StartRecompute)
			r.Get("/recompute/{jobID}", h.GetRecomputeJob)
			r.Delete("/recompute/{jobID}", h.CancelRecompute)
		})
	})

	// Operational endpoints
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", h.Healthz)

	return r
}

// statusWriter captures the response status for the request counter.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (h *Handler) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		h.Metrics.HTTPRequests.WithLabelValues(r.Method, statusLabel(sw.status)).Inc()
	})
}
