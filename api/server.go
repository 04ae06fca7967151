/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind the gateway
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Timeout:    Per-request deadline
  6. CORS:       Storefront and admin origins

ROUTE GROUPS:
  /api/events/*     Order event ingestion
  /api/accounts/*   Wallets and commission ledgers
  /api/admin/*      Tiers, settlements, sweep, reconcile, review flags
  /healthz          Liveness + database ping
  /metrics          Prometheus

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions tunes NewRouter. Zero values are fine for tests.
type RouterOptions struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	if h.Metrics != nil {
		r.Handle("/metrics", h.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/events/order-status", h.HandleOrderStatus)

		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.OpenAccount)
			r.Get("/{id}", h.GetAccount)
			r.Get("/{id}/wallet", h.GetWallet)
			r.Get("/{id}/transactions", h.GetTransactions)
			r.Post("/{id}/redeem", h.Redeem)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/commission-tiers", h.ListTiers)
			r.Put("/commission-tiers", h.ReplaceTiers)
			r.Post("/settlements", h.TriggerSettlement)
			r.Get("/settlements", h.ListSettlements)
			r.Post("/expiry/sweep", h.TriggerSweep)
			r.Post("/accounts/{id}/reconcile", h.Reconcile)
			r.Get("/review-flags", h.ListReviewFlags)
		})
	})

	return r
}
