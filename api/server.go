/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Request counts and latency per route (when enabled)
  5. CORS:       Cross-origin requests for the member and admin portals

ROUTE GROUPS:
  /healthz              Liveness + store check (no actor)
  /metrics              Prometheus scrape endpoint (no actor)
  /api/*                Requires X-Actor-ID
  /api/admin/*          Requires a staff actor

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/loyalty-engine/metrics"
)

// RouterOptions configures NewRouter. The zero value serves the API without
// metrics and with the default local origins.
type RouterOptions struct {
	AllowedOrigins []string
	Metrics        *metrics.Metrics
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:3000"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ActorHeader, IdempotencyHeader},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(h.ResolveActor)

		// Catalog routes
		r.Get("/levels", h.ListLevels)
		r.Get("/recharge-tiers", h.ListRechargeTiers)

		// Store routes
		r.Route("/store", func(r chi.Router) {
			r.Get("/points", h.ListPointsStore)
			r.Post("/points/redeem", h.RedeemPoints)
			r.Get("/balance", h.ListBalanceStore)
			r.Post("/balance/purchase", h.PurchaseBalanceItem)
		})

		// Member routes
		r.Route("/members/{id}", func(r chi.Router) {
			r.Get("/", h.GetMember)
			r.Get("/vouchers", h.GetMemberVouchers)
			r.Get("/transactions", h.GetMemberTransactions)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(h.RequireStaff)

			r.Post("/members", h.CreateMember)
			r.Post("/members/{id}/recharge", h.Recharge)
			r.Post("/members/{id}/consume", h.ConsumeBalance)
			r.Post("/members/{id}/track-spend", h.TrackCashSpend)
			r.Post("/vouchers/redeem", h.RedeemVoucher)
			r.Get("/reports/financial", h.FinancialReport)
			r.Post("/maintenance/settle-levels", h.SettleLevels)
			r.Post("/maintenance/expire-vouchers", h.ExpireVouchers)
		})
	})

	return r
}
