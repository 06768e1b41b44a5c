/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the society app
  5. Auth:       Bearer token identity, /api routes only (auth.go)

ROUTE GROUPS:
  /health                     Liveness, no auth
  /metrics                    Prometheus scrape, no auth
  /api/societies/{id}/*       Society admin
  /api/units/{id}/*           Residents and admins
  /api/bills/{id}/*           Residents and admins
  /api/scenarios/*            Demo scenarios (only when enabled, no auth)

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Identity middleware
  - cmd/maintenance/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
	Auth           *Authenticator

	// MetricsPath mounts the Prometheus handler when non-empty.
	MetricsPath string

	// Scenarios mounts the demo scenario routes. Requires Handler.Seeder.
	Scenarios bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.MetricsPath != "" {
		r.Handle(opts.MetricsPath, promhttp.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Scenario routes
		if opts.Scenarios && h.Seeder != nil {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
				r.Post("/reset", h.ResetDatabase)
			})
		}

		r.Group(func(r chi.Router) {
			r.Use(opts.Auth.Middleware)

			// Society admin routes
			r.Route("/societies/{societyID}", func(r chi.Router) {
				r.Route("/rules", func(r chi.Router) {
					r.Get("/", h.ListRules)
					r.Post("/", h.CreateRule)
					r.Get("/{ruleID}", h.GetRule)
					r.Put("/{ruleID}", h.UpdateRule)
					r.Delete("/{ruleID}", h.DeleteRule)
					r.Post("/{ruleID}/active", h.SetRuleActive)
				})

				r.Route("/bills", func(r chi.Router) {
					r.Get("/", h.ListSocietyBills)
					r.Post("/", h.GenerateBill)
					r.Post("/generate", h.GenerateForSociety)
					r.Delete("/{billID}", h.DeleteBill)
				})

				r.Get("/payments", h.ListPayments)
				r.Get("/reports/collection", h.CollectionReport)
			})

			// Unit routes
			r.Route("/units/{unitID}", func(r chi.Router) {
				r.Get("/bills", h.ListUnitBills)
				r.Get("/maintenance", h.PreviewUnitMaintenance)
			})

			// Bill routes
			r.Route("/bills/{billID}", func(r chi.Router) {
				r.Get("/", h.GetBill)
				r.Post("/pay", h.PayBill)
			})
		})
	})

	return r
}
