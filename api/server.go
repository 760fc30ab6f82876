/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for staff clients
  5. Requestor:  X-Requestor-ID header into the request context

ROUTE GROUPS:
  /api/bills/*          Billing create, void, adjust-to-zero
  /api/xacts/*          Transaction views and open/close checks
  /api/circulations/*   Per-circulation fine generation
  /api/fines/*          Fine generation and scheduler runs
  /api/grace/*          Grace period extension
  /api/users/*          Standing penalties
  /api/scenarios/*      Demo scenarios
  /health               Liveness
  /metrics              Prometheus exposition

SECURITY NOTE:
  No authentication middleware. The requestor header is trusted as-is; the
  service is expected to sit behind the staff client's auth layer.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/circ-billing/billing"
)

// RequestorHeader names the staff user a request acts for.
const RequestorHeader = "X-Requestor-ID"

// DefaultAllowedOrigins is used when no origins are configured.
var DefaultAllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = DefaultAllowedOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", RequestorHeader},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(requestor)

		r.Route("/bills", func(r chi.Router) {
			r.Post("/", h.CreateBill)
			r.Post("/void", h.VoidBills)
			r.Post("/adjust-to-zero", h.AdjustBillsToZero)
		})

		r.Route("/xacts/{id}", func(r chi.Router) {
			r.Get("/summary", h.GetSummary)
			r.Get("/bill-payment-map", h.GetBillPaymentMap)
			r.Get("/org", h.GetXactOrg)
			r.Get("/payment-within", h.GetPaymentWithin)
			r.Post("/check-open", h.CheckOpenXact)
			r.Post("/void-or-zero", h.VoidOrZeroBillsOfType)
		})

		r.Post("/circulations/{id}/fines", h.GenerateCircFines)

		r.Route("/fines", func(r chi.Router) {
			r.Post("/xact", h.GenerateXactFines)
			r.Get("/runs", h.ListFineRuns)
			r.Post("/run", h.RunFines)
		})

		r.Post("/grace/extend", h.ExtendGracePeriod)

		r.Route("/users/{id}/penalties", func(r chi.Router) {
			r.Get("/", h.ListPenalties)
			r.Post("/calculate", h.CalculatePenalties)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}

// requestor copies the X-Requestor-ID header into the request context.
func requestor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(RequestorHeader)
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid "+RequestorHeader, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(billing.WithRequestor(r.Context(), id)))
	})
}
