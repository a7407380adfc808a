/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the admin frontend
  5. Actor:      X-Actor-ID on /api/admin/* (401 without it)

ROUTE GROUPS:
  /api/accounts/{userID}/*  User-facing ledger workflows
  /api/tiers                VIP tier table
  /api/products|deposits|withdrawals/{id}/*  Lookups by id
  /api/admin/*              Moderation, approvals, audit log
  /metrics                  Prometheus scrape endpoint
  /healthz                  Store ping

SECURITY NOTE:
  Authentication happens upstream. The gateway resolves the session into
  the {userID} path segment and, for staff, the X-Actor-ID header.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// ActorHeader carries the staff identity recorded in the audit log.
const ActorHeader = "X-Actor-ID"

type actorKey struct{}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ActorHeader},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/tiers", h.ListTiers)

		// Account routes
		r.Route("/accounts/{userID}", func(r chi.Router) {
			r.Get("/", h.GetAccount)
			r.Get("/tier", h.GetTier)
			r.Get("/products", h.ListProducts)
			r.Post("/products", h.SubmitProducts)
			r.Post("/products/settle", h.SettlePending)
			r.Post("/groups/{groupID}/process", h.ProcessCombined)
			r.Get("/deposits", h.ListDeposits)
			r.Post("/deposits", h.RequestDeposit)
			r.Get("/withdrawals", h.ListWithdrawals)
			r.Post("/withdrawals", h.RequestWithdrawal)
		})

		r.Get("/products/{id}/records", h.ProductRecords)
		r.Get("/deposits/{id}", h.GetDeposit)
		r.Get("/deposits/{id}/records", h.DepositRecords)
		r.Get("/withdrawals/{id}", h.GetWithdrawal)
		r.Get("/withdrawals/{id}/records", h.WithdrawalRecords)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireActor)

			r.Get("/accounts", h.ListAccounts)
			r.Post("/accounts", h.CreateAccount)
			r.Route("/accounts/{userID}", func(r chi.Router) {
				r.Put("/settings", h.Configure)
				r.Post("/block", h.moderate(h.Moderation.ToggleBlock))
				r.Post("/freeze", h.moderate(h.Moderation.Freeze))
				r.Post("/delete", h.moderate(h.Moderation.Delete))
				r.Post("/restore", h.moderate(h.Moderation.Restore))
				r.Post("/deposits", h.DirectDeposit)
			})
			r.Post("/deposits/{id}/approve", h.ApproveDeposit)
			r.Post("/withdrawals/{id}/approve", h.ApproveWithdrawal)
			r.Post("/withdrawals/{id}/reject", h.RejectWithdrawal)
			r.Put("/tiers", h.ReplaceTiers)
			if h.AuditLog != nil {
				r.Get("/audit", h.ListAudit)
			}
		})
	})

	return r
}

// RequireActor rejects requests without an X-Actor-ID header and stores the
// actor in the request context.
func RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := strings.TrimSpace(r.Header.Get(ActorHeader))
		if actor == "" {
			writeError(w, http.StatusUnauthorized, "Missing "+ActorHeader+" header", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func actorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}
