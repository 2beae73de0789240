package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	mW "github.com/numberbet/backend/internal/middleware"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"
)

type RouterConfig struct {
	Wagers     WagerService
	Ledger     LedgerService
	Referrals  ReferralService
	Payments   PaymentService
	Settlement SettlementService

	JWTSecret      string
	AllowedOrigins []string
	SwaggerURL     string
	// Metrics is mounted on /metrics when set.
	Metrics http.Handler
	// Ready reports whether the service's dependencies are reachable.
	Ready func(ctx context.Context) error
	Log   *zap.Logger
}

// NewRouter builds the HTTP surface.
func NewRouter(cfg RouterConfig) http.Handler {
	wagers := NewWagerHandler(cfg.Wagers, cfg.Log)
	accounts := NewAccountHandler(cfg.Ledger, cfg.Referrals, cfg.Log)
	payments := NewPaymentHandler(cfg.Payments, cfg.Log)
	rounds := NewRoundHandler(cfg.Settlement, cfg.Log)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if cfg.Ready != nil {
			if err := cfg.Ready(r.Context()); err != nil {
				cfg.Log.Warn("health check failed", zap.Error(err))
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy"})
				return
			}
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	// Swagger documentation
	if cfg.SwaggerURL != "" {
		r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL(cfg.SwaggerURL)))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mW.AuthMiddleware(cfg.JWTSecret))

		r.Post("/wagers", wagers.PlaceWager)
		r.Get("/wagers", wagers.ListWagers)
		r.Get("/wagers/{wagerId}", wagers.GetWager)

		r.Get("/account", accounts.GetAccount)
		r.Get("/account/ledger", accounts.ListLedger)

		r.Post("/payments/deposits", payments.CreateDeposit)
		r.Post("/payments/withdrawals", payments.CreateWithdrawal)
		r.Get("/payments", payments.ListPayments)
		r.Get("/payments/{requestId}", payments.GetPayment)
		r.Post("/payments/{requestId}/proof", payments.SubmitProof)
		r.Post("/payments/{requestId}/cancel", payments.CancelPayment)

		r.Get("/rounds/{roundId}/report", rounds.GetReport)

		r.Route("/admin", func(r chi.Router) {
			r.Use(mW.AdminOnly)

			r.Post("/rounds/{roundId}/settle", rounds.SettleRound)
			r.Post("/wagers/{wagerId}/void", wagers.VoidWager)
			r.Get("/payments", payments.ListQueue)
			r.Post("/payments/{requestId}/approve", payments.ApprovePayment)
			r.Post("/payments/{requestId}/reject", payments.RejectPayment)
			r.Post("/accounts/{accountId}/reconcile", accounts.Reconcile)
			r.Post("/referrals", accounts.RewardReferral)
		})
	})

	return r
}
