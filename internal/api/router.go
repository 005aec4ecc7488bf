/**
 * @description
 * This file sets up the HTTP router for the settlement-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// SettlementRoutes creates and returns a new router for the settlement service.
func SettlementRoutes(h *PaymentHandlers, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Gateway callback endpoints. These must stay reachable without the
	// internal key; each registers both the bare path and the variant with
	// the intent id embedded at initiation time.
	r.Route("/callbacks", func(r chi.Router) {
		r.Post("/mobile-money", h.MobileMoneyCallbackHandler)
		r.Post("/mobile-money/{intentID}", h.MobileMoneyCallbackHandler)
		r.Post("/bank-checkout", h.BankCheckoutCallbackHandler)
		r.Post("/bank-checkout/{intentID}", h.BankCheckoutCallbackHandler)
		r.Post("/bank-ussd", h.BankUSSDCallbackHandler)
		r.Post("/bank-ussd/{intentID}", h.BankUSSDCallbackHandler)
	})

	// Group routes that require the service-to-service key.
	r.Group(func(r chi.Router) {
		r.Use(InternalKeyMiddleware(internalAPIKey))

		r.Post("/payments", h.InitiatePaymentHandler)
		r.Post("/payments/manual", h.RecordManualPaymentHandler)
		r.Get("/payments/unreconciled", h.ListUnreconciledHandler)
		r.Get("/payments/{paymentID}", h.GetPaymentHandler)
		r.Post("/payments/{paymentID}/verify", h.VerifyPaymentHandler)
		r.Get("/payments/{paymentID}/allocations", h.GetPaymentAllocationsHandler)

		r.Get("/students/{studentID}/obligations", h.GetStudentObligationsHandler)
		r.Get("/students/{studentID}/balances", h.GetStudentBalancesHandler)

		// Operator triggers for the scheduled jobs.
		r.Post("/jobs/reconcile-retry", h.ReconcileRetryHandler)
		r.Post("/jobs/sweep-stale", h.SweepStalePendingHandler)
	})

	return r
}
