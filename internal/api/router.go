/**
 * @description
 * This file sets up the HTTP router for the payment-service using the go-chi/chi router.
 * It defines the API routes, applies middleware for logging, CORS, and request
 * timeouts, and maps the routes to their corresponding handler functions.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers the payment-service routes.
func NewRouter(h *PaymentHandlers, internalAPIKey string) *chi.Mux {
	r := chi.NewRouter()

	// Setup middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", internalAPIKeyHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any major browsers
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Payment service is healthy"))
	})

	// Storefront-facing payment routes. The tenant is resolved from the Host
	// header, so no authentication middleware is applied here.
	r.Route("/payments", func(r chi.Router) {
		r.Post("/initiate", h.InitiatePaymentHandler)
		r.Post("/verify", h.VerifyPaymentHandler)
		r.Post("/outcome", h.PaymentOutcomeHandler)
	})

	// Operator-facing reconciliation routes, guarded by the internal API key.
	r.Route("/internal/reconciliation", func(r chi.Router) {
		r.Use(InternalAPIKeyMiddleware(internalAPIKey))

		r.Get("/pending", h.ListPendingOutcomesHandler)
		r.Post("/{id}/retry", h.RetryOutcomeHandler)
	})

	return r
}
