package rest

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"

	errors "github.com/frahmantamala/expert-payments/internal"
	"github.com/frahmantamala/expert-payments/internal/auth"
	"github.com/frahmantamala/expert-payments/internal/payment"
	"github.com/frahmantamala/expert-payments/internal/transport/middleware"
	"github.com/frahmantamala/expert-payments/internal/transport/swagger"
)

const webhookPath = "/api/v1/payments/webhook"

type Routes struct {
	AuthHandler    *auth.Handler
	PaymentHandler *payment.Handler
	WebhookHandler *payment.WebhookHandler
	Health         *HealthHandler
	// Validator is optional; requests skip contract validation when nil.
	Validator      *middleware.OpenAPIValidator
	OpenAPISpec    []byte
	AllowedOrigins []string
}

func RegisterAllRoutes(router *chi.Mux, routes Routes, logger *slog.Logger) {
	router.Use(middleware.CORS(routes.AllowedOrigins))
	router.Use(middleware.RequestID)
	router.Use(chiMiddleware.RealIP)
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger, middleware.LoggingOptions{
		SkipBodyPrefixes: []string{webhookPath},
	}))

	if len(routes.OpenAPISpec) > 0 {
		router.Get(swagger.SpecPath, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/yaml")
			_, _ = w.Write(routes.OpenAPISpec)
		})
		router.Handle("/swagger/*", swagger.Handler())
	}

	router.Route("/api/v1", func(r chi.Router) {
		if routes.Validator != nil {
			r.Use(routes.Validator.Middleware)
		}

		if routes.Health != nil {
			r.Get("/health", routes.Health.healthCheckHandler)
			r.Get("/ping", routes.Health.pingHandler)
		}

		// The processor authenticates with the payload signature, not a bearer token.
		if routes.WebhookHandler != nil {
			r.Post("/payments/webhook", routes.WebhookHandler.HandleWebhook)
		}

		if routes.AuthHandler == nil || routes.PaymentHandler == nil {
			return
		}

		r.Group(func(pr chi.Router) {
			pr.Use(routes.AuthHandler.AuthMiddleware)
			ph := routes.PaymentHandler

			pr.Route("/payments", func(pmr chi.Router) {
				pmr.With(routes.AuthHandler.RequireRole(errors.RoleClient)).Post("/intents", ph.CreateIntent)
				pmr.Post("/intents/{intentId}/confirm", ph.ConfirmIntent)

				pmr.Post("/{id}/refund", ph.CreateRefund)
				pmr.With(routes.AuthHandler.RequireRole(errors.RoleAdmin)).Patch("/{id}/payout", ph.UpdatePayoutStatus)

				pmr.Get("/stats", ph.GetStats)
				pmr.Get("/history", ph.GetHistory)

				pmr.Group(func(cr chi.Router) {
					cr.Use(routes.AuthHandler.RequireRole(errors.RoleClient))
					cr.Get("/methods", ph.ListPaymentMethods)
					cr.Post("/methods/{pmId}/attach", ph.AttachPaymentMethod)
					cr.Delete("/methods/{pmId}", ph.DetachPaymentMethod)
					cr.Post("/setup-intents", ph.CreateSetupIntent)
				})
			})
		})
	})
}
