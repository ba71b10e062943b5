package http

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ticketeria/ticketeria/internal/observability"
	"github.com/ticketeria/ticketeria/internal/rateLimit"
)

func SetupRouter(h *Handlers, logger observability.Logger, rl *rateLimit.RateLimiter) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(logger))
	r.Use(TracingMiddleware)
	r.Use(RateLimitMiddleware(rl))
	r.Use(IdempotencyKeyMiddleware)

	r.Post("/v1/orders", h.CreateOrder)
	r.Get("/v1/orders/{id}", h.GetOrder)

	r.Post("/v1/payments/pix", h.PayPix)
	r.Post("/v1/payments/credit-card", h.PayCreditCard)
	r.Post("/v1/payments/boleto", h.PayBoleto)
	r.Post("/v1/payments/bank-transfer", h.PayBankTransfer)
	r.Post("/v1/payments/itp", h.PayITP)
	r.Get("/v1/payments/status/{orderID}", h.PaymentStatus)
	r.Post("/v1/payments/refund/{orderID}", h.Refund)
	r.Post("/v1/payments/callback", h.PaymentCallback)

	r.Patch("/v1/tickets/{id}", h.UpdateTicketStatus)
	r.Post("/v1/tickets/courtesy/bulk", h.CreateCourtesyTickets)

	r.Post("/v1/promoter-codes", h.CreatePromoterCode)

	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}
