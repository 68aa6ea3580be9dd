package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/robertarktes/concert-seat-admission/internal/idempotency"
	"github.com/robertarktes/concert-seat-admission/internal/observability"
	"github.com/robertarktes/concert-seat-admission/internal/rateLimit"
)

type RouterConfig struct {
	RateLimiter       *rateLimit.RateLimiter
	RegisterPerMinute int
	Idempotency       *idempotency.Idempotency
}

func SetupRouter(h *Handlers, logger observability.Logger, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(logger))
	r.Use(TracingMiddleware)

	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Post("/v1/payments/callback", h.PaymentCallback)

	r.Route("/v1/admin/concerts/{concertID}/queue", func(r chi.Router) {
		r.Post("/admit", h.AdmitBatch)
		r.Post("/reset", h.ResetQueue)
	})

	r.Group(func(r chi.Router) {
		r.Use(IdentityMiddleware)

		r.Route("/v1/concerts/{concertID}", func(r chi.Router) {
			r.Get("/seats", h.ListSeats)
			r.Get("/queue", h.QueueStatus)
			r.Delete("/queue", h.LeaveQueue)
			r.With(registerLimit(cfg)...).Post("/queue", h.RegisterQueue)
		})
		r.Post("/v1/queue/{entryID}/enter", h.EnterQueue)

		r.Route("/v1/seats/{seatID}", func(r chi.Router) {
			r.Get("/", h.GetSeat)
			r.Post("/select", h.SelectSeat)
			r.Post("/extend", h.ExtendSeat)
			r.Delete("/lock", h.ReleaseSeat)
		})

		r.Group(func(r chi.Router) {
			if cfg.Idempotency != nil {
				r.Use(cfg.Idempotency.Middleware(userFromRequest))
			}
			r.Post("/v1/reservations", h.CreateReservation)
			r.Post("/v1/payments", h.RequestPayment)
		})
		r.Get("/v1/payments/{paymentID}", h.GetPayment)
		r.Post("/v1/payments/{paymentID}/cancel", h.CancelPayment)
	})

	return r
}

func registerLimit(cfg RouterConfig) []func(http.Handler) http.Handler {
	if cfg.RateLimiter == nil {
		return nil
	}
	return []func(http.Handler) http.Handler{
		cfg.RateLimiter.Middleware("queue_register", cfg.RegisterPerMinute, userFromRequest),
	}
}
