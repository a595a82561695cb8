package rest

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/raceline/registration-service/internal/domain"
	"github.com/raceline/registration-service/internal/security"
)

type RouterDeps struct {
	Cache     domain.CacheRepository
	Handler   *Handler
	Verifier  security.AccessTokenVerifier
	JWTIssuer string

	RateLimitEnabled bool
	RateLimit        int
	RateLimitWindow  time.Duration
}

func NewRouter(d RouterDeps) http.Handler {
	if d.Handler == nil {
		panic("rest.NewRouter: nil handler")
	}
	if d.Verifier == nil {
		panic("rest.NewRouter: nil verifier")
	}

	r := chi.NewRouter()

	// Request ID + structured access log
	r.Use(RequestID)
	r.Use(HTTPLogger)

	// Panic recovery
	r.Use(middleware.Recoverer)

	// Cross-cutting
	if d.RateLimitEnabled && d.Cache != nil {
		r.Use(RateLimitMiddleware(d.Cache, d.RateLimit, d.RateLimitWindow))
	}
	r.Use(SecurityHeaders)

	r.Route("/api/v1", func(r chi.Router) {
		// Availability and price are public reads.
		r.Get("/distances/{distanceID}/availability", d.Handler.Availability)
		r.Get("/distances/{distanceID}/price", d.Handler.Price)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(d.Verifier, AuthOptions{ExpectedIssuer: d.JWTIssuer}))

			// Registration lifecycle
			r.Post("/registrations", d.Handler.Start)
			r.Get("/registrations/{registrationID}", d.Handler.Get)
			r.Put("/registrations/{registrationID}/registrant", d.Handler.SubmitRegistrant)
			r.Post("/registrations/{registrationID}/finalize", d.Handler.Finalize)
			r.Delete("/registrations/{registrationID}", d.Handler.Cancel)

			// Discounts
			r.Post("/registrations/{registrationID}/discount", d.Handler.ApplyDiscount)
			r.Delete("/registrations/{registrationID}/discount", d.Handler.RemoveDiscount)
			r.Post("/editions/{editionID}/discounts/validate", d.Handler.ValidateDiscount)

			// Add-ons and waivers
			r.Put("/registrations/{registrationID}/addons", d.Handler.SetAddOns)
			r.Post("/registrations/{registrationID}/waivers/{waiverID}", d.Handler.AcceptWaiver)

			// Reads
			r.Get("/me/registrations", d.Handler.MeRegistrations)

			// Organizer operations
			r.Post("/editions/{editionID}/bulk", d.Handler.BulkReserve)
			r.Post("/distances/{distanceID}/pricing-tiers", d.Handler.CreatePricingTier)
		})
	})

	return r
}
