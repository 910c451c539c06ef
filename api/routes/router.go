package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/mate-payments/api/controllers"
	paymentcontrollers "github.com/angelmondragon/mate-payments/api/controllers/payments"
	payoutcontrollers "github.com/angelmondragon/mate-payments/api/controllers/payouts"
	"github.com/angelmondragon/mate-payments/api/middleware"
	"github.com/angelmondragon/mate-payments/internal/checkout"
	"github.com/angelmondragon/mate-payments/internal/intents"
	"github.com/angelmondragon/mate-payments/internal/payouts"
	"github.com/angelmondragon/mate-payments/internal/sellerprofiles"
	"github.com/angelmondragon/mate-payments/internal/settlement"
	"github.com/angelmondragon/mate-payments/pkg/config"
	"github.com/angelmondragon/mate-payments/pkg/enums"
	"github.com/angelmondragon/mate-payments/pkg/logger"
	pkgredis "github.com/angelmondragon/mate-payments/pkg/redis"
)

// Params carries everything the HTTP surface needs. Gatherer defaults to the
// prometheus default registry.
type Params struct {
	Config         *config.Config
	Logger         *logger.Logger
	DB             controllers.Pinger
	Redis          controllers.Pinger
	Idempotency    pkgredis.ReplayStore
	RateLimiter    pkgredis.RateLimiter
	Gatherer       prometheus.Gatherer
	Intents        intents.Service
	Checkout       checkout.Service
	Settlement     settlement.Service
	SellerProfiles sellerprofiles.Service
	Payouts        payouts.Service
	DeadLetters    controllers.DeadLetterLister
}

func NewRouter(p Params) http.Handler {
	cfg := p.Config
	logg := p.Logger
	gatherer := p.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSAllowedOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, p.DB, p.Redis))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/public", func(r chi.Router) {
		r.Get("/ping", controllers.PublicPing())
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.Idempotency(p.Idempotency, logg))

		r.Get("/ping", controllers.PrivatePing())

		r.Route("/payments", func(r chi.Router) {
			r.Use(middleware.RateLimit(paymentPolicy(cfg), p.RateLimiter, logg))
			r.Post("/intents", paymentcontrollers.PrepareIntent(p.Intents, logg))
			r.Post("/intents/{intentId}/cancel", paymentcontrollers.CancelIntent(p.Intents, logg))
			r.Post("/confirm", paymentcontrollers.ConfirmPayment(p.Checkout, logg))
		})

		r.Get("/parties/{partyId}/applications", paymentcontrollers.ListPartyApplications(p.Checkout, logg))
		r.Route("/applications/{applicationId}", func(r chi.Router) {
			r.Get("/", paymentcontrollers.GetApplication(p.Checkout, logg))
			r.Post("/approve", paymentcontrollers.ApproveApplication(p.Checkout, logg))
			r.Post("/reject", paymentcontrollers.RejectApplication(p.Checkout, logg))
			r.Post("/cancel", paymentcontrollers.CancelApplication(p.Checkout, logg))
		})

		r.Route("/sellers/me/payout-profile", func(r chi.Router) {
			r.Get("/", payoutcontrollers.GetSellerProfile(p.SellerProfiles, logg))
			r.Put("/", payoutcontrollers.UpsertSellerProfile(p.SellerProfiles, logg))
		})
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.RequireRole(logg, enums.MemberRoleAdmin))
		r.Use(middleware.Idempotency(p.Idempotency, logg))
		r.Get("/ping", controllers.AdminPing())
		r.Post("/payouts/{paymentId}", payoutcontrollers.AdminRequestPayout(p.Settlement, logg))
		r.Get("/payouts/{payoutId}/provider-status", payoutcontrollers.AdminPayoutStatus(p.Payouts, logg))
		r.Post("/sellers/{userId}/registration", payoutcontrollers.AdminRegisterSeller(p.Payouts, logg))
		r.Get("/outbox/dead-letters", controllers.DeadLetters(p.DeadLetters, logg))
	})

	return r
}

func paymentPolicy(cfg *config.Config) middleware.RateLimitPolicy {
	return middleware.NewRateLimitPolicy("payments", cfg.RateLimit.PaymentWindow, cfg.RateLimit.PaymentLimit)
}
