package router

import (
	"clinic-backend/internal/app"
	economicshandler "clinic-backend/internal/interfaces/handlers/economics"
	healthhandler "clinic-backend/internal/interfaces/handlers/health"
	holdhandler "clinic-backend/internal/interfaces/handlers/holds"
	ledgerhandler "clinic-backend/internal/interfaces/handlers/ledger"
	payhandler "clinic-backend/internal/interfaces/handlers/payments"
	"clinic-backend/internal/middleware"

	"github.com/gofiber/fiber/v2"
)

// CreateApp builds the Fiber app with global middleware and every route.
func CreateApp(c *app.Container) *fiber.App {
	cfg := c.Config
	fapp := fiber.New(fiber.Config{
		DisableStartupMessage:   true,
		ErrorHandler:            middleware.ErrorHandler,
		EnableTrustedProxyCheck: true,
	})

	fapp.Use(middleware.Tracing())
	fapp.Use(middleware.RouteLogger())
	fapp.Use(middleware.CORS(middleware.CORSConfig{
		AllowedSuffix: cfg.CORSAllowedSuffix,
		AllowLocal:    !cfg.IsProduction(),
	}))
	fapp.Use(middleware.HealthMarker(c.Redis))

	dbCheck, optional := c.HealthChecks()
	hh := &healthhandler.Handlers{
		Rdb:            c.Redis,
		DB:             dbCheck,
		Optional:       optional,
		HealthAdminKey: cfg.HealthAdminKey,
	}
	fapp.Get("/health/live", hh.Live)
	fapp.Get("/health/json", hh.JSON)
	fapp.Get("/health/errors", hh.Errors)
	fapp.Post("/health/reset", hh.Reset)

	// Stripe signs the raw body; the webhook is not tenant scoped.
	wh := &payhandler.WebhookHandler{
		DB:            c.DB,
		Ledger:        c.Ledger,
		Agreements:    c.Settings,
		WebhookSecret: cfg.StripeWebhookSecret,
	}
	fapp.Post("/api/v1/payments/stripe/webhook", wh.HandleWebhook)

	api := fapp.Group("/api/v1", middleware.RequireScope())

	holdh := &holdhandler.Handlers{Holds: c.Holds, Confirmation: c.Confirmation}
	hg := api.Group("/holds")
	hg.Post("/", holdh.Create)
	hg.Get("/", holdh.List)
	hg.Get("/:id", holdh.Get)
	hg.Post("/:id/cancel", holdh.Cancel)
	hg.Post("/:id/confirm", holdh.Confirm)

	lh := &ledgerhandler.Handlers{Service: c.Ledger}
	api.Get("/appointments/:id/ledger", lh.Get)
	api.Get("/appointments/:id/payment-status", lh.Status)

	eh := &economicshandler.Handlers{Settings: c.Settings}
	api.Post("/economics/preview", eh.Preview)
	api.Get("/professionals/:professional_id/agreements/:service_type_id/preview", eh.ActivePreview)

	return fapp
}
