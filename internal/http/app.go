package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/service"
)

// NewApp builds the API with health and Prometheus endpoints mounted.
func NewApp(svcs *service.Services, gatherer prometheus.Gatherer) *fiber.App {
	app := fiber.New(fiber.Config{AppName: "energy-hub-engine"})

	app.Get("/health", func(c *fiber.Ctx) error { return c.SendString("ok") })
	if gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	Register(app, svcs)
	return app
}
