package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/travigo/redongo/pkg/api/routes"
)

// Backend is everything the admin API reads from or manages
type Backend struct {
	Applications routes.ApplicationStore
	Stats        routes.StatsSources
	HealthChecks []routes.HealthCheck
	Gatherer     prometheus.Gatherer
}

func NewApp(backend Backend) *fiber.App {
	webApp := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})
	webApp.Use(NewLogger())

	webApp.Get("version", routes.APIVersion)
	webApp.Get("health", routes.Health(backend.HealthChecks...))

	routes.StatsRouter(webApp.Group("/stats"), backend.Stats)
	routes.ApplicationsRouter(webApp.Group("/applications"), backend.Applications)

	if backend.Gatherer != nil {
		webApp.Get("metrics", adaptor.HTTPHandler(promhttp.HandlerFor(backend.Gatherer, promhttp.HandlerOpts{})))
	}

	return webApp
}

func SetupServer(listen string, backend Backend) (*fiber.App, <-chan error) {
	webApp := NewApp(backend)

	errs := make(chan error, 1)
	go func() {
		errs <- webApp.Listen(listen)
	}()

	return webApp, errs
}
