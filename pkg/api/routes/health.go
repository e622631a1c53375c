package routes

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
)

const healthTimeout = 5 * time.Second

// HealthCheck returns an error when a dependency does not answer
type HealthCheck func(ctx context.Context) error

func Health(checks ...HealthCheck) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.Context(), healthTimeout)
		defer cancel()

		for _, check := range checks {
			if err := check(ctx); err != nil {
				return c.Status(fiber.StatusInternalServerError).SendString(err.Error())
			}
		}

		return c.SendString("OK")
	}
}
