package routes

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/liip/sheriff"
	"github.com/travigo/redongo/pkg/registry"
)

type ApplicationStore interface {
	Register(ctx context.Context, application *registry.Application) error
	Get(ctx context.Context, name string) (*registry.Application, error)
	List(ctx context.Context) ([]*registry.Application, error)
	Remove(ctx context.Context, name string) error
}

func ApplicationsRouter(router fiber.Router, store ApplicationStore) {
	router.Get("/", func(c *fiber.Ctx) error {
		return listApplications(c, store)
	})
	router.Post("/", func(c *fiber.Ctx) error {
		return registerApplication(c, store)
	})
	router.Get("/:name", func(c *fiber.Ctx) error {
		return getApplication(c, store)
	})
	router.Delete("/:name", func(c *fiber.Ctx) error {
		return removeApplication(c, store)
	})
}

func listApplications(c *fiber.Ctx, store ApplicationStore) error {
	applications, err := store.List(c.Context())
	if err != nil {
		c.SendStatus(fiber.StatusInternalServerError)
		return c.JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return sendPublic(c, applications)
}

func getApplication(c *fiber.Ctx, store ApplicationStore) error {
	application, err := store.Get(c.Context(), c.Params("name"))
	if errors.Is(err, registry.ErrApplicationNotFound) {
		c.SendStatus(fiber.StatusNotFound)
		return c.JSON(fiber.Map{
			"error": "Could not find application matching name",
		})
	} else if err != nil {
		c.SendStatus(fiber.StatusInternalServerError)
		return c.JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return sendPublic(c, application)
}

func registerApplication(c *fiber.Ctx, store ApplicationStore) error {
	var application registry.Application
	if err := c.BodyParser(&application); err != nil {
		c.SendStatus(fiber.StatusBadRequest)
		return c.JSON(fiber.Map{
			"error": "Body must be a JSON application definition",
		})
	}

	if err := store.Register(c.Context(), &application); err != nil {
		status := fiber.StatusInternalServerError
		if errors.Is(err, registry.ErrInvalidApplication) {
			status = fiber.StatusBadRequest
		}

		c.SendStatus(status)
		return c.JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	c.Status(fiber.StatusCreated)
	return sendPublic(c, &application)
}

func removeApplication(c *fiber.Ctx, store ApplicationStore) error {
	err := store.Remove(c.Context(), c.Params("name"))
	if errors.Is(err, registry.ErrApplicationNotFound) {
		c.SendStatus(fiber.StatusNotFound)
		return c.JSON(fiber.Map{
			"error": "Could not find application matching name",
		})
	} else if err != nil {
		c.SendStatus(fiber.StatusInternalServerError)
		return c.JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// sendPublic strips the Mongo credentials before responding
func sendPublic(c *fiber.Ctx, data any) error {
	reduced, err := sheriff.Marshal(&sheriff.Options{
		Groups: []string{"public"},
	}, data)
	if err != nil {
		c.SendStatus(fiber.StatusInternalServerError)
		return c.JSON(fiber.Map{
			"error": "Sheriff could not reduce applications",
		})
	}

	return c.JSON(reduced)
}
