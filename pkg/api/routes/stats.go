package routes

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/travigo/redongo/pkg/consumer"
	"github.com/travigo/redongo/pkg/server"
	"github.com/travigo/redongo/pkg/spool"
)

type ServerStats interface {
	Stats() server.Snapshot
}

type SpoolCounter interface {
	CountByApplication(ctx context.Context) (map[string]spool.Counts, error)
}

type QueueStats interface {
	Counts() (consumer.QueueCounts, error)
	HTML(layout string, refresh string) (string, error)
}

// StatsSources may have nil members, which are left out of the output
type StatsSources struct {
	Server ServerStats
	Spool  SpoolCounter
	Queue  QueueStats
}

type statsResponse struct {
	Server *server.Snapshot        `json:"server,omitempty"`
	Spool  map[string]spool.Counts `json:"spool,omitempty"`
	Queue  *consumer.QueueCounts   `json:"queue,omitempty"`
	Errors []string                `json:"errors,omitempty"`
}

func StatsRouter(router fiber.Router, sources StatsSources) {
	router.Get("/", func(c *fiber.Ctx) error {
		return getStats(c, sources)
	})
	router.Get("/queues", func(c *fiber.Ctx) error {
		return getQueueStats(c, sources)
	})
}

func getStats(c *fiber.Ctx, sources StatsSources) error {
	response := statsResponse{}

	if sources.Server != nil {
		snapshot := sources.Server.Stats()
		response.Server = &snapshot
	}

	if sources.Spool != nil {
		counts, err := sources.Spool.CountByApplication(c.Context())
		if err != nil {
			response.Errors = append(response.Errors, "spool: "+err.Error())
		}
		response.Spool = counts
	}

	if sources.Queue != nil {
		counts, err := sources.Queue.Counts()
		if err != nil {
			response.Errors = append(response.Errors, "queue: "+err.Error())
		} else {
			response.Queue = &counts
		}
	}

	return c.JSON(response)
}

func getQueueStats(c *fiber.Ctx, sources StatsSources) error {
	if sources.Queue == nil {
		c.SendStatus(fiber.StatusNotFound)
		return c.JSON(fiber.Map{
			"error": "No queue connection",
		})
	}

	layout := c.Query("layout")
	refresh := c.Query("refresh")

	html, err := sources.Queue.HTML(layout, refresh)
	if err != nil {
		c.SendStatus(fiber.StatusInternalServerError)
		return c.JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.SendString(html)
}
