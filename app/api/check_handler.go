package api

import (
	"context"

	"github.com/gofiber/fiber/v2"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type CheckHandler struct {
	store Pinger
}

// NewCheckHandler takes the backing store to ping; nil means there is
// nothing external to check.
func NewCheckHandler(store Pinger) *CheckHandler {
	return &CheckHandler{store: store}
}

func (h CheckHandler) HandleHealthy(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"result": "ok"})
}

func (h CheckHandler) HandleReady(c *fiber.Ctx) error {
	if h.store != nil {
		if err := h.store.Ping(c.UserContext()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"result": "unavailable", "error": err.Error()})
		}
	}
	return c.JSON(fiber.Map{"result": "ok"})
}
