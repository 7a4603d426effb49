package middleware

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-ID"

// RequestLogger tags each request with an id, reusing the caller's when it is
// a valid UUID, and logs one line once the handler chain has finished.
func RequestLogger(logger *slog.Logger) fiber.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *fiber.Ctx) error {
		start := time.Now()

		id := c.Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(RequestIDHeader, id)

		err := c.Next()
		if err != nil {
			// Render now so the logged status is the one the client sees.
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				return herr
			}
		}

		logger.Info("[HTTP] request",
			"request_id", id,
			"method", c.Method(),
			"path", c.Path(),
			"status", c.Response().StatusCode(),
			"duration", time.Since(start),
		)
		return nil
	}
}
