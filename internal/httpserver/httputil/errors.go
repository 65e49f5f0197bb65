package httputil

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// WriteError renders {"error": msg}. An empty msg falls back to the status text.
func WriteError(c *fiber.Ctx, status int, msg string) error {
	if msg == "" {
		msg = http.StatusText(status)
		if msg == "" {
			msg = "unknown error"
		}
	}
	return c.Status(status).JSON(fiber.Map{
		"error": msg,
	})
}
