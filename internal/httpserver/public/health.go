package public

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ncecere/transcribe_gateway/internal/loader"
	"github.com/ncecere/transcribe_gateway/internal/models"
)

type healthHandler struct {
	loader *loader.Loader
}

// get reports whether a model is loaded. It never triggers a load.
func (h *healthHandler) get(c *fiber.Ctx) error {
	status := h.loader.Status()
	resp := models.HealthResponse{
		Status:       "healthy",
		ModelLoaded:  status.Loaded,
		ModelVariant: status.Variant,
	}
	if !status.Loaded {
		resp.Status = "model not loaded"
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}
