package httpserver

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/ncecere/transcribe_gateway/internal/app"
	"github.com/ncecere/transcribe_gateway/internal/config"
	"github.com/ncecere/transcribe_gateway/internal/httpserver/httputil"
	"github.com/ncecere/transcribe_gateway/internal/services/transcription"
)

// errorHandler renders errors that escape the handlers as {"error": msg}. A body the
// transport refused on /upload is reported the same way as an upload above upload.max_bytes.
func errorHandler(container *app.Container) fiber.ErrorHandler {
	maxBytes := container.Config.Upload.MaxBytes
	if maxBytes <= 0 {
		maxBytes = config.DefaultMaxUploadBytes
	}
	return func(c *fiber.Ctx, err error) error {
		code, msg := fiber.StatusInternalServerError, err.Error()
		var ferr *fiber.Error
		if errors.As(err, &ferr) {
			code, msg = ferr.Code, ferr.Message
		}
		if code == fiber.StatusRequestEntityTooLarge && c.Path() == "/upload" {
			container.Observability.RecordUploadRejection(transcription.KindFileTooLarge.String())
			return httputil.WriteError(c, fiber.StatusBadRequest, transcription.TooLargeMessage(maxBytes))
		}
		return httputil.WriteError(c, code, msg)
	}
}
