package public

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ncecere/transcribe_gateway/internal/app"
)

// Register wires up the client-facing routes.
func Register(app *fiber.App, container *app.Container) {
	field := container.Config.Upload.FieldName
	if field == "" {
		field = "audio_file"
	}

	health := &healthHandler{loader: container.Loader}
	app.Get("/health", health.get)

	upload := &uploadHandler{
		service:   container.Transcriber,
		fieldName: field,
	}
	app.Post("/upload", uploadLimit(container), upload.post)
}
