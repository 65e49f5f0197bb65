package public

import (
	"errors"
	"io"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/ncecere/transcribe_gateway/internal/httpserver/httputil"
	"github.com/ncecere/transcribe_gateway/internal/logging"
	"github.com/ncecere/transcribe_gateway/internal/services/transcription"
)

type uploadHandler struct {
	service   *transcription.Service
	fieldName string
}

func (h *uploadHandler) post(c *fiber.Ctx) error {
	ctx := logging.With(c.UserContext(), zap.String("request_id", c.GetRespHeader(fiber.HeaderXRequestID)))

	resp, err := h.service.Transcribe(ctx, h.readUpload(c))
	if err != nil {
		return writeTranscriptionError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

// readUpload extracts the audio part. A nil upload means the field was not sent. A field sent
// without a filename arrives as a plain form value and maps to an unnamed upload. The file
// part is opened by the service once the model is available.
func (h *uploadHandler) readUpload(c *fiber.Ctx) *transcription.Upload {
	form, err := c.MultipartForm()
	if err != nil {
		return nil
	}

	if files := form.File[h.fieldName]; len(files) > 0 {
		fh := files[0]
		return &transcription.Upload{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get(fiber.HeaderContentType),
			Open: func() (io.ReadSeekCloser, error) {
				return fh.Open()
			},
		}
	}

	if values, ok := form.Value[h.fieldName]; ok {
		value := ""
		if len(values) > 0 {
			value = values[0]
		}
		return &transcription.Upload{File: strings.NewReader(value)}
	}
	return nil
}

func writeTranscriptionError(c *fiber.Ctx, err error) error {
	var terr *transcription.Error
	if errors.As(err, &terr) {
		return httputil.WriteError(c, terr.Kind.Status(), terr.Message)
	}
	return httputil.WriteError(c, fiber.StatusInternalServerError, "Transcription failed: "+err.Error())
}
