package public

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/ncecere/transcribe_gateway/internal/app"
	"github.com/ncecere/transcribe_gateway/internal/httpserver/httputil"
	"github.com/ncecere/transcribe_gateway/internal/limits"
)

// uploadLimit applies the optional per-client upload limits. It is a no-op when no limits are
// configured.
func uploadLimit(container *app.Container) fiber.Handler {
	return func(c *fiber.Ctx) error {
		release, err := container.AcquireUploadSlot(c.UserContext(), c.IP())
		if err != nil {
			if errors.Is(err, limits.ErrLimitExceeded) {
				if container.Observability != nil {
					container.Observability.RecordUploadRejection("rate_limited")
				}
				return httputil.WriteError(c, fiber.StatusTooManyRequests, "rate limit exceeded")
			}
			if container.Log != nil {
				container.Log.Error("upload limiter unavailable", zap.Error(err))
			}
			return httputil.WriteError(c, fiber.StatusServiceUnavailable, "rate limiter unavailable")
		}
		defer release()
		return c.Next()
	}
}
