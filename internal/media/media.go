package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ncecere/transcribe_gateway/internal/config"
)

// ErrNoAudio is returned when a file decodes but carries no audio stream.
var ErrNoAudio = errors.New("no audio stream found")

// Info is what the decode gate learned about a file.
type Info struct {
	Format   string
	Duration time.Duration
}

// Validator confirms that a file decodes as audio. It is a format gate only; the result is
// never fed to the model.
type Validator interface {
	Validate(ctx context.Context, path string) (Info, error)
}

// NewValidator builds the validator selected by audio.validator.
func NewValidator(cfg config.AudioConfig) (Validator, error) {
	switch cfg.Validator {
	case config.ValidatorFFprobe, "":
		return NewFFprobe(
			WithFFprobeBinary(cfg.FFprobeBinary),
			WithCommandTimeout(cfg.ProbeTimeout),
		), nil
	case config.ValidatorWAV:
		return &WAV{}, nil
	default:
		return nil, fmt.Errorf("unknown audio validator %q", cfg.Validator)
	}
}
