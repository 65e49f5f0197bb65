package providers

import (
	"context"

	"github.com/ncecere/transcribe_gateway/internal/models"
)

// Model is a loaded speech-recognition model variant ready to transcribe files.
type Model interface {
	Variant() string
	Transcribe(ctx context.Context, path string, opts models.TranscribeOptions) (models.Transcription, error)
}

// LoadFunc acquires one model variant or fails.
type LoadFunc func(ctx context.Context, variant string) (Model, error)

// Provider is a speech model backend able to load named variants.
type Provider struct {
	Name string
	Load LoadFunc
}
