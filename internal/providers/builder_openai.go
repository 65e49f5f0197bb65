package providers

import (
	"context"
	"strings"

	native "github.com/ncecere/transcribe_gateway/internal/adapters/openai"
	"github.com/ncecere/transcribe_gateway/internal/config"
)

func init() {
	RegisterDefinition(Definition{
		Name:        config.BackendOpenAI,
		Description: "OpenAI or OpenAI-compatible audio transcription API",
		Builder:     buildOpenAIProvider,
	})
}

func buildOpenAIProvider(ctx context.Context, cfg *config.Config) (Provider, error) {
	cfg = EnsureConfig(cfg)
	oc := cfg.Model.OpenAI
	adapter, err := native.New(native.Options{
		APIKey:      strings.TrimSpace(oc.APIKey),
		BaseURL:     strings.TrimSpace(oc.BaseURL),
		LoadTimeout: oc.LoadTimeout,
	})
	if err != nil {
		return Provider{}, err
	}
	return Provider{
		Name: config.BackendOpenAI,
		Load: func(ctx context.Context, variant string) (Model, error) {
			m, err := adapter.Load(ctx, variant)
			if err != nil {
				return nil, err
			}
			return m, nil
		},
	}, nil
}
