package providers

import (
	"context"
	"fmt"

	"github.com/ncecere/transcribe_gateway/internal/config"
)

// Builder constructs a Provider from configuration.
type Builder func(ctx context.Context, cfg *config.Config) (Provider, error)

// Factory builds the configured speech backend using a registry of builders.
type Factory struct {
	cfg      *config.Config
	builders map[string]Builder
}

// NewFactory creates a factory with the default provider registry.
func NewFactory(cfg *config.Config) *Factory {
	return &Factory{cfg: cfg, builders: cloneDefaultBuilders()}
}

// Register allows tests or callers to override provider builders.
func (f *Factory) Register(name string, builder Builder) {
	if f.builders == nil {
		f.builders = make(map[string]Builder)
	}
	f.builders[name] = builder
}

// Build instantiates the provider selected by model.backend.
func (f *Factory) Build(ctx context.Context) (Provider, error) {
	cfg := EnsureConfig(f.cfg)
	name := cfg.Model.Backend
	builder, ok := f.builders[name]
	if !ok {
		return Provider{}, fmt.Errorf("model backend %q unsupported", name)
	}
	provider, err := builder(ctx, cfg)
	if err != nil {
		return Provider{}, fmt.Errorf("model backend %q: %w", name, err)
	}
	if provider.Load == nil {
		return Provider{}, fmt.Errorf("model backend %q: builder returned no loader", name)
	}
	if provider.Name == "" {
		provider.Name = name
	}
	return provider, nil
}
