package providers

import (
	"context"

	"github.com/ncecere/transcribe_gateway/internal/adapters/whispercpp"
	"github.com/ncecere/transcribe_gateway/internal/config"
)

func init() {
	RegisterDefinition(Definition{
		Name:        config.BackendWhisperCPP,
		Description: "whisper.cpp command-line runner with local ggml models",
		Builder:     buildWhisperCPPProvider,
	})
}

func buildWhisperCPPProvider(ctx context.Context, cfg *config.Config) (Provider, error) {
	cfg = EnsureConfig(cfg)
	wc := cfg.Model.WhisperCPP
	adapter, err := whispercpp.New(whispercpp.Options{
		Binary:       wc.Binary,
		FFmpegBinary: wc.FFmpegBinary,
		ModelsDir:    wc.ModelsDir,
		Threads:      wc.Threads,
	})
	if err != nil {
		return Provider{}, err
	}
	return Provider{
		Name: config.BackendWhisperCPP,
		Load: func(ctx context.Context, variant string) (Model, error) {
			m, err := adapter.Load(ctx, variant)
			if err != nil {
				return nil, err
			}
			return m, nil
		},
	}, nil
}
