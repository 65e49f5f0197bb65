package app

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ncecere/transcribe_gateway/internal/config"
	"github.com/ncecere/transcribe_gateway/internal/limits"
	"github.com/ncecere/transcribe_gateway/internal/loader"
	"github.com/ncecere/transcribe_gateway/internal/media"
	"github.com/ncecere/transcribe_gateway/internal/observability"
	"github.com/ncecere/transcribe_gateway/internal/providers"
	"github.com/ncecere/transcribe_gateway/internal/services/transcription"
)

// Container aggregates runtime dependencies for handlers and services.
type Container struct {
	Config        *config.Config
	Log           *zap.Logger
	Redis         *redis.Client
	Provider      providers.Provider
	Loader        *loader.Loader
	Validator     media.Validator
	Transcriber   *transcription.Service
	RateLimiter   *limits.RateLimiter
	UploadLimit   limits.LimitConfig
	Observability *observability.Provider
}

// NewContainer builds a dependency container from the provided primitives. redisClient may be
// nil when upload limits are disabled. The model is not loaded here.
func NewContainer(ctx context.Context, cfg *config.Config, log *zap.Logger, redisClient *redis.Client) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RateLimits.Enabled() && redisClient == nil {
		return nil, fmt.Errorf("redis client is required when upload limits are enabled")
	}

	obsProvider, err := observability.Setup(ctx, cfg.Observability)
	if err != nil {
		return nil, fmt.Errorf("setup observability: %w", err)
	}

	provider, err := providers.NewFactory(cfg).Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("init model backend: %w", err)
	}

	loaderOpts := []loader.Option{loader.WithLogger(log.Named("loader"))}
	if obsProvider != nil {
		loaderOpts = append(loaderOpts, loader.WithRecorder(obsProvider))
	}
	modelLoader := loader.New(provider, cfg.Model.Variants, loaderOpts...)

	validator, err := media.NewValidator(cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("init audio validator: %w", err)
	}

	serviceOpts := []transcription.Option{transcription.WithLogger(log.Named("transcription"))}
	if obsProvider != nil {
		serviceOpts = append(serviceOpts, transcription.WithRecorder(obsProvider))
	}
	transcriber := transcription.NewService(modelLoader, validator, cfg.Upload, serviceOpts...)

	var rateLimiter *limits.RateLimiter
	if cfg.RateLimits.Enabled() {
		rateLimiter = limits.NewRateLimiter(redisClient)
	}

	return &Container{
		Config:        cfg,
		Log:           log,
		Redis:         redisClient,
		Provider:      provider,
		Loader:        modelLoader,
		Validator:     validator,
		Transcriber:   transcriber,
		RateLimiter:   rateLimiter,
		UploadLimit:   limits.FromConfig(cfg.RateLimits),
		Observability: obsProvider,
	}, nil
}

// AcquireUploadSlot applies the upload limits for one client. The returned release func is
// safe to call more than once.
func (c *Container) AcquireUploadSlot(ctx context.Context, client string) (func(), error) {
	noop := func() {}
	if c == nil || c.RateLimiter == nil || !c.UploadLimit.Enabled() {
		return noop, nil
	}

	key := "upload:" + normalizeClientKey(client)
	cfg := c.UploadLimit
	if err := c.RateLimiter.Allow(ctx, key, cfg); err != nil {
		return nil, err
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			c.RateLimiter.Release(context.WithoutCancel(ctx), key, cfg)
		})
	}
	return release, nil
}

// Close releases process-wide resources.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var firstErr error
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			firstErr = err
		}
	}
	if err := c.Observability.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func normalizeClientKey(client string) string {
	client = strings.ToLower(strings.TrimSpace(client))
	if client == "" {
		return "anonymous"
	}
	return client
}
