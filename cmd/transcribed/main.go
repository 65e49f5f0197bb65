package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ncecere/transcribe_gateway/internal/app"
	"github.com/ncecere/transcribe_gateway/internal/config"
	"github.com/ncecere/transcribe_gateway/internal/httpserver"
	"github.com/ncecere/transcribe_gateway/internal/logging"
	"github.com/ncecere/transcribe_gateway/internal/redisclient"
)

var CommitHash = ""

func main() {
	configFile := flag.String("config", "", "path to a YAML config file")
	envFile := flag.String("env-file", "", "path to a .env file")
	flag.Parse()

	cfg, err := config.Load(config.Options{ConfigFile: *configFile, EnvFile: *envFile})
	if err != nil {
		// No logger yet; the level comes from config.
		logging.New("info").Fatal("failed to load config", zap.Error(err))
	}

	parentLogger := logging.New(cfg.Log.Level)
	if CommitHash != "" {
		parentLogger = parentLogger.With(zap.String("commit", CommitHash))
	}
	defer parentLogger.Sync()

	log := parentLogger.Named("main")
	log.Info("starting",
		zap.String("go_version", runtime.Version()),
		zap.String("platform", runtime.GOOS+"/"+runtime.GOARCH),
		zap.String("backend", cfg.Model.Backend),
		zap.Strings("variants", cfg.Model.Variants),
		zap.String("listen_addr", cfg.Server.ListenAddr),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := redisclient.New(cfg.Redis)
	if cfg.RateLimits.Enabled() {
		if err := redisclient.Ping(ctx, redisClient); err != nil {
			log.Fatal("failed to connect redis", zap.Error(err))
		}
	}

	container, err := app.NewContainer(ctx, cfg, parentLogger, redisClient)
	if err != nil {
		log.Fatal("failed to build container", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(shutdownCtx); err != nil {
			log.Warn("error closing resources", zap.Error(err))
		}
	}()

	// A failed startup load is not fatal; uploads retry it lazily.
	if _, err := container.Loader.Load(ctx); err != nil {
		log.Warn("model not loaded at startup", zap.Error(err))
	}

	server, err := httpserver.New(container)
	if err != nil {
		log.Fatal("failed to construct server", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Server.ListenAddr))
		return server.Listen(gctx)
	})

	<-gctx.Done()
	if ctx.Err() != nil {
		log.Info("received signal, shutting down")
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server stopped", zap.Error(err))
		return
	}
	log.Info("stopped")
}
