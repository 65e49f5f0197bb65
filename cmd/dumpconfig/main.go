package main

import (
	"flag"
	"log"

	"github.com/ncecere/transcribe_gateway/internal/config"
)

func main() {
	configFile := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(config.Options{ConfigFile: *configFile})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg = cfg.Redacted()

	log.Printf("server: %+v", cfg.Server)
	log.Printf("model: backend=%s variants=%v", cfg.Model.Backend, cfg.Model.Variants)
	switch cfg.Model.Backend {
	case config.BackendWhisperCPP:
		log.Printf("whispercpp: %+v", cfg.Model.WhisperCPP)
	case config.BackendOpenAI:
		log.Printf("openai: %+v", cfg.Model.OpenAI)
	}
	log.Printf("upload: %+v", cfg.Upload)
	log.Printf("audio: %+v", cfg.Audio)
	log.Printf("redis: %+v", cfg.Redis)
	log.Printf("rate limits: %+v", cfg.RateLimits)
	log.Printf("observability: %+v", cfg.Observability)
	log.Printf("log: %+v", cfg.Log)
}
