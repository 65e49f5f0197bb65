package config

import (
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DefaultMaxUploadBytes is the largest accepted upload (inclusive).
const DefaultMaxUploadBytes int64 = 100 * 1024 * 1024

// Config captures the runtime configuration for the transcription service.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Model         ModelConfig         `mapstructure:"model"`
	Upload        UploadConfig        `mapstructure:"upload"`
	Audio         AudioConfig         `mapstructure:"audio"`
	Redis         RedisConfig         `mapstructure:"redis"`
	RateLimits    RateLimitConfig     `mapstructure:"rate_limits"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Log           LogConfig           `mapstructure:"log"`
}

type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	// BodyLimitMB is the largest body buffered in memory. Larger bodies are streamed, so the
	// upload size check always runs.
	BodyLimitMB           int           `mapstructure:"body_limit_mb"`
	ReadTimeout           time.Duration `mapstructure:"read_timeout"`
	IdleTimeout           time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdownDelay time.Duration `mapstructure:"graceful_shutdown_delay"`
	CORSAllowOrigins      string        `mapstructure:"cors_allow_origins"`
}

const (
	BackendWhisperCPP = "whispercpp"
	BackendOpenAI     = "openai"
)

type ModelConfig struct {
	Backend    string           `mapstructure:"backend"`
	Variants   []string         `mapstructure:"variants"`
	WhisperCPP WhisperCPPConfig `mapstructure:"whispercpp"`
	OpenAI     OpenAIConfig     `mapstructure:"openai"`
}

type WhisperCPPConfig struct {
	Binary       string `mapstructure:"binary"`
	FFmpegBinary string `mapstructure:"ffmpeg_binary"`
	ModelsDir    string `mapstructure:"models_dir"`
	Threads      int    `mapstructure:"threads"`
}

type OpenAIConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	LoadTimeout time.Duration `mapstructure:"load_timeout"`
}

type UploadConfig struct {
	FieldName  string `mapstructure:"field_name"`
	MaxBytes   int64  `mapstructure:"max_bytes"`
	TempDir    string `mapstructure:"temp_dir"`
	TempSuffix string `mapstructure:"temp_suffix"`
}

const (
	ValidatorFFprobe = "ffprobe"
	ValidatorWAV     = "wav"
)

type AudioConfig struct {
	Validator     string        `mapstructure:"validator"`
	FFprobeBinary string        `mapstructure:"ffprobe_binary"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type RateLimitConfig struct {
	UploadRequestsPerMinute int `mapstructure:"upload_requests_per_minute"`
	ParallelUploads         int `mapstructure:"parallel_uploads"`
}

// Enabled reports whether any upload limit is configured.
func (r RateLimitConfig) Enabled() bool {
	return r.UploadRequestsPerMinute > 0 || r.ParallelUploads > 0
}

type ObservabilityConfig struct {
	OTLPEndpoint  string `mapstructure:"otlp_endpoint"`
	EnableOTLP    bool   `mapstructure:"enable_otlp"`
	EnableMetrics bool   `mapstructure:"enable_metrics"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Options controls the config loader behavior.
type Options struct {
	ConfigFile string
	EnvFile    string
}

// Load returns the merged configuration sourced from YAML and environment variables.
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		_ = godotenv.Load(opts.EnvFile)
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	setDefaults(v)

	explicitFile := false
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		explicitFile = true
	} else if cfg := os.Getenv("TRANSCRIBE_CONFIG_FILE"); cfg != "" {
		v.SetConfigFile(cfg)
		explicitFile = true
	}

	if !explicitFile {
		v.SetConfigName("transcribe")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("TRANSCRIBE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		timeStringToDurationHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate normalizes values and rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.ListenAddr) == "" {
		return fmt.Errorf("server.listen_addr must be provided")
	}
	if c.Server.BodyLimitMB <= 0 {
		return fmt.Errorf("server.body_limit_mb must be > 0")
	}
	if strings.TrimSpace(c.Server.CORSAllowOrigins) == "" {
		c.Server.CORSAllowOrigins = "*"
	}
	if c.Server.GracefulShutdownDelay <= 0 {
		c.Server.GracefulShutdownDelay = 5 * time.Second
	}

	if err := c.Model.validate(); err != nil {
		return err
	}
	if err := c.Upload.validate(); err != nil {
		return err
	}
	if err := c.Audio.validate(); err != nil {
		return err
	}

	if c.Redis.PoolSize < 0 {
		return fmt.Errorf("redis.pool_size must be >= 0")
	}
	if c.RateLimits.UploadRequestsPerMinute < 0 {
		return fmt.Errorf("rate_limits.upload_requests_per_minute must be >= 0")
	}
	if c.RateLimits.ParallelUploads < 0 {
		return fmt.Errorf("rate_limits.parallel_uploads must be >= 0")
	}
	if c.RateLimits.Enabled() && strings.TrimSpace(c.Redis.URL) == "" {
		return fmt.Errorf("redis.url must be provided when rate limits are enabled")
	}

	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	return nil
}

func (m *ModelConfig) validate() error {
	m.Backend = strings.ToLower(strings.TrimSpace(m.Backend))
	switch m.Backend {
	case "":
		m.Backend = BackendWhisperCPP
	case BackendWhisperCPP, BackendOpenAI:
	default:
		return fmt.Errorf("model.backend must be %s or %s", BackendWhisperCPP, BackendOpenAI)
	}

	m.Variants = normalizeStringSlice(m.Variants)
	if len(m.Variants) == 0 {
		return fmt.Errorf("model.variants must list at least one variant")
	}

	switch m.Backend {
	case BackendWhisperCPP:
		if strings.TrimSpace(m.WhisperCPP.Binary) == "" {
			m.WhisperCPP.Binary = "whisper-cli"
		}
		if strings.TrimSpace(m.WhisperCPP.FFmpegBinary) == "" {
			m.WhisperCPP.FFmpegBinary = "ffmpeg"
		}
		if strings.TrimSpace(m.WhisperCPP.ModelsDir) == "" {
			return fmt.Errorf("model.whispercpp.models_dir must be provided")
		}
		if m.WhisperCPP.Threads < 0 {
			return fmt.Errorf("model.whispercpp.threads must be >= 0")
		}
	case BackendOpenAI:
		if strings.TrimSpace(m.OpenAI.APIKey) == "" && strings.TrimSpace(m.OpenAI.BaseURL) == "" {
			return fmt.Errorf("model.openai.api_key or model.openai.base_url must be provided")
		}
		if m.OpenAI.LoadTimeout <= 0 {
			m.OpenAI.LoadTimeout = 10 * time.Second
		}
	}
	return nil
}

func (u *UploadConfig) validate() error {
	if strings.TrimSpace(u.FieldName) == "" {
		u.FieldName = "audio_file"
	}
	if u.MaxBytes <= 0 {
		return fmt.Errorf("upload.max_bytes must be > 0")
	}
	if strings.ContainsAny(u.TempSuffix, `/\`) {
		return fmt.Errorf("upload.temp_suffix must not contain path separators")
	}
	return nil
}

func (a *AudioConfig) validate() error {
	a.Validator = strings.ToLower(strings.TrimSpace(a.Validator))
	switch a.Validator {
	case "":
		a.Validator = ValidatorFFprobe
	case ValidatorFFprobe, ValidatorWAV:
	default:
		return fmt.Errorf("audio.validator must be %s or %s", ValidatorFFprobe, ValidatorWAV)
	}
	if strings.TrimSpace(a.FFprobeBinary) == "" {
		a.FFprobeBinary = "ffprobe"
	}
	if a.ProbeTimeout <= 0 {
		a.ProbeTimeout = 30 * time.Second
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", "0.0.0.0:5000")
	v.SetDefault("server.body_limit_mb", 16)
	v.SetDefault("server.read_timeout", "300s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.graceful_shutdown_delay", "5s")
	v.SetDefault("server.cors_allow_origins", "*")

	v.SetDefault("model.backend", BackendWhisperCPP)
	v.SetDefault("model.variants", []string{"base", "small", "tiny"})
	v.SetDefault("model.whispercpp.binary", "whisper-cli")
	v.SetDefault("model.whispercpp.ffmpeg_binary", "ffmpeg")
	v.SetDefault("model.whispercpp.models_dir", "./models")
	v.SetDefault("model.whispercpp.threads", 0)
	v.SetDefault("model.openai.base_url", "")
	v.SetDefault("model.openai.api_key", "")
	v.SetDefault("model.openai.load_timeout", "10s")

	v.SetDefault("upload.field_name", "audio_file")
	v.SetDefault("upload.max_bytes", DefaultMaxUploadBytes)
	v.SetDefault("upload.temp_dir", "")
	v.SetDefault("upload.temp_suffix", ".audio")

	v.SetDefault("audio.validator", ValidatorFFprobe)
	v.SetDefault("audio.ffprobe_binary", "ffprobe")
	v.SetDefault("audio.probe_timeout", "30s")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("rate_limits.upload_requests_per_minute", 0)
	v.SetDefault("rate_limits.parallel_uploads", 0)

	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.enable_otlp", false)
	v.SetDefault("observability.otlp_endpoint", "http://localhost:4317")

	v.SetDefault("log.level", "info")
}

func normalizeStringSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	clean := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			clean = append(clean, trimmed)
		}
	}
	if len(clean) == 0 {
		return nil
	}
	return clean
}

func timeStringToDurationHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case time.Duration:
			return v, nil
		case string:
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, err
			}
			return d, nil
		default:
			return nil, fmt.Errorf("cannot decode %T into time.Duration", data)
		}
	}
}

const redactedValue = "[redacted]"

// Redacted returns a copy with secrets masked, for printing.
func (c *Config) Redacted() *Config {
	out := *c
	out.Model.Variants = append([]string(nil), c.Model.Variants...)
	if out.Model.OpenAI.APIKey != "" {
		out.Model.OpenAI.APIKey = redactedValue
	}
	if out.Redis.URL != "" {
		out.Redis.URL = redactRedisURL(out.Redis.URL)
	}
	return &out
}

func redactRedisURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), redactedValue)
	}
	return u.String()
}
