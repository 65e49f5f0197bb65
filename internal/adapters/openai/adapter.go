package openai

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/ncecere/transcribe_gateway/internal/models"
)

// placeholderKey is sent to self-hosted OpenAI-compatible servers that ignore authentication.
const placeholderKey = "sk-no-key-required"

// Options configure the OpenAI speech adapter.
type Options struct {
	APIKey      string
	BaseURL     string
	LoadTimeout time.Duration
	Extra       []option.RequestOption
}

// Adapter wraps the official OpenAI SDK for native and compatible speech deployments.
type Adapter struct {
	client      *openai.Client
	loadTimeout time.Duration
}

// New creates an OpenAI adapter. A base URL without an API key targets a self-hosted server.
func New(opts Options) (*Adapter, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	baseURL := strings.TrimSpace(opts.BaseURL)
	if apiKey == "" && baseURL == "" {
		return nil, errors.New("openai: api key or base url required")
	}
	if apiKey == "" {
		apiKey = placeholderKey
	}

	requestOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		requestOpts = append(requestOpts, option.WithBaseURL(strings.TrimRight(baseURL, "/")))
	}
	requestOpts = append(requestOpts, opts.Extra...)

	client := openai.NewClient(requestOpts...)
	timeout := opts.LoadTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Adapter{client: &client, loadTimeout: timeout}, nil
}

// Load confirms the variant is served by the endpoint using the Models API.
func (a *Adapter) Load(ctx context.Context, variant string) (*Model, error) {
	variant = strings.TrimSpace(variant)
	if variant == "" {
		return nil, errors.New("openai: model variant required")
	}
	ctx, cancel := context.WithTimeout(ctx, a.loadTimeout)
	defer cancel()

	info, err := a.client.Models.Get(ctx, variant)
	if err != nil {
		return nil, fmt.Errorf("openai: load model %q: %w", variant, err)
	}
	id := variant
	if info != nil && strings.TrimSpace(info.ID) != "" {
		id = info.ID
	}
	return &Model{adapter: a, variant: id}, nil
}

// Model is a remote transcription model confirmed by Load.
type Model struct {
	adapter *Adapter
	variant string
}

func (m *Model) Variant() string {
	return m.variant
}

// Transcribe uploads the file to the Audio Transcriptions API. Precision and verbosity are
// decided by the server. The API infers the format from the part's filename, so the client's
// filename is sent rather than the staged path.
func (m *Model) Transcribe(ctx context.Context, path string, opts models.TranscribeOptions) (models.Transcription, error) {
	file, err := os.Open(path)
	if err != nil {
		return models.Transcription{}, fmt.Errorf("openai: open audio: %w", err)
	}
	defer file.Close()

	params := openai.AudioTranscriptionNewParams{
		File:           openai.File(file, partName(opts.Filename), partContentType(opts.ContentType)),
		Model:          openai.AudioModel(m.variant),
		ResponseFormat: openai.AudioResponseFormatVerboseJSON,
	}
	resp, err := m.adapter.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return models.Transcription{}, err
	}
	return models.Transcription{
		Text:     resp.Text,
		Language: strings.TrimSpace(resp.Language),
	}, nil
}

// fallbackPartName is sent when the client's filename carries no extension.
const fallbackPartName = "audio.wav"

func partName(filename string) string {
	name := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || filepath.Ext(name) == "" || strings.HasPrefix(name, ".") {
		return fallbackPartName
	}
	return name
}

func partContentType(contentType string) string {
	if contentType = strings.TrimSpace(contentType); contentType == "" {
		return "application/octet-stream"
	}
	return contentType
}
