package public

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ncecere/transcribe_gateway/internal/app"
	"github.com/ncecere/transcribe_gateway/internal/config"
	"github.com/ncecere/transcribe_gateway/internal/limits"
	"github.com/ncecere/transcribe_gateway/internal/loader"
	"github.com/ncecere/transcribe_gateway/internal/media"
	"github.com/ncecere/transcribe_gateway/internal/models"
	"github.com/ncecere/transcribe_gateway/internal/providers"
	"github.com/ncecere/transcribe_gateway/internal/services/transcription"
)

type stubModel struct {
	variant string
	result  models.Transcription
	calls   *atomic.Int32
}

func (m *stubModel) Variant() string { return m.variant }

func (m *stubModel) Transcribe(ctx context.Context, path string, opts models.TranscribeOptions) (models.Transcription, error) {
	m.calls.Add(1)
	return m.result, nil
}

// prefixValidator accepts any file that does not start with "BAD".
type prefixValidator struct{}

func (prefixValidator) Validate(ctx context.Context, path string) (media.Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return media.Info{}, err
	}
	if bytes.HasPrefix(data, []byte("BAD")) {
		return media.Info{}, errors.New("invalid data found when processing input")
	}
	return media.Info{Format: "wav"}, nil
}

type testEnv struct {
	app       *fiber.App
	container *app.Container
	tempDir   string
	calls     *atomic.Int32
	loadOK    *atomic.Bool
	result    *models.Transcription
}

func newTestEnv(t *testing.T, maxBytes int64) *testEnv {
	t.Helper()
	env := &testEnv{
		tempDir: t.TempDir(),
		calls:   &atomic.Int32{},
		loadOK:  &atomic.Bool{},
		result:  &models.Transcription{Text: " Hello from the test. ", Language: "en"},
	}
	env.loadOK.Store(true)

	cfg := &config.Config{
		Upload: config.UploadConfig{
			FieldName:  "audio_file",
			MaxBytes:   maxBytes,
			TempDir:    env.tempDir,
			TempSuffix: ".audio",
		},
	}
	provider := providers.Provider{
		Name: "stub",
		Load: func(ctx context.Context, variant string) (providers.Model, error) {
			if !env.loadOK.Load() || variant != "small" {
				return nil, errors.New("weights not found")
			}
			return &stubModel{variant: variant, result: *env.result, calls: env.calls}, nil
		},
	}
	l := loader.New(provider, []string{"base", "small", "tiny"})
	env.container = &app.Container{
		Config:      cfg,
		Provider:    provider,
		Loader:      l,
		Transcriber: transcription.NewService(l, prefixValidator{}, cfg.Upload),
	}
	env.app = fiber.New()
	Register(env.app, env.container)
	return env
}

func (e *testEnv) requireNoLeftovers(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(e.tempDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func multipartRequest(t *testing.T, field, filename string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if field != "" {
		part, err := w.CreateFormFile(field, filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, w.WriteField("note", "ignored"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set(fiber.HeaderContentType, w.FormDataContentType())
	return req
}

func doJSON(t *testing.T, a *fiber.App, req *http.Request) (int, map[string]any, string) {
	t.Helper()
	resp, err := a.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(raw, &payload), string(raw))
	return resp.StatusCode, payload, string(raw)
}

func TestHealthBeforeAndAfterLoad(t *testing.T) {
	env := newTestEnv(t, 1024)

	status, payload, raw := doJSON(t, env.app, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "model not loaded", payload["status"])
	require.Equal(t, false, payload["model_loaded"])
	require.NotContains(t, raw, "model_variant")
	require.Nil(t, env.container.Loader.Current())

	status, _, _ = doJSON(t, env.app, multipartRequest(t, "audio_file", "clip.wav", []byte("RIFF")))
	require.Equal(t, http.StatusOK, status)

	status, payload, _ = doJSON(t, env.app, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "healthy", payload["status"])
	require.Equal(t, true, payload["model_loaded"])
	require.Equal(t, "small", payload["model_variant"])
}

func TestUploadSuccess(t *testing.T) {
	env := newTestEnv(t, 1024)

	status, payload, _ := doJSON(t, env.app, multipartRequest(t, "audio_file", "clip.wav", []byte("RIFF....WAVE")))
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, map[string]any{"text": "Hello from the test.", "language": "en"}, payload)
	require.EqualValues(t, 1, env.calls.Load())
	env.requireNoLeftovers(t)
}

func TestUploadSilenceAndMissingLanguage(t *testing.T) {
	env := newTestEnv(t, 1024)
	*env.result = models.Transcription{Text: "   "}

	status, payload, _ := doJSON(t, env.app, multipartRequest(t, "audio_file", "quiet.wav", []byte("RIFF")))
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "No speech detected in audio", payload["text"])
	require.Equal(t, "unknown", payload["language"])
}

func TestUploadErrors(t *testing.T) {
	tests := []struct {
		name   string
		req    func(t *testing.T) *http.Request
		status int
		msg    string
	}{
		{
			name: "not multipart",
			req: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("{}"))
			},
			status: http.StatusBadRequest,
			msg:    "No file provided",
		},
		{
			name:   "missing field",
			req:    func(t *testing.T) *http.Request { return multipartRequest(t, "", "", nil) },
			status: http.StatusBadRequest,
			msg:    "No file provided",
		},
		{
			name:   "wrong field",
			req:    func(t *testing.T) *http.Request { return multipartRequest(t, "file", "clip.wav", []byte("RIFF")) },
			status: http.StatusBadRequest,
			msg:    "No file provided",
		},
		{
			name:   "empty filename",
			req:    func(t *testing.T) *http.Request { return multipartRequest(t, "audio_file", "", nil) },
			status: http.StatusBadRequest,
			msg:    "No file selected",
		},
		{
			name:   "empty file",
			req:    func(t *testing.T) *http.Request { return multipartRequest(t, "audio_file", "empty.wav", nil) },
			status: http.StatusBadRequest,
			msg:    "File is empty",
		},
		{
			name:   "too large",
			req:    func(t *testing.T) *http.Request { return multipartRequest(t, "audio_file", "big.wav", make([]byte, 9)) },
			status: http.StatusBadRequest,
			msg:    "File too large (max 8 bytes)",
		},
		{
			name: "invalid audio",
			req: func(t *testing.T) *http.Request {
				return multipartRequest(t, "audio_file", "notes.txt", []byte("BAD text"))
			},
			status: http.StatusBadRequest,
			msg:    "Invalid audio file",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, 8)
			status, payload, _ := doJSON(t, env.app, tc.req(t))
			require.Equal(t, tc.status, status)
			require.Equal(t, map[string]any{"error": tc.msg}, payload)
			require.Zero(t, env.calls.Load())
			env.requireNoLeftovers(t)
		})
	}
}

func TestUploadAtExactLimit(t *testing.T) {
	env := newTestEnv(t, 8)
	status, _, _ := doJSON(t, env.app, multipartRequest(t, "audio_file", "edge.wav", []byte("RIFF1234")))
	require.Equal(t, http.StatusOK, status)
	env.requireNoLeftovers(t)
}

func TestUploadModelUnavailableThenLazyLoad(t *testing.T) {
	env := newTestEnv(t, 1024)
	env.loadOK.Store(false)

	// The model check precedes request validation.
	status, payload, _ := doJSON(t, env.app, httptest.NewRequest(http.MethodPost, "/upload", nil))
	require.Equal(t, http.StatusInternalServerError, status)
	require.Equal(t, "Model not available: Could not load any Whisper model", payload["error"])

	status, payload, _ = doJSON(t, env.app, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, false, payload["model_loaded"])

	env.loadOK.Store(true)
	status, payload, _ = doJSON(t, env.app, multipartRequest(t, "audio_file", "clip.wav", []byte("RIFF")))
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "Hello from the test.", payload["text"])
	require.Equal(t, "small", env.container.Loader.Status().Variant)
}

func TestUploadRateLimited(t *testing.T) {
	env := newTestEnv(t, 1024)
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	env.container.RateLimiter = limits.NewRateLimiter(client)
	env.container.UploadLimit = limits.LimitConfig{RequestsPerMinute: 1}

	status, _, _ := doJSON(t, env.app, multipartRequest(t, "audio_file", "clip.wav", []byte("RIFF")))
	require.Equal(t, http.StatusOK, status)

	status, payload, _ := doJSON(t, env.app, multipartRequest(t, "audio_file", "clip.wav", []byte("RIFF")))
	require.Equal(t, http.StatusTooManyRequests, status)
	require.Equal(t, "rate limit exceeded", payload["error"])
	require.EqualValues(t, 1, env.calls.Load())
}

func TestUploadRateLimiterUnavailable(t *testing.T) {
	env := newTestEnv(t, 1024)
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	env.container.RateLimiter = limits.NewRateLimiter(client)
	env.container.UploadLimit = limits.LimitConfig{ParallelRequests: 1}

	status, payload, _ := doJSON(t, env.app, multipartRequest(t, "audio_file", "clip.wav", []byte("RIFF")))
	require.Equal(t, http.StatusServiceUnavailable, status)
	require.Equal(t, "rate limiter unavailable", payload["error"])
}
