package transcription

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ncecere/transcribe_gateway/internal/config"
	"github.com/ncecere/transcribe_gateway/internal/loader"
	"github.com/ncecere/transcribe_gateway/internal/media"
	"github.com/ncecere/transcribe_gateway/internal/models"
	"github.com/ncecere/transcribe_gateway/internal/providers"
)

type fakeModel struct {
	result models.Transcription
	err    error
	panics bool

	calls   atomic.Int32
	path    string
	opts    models.TranscribeOptions
	ctxErr  error
	content []byte
}

func (m *fakeModel) Variant() string { return "base" }

func (m *fakeModel) Transcribe(ctx context.Context, path string, opts models.TranscribeOptions) (models.Transcription, error) {
	m.calls.Add(1)
	m.path = path
	m.opts = opts
	m.ctxErr = ctx.Err()
	m.content, _ = os.ReadFile(path)
	if m.panics {
		panic("tensor shape mismatch")
	}
	return m.result, m.err
}

type fakeSource struct {
	model providers.Model
	err   error
}

func (s *fakeSource) Ensure(ctx context.Context) (providers.Model, error) {
	return s.model, s.err
}

type fakeValidator struct {
	err      error
	calls    int
	path     string
	onCall   func()
	existing bool
}

func (v *fakeValidator) Validate(ctx context.Context, path string) (media.Info, error) {
	v.calls++
	v.path = path
	_, statErr := os.Stat(path)
	v.existing = statErr == nil
	if v.onCall != nil {
		v.onCall()
	}
	if v.err != nil {
		return media.Info{}, v.err
	}
	return media.Info{Format: "wav", Duration: time.Second}, nil
}

type fakeRecorder struct {
	rejections []string
	outcomes   []string
}

func (r *fakeRecorder) RecordUploadRejection(kind string) {
	r.rejections = append(r.rejections, kind)
}

func (r *fakeRecorder) RecordTranscription(variant, outcome string, duration time.Duration) {
	r.outcomes = append(r.outcomes, variant+":"+outcome)
}

type fixture struct {
	dir       string
	model     *fakeModel
	source    *fakeSource
	validator *fakeValidator
	recorder  *fakeRecorder
	svc       *Service
}

func newFixture(t *testing.T, maxBytes int64) *fixture {
	t.Helper()
	f := &fixture{
		dir:       t.TempDir(),
		model:     &fakeModel{result: models.Transcription{Text: " Hello world. ", Language: "en"}},
		validator: &fakeValidator{},
		recorder:  &fakeRecorder{},
	}
	f.source = &fakeSource{model: f.model}
	f.svc = NewService(f.source, f.validator, config.UploadConfig{
		FieldName:  "audio_file",
		MaxBytes:   maxBytes,
		TempDir:    f.dir,
		TempSuffix: ".audio",
	}, WithRecorder(f.recorder))
	return f
}

func (f *fixture) requireNoLeftovers(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func upload(name string, data []byte) *Upload {
	return &Upload{Filename: name, ContentType: "audio/wav", File: bytes.NewReader(data)}
}

func requireKind(t *testing.T, err error, kind Kind, msg string) {
	t.Helper()
	var terr *Error
	require.ErrorAs(t, err, &terr)
	require.Equal(t, kind, terr.Kind)
	require.Equal(t, msg, terr.Message)
}

func TestTranscribeSuccess(t *testing.T) {
	f := newFixture(t, 1024)

	resp, err := f.svc.Transcribe(context.Background(), upload("clip.wav", []byte("RIFF....WAVE")))
	require.NoError(t, err)
	require.Equal(t, models.TranscriptionResponse{Text: "Hello world.", Language: "en"}, resp)

	require.True(t, f.validator.existing)
	require.Equal(t, f.validator.path, f.model.path)
	require.Equal(t, f.dir, filepath.Dir(f.model.path))
	require.True(t, strings.HasPrefix(filepath.Base(f.model.path), "upload-"))
	require.True(t, strings.HasSuffix(f.model.path, ".audio"))
	require.Equal(t, "RIFF....WAVE", string(f.model.content))
	require.Equal(t, models.TranscribeOptions{
		Precision:   models.PrecisionFP32,
		Verbose:     false,
		Filename:    "clip.wav",
		ContentType: "audio/wav",
	}, f.model.opts)

	f.requireNoLeftovers(t)
	require.Equal(t, []string{"base:success"}, f.recorder.outcomes)
	require.Empty(t, f.recorder.rejections)
}

func TestTranscribeModelUnavailableComesFirst(t *testing.T) {
	f := newFixture(t, 1024)
	f.source.model = nil
	f.source.err = fmt.Errorf("%w: tiny: out of memory", loader.ErrModelUnavailable)

	_, err := f.svc.Transcribe(context.Background(), nil)
	requireKind(t, err, KindModelUnavailable, "Model not available: Could not load any Whisper model")
	require.Equal(t, http.StatusInternalServerError, KindOf(err).Status())
	require.ErrorIs(t, err, loader.ErrModelUnavailable)

	_, err = f.svc.Transcribe(context.Background(), upload("clip.wav", []byte("data")))
	requireKind(t, err, KindModelUnavailable, "Model not available: Could not load any Whisper model")
	require.Zero(t, f.validator.calls)
	f.requireNoLeftovers(t)
}

// lazyBody is an upload stream opened on demand.
type lazyBody struct {
	*bytes.Reader
	closed bool
}

func (b *lazyBody) Close() error {
	b.closed = true
	return nil
}

func TestTranscribeOpensUploadAfterModelCheck(t *testing.T) {
	tests := []struct {
		name      string
		loadErr   error
		openErr   error
		filename  string
		wantKind  Kind
		wantMsg   string
		wantOpens int
	}{
		{
			name:     "model unavailable wins over open failure",
			loadErr:  loader.ErrModelUnavailable,
			openErr:  errors.New("multipart: part spilled file vanished"),
			filename: "clip.wav",
			wantKind: KindModelUnavailable,
			wantMsg:  "Model not available: Could not load any Whisper model",
		},
		{
			name:     "unnamed upload is never opened",
			openErr:  errors.New("unexpected open"),
			wantKind: KindNoFileSelected,
			wantMsg:  "No file selected",
		},
		{
			name:      "open failure after model check",
			openErr:   errors.New("multipart: part spilled file vanished"),
			filename:  "clip.wav",
			wantKind:  KindTranscriptionFailed,
			wantMsg:   "Transcription failed: open upload: multipart: part spilled file vanished",
			wantOpens: 1,
		},
		{
			name:      "opened upload is transcribed and closed",
			filename:  "clip.wav",
			wantOpens: 1,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, 1024)
			if tc.loadErr != nil {
				f.source.model, f.source.err = nil, tc.loadErr
			}
			body := &lazyBody{Reader: bytes.NewReader([]byte("RIFF....WAVE"))}
			opens := 0
			up := &Upload{Filename: tc.filename, Open: func() (io.ReadSeekCloser, error) {
				opens++
				if tc.openErr != nil {
					return nil, tc.openErr
				}
				return body, nil
			}}

			resp, err := f.svc.Transcribe(context.Background(), up)
			require.Equal(t, tc.wantOpens, opens)
			if tc.wantKind == KindUnknown {
				require.NoError(t, err)
				require.Equal(t, "Hello world.", resp.Text)
				require.Equal(t, "RIFF....WAVE", string(f.model.content))
				require.True(t, body.closed)
			} else {
				requireKind(t, err, tc.wantKind, tc.wantMsg)
			}
			f.requireNoLeftovers(t)
		})
	}
}

func TestTranscribeReleaseFailureOnlyLogs(t *testing.T) {
	f := newFixture(t, 1024)
	core, logs := observer.New(zapcore.WarnLevel)
	f.svc = NewService(f.source, f.validator, f.svc.cfg, WithRecorder(f.recorder), WithLogger(zap.New(core)))

	// Swap the staged file for a non-empty directory so removal fails.
	f.validator.onCall = func() {
		require.NoError(t, os.Remove(f.validator.path))
		require.NoError(t, os.Mkdir(f.validator.path, 0o700))
		require.NoError(t, os.WriteFile(filepath.Join(f.validator.path, "pinned"), []byte("x"), 0o600))
	}

	resp, err := f.svc.Transcribe(context.Background(), upload("clip.wav", []byte("RIFF")))
	require.NoError(t, err)
	require.Equal(t, models.TranscriptionResponse{Text: "Hello world.", Language: "en"}, resp)
	require.Equal(t, []string{"base:success"}, f.recorder.outcomes)
	require.Empty(t, f.recorder.rejections)

	entries := logs.FilterMessage("failed to delete temporary file").All()
	require.Len(t, entries, 1)
	require.Equal(t, zapcore.WarnLevel, entries[0].Level)
	require.Equal(t, f.validator.path, entries[0].ContextMap()["path"])
	require.Equal(t, "clip.wav", entries[0].ContextMap()["filename"])

	require.NoError(t, os.RemoveAll(f.validator.path))
	f.requireNoLeftovers(t)
}

func TestTranscribeRejectsMissingAndUnnamedFiles(t *testing.T) {
	f := newFixture(t, 1024)

	_, err := f.svc.Transcribe(context.Background(), nil)
	requireKind(t, err, KindMissingFile, "No file provided")

	_, err = f.svc.Transcribe(context.Background(), &Upload{Filename: "clip.wav"})
	requireKind(t, err, KindMissingFile, "No file provided")

	_, err = f.svc.Transcribe(context.Background(), upload("", []byte("data")))
	requireKind(t, err, KindNoFileSelected, "No file selected")
	require.Equal(t, http.StatusBadRequest, KindOf(err).Status())

	require.Zero(t, f.model.calls.Load())
	require.Equal(t, []string{"missing_file", "missing_file", "no_file_selected"}, f.recorder.rejections)
	f.requireNoLeftovers(t)
}

func TestTranscribeSizeBoundaries(t *testing.T) {
	f := newFixture(t, 16)

	_, err := f.svc.Transcribe(context.Background(), upload("empty.wav", nil))
	requireKind(t, err, KindEmptyFile, "File is empty")

	_, err = f.svc.Transcribe(context.Background(), upload("big.wav", make([]byte, 17)))
	requireKind(t, err, KindFileTooLarge, "File too large (max 16 bytes)")
	require.Zero(t, f.validator.calls)

	_, err = f.svc.Transcribe(context.Background(), upload("edge.wav", make([]byte, 16)))
	require.NoError(t, err)
	require.EqualValues(t, 1, f.model.calls.Load())
	require.Len(t, f.model.content, 16)
	f.requireNoLeftovers(t)
}

func TestCheckSizeDefaultLimit(t *testing.T) {
	limit := config.DefaultMaxUploadBytes
	require.EqualValues(t, 104857600, limit)

	tests := []struct {
		name string
		size int64
		kind Kind
		msg  string
	}{
		{name: "empty", size: 0, kind: KindEmptyFile, msg: "File is empty"},
		{name: "one byte", size: 1},
		{name: "exact limit", size: limit},
		{name: "one over", size: limit + 1, kind: KindFileTooLarge, msg: "File too large (max 100MB)"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := checkSize(tc.size, limit)
			if tc.kind == KindUnknown {
				require.NoError(t, err)
				return
			}
			requireKind(t, err, tc.kind, tc.msg)
		})
	}
}

func TestTranscribeInvalidAudioNeverInvokesModel(t *testing.T) {
	f := newFixture(t, 1024)
	f.validator.err = errors.New("Invalid data found when processing input")

	_, err := f.svc.Transcribe(context.Background(), upload("notes.txt", []byte("plain text")))
	requireKind(t, err, KindInvalidAudio, "Invalid audio file")
	require.Equal(t, http.StatusBadRequest, KindOf(err).Status())
	require.True(t, f.validator.existing)
	require.Zero(t, f.model.calls.Load())
	f.requireNoLeftovers(t)
}

func TestTranscribeSilenceAndUnknownLanguage(t *testing.T) {
	f := newFixture(t, 1024)
	f.model.result = models.Transcription{Text: "  \n ", Language: ""}

	resp, err := f.svc.Transcribe(context.Background(), upload("silence.wav", []byte("RIFF")))
	require.NoError(t, err)
	require.Equal(t, NoSpeechText, resp.Text)
	require.Equal(t, UnknownLanguage, resp.Language)
	require.Equal(t, []string{"base:no_speech"}, f.recorder.outcomes)
	f.requireNoLeftovers(t)
}

func TestTranscribeModelFailure(t *testing.T) {
	f := newFixture(t, 1024)
	f.model.err = errors.New("CUDA out of memory")

	_, err := f.svc.Transcribe(context.Background(), upload("clip.wav", []byte("RIFF")))
	requireKind(t, err, KindTranscriptionFailed, "Transcription failed: CUDA out of memory")
	require.Equal(t, http.StatusInternalServerError, KindOf(err).Status())
	require.Equal(t, []string{"base:error"}, f.recorder.outcomes)
	require.Equal(t, []string{"transcription_failed"}, f.recorder.rejections)
	f.requireNoLeftovers(t)
}

func TestTranscribeModelPanicIsContained(t *testing.T) {
	f := newFixture(t, 1024)
	f.model.panics = true

	_, err := f.svc.Transcribe(context.Background(), upload("clip.wav", []byte("RIFF")))
	requireKind(t, err, KindTranscriptionFailed, "Transcription failed: model panicked: tensor shape mismatch")
	f.requireNoLeftovers(t)
}

func TestTranscribeIgnoresCancellationOnceStarted(t *testing.T) {
	f := newFixture(t, 1024)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.validator.onCall = cancel

	resp, err := f.svc.Transcribe(ctx, upload("clip.wav", []byte("RIFF")))
	require.NoError(t, err)
	require.Equal(t, "Hello world.", resp.Text)
	require.NoError(t, f.model.ctxErr)
	f.requireNoLeftovers(t)
}

func wavBytes(t *testing.T, samples int) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tone.wav")
	out, err := os.Create(path)
	require.NoError(t, err)
	enc := wav.NewEncoder(out, 16000, 16, 1, 1)
	data := make([]int, samples)
	for i := range data {
		data[i] = (i % 80) * 200
	}
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Data:           data,
		Format:         &audio.Format{NumChannels: 1, SampleRate: 16000},
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
	require.NoError(t, out.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	return raw
}

func TestTranscribeWithWAVDecodeGate(t *testing.T) {
	dir := t.TempDir()
	model := &fakeModel{result: models.Transcription{Text: "testing", Language: "en"}}
	svc := NewService(&fakeSource{model: model}, &media.WAV{}, config.UploadConfig{
		MaxBytes:   config.DefaultMaxUploadBytes,
		TempDir:    dir,
		TempSuffix: ".audio",
	})

	resp, err := svc.Transcribe(context.Background(), upload("tone.wav", wavBytes(t, 8000)))
	require.NoError(t, err)
	require.Equal(t, "testing", resp.Text)

	_, err = svc.Transcribe(context.Background(), upload("notes.txt", []byte("definitely not a wav file")))
	requireKind(t, err, KindInvalidAudio, "Invalid audio file")
	require.EqualValues(t, 1, model.calls.Load())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("handler: %w", newError(KindInvalidAudio, "Invalid audio file", nil))
	require.ErrorIs(t, err, &Error{Kind: KindInvalidAudio})
	require.NotErrorIs(t, err, &Error{Kind: KindEmptyFile})
	require.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	require.Equal(t, "invalid_audio", KindInvalidAudio.String())
}
