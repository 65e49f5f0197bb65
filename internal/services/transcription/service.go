package transcription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ncecere/transcribe_gateway/internal/config"
	"github.com/ncecere/transcribe_gateway/internal/loader"
	"github.com/ncecere/transcribe_gateway/internal/logging"
	"github.com/ncecere/transcribe_gateway/internal/media"
	"github.com/ncecere/transcribe_gateway/internal/models"
	"github.com/ncecere/transcribe_gateway/internal/providers"
	"github.com/ncecere/transcribe_gateway/internal/scratch"
)

const (
	NoSpeechText    = "No speech detected in audio"
	UnknownLanguage = "unknown"
)

const (
	OutcomeSuccess  = "success"
	OutcomeNoSpeech = "no_speech"
	OutcomeError    = "error"
)

// modelUnavailableCause is reported to clients when every configured variant failed to load.
const modelUnavailableCause = "Could not load any Whisper model"

// Upload is one file received from a client. When both File and Open are nil the form field
// was absent. Open, if set, is called only after the model is available and its stream is
// closed before Transcribe returns.
type Upload struct {
	Filename    string
	ContentType string
	File        io.ReadSeeker
	Open        func() (io.ReadSeekCloser, error)
}

// ModelSource hands out the shared model, loading it on first use.
type ModelSource interface {
	Ensure(ctx context.Context) (providers.Model, error)
}

// Recorder receives per-request outcomes for metrics.
type Recorder interface {
	RecordUploadRejection(kind string)
	RecordTranscription(variant, outcome string, duration time.Duration)
}

// Service validates uploads, stages them on disk and runs them through the model.
type Service struct {
	source    ModelSource
	validator media.Validator
	cfg       config.UploadConfig
	log       *zap.Logger
	recorder  Recorder
}

type Option func(*Service)

func WithLogger(log *zap.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		s.recorder = r
	}
}

func NewService(source ModelSource, validator media.Validator, cfg config.UploadConfig, opts ...Option) *Service {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = config.DefaultMaxUploadBytes
	}
	s := &Service{
		source:    source,
		validator: validator,
		cfg:       cfg,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Transcribe runs the full upload pipeline. Every failure is an *Error. The staged file, if
// any, is removed before Transcribe returns.
func (s *Service) Transcribe(ctx context.Context, up *Upload) (models.TranscriptionResponse, error) {
	resp, err := s.transcribe(ctx, up)
	if err != nil {
		var terr *Error
		if !errors.As(err, &terr) {
			logging.FromContext(ctx, s.log).Error("upload processing failed", zap.Error(err))
			terr = newError(KindTranscriptionFailed, "Transcription failed: "+err.Error(), err)
		}
		if s.recorder != nil {
			s.recorder.RecordUploadRejection(terr.Kind.String())
		}
		return models.TranscriptionResponse{}, terr
	}
	return resp, nil
}

func (s *Service) transcribe(ctx context.Context, up *Upload) (models.TranscriptionResponse, error) {
	model, err := s.source.Ensure(ctx)
	if err != nil {
		return models.TranscriptionResponse{}, newError(KindModelUnavailable, "Model not available: "+loadCause(err), err)
	}

	if up == nil || (up.File == nil && up.Open == nil) {
		return models.TranscriptionResponse{}, newError(KindMissingFile, "No file provided", nil)
	}
	if up.Filename == "" {
		return models.TranscriptionResponse{}, newError(KindNoFileSelected, "No file selected", nil)
	}

	body := up.File
	if up.Open != nil {
		rc, err := up.Open()
		if err != nil {
			return models.TranscriptionResponse{}, fmt.Errorf("open upload: %w", err)
		}
		defer rc.Close()
		body = rc
	}

	size, err := sizeOf(body)
	if err != nil {
		return models.TranscriptionResponse{}, fmt.Errorf("determine upload size: %w", err)
	}
	if err := checkSize(size, s.cfg.MaxBytes); err != nil {
		return models.TranscriptionResponse{}, err
	}

	ctx = logging.With(ctx, zap.String("filename", up.Filename), zap.Int64("size_bytes", size))
	log := logging.FromContext(ctx, s.log)

	staged, err := scratch.Stage(ctx, s.cfg.TempDir, s.cfg.TempSuffix, body, size)
	if err != nil {
		return models.TranscriptionResponse{}, fmt.Errorf("stage upload: %w", err)
	}
	defer func() {
		if err := staged.Release(); err != nil {
			log.Warn("failed to delete temporary file", zap.String("path", staged.Path()), zap.Error(err))
		}
	}()

	info, err := s.validator.Validate(ctx, staged.Path())
	if err != nil {
		log.Info("rejected upload that does not decode as audio", zap.Error(err))
		return models.TranscriptionResponse{}, newError(KindInvalidAudio, "Invalid audio file", err)
	}

	log.Info("transcribing file",
		zap.String("variant", model.Variant()),
		zap.String("format", info.Format),
		zap.Duration("audio_duration", info.Duration),
	)

	// Inference is not interrupted once started, even if the client goes away.
	opts := models.DefaultTranscribeOptions()
	opts.Filename = up.Filename
	opts.ContentType = up.ContentType
	start := time.Now()
	result, err := invoke(context.WithoutCancel(ctx), model, staged.Path(), opts)
	elapsed := time.Since(start)
	if err != nil {
		s.recordTranscription(model.Variant(), OutcomeError, elapsed)
		log.Error("transcription failed", zap.Error(err))
		return models.TranscriptionResponse{}, newError(KindTranscriptionFailed, "Transcription failed: "+err.Error(), err)
	}

	resp := normalize(result)
	outcome := OutcomeSuccess
	if resp.Text == NoSpeechText {
		outcome = OutcomeNoSpeech
	}
	s.recordTranscription(model.Variant(), outcome, elapsed)
	log.Info("transcription complete",
		zap.String("language", resp.Language),
		zap.Int("text_length", len(resp.Text)),
		zap.Duration("elapsed", elapsed),
	)
	return resp, nil
}

func invoke(ctx context.Context, model providers.Model, path string, opts models.TranscribeOptions) (result models.Transcription, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("model panicked: %v", r)
		}
	}()
	return model.Transcribe(ctx, path, opts)
}

func (s *Service) recordTranscription(variant, outcome string, d time.Duration) {
	if s.recorder != nil {
		s.recorder.RecordTranscription(variant, outcome, d)
	}
}

func normalize(result models.Transcription) models.TranscriptionResponse {
	text := strings.TrimSpace(result.Text)
	if text == "" {
		text = NoSpeechText
	}
	language := strings.TrimSpace(result.Language)
	if language == "" {
		language = UnknownLanguage
	}
	return models.TranscriptionResponse{Text: text, Language: language}
}

// sizeOf measures the stream by seeking to its end and rewinds it.
func sizeOf(r io.Seeker) (int64, error) {
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	return size, nil
}

// checkSize enforces 0 < size <= max.
func checkSize(size, max int64) error {
	if size == 0 {
		return newError(KindEmptyFile, "File is empty", nil)
	}
	if size > max {
		return newError(KindFileTooLarge, TooLargeMessage(max), nil)
	}
	return nil
}

// TooLargeMessage is the client-facing text for an upload above max bytes.
func TooLargeMessage(max int64) string {
	return fmt.Sprintf("File too large (max %s)", formatLimit(max))
}

func formatLimit(n int64) string {
	const mb = 1024 * 1024
	if n%mb == 0 {
		return fmt.Sprintf("%dMB", n/mb)
	}
	return fmt.Sprintf("%d bytes", n)
}

func loadCause(err error) string {
	if errors.Is(err, loader.ErrModelUnavailable) {
		return modelUnavailableCause
	}
	return err.Error()
}
