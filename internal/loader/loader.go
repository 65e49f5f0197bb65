package loader

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ncecere/transcribe_gateway/internal/providers"
)

// ErrModelUnavailable is returned when no configured variant could be loaded.
var ErrModelUnavailable = errors.New("could not load any Whisper model")

// Recorder receives one event per load attempt.
type Recorder interface {
	RecordModelLoad(backend, variant string, success bool)
}

// Status describes the loader state for health reporting.
type Status struct {
	Loaded  bool
	Variant string
}

// Loader owns the process-wide model handle. The handle is absent until a load succeeds and
// is never unloaded afterwards.
type Loader struct {
	provider providers.Provider
	variants []string
	log      *zap.Logger
	recorder Recorder

	handle atomic.Pointer[handle]
	group  singleflight.Group
}

type handle struct {
	model providers.Model
}

type Option func(*Loader)

func WithLogger(log *zap.Logger) Option {
	return func(l *Loader) {
		if log != nil {
			l.log = log
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(l *Loader) {
		l.recorder = r
	}
}

// New constructs a loader that tries variants in the given order.
func New(provider providers.Provider, variants []string, opts ...Option) *Loader {
	l := &Loader{
		provider: provider,
		variants: append([]string(nil), variants...),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Variants returns the configured preference order.
func (l *Loader) Variants() []string {
	return append([]string(nil), l.variants...)
}

// Current returns the loaded model or nil.
func (l *Loader) Current() providers.Model {
	h := l.handle.Load()
	if h == nil {
		return nil
	}
	return h.model
}

func (l *Loader) Status() Status {
	m := l.Current()
	if m == nil {
		return Status{}
	}
	return Status{Loaded: true, Variant: m.Variant()}
}

// Ensure returns the loaded model, loading it first when absent. Concurrent callers share
// a single load attempt, which is detached from the caller's cancellation.
func (l *Loader) Ensure(ctx context.Context) (providers.Model, error) {
	if m := l.Current(); m != nil {
		return m, nil
	}
	v, err, _ := l.group.Do("load", func() (interface{}, error) {
		if m := l.Current(); m != nil {
			return m, nil
		}
		return l.Load(context.WithoutCancel(ctx))
	})
	if err != nil {
		return nil, err
	}
	return v.(providers.Model), nil
}

// Load tries every variant in order and stores the first success. Failures of individual
// variants are logged and never returned unless all of them fail.
func (l *Loader) Load(ctx context.Context) (providers.Model, error) {
	if l.provider.Load == nil {
		return nil, fmt.Errorf("%w: no model backend configured", ErrModelUnavailable)
	}
	if len(l.variants) == 0 {
		return nil, fmt.Errorf("%w: no variants configured", ErrModelUnavailable)
	}

	log := l.log.With(zap.String("backend", l.provider.Name))
	log.Info("loading model", zap.Strings("variants", l.variants))

	var errs []error
	for _, variant := range l.variants {
		log.Info("trying model variant", zap.String("variant", variant))
		model, err := l.provider.Load(ctx, variant)
		if err == nil && model == nil {
			err = errors.New("backend returned no model")
		}
		if err != nil {
			l.record(variant, false)
			log.Warn("failed to load model variant", zap.String("variant", variant), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", variant, err))
			if ctxErr := ctx.Err(); ctxErr != nil {
				errs = append(errs, ctxErr)
				break
			}
			continue
		}
		l.record(variant, true)
		l.handle.Store(&handle{model: model})
		log.Info("loaded model variant", zap.String("variant", model.Variant()))
		return model, nil
	}

	err := fmt.Errorf("%w: %w", ErrModelUnavailable, errors.Join(errs...))
	log.Error("error loading model", zap.Error(err))
	return nil, err
}

func (l *Loader) record(variant string, success bool) {
	if l.recorder != nil {
		l.recorder.RecordModelLoad(l.provider.Name, variant, success)
	}
}
