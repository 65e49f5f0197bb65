package logging

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Unknown levels fall back to INFO with a warning.
func New(level string) *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	logLevel, levelErr := zapcore.ParseLevel(level)
	if levelErr != nil {
		logLevel = zapcore.InfoLevel
	}

	log := zap.New(zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.Lock(os.Stdout),
		logLevel,
	)).Named("transcribe")

	if levelErr != nil && level != "" {
		log.With(zap.String("log_level", level)).Warn("unable to parse log level, using INFO")
	}
	return log
}

type logKeyType struct{}

// With returns a context carrying fields that FromContext attaches to loggers.
func With(ctx context.Context, fields ...zap.Field) context.Context {
	old := fieldsFromContext(ctx)
	merged := make([]zap.Field, 0, len(old)+len(fields))
	merged = append(merged, old...)
	merged = append(merged, fields...)
	return context.WithValue(ctx, logKeyType{}, merged)
}

// FromContext decorates parent with the fields stored in ctx.
func FromContext(ctx context.Context, parent *zap.Logger) *zap.Logger {
	if parent == nil {
		parent = zap.NewNop()
	}
	return parent.With(fieldsFromContext(ctx)...)
}

func fieldsFromContext(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields, ok := ctx.Value(logKeyType{}).([]zap.Field)
	if !ok {
		return nil
	}
	return fields
}
