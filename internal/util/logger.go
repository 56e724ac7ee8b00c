package util

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

// LoggerOptions selects the encoder and level of the process logger.
type LoggerOptions struct {
	Env   string
	Level string
}

// InitLogger builds the process logger. Production emits sampled JSON; every
// other env emits colored console output. An empty or unknown Level keeps the
// env default (info in production, debug elsewhere).
func InitLogger(opts LoggerOptions) error {
	var cfg zap.Config
	if opts.Env == "production" {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if level := strings.TrimSpace(opts.Level); level != "" {
		if lvl, err := zapcore.ParseLevel(level); err == nil {
			cfg.Level = zap.NewAtomicLevelAt(lvl)
		}
	}

	built, err := cfg.Build(zap.Fields(
		zap.String("service", ServiceName),
		zap.String("env", opts.Env),
	))
	if err != nil {
		return err
	}
	SetLogger(built)
	return nil
}

// SetLogger swaps the global logger. Tests use it to install zap.NewNop().
func SetLogger(l *zap.Logger) {
	logger = l
	zap.ReplaceGlobals(l)
}

func GetLogger() *zap.Logger {
	if logger == nil {
		logger, _ = zap.NewDevelopment()
	}
	return logger
}

// WithTrace tags l with the trace and span ids of the span in ctx, so log lines
// from a saga step or a consumed event can be found from its Jaeger trace.
func WithTrace(ctx context.Context, l *zap.Logger) *zap.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return l
	}
	return l.With(
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()))
}

// SyncLogger flushes any buffered log entries
func SyncLogger() {
	if logger != nil {
		_ = logger.Sync()
	}
}
