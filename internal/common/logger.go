package common

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

func NewLogger(service string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	level := zerolog.InfoLevel
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		level = lvl
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", service).Logger()
}

// WithContext adds the trace and span ids from ctx, when present.
func WithContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if ctx == nil {
		return logger
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() && !sc.HasSpanID() {
		return logger
	}
	lc := logger.With()
	if sc.HasTraceID() {
		lc = lc.Str("trace_id", sc.TraceID().String())
	}
	if sc.HasSpanID() {
		lc = lc.Str("span_id", sc.SpanID().String())
	}
	return lc.Logger()
}
