package logging

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Span represents one client operation (a command, a poll tick, a lookup).
type Span struct {
	name   string
	logger *slog.Logger
	start  time.Time
}

// StartSpan derives a child span from ctx. The span's logger carries the
// trace and span ids plus attrs, given as slog key/value pairs.
func StartSpan(ctx context.Context, name string, attrs ...any) (context.Context, *Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	logger := FromContext(ctx)

	traceID := TraceIDFromContext(ctx)
	if traceID == "" {
		traceID = uuid.NewString()
		ctx = WithTraceID(ctx, traceID)
		logger = logger.With(slog.String("trace_id", traceID))
	}

	parentSpanID := SpanIDFromContext(ctx)
	spanID := uuid.NewString()

	logger = logger.With(
		slog.String("span_id", spanID),
		slog.String("span_name", name),
	)
	if parentSpanID != "" {
		logger = logger.With(slog.String("parent_span_id", parentSpanID))
	}
	if len(attrs) > 0 {
		logger = logger.With(attrs...)
	}

	ctx = WithLogger(ctx, logger)
	ctx = WithSpanID(ctx, spanID)

	return ctx, &Span{name: name, logger: logger, start: time.Now()}
}

// End logs completion at debug level. attrs describe the outcome.
func (s *Span) End(attrs ...any) {
	if s == nil {
		return
	}
	s.logger.Debug("span completed", append([]any{slog.Duration("duration", time.Since(s.start))}, attrs...)...)
}

// Fail records the error that ended the span.
func (s *Span) Fail(err error) {
	if s == nil || err == nil {
		return
	}
	s.logger.Warn("span failed", slog.Duration("duration", time.Since(s.start)), "error", err)
}
