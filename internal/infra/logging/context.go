package logging

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey int

const (
	traceIDKey ctxKey = iota
	sessionIDKey
)

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

func WithSessID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

func TraceID(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}

// With returns base enriched with the trace_id and session_id found in ctx.
func With(ctx context.Context, base *zerolog.Logger) *zerolog.Logger {
	lc := base.With()
	if v := TraceID(ctx); v != "" {
		lc = lc.Str("trace_id", v)
	}
	if v, _ := ctx.Value(sessionIDKey).(string); v != "" {
		lc = lc.Str("session_id", v)
	}
	l := lc.Logger()
	return &l
}
