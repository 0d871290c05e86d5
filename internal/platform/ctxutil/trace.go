package ctxutil

import "context"

type traceDataKey struct{}

// TraceData identifies the request that caused some work. Jobs copy it into their payload
// so a reply streamed minutes later still logs the originating ids.
type TraceData struct {
	TraceID   string
	RequestID string
}

func WithTraceData(ctx context.Context, td *TraceData) context.Context {
	return context.WithValue(Default(ctx), traceDataKey{}, td)
}

func GetTraceData(ctx context.Context) *TraceData {
	return lookup[*TraceData](ctx, traceDataKey{})
}

// Default returns context.Background() when ctx is nil.
func Default(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func lookup[T any](ctx context.Context, key any) T {
	var zero T
	if ctx == nil {
		return zero
	}
	v, _ := ctx.Value(key).(T)
	return v
}
