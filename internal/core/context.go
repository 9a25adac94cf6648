package core

import "context"

type requestIDKey struct{}

// WithRequestID tags ctx with the caller's request id. The id ends up in
// the event envelope and the event log.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}
