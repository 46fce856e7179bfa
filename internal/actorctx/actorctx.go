// Package actorctx carries a resolution attempt's correlation ID through
// a context.Context, for code paths below the Scheduler that only have
// ctx to work with (queue task closures, otel span processors). Grounded
// on the teacher's internal/actorctx request-scoped-value shape,
// generalized from a user identity to a correlation ID.
package actorctx

import "context"

type correlationIDKey struct{}

// WithCorrelationID attaches id to ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationIDFrom reads back the id attached by WithCorrelationID.
func CorrelationIDFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(correlationIDKey{}).(string)
	return v, ok && v != ""
}
