package orchestrator

import "context"

type correlationKey struct{}

// WithCorrelationID returns a context carrying the cycle's correlation id so
// collaborators behind the Perceiver, Predictor and Executor interfaces can
// propagate it.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id stored by WithCorrelationID, or "".
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
