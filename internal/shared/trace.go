package shared

import (
	"context"

	"github.com/google/uuid"
)

type correlationKey struct{}
type actorKey struct{}
type quoteIDKey struct{}

// WithCorrelationID attaches a correlation_id to the context. Every audit
// event written while this context is live carries the id.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationKey{}, correlationID)
}

// CorrelationID extracts correlation_id from context. Returns "-" if absent.
func CorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(correlationKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewCorrelationID generates a new correlation_id.
func NewCorrelationID() string {
	return uuid.NewString()
}

// WithActorID attaches an actor_id (worker id, sweeper id, or operator id)
// to the context.
func WithActorID(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

// ActorID extracts actor_id from context. Returns "" if absent.
func ActorID(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok {
		return v
	}
	return ""
}

// WithQuoteID attaches a quote_id to the context for log enrichment.
func WithQuoteID(ctx context.Context, quoteID string) context.Context {
	return context.WithValue(ctx, quoteIDKey{}, quoteID)
}

// QuoteID extracts quote_id from context. Returns "" if absent.
func QuoteID(ctx context.Context) string {
	if v, ok := ctx.Value(quoteIDKey{}).(string); ok {
		return v
	}
	return ""
}
