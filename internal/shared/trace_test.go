package shared

import (
	"context"
	"testing"
)

func TestCorrelationIDDefault(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "-" {
		t.Errorf("CorrelationID(empty ctx) = %q, want \"-\"", got)
	}
}

func TestCorrelationIDRoundTrip(t *testing.T) {
	id := NewCorrelationID()
	ctx := WithCorrelationID(context.Background(), id)
	if got := CorrelationID(ctx); got != id {
		t.Errorf("CorrelationID = %q, want %q", got, id)
	}
}

func TestActorAndQuoteID(t *testing.T) {
	ctx := WithActorID(context.Background(), "worker-7")
	ctx = WithQuoteID(ctx, "q-123")
	if got := ActorID(ctx); got != "worker-7" {
		t.Errorf("ActorID = %q", got)
	}
	if got := QuoteID(ctx); got != "q-123" {
		t.Errorf("QuoteID = %q", got)
	}
	if got := ActorID(context.Background()); got != "" {
		t.Errorf("ActorID(empty) = %q, want empty", got)
	}
}
