package engine

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/basket/quoteflow/internal/persistence"
)

// Sentinel errors of the engine surface. Persistence sentinels pass through
// unwrapped so errors.Is works across layers.
var (
	ErrInvalidRequest = errors.New("invalid request")

	ErrTaskNotFound        = persistence.ErrTaskNotFound
	ErrIdempotencyConflict = persistence.ErrIdempotencyConflict
)

// StoreError wraps a persistence failure. The engine fails closed on these:
// no state was changed and the caller may retry the whole call.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func validateEnqueue(req EnqueueRequest) error {
	if req.QuoteID == "" {
		return fmt.Errorf("%w: quote_id is required", ErrInvalidRequest)
	}
	if req.OperationKind == "" {
		return fmt.Errorf("%w: operation_kind is required", ErrInvalidRequest)
	}
	if req.OperationKey == "" {
		return fmt.Errorf("%w: operation_key is required", ErrInvalidRequest)
	}
	if len(req.Payload) == 0 {
		return fmt.Errorf("%w: payload is required", ErrInvalidRequest)
	}
	if !json.Valid(req.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidRequest)
	}
	return nil
}
