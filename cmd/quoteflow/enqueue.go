package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/basket/quoteflow/internal/config"
	"github.com/basket/quoteflow/internal/engine"
	"github.com/basket/quoteflow/internal/persistence"
	"github.com/basket/quoteflow/internal/request"
	"github.com/basket/quoteflow/internal/shared"
)

// taskEnvelope is the JSON shape accepted by `quoteflow enqueue`.
type taskEnvelope struct {
	QuoteID       string          `json:"quote_id"`
	OperationKind string          `json:"operation_kind"`
	OperationKey  string          `json:"operation_key"`
	Payload       json.RawMessage `json:"payload"`
	MaxRetries    int             `json:"max_retries,omitempty"`
}

func runEnqueueCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	file := fs.String("file", "", "read the task envelope from this file instead of stdin")
	maxRetries := fs.Int("max-retries", 0, "override the envelope's retry budget")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: quoteflow enqueue [-file <path>] [-max-retries <n>]")
		return 2
	}

	raw, err := readEnvelope(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read envelope: %v\n", err)
		return 1
	}

	validator, err := request.NewValidator()
	if err != nil {
		fmt.Fprintf(os.Stderr, "validator: %v\n", err)
		return 1
	}
	if _, err := validator.Validate(raw); err != nil {
		fmt.Fprintf(os.Stderr, "invalid envelope: %v\n", err)
		return 2
	}

	var env taskEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		fmt.Fprintf(os.Stderr, "parse envelope: %v\n", err)
		return 2
	}
	if *maxRetries > 0 {
		env.MaxRetries = *maxRetries
	}

	eng, cleanup, err := openEngine()
	if err != nil {
		fmt.Fprintf(os.Stderr, "open engine: %v\n", err)
		return 1
	}
	defer cleanup()

	ctx = shared.WithCorrelationID(ctx, shared.NewCorrelationID())
	resp, err := eng.Enqueue(ctx, engine.EnqueueRequest{
		QuoteID:       env.QuoteID,
		OperationKind: env.OperationKind,
		OperationKey:  env.OperationKey,
		Payload:       env.Payload,
		MaxRetries:    env.MaxRetries,
	})
	if err != nil {
		if errors.Is(err, persistence.ErrIdempotencyConflict) {
			fmt.Fprintf(os.Stderr, "conflict: operation key %q was already used for a different task\n", env.OperationKey)
			return 1
		}
		fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
		return 1
	}

	out, _ := json.MarshalIndent(resp, "", "  ")
	fmt.Println(string(out))
	return 0
}

func readEnvelope(path string) ([]byte, error) {
	if path != "" {
		return os.ReadFile(path)
	}
	return io.ReadAll(io.LimitReader(os.Stdin, 1<<20))
}

// openEngine builds a store-backed engine for one-shot subcommands. No bus,
// metrics, or workers: subcommands only need the persistence operations.
func openEngine() (*engine.Engine, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	eng := engine.New(store, nil, nil, nil, nil, engine.Tuning{
		ClaimTimeout:      cfg.ClaimTimeout(),
		DefaultMaxRetries: cfg.DefaultMaxRetries,
		Policy:            cfg.RetryPolicy(),
	})
	return eng, func() { store.Close() }, nil
}
