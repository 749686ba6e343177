package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/basket/quoteflow/internal/shared"
)

func runSweepCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: quoteflow sweep")
		return 2
	}

	eng, cleanup, err := openEngine()
	if err != nil {
		fmt.Fprintf(os.Stderr, "open engine: %v\n", err)
		return 1
	}
	defer cleanup()

	ctx = shared.WithCorrelationID(ctx, shared.NewCorrelationID())
	ctx = shared.WithActorID(ctx, "sweeper-cli")
	report, err := eng.RecoverStale(ctx, time.Now().UTC())
	if err != nil {
		fmt.Fprintf(os.Stderr, "sweep: %v\n", err)
		return 1
	}

	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))
	return 0
}

func runCountsCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: quoteflow counts")
		return 2
	}

	eng, cleanup, err := openEngine()
	if err != nil {
		fmt.Fprintf(os.Stderr, "open engine: %v\n", err)
		return 1
	}
	defer cleanup()

	counts, err := eng.MetricsCounts(ctx, time.Now().UTC())
	if err != nil {
		fmt.Fprintf(os.Stderr, "counts: %v\n", err)
		return 1
	}

	out, _ := json.MarshalIndent(counts, "", "  ")
	fmt.Println(string(out))
	return 0
}
