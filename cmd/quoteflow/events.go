package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/quoteflow/internal/persistence"
)

func runEventsCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	taskID := fs.String("task", "", "list the audit trail of one task")
	quoteID := fs.String("quote", "", "list the audit trail of every task in a quote")
	since := fs.Duration("since", 0, "list events from the last duration (e.g. 1h)")
	limit := fs.Int("limit", 200, "cap window queries (ignored for -task/-quote)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 || (*taskID == "" && *quoteID == "" && *since == 0) {
		fmt.Fprintln(os.Stderr, "usage: quoteflow events -task <id> | -quote <id> | -since <duration> [-limit <n>]")
		return 2
	}

	eng, cleanup, err := openEngine()
	if err != nil {
		fmt.Fprintf(os.Stderr, "open engine: %v\n", err)
		return 1
	}
	defer cleanup()
	store := eng.Store()

	var events []persistence.TransitionEvent
	switch {
	case *taskID != "":
		events, err = store.ListEventsByTask(ctx, *taskID)
	case *quoteID != "":
		events, err = store.ListEventsByQuote(ctx, *quoteID)
	default:
		now := time.Now().UTC()
		events, err = store.ListEventsByWindow(ctx, now.Add(-*since), now, *limit)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "events: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
	}
	return 0
}
