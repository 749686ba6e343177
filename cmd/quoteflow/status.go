package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/mattn/go-isatty"
)

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: quoteflow status <quote-id>")
		return 2
	}
	quoteID := args[0]

	eng, cleanup, err := openEngine()
	if err != nil {
		fmt.Fprintf(os.Stderr, "open engine: %v\n", err)
		return 1
	}
	defer cleanup()

	views, err := eng.QuoteStatus(ctx, quoteID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	if len(views) == 0 {
		fmt.Fprintf(os.Stderr, "no tasks for quote %q\n", quoteID)
		return 1
	}

	// Humans get a table, pipes get JSON.
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		out, _ := json.MarshalIndent(views, "", "  ")
		fmt.Println(string(out))
		return 0
	}

	tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tOPERATION\tSTATE\tRETRIES\tUPDATED\tLAST ERROR")
	for _, v := range views {
		lastErr := v.LastError
		if len(lastErr) > 60 {
			lastErr = lastErr[:60] + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			v.TaskID, v.OperationKind, v.State, v.RetryCount,
			v.UpdatedAt.Format("2006-01-02 15:04:05"), lastErr)
	}
	tw.Flush()
	return 0
}
