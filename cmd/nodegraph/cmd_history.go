package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/nodegraph-go/graph"
)

var historyFlags struct {
	limit int
	json  bool
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List archived executions, newest first",
	Long: `List executions archived in the configured store. With the memory
store only runs of the current process are visible; use sqlite, mysql or
badger to keep history across invocations.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEngine(cmd, func(ctx context.Context, e *graph.Engine) error {
			snaps, err := e.History(ctx, historyFlags.limit)
			if err != nil {
				return err
			}
			if historyFlags.json {
				return writeJSON(cmd.OutOrStdout(), snaps)
			}
			return printHistory(cmd.OutOrStdout(), snaps)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <execution-id>",
	Short: "Show the snapshot of an archived execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *graph.Engine) error {
			snap, err := e.GetExecutionStatus(ctx, args[0])
			if errors.Is(err, graph.ErrExecutionNotFound) {
				return fmt.Errorf("execution %s not found in %s store", args[0], cfg.Store.Driver)
			}
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), snap)
		})
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyFlags.limit, "limit", "n", graph.DefaultHistoryLimit, "Maximum number of executions")
	historyCmd.Flags().BoolVar(&historyFlags.json, "json", false, "Print snapshots as JSON")
}

func withEngine(cmd *cobra.Command, fn func(context.Context, *graph.Engine) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.close(context.Background())
	return fn(ctx, a.engine)
}

func printHistory(w io.Writer, snaps []graph.ExecutionSnapshot) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "EXECUTION\tWORKFLOW\tSTATUS\tSTARTED\tDURATION\tERRORS")
	for _, s := range snaps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n",
			s.ExecutionID,
			s.WorkflowID,
			s.Status,
			s.StartTime.Format(time.RFC3339),
			(time.Duration(s.DurationMs) * time.Millisecond).String(),
			len(s.Errors))
	}
	return tw.Flush()
}
