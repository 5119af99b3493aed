package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/dshills/nodegraph-go/graph"
	"github.com/dshills/nodegraph-go/graph/loader"
)

var runFlags struct {
	input       string
	inputFile   string
	executionID string
	snapshot    bool
	costs       bool
	watch       bool
}

var runCmd = &cobra.Command{
	Use:   "run <workflow>",
	Short: "Execute a workflow file (.json, .yaml, .hcl)",
	Long: `Execute a workflow and print its result as JSON.

Input variables are passed with --input as a JSON object or read from
--input-file. Ctrl-C stops the run; nodes already running are asked to
cancel and the partial result is printed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runWorkflow(ctx, cmd.OutOrStdout(), args[0])
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runFlags.input, "input", "i", "", "Input variables as a JSON object")
	f.StringVar(&runFlags.inputFile, "input-file", "", "Read input variables from a JSON file")
	f.StringVar(&runFlags.executionID, "execution-id", "", "Use this execution id instead of a generated one")
	f.BoolVar(&runFlags.snapshot, "snapshot", false, "Print the full execution snapshot instead of the result")
	f.BoolVar(&runFlags.costs, "costs", false, "Print LLM token usage and cost after the run")
	f.BoolVar(&runFlags.watch, "watch-plugins", false, "Hot-reload plugins while the run is in progress")
}

func runWorkflow(ctx context.Context, out io.Writer, path string) error {
	def, err := loader.LoadFile(path)
	if err != nil {
		return err
	}
	input, err := readInput(runFlags.input, runFlags.inputFile)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, appOptions{hotReload: runFlags.watch, serveMetrics: true})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.close(sctx)
	}()

	workflowID := def.ID
	if workflowID == "" {
		workflowID = path
	}
	res, runErr := a.engine.ExecuteWorkflow(ctx, workflowID, def, input, graph.ExecuteOptions{
		ExecutionID: runFlags.executionID,
	})
	if res == nil {
		return runErr
	}

	var payload any = res.Result
	if runFlags.snapshot {
		payload = res.Snapshot
	}
	if err := writeJSON(out, payload); err != nil {
		return err
	}
	a.logger.Info("execution finished",
		"execution_id", res.ExecutionID,
		"status", res.Status,
		"duration", res.Duration)

	if runFlags.costs {
		in, outTok := a.costs.TokenUsage()
		fmt.Fprintf(out, "tokens: %d in, %d out; cost: $%.6f\n", in, outTok, a.costs.TotalCost())
	}
	return runErr
}

// readInput decodes the run's input variables. The inline flag wins over
// the file.
func readInput(inline, file string) (map[string]any, error) {
	var data []byte
	switch {
	case inline != "":
		data = []byte(inline)
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read input: %w", err)
		}
		data = b
	default:
		return map[string]any{}, nil
	}
	var input map[string]any
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("input must be a JSON object: %w", err)
	}
	if input == nil {
		input = map[string]any{}
	}
	return input, nil
}

func writeJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
