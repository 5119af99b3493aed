package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/nodegraph-go/graph"
	"github.com/dshills/nodegraph-go/graph/loader"
	"github.com/dshills/nodegraph-go/graph/nodes"
	"github.com/dshills/nodegraph-go/graph/plugin"
	"github.com/dshills/nodegraph-go/graph/registry"
	"github.com/dshills/nodegraph-go/internal/logging"
)

var validateCmd = &cobra.Command{
	Use:   "validate <workflow>...",
	Short: "Check workflow files without running them",
	Long: `Parse each workflow and check it against the registered node types:
unique node ids, known types, connections between existing nodes and an
acyclic graph. Every file is checked; the command fails if any is invalid.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, pl, err := openCatalog(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = pl.Close(context.Background()) }()

		out := cmd.OutOrStdout()
		invalid := 0
		for _, path := range args {
			if err := validateFile(path, reg); err != nil {
				invalid++
				fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
				continue
			}
			fmt.Fprintf(out, "ok   %s\n", path)
		}
		if invalid > 0 {
			return fmt.Errorf("%d of %d workflows invalid", invalid, len(args))
		}
		return nil
	},
}

func validateFile(path string, reg *registry.Registry) error {
	def, err := loader.LoadFile(path)
	if err != nil {
		return err
	}
	return graph.Validate(def, reg)
}

// openCatalog builds a registry of built-in and plugin node types for the
// commands that inspect workflows or types without executing anything.
func openCatalog(ctx context.Context) (*registry.Registry, *plugin.Loader, error) {
	reg := registry.New(logging.New("registry"))
	if err := nodes.RegisterBuiltins(reg, nodes.Config{Models: providers()}); err != nil {
		return nil, nil, err
	}
	pl := plugin.NewLoader(cfg.Plugins.Dir, reg, plugin.WithLogger(logging.New("plugins")))
	if _, err := pl.LoadPlugins(ctx); err != nil {
		var le *plugin.LoadError
		if !errors.As(err, &le) {
			_ = pl.Close(ctx)
			return nil, nil, err
		}
		logging.New("cli").Warn("some plugins failed to load", "error", err)
	}
	return reg, pl, nil
}
