package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dshills/nodegraph-go/graph/registry"
)

var nodesFlags struct {
	category string
	search   string
	json     bool
}

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List registered node types",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, pl, err := openCatalog(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = pl.Close(context.Background()) }()

		descs := reg.Search(nodesFlags.search)
		if nodesFlags.category != "" {
			kept := descs[:0]
			for _, d := range descs {
				if d.Category == nodesFlags.category {
					kept = append(kept, d)
				}
			}
			descs = kept
		}

		if nodesFlags.json {
			return writeJSON(cmd.OutOrStdout(), descs)
		}
		return printNodes(cmd.OutOrStdout(), reg, descs)
	},
}

func init() {
	f := nodesCmd.Flags()
	f.StringVar(&nodesFlags.category, "category", "", "Only list types in this category")
	f.StringVarP(&nodesFlags.search, "search", "s", "", "Filter by type, name or description")
	f.BoolVar(&nodesFlags.json, "json", false, "Print descriptors as JSON")
}

func printNodes(w io.Writer, reg *registry.Registry, descs []registry.Descriptor) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tCATEGORY\tSOURCE\tDESCRIPTION")
	for _, d := range descs {
		source := registry.SourceBuiltin
		if e, ok := reg.Lookup(d.Type); ok {
			source = e.Source
		}
		if len(d.Permissions) > 0 {
			source += " [" + strings.Join(d.Permissions, ",") + "]"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Type, d.Category, source, d.Description)
	}
	return tw.Flush()
}
