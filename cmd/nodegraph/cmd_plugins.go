package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dshills/nodegraph-go/graph/plugin"
)

var pluginsFlags struct {
	json bool
}

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "Manage plugins in the plugins directory",
}

var pluginsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List loaded plugins",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, pl, err := openCatalog(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = pl.Close(context.Background()) }()

		if pluginsFlags.json {
			return writeJSON(cmd.OutOrStdout(), pl.Plugins())
		}
		return printPlugins(cmd.OutOrStdout(), pl.Plugins())
	},
}

var pluginsInstallCmd = &cobra.Command{
	Use:   "install <dir>",
	Short: "Copy a plugin directory into the plugins directory and load it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPlugins(cmd, func(ctx context.Context, pl *plugin.Loader) error {
			p, err := pl.InstallPlugin(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "installed %s %s (%s)\n",
				p.Manifest.ID, p.Manifest.Version, strings.Join(p.Types, ", "))
			return nil
		})
	},
}

var pluginsUninstallCmd = &cobra.Command{
	Use:   "uninstall <id>",
	Short: "Unload a plugin and delete its directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPlugins(cmd, func(ctx context.Context, pl *plugin.Loader) error {
			if err := pl.UninstallPlugin(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "uninstalled %s\n", args[0])
			return nil
		})
	},
}

var pluginsReloadCmd = &cobra.Command{
	Use:   "reload <id>",
	Short: "Reload a plugin from disk and report its node types",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPlugins(cmd, func(ctx context.Context, pl *plugin.Loader) error {
			p, err := pl.ReloadPlugin(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reloaded %s %s (%s)\n",
				p.Manifest.ID, p.Manifest.Version, strings.Join(p.Types, ", "))
			return nil
		})
	},
}

func init() {
	pluginsListCmd.Flags().BoolVar(&pluginsFlags.json, "json", false, "Print plugins as JSON")
	pluginsCmd.AddCommand(pluginsListCmd)
	pluginsCmd.AddCommand(pluginsInstallCmd)
	pluginsCmd.AddCommand(pluginsUninstallCmd)
	pluginsCmd.AddCommand(pluginsReloadCmd)
}

func withPlugins(cmd *cobra.Command, fn func(context.Context, *plugin.Loader) error) error {
	ctx := cmd.Context()
	_, pl, err := openCatalog(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = pl.Close(context.Background()) }()
	return fn(ctx, pl)
}

func printPlugins(w io.Writer, plugins []plugin.Plugin) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVERSION\tNODES\tPERMISSIONS\tDIR")
	for _, p := range plugins {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			p.Manifest.ID,
			p.Manifest.Version,
			strings.Join(p.Types, ","),
			strings.Join(p.Manifest.Permissions, ","),
			p.Dir)
	}
	return tw.Flush()
}
