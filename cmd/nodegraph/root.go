// nodegraph runs node-graph workflows from the command line.
//
// Usage:
//
//	nodegraph run workflow.yaml --input '{"user":"ada"}'
//	nodegraph validate flows/*.json
//	nodegraph nodes --category network
//	nodegraph plugins list|install|uninstall|reload
//	nodegraph history --limit 20
//	nodegraph status <execution-id>
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dshills/nodegraph-go/internal/config"
	"github.com/dshills/nodegraph-go/internal/logging"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	pluginsDir string
	store      string
}

// cfg is loaded once by the root command before any subcommand runs.
var cfg config.Config

var rootCmd = &cobra.Command{
	Use:   "nodegraph",
	Short: "Run node-graph workflows",
	Long: `nodegraph validates and executes workflows: directed acyclic graphs of
typed nodes connected by data dependencies. Node types come from the
built-in set and from plugins under the plugins directory.`,
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		loaded, err := config.Load(rootFlags.configPath)
		if err != nil {
			return err
		}
		if rootFlags.logLevel != "" {
			loaded.Logging.Level = rootFlags.logLevel
		}
		if rootFlags.logFormat != "" {
			loaded.Logging.Format = rootFlags.logFormat
		}
		if rootFlags.pluginsDir != "" {
			loaded.Plugins.Dir = rootFlags.pluginsDir
		}
		if rootFlags.store != "" {
			loaded.Store.Driver = rootFlags.store
		}
		if err := loaded.Validate(); err != nil {
			return err
		}

		level, err := logging.ParseLevel(loaded.Logging.Level)
		if err != nil {
			return err
		}
		logging.Init(level, loaded.Logging.Format, cmd.ErrOrStderr())
		cfg = loaded
		return nil
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVarP(&rootFlags.configPath, "config", "c", "", "Path to nodegraph.yaml (default: built-in defaults)")
	f.StringVar(&rootFlags.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	f.StringVar(&rootFlags.logFormat, "log-format", "", "Log format: text or json")
	f.StringVar(&rootFlags.pluginsDir, "plugins-dir", "", "Plugins directory (overrides config)")
	f.StringVar(&rootFlags.store, "store", "", "History store driver: memory, sqlite, mysql, badger")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(nodesCmd)
	rootCmd.AddCommand(pluginsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
