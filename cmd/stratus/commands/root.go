package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	dbPath     string
	verbose    bool
	jsonOutput bool

	// rootVersion is the binary version, shared with the worker handshake.
	rootVersion string
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stratus",
		Short: "Stratus - Infrastructure Convergence Engine",
		Long: `Stratus converges stacks of declared resources toward their templates.

A stack is created from a YAML template; every change starts a traversal
that walks the resource dependency graph, dispatching each resource to a
worker once all of its dependencies have converged. Traversals survive
engine crashes, supersede each other safely, and roll back on failure.

Features:
  - Declarative templates with parameters, intrinsics and outputs
  - Crash-tolerant traversals driven by durable sync points
  - Replacement, adoption, suspend/resume and drift convergence
  - WASM and SSH resource adapters
  - Policy enforcement via OPA/Rego
  - Remote worker dispatch over TCP`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "engine config file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newCreateCommand())
	rootCmd.AddCommand(newUpdateCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newSuspendCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newCheckCommand())
	rootCmd.AddCommand(newConvergeCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newEventsCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newWorkerCommand())

	return rootCmd
}
