package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sift",
		Short: "sift - entity classification and action dispatch engine",
		Long: `sift pulls entities from per-domain providers, runs every classifier on
each one, keeps the most confident verdict and dispatches it to the actions
bound to that classification type.

Plugins are loaded from a directory:
  - Declarative rules (.yaml, .yml, .json, .cue)
  - Starlark classifiers and actions (.star)
  - OPA/Rego classifiers (.rego)
  - WebAssembly classifiers (.wasm)`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newPollCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newClassifyCommand())
	rootCmd.AddCommand(newIngestCommand())
	rootCmd.AddCommand(newEventsCommand())

	return rootCmd
}
