package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/sift/pkg/plugin"
)

type pluginInfo struct {
	Kind        string `json:"kind"`
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [plugin-dir]",
		Short: "Validate the configuration and load plugins",
		Long: `Load the configuration and every plugin in the plugin directory, then
list what was loaded. Files that fail to load are reported in the log and
skipped, exactly as the engine would.`,
		Example: `  # Validate config and the configured plugin directory
  sift validate -c sift.yaml

  # Validate a different plugin directory
  sift validate ./plugins`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if len(args) > 0 {
				cfg.Plugins.Dir = args[0]
			}

			a, err := newAppFromConfig(ctx, cfg, appParts{plugins: true})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			var infos []pluginInfo
			for _, c := range a.plugins.Classifiers() {
				infos = append(infos, describe("classifier", c))
			}
			for _, act := range a.plugins.Actions() {
				infos = append(infos, describe("action", act))
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, infos)
			}

			rows := make([][]string, 0, len(infos))
			for _, p := range infos {
				rows = append(rows, []string{p.Kind, p.ID, p.Description})
			}
			if err := printTable(out, []string{"KIND", "ID", "DESCRIPTION"}, rows); err != nil {
				return err
			}
			fmt.Fprintf(out, "\n%d domains configured, %d plugins loaded\n", len(cfg.Domains), len(infos))
			return nil
		},
	}

	return cmd
}

func describe(kind string, p interface{ ID() string }) pluginInfo {
	info := pluginInfo{Kind: kind, ID: p.ID(), Name: plugin.NameOf(p)}
	if d, ok := p.(plugin.Describer); ok {
		info.Description = d.Description()
	}
	return info
}
