package commands

import (
	"github.com/Monkey-cpu-ally/atlas-core-sub001/internal/cli/config"
	"github.com/spf13/cobra"
)

// NewConfigCommand creates the config command.
func NewConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults, the config file, ATLAS_ environment
variables and flags have been applied. Table output falls back to YAML.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.FromContext(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), cfg.Output, cfg)
		},
	}
}
