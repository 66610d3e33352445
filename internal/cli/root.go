// Package cli provides the command-line interface for atlas-node.
package cli

import (
	"fmt"
	"os"

	"github.com/Monkey-cpu-ally/atlas-core-sub001/internal/cli/commands"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/internal/cli/config"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/utils"
	"github.com/spf13/cobra"
)

// Version information (set at build time).
var Version = "0.1.0"

// NewRootCmd creates and returns the root command.
func NewRootCmd() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "atlas-node",
		Short: "atlas-node - chip-style task runtime",
		Long: `atlas-node runs a small chip-inspired runtime: a three-lane scheduler, a
quota-checked memory arena, a consent and token permission fabric, an
append-only audit log and a safety kernel that quarantines, rolls back
and halts misbehaving modules.`,
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// Skip config loading for help and completion commands
			if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" {
				return nil
			}

			cfg, err := config.LoadConfig(cfgFile, cmd.Flags())
			if err != nil {
				return err
			}

			level, err := utils.ParseLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
			logger := utils.NewLogger(utils.LoggerConfig{
				Level:     level,
				Component: "atlas",
				Output:    cmd.ErrOrStderr(),
				Colorize:  false,
			})

			if cfg.FileUsed != "" {
				logger.Debug("Using config file", utils.String("path", cfg.FileUsed))
			}

			cmd.SetContext(config.NewContext(cmd.Context(), cfg, logger))
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.SetVersionTemplate("{{.Name}} {{.Version}}\n")

	// Global persistent flags
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ./atlas.yaml)")
	flags.String("log-level", "", "Log level (DEBUG|INFO|WARN|ERROR)")
	flags.StringP("output", "o", "", "Output format (table|json|yaml)")
	flags.Duration("tick-interval", 0, "Interval between ticks")
	flags.String("audit-file", "", "Append audit events to this file as JSON lines")
	flags.Int("max-rollbacks", 0, "Rollbacks tolerated before the chip halts")
	flags.Int("max-io-per-tick", 0, "Chip-wide I/O operations allowed per tick")
	flags.Int("memory-kb", 0, "Arena capacity in KB")
	flags.StringSlice("grant", nil, "Consent surface granted at start (repeatable)")

	_ = rootCmd.RegisterFlagCompletionFunc("output", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{config.OutputTable, config.OutputJSON, config.OutputYAML}, cobra.ShellCompDirectiveNoFileComp
	})

	rootCmd.AddCommand(commands.NewVersionCommand(Version))
	rootCmd.AddCommand(commands.NewRunCommand())
	rootCmd.AddCommand(commands.NewDiagCommand())
	rootCmd.AddCommand(commands.NewConfigCommand())

	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	rootCmd := NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}
