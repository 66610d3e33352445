package commands

import (
	"context"
	"errors"
	"io"

	"github.com/Monkey-cpu-ally/atlas-core-sub001/internal/cli/config"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/utils"
	"github.com/spf13/cobra"
)

type diagOptions struct {
	ticks   int
	perTick int
	recent  int
}

// NewDiagCommand creates the diag command.
func NewDiagCommand() *cobra.Command {
	opts := diagOptions{ticks: 10, perTick: 7, recent: threads.DefaultRecentAudit}

	cmd := &cobra.Command{
		Use:   "diag",
		Short: "Run a short synchronous workload and print chip diagnostics",
		Long: `Assemble the chip, submit a fixed number of routed intents per tick for a
fixed number of ticks without any timers, then print module health, lane
counters, safety state, memory usage and the newest audit events.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.FromContext(cmd.Context())
			if err != nil {
				return err
			}
			logger := config.LoggerFromContext(cmd.Context())
			return runDiag(cmd.OutOrStdout(), cfg, logger, opts)
		},
	}

	cmd.Flags().IntVar(&opts.ticks, "ticks", opts.ticks, "Ticks to run before reporting")
	cmd.Flags().IntVar(&opts.perTick, "per-tick", opts.perTick, "Intents submitted before each tick")
	cmd.Flags().IntVar(&opts.recent, "recent", opts.recent, "Audit events to include")

	return cmd
}

func runDiag(out io.Writer, cfg *config.Config, logger *utils.Logger, opts diagOptions) error {
	shutdown := utils.NewGracefulShutdown(cfg.ShutdownTimeout, logger.Named("shutdown"))
	chip, err := buildChip(cfg, logger, shutdown)
	if err != nil {
		return errors.Join(err, shutdown.Shutdown(context.Background()))
	}

	if len(cfg.Workload.Intents) > 0 {
		wl := newWorkload(chip, cfg.Workload, logger.Named("workload"))
		for i := 0; i < opts.ticks && !chip.Halted(); i++ {
			for j := 0; j < opts.perTick; j++ {
				if err := wl.Submit(); err != nil {
					return errors.Join(err, shutdown.Shutdown(context.Background()))
				}
			}
			chip.Tick()
		}
	}

	renderErr := render(out, cfg.Output, chip.Diagnostics(opts.recent))
	return errors.Join(renderErr, shutdown.Shutdown(context.Background()))
}
