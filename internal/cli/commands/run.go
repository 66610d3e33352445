package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Monkey-cpu-ally/atlas-core-sub001/internal/cli/config"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/supervisor/units"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/utils"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// reportEvery is how many epochs pass between progress log lines
const reportEvery = 100

var errTicksDone = errors.New("tick limit reached")

// ErrChipHalted is returned by run when the safety kernel halted the chip
var ErrChipHalted = errors.New("chip halted")

type runOptions struct {
	ticks    int
	duration time.Duration
}

// NewRunCommand creates the run command.
func NewRunCommand() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the chip against a synthetic workload",
		Long: `Assemble the chip with the standard units, feed it routed intents at the
configured rate and tick it on a fixed interval until interrupted, a tick
limit or duration is reached, or the safety kernel halts it.

Diagnostics are printed on exit.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.FromContext(cmd.Context())
			if err != nil {
				return err
			}
			logger := config.LoggerFromContext(cmd.Context())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runNode(ctx, cmd.OutOrStdout(), cfg, logger, opts)
		},
	}

	cmd.Flags().IntVar(&opts.ticks, "ticks", 0, "Stop after this many ticks (0 = unlimited)")
	cmd.Flags().DurationVar(&opts.duration, "duration", 0, "Stop after this long (0 = until interrupted)")
	cmd.Flags().Int("rate", 0, "Intents submitted per second")
	cmd.Flags().StringSlice("intent", nil, "Intent to cycle through (repeatable)")
	cmd.Flags().Int64("seed", 0, "Workload random seed")

	return cmd
}

// buildChip assembles the standard chip, wiring the audit file when set.
// shutdown clears the chip's arena and closes files it opened.
func buildChip(cfg *config.Config, logger *utils.Logger, shutdown *utils.GracefulShutdown) (*threads.Chip, error) {
	chipCfg := cfg.Chip
	chipCfg.Logger = logger.Named("chip")

	emitLog := logger.Named("emit")
	chipCfg.Units.Sink = units.SinkFunc(func(channel string, data any) error {
		emitLog.Debug("Delivered", utils.String("channel", channel), utils.Any("data", data))
		return nil
	})

	if cfg.AuditFile != "" {
		f, err := os.OpenFile(cfg.AuditFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, utils.WrapErrorf(err, "open audit file %s", cfg.AuditFile)
		}
		chipCfg.AuditSink = f
		shutdown.Register("audit-file", func(context.Context) error {
			if err := f.Sync(); err != nil {
				_ = f.Close()
				return err
			}
			return f.Close()
		})
	}

	chip, err := threads.NewStandard(chipCfg)
	if err != nil {
		return nil, err
	}
	shutdown.Register("chip", chip.Shutdown)
	return chip, nil
}

func runNode(ctx context.Context, out io.Writer, cfg *config.Config, logger *utils.Logger, opts runOptions) error {
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	shutdown := utils.NewGracefulShutdown(cfg.ShutdownTimeout, logger.Named("shutdown"))
	chip, err := buildChip(cfg, logger, shutdown)
	if err != nil {
		_ = shutdown.Shutdown(context.Background())
		return err
	}
	shutdown.Register("diagnostics", func(context.Context) error {
		return render(out, cfg.Output, chip.Diagnostics(0))
	})

	wl := newWorkload(chip, cfg.Workload, logger.Named("workload"))
	logger.Info("Node running",
		utils.Duration("tick", cfg.TickInterval),
		utils.Int("rate", cfg.Workload.Rate),
		utils.Int("ticks", opts.ticks))

	eg, egctx := errgroup.WithContext(ctx)

	// Driver: one tick per interval
	eg.Go(func() error {
		ticker := time.NewTicker(cfg.TickInterval)
		defer ticker.Stop()

		for n := 1; ; n++ {
			select {
			case <-egctx.Done():
				return nil
			case <-ticker.C:
			}

			chip.Tick()
			if chip.Halted() {
				return fmt.Errorf("%w: %s", ErrChipHalted, chip.Diagnostics(1).HaltReason)
			}
			if opts.ticks > 0 && n >= opts.ticks {
				return errTicksDone
			}
		}
	})

	// Producer: routed intents at the configured rate
	if cfg.Workload.Rate > 0 {
		eg.Go(func() error {
			ticker := time.NewTicker(time.Second / time.Duration(cfg.Workload.Rate))
			defer ticker.Stop()

			for {
				select {
				case <-egctx.Done():
					return nil
				case <-ticker.C:
				}
				if err := wl.Submit(); err != nil {
					return err
				}
			}
		})
	}

	// Reporter: wakes on epoch changes
	eg.Go(func() error {
		last := chip.Epoch().Value()
		for {
			v, changed, err := chip.Epoch().WaitForChange(egctx, last, time.Second)
			if err != nil {
				return nil
			}
			if !changed {
				continue
			}
			if v/reportEvery != last/reportEvery {
				d := chip.Diagnostics(1)
				logger.Info("Progress",
					utils.Uint64("epoch", v),
					utils.Uint64("completed", d.Scheduler.Completed),
					utils.Uint64("failed", d.Scheduler.Failed),
					utils.Int("in_flight", d.Scheduler.InFlight),
					utils.Int("memory_kb", d.Memory.UsedKB),
					utils.Int("rollbacks", d.Safety.Rollbacks))
			}
			last = v
		}
	})

	runErr := eg.Wait()
	if errors.Is(runErr, errTicksDone) {
		runErr = nil
	}
	if runErr != nil {
		logger.Error("Node stopped", utils.Err(runErr))
	} else {
		logger.Info("Node stopped",
			utils.Uint64("submitted", wl.submitted),
			utils.Uint64("dropped", wl.dropped))
	}

	return errors.Join(runErr, shutdown.Shutdown(context.Background()))
}
