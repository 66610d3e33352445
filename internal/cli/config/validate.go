package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/utils"
)

// Validate checks values the loader cannot type-check
func (c *Config) Validate() error {
	var errs []error

	if _, err := utils.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Output) {
	case OutputTable, OutputJSON, OutputYAML:
	default:
		errs = append(errs, fmt.Errorf("output must be one of table|json|yaml, got %q", c.Output))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("tick_interval must be positive"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown_timeout must be positive"))
	}
	if err := c.Chip.Budget.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Chip.MaxRollbacks < 0 {
		errs = append(errs, fmt.Errorf("chip.max_rollbacks must be >= 0"))
	}
	if c.Workload.Rate < 0 {
		errs = append(errs, fmt.Errorf("workload.rate must be >= 0"))
	}
	if c.Workload.Rate > 0 && len(c.Workload.Intents) == 0 {
		errs = append(errs, fmt.Errorf("workload.intents is empty but rate is %d", c.Workload.Rate))
	}
	for owner, kb := range c.Chip.Memory.Quotas {
		if kb < 0 {
			errs = append(errs, fmt.Errorf("chip.memory.quotas.%s must be >= 0", owner))
		}
	}

	return errors.Join(errs...)
}
