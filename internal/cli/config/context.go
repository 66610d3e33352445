package config

import (
	"context"

	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/utils"
)

type configKey struct{}

// loggerKey is used to store logger in context
type loggerKey struct{}

// NewContext stores the loaded config and logger for subcommands
func NewContext(ctx context.Context, cfg *Config, logger *utils.Logger) context.Context {
	ctx = context.WithValue(ctx, configKey{}, cfg)
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the config stored by NewContext, or the defaults
func FromContext(ctx context.Context) (*Config, error) {
	if cfg, ok := ctx.Value(configKey{}).(*Config); ok && cfg != nil {
		return cfg, nil
	}
	return Default()
}

// LoggerFromContext returns the logger stored by NewContext, or a default
func LoggerFromContext(ctx context.Context) *utils.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*utils.Logger); ok && logger != nil {
		return logger
	}
	return utils.DefaultLogger("atlas")
}
