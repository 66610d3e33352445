package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// flagKeys maps command-line flags onto config keys. Flags not listed here
// are command-local and never reach the config.
var flagKeys = map[string]string{
	"log-level":       "log_level",
	"output":          "output",
	"tick-interval":   "tick_interval",
	"audit-file":      "audit_file",
	"max-rollbacks":   "chip.max_rollbacks",
	"max-io-per-tick": "chip.budget.max_io_per_tick",
	"memory-kb":       "chip.budget.max_memory_kb",
	"grant":           "chip.permissions.grants",
	"rate":            "workload.rate",
	"intent":          "workload.intents",
	"seed":            "workload.seed",
}

// Defaults returns the built-in configuration as flat koanf keys
func Defaults() map[string]interface{} {
	chip := threads.DefaultConfig()
	defaults := map[string]interface{}{
		"log_level":        DefaultLogLevel,
		"output":           DefaultOutput,
		"tick_interval":    DefaultTickInterval,
		"shutdown_timeout": DefaultShutdown,
		"audit_file":       "",

		"workload.intents":   []string{"ping", "recall", "memorize", "compute", "remember", "speak", "thermal"},
		"workload.rate":      20,
		"workload.surface":   "speaker",
		"workload.token_ttl": DefaultTokenTTL,
		"workload.seed":      int64(1),

		"chip.budget.live_ms":         chip.Budget.LiveMs,
		"chip.budget.work_ms":         chip.Budget.WorkMs,
		"chip.budget.background_ms":   chip.Budget.BackgroundMs,
		"chip.budget.max_in_flight":   chip.Budget.MaxInFlight,
		"chip.budget.max_memory_kb":   chip.Budget.MaxMemoryKB,
		"chip.budget.max_io_per_tick": chip.Budget.MaxIOPerTick,

		"chip.max_rollbacks":           chip.MaxRollbacks,
		"chip.memory.default_quota_kb": chip.Memory.DefaultQuotaKB,

		"chip.permissions.token_issue_rate":  chip.Permissions.TokenIssueRate,
		"chip.permissions.token_issue_burst": chip.Permissions.TokenIssueBurst,
		"chip.permissions.grants":            []string{"speaker"},

		"chip.units.cache_entries":       chip.Units.CacheEntries,
		"chip.units.io_breaker_failures": chip.Units.IOBreakerFailures,
		"chip.units.io_breaker_cooldown": chip.Units.IOBreakerCooldown,
		"chip.units.power_throttle_c":    chip.Units.PowerThrottleC,
		"chip.units.power_critical_c":    chip.Units.PowerCriticalC,
	}
	for rule, on := range chip.Constitution {
		defaults["chip.constitution."+rule] = on
	}
	return defaults
}

// Default returns the built-in configuration with no file, env or flags applied
func Default() (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	return decode(k, "")
}

// decode unmarshals k and validates the result
func decode(k *koanf.Koanf, fileUsed string) (*Config, error) {
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.FileUsed = fileUsed
	cfg.LogLevel = strings.ToUpper(cfg.LogLevel)
	cfg.Output = strings.ToLower(cfg.Output)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// findConfigFile returns the explicit path, or atlas.yaml when present
func findConfigFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, name := range []string{DefaultConfigFile, "atlas.yml"} {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// envKey maps ATLAS_CHIP__BUDGET__LIVE_MS to chip.budget.live_ms
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// LoadConfig loads configuration from defaults, file, environment and flags.
// Precedence (highest to lowest): flags > env vars > config file > defaults
func LoadConfig(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	// 1. Defaults
	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config file
	fileUsed := findConfigFile(cfgFile)
	if fileUsed != "" {
		if err := k.Load(file.Provider(fileUsed), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", fileUsed, err)
		}
	}

	// 3. Environment (ATLAS_ prefix, "__" separates levels)
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// 4. Flags that were explicitly set
	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	// 5. Decode
	return decode(k, fileUsed)
}
