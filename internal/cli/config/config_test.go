package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/foundation"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "atlas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func testFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("output", "", "")
	fs.Int("max-rollbacks", 0, "")
	fs.StringSlice("grant", nil, "")
	fs.Duration("tick-interval", 0, "")
	fs.Int("ticks", 0, "command-local")
	return fs
}

// ========== SUCCESS CASES ==========

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, OutputTable, cfg.Output)
	assert.Equal(t, DefaultTickInterval, cfg.TickInterval)
	assert.Equal(t, DefaultShutdown, cfg.ShutdownTimeout)
	assert.Empty(t, cfg.FileUsed)

	assert.Equal(t, foundation.DefaultBudget(), cfg.Chip.Budget)
	assert.Equal(t, 3, cfg.Chip.MaxRollbacks)
	assert.Equal(t, []string{"speaker"}, cfg.Chip.Permissions.Grants)
	assert.True(t, cfg.Chip.Constitution[foundation.RuleIORequiresConsent])
	assert.True(t, cfg.Chip.Constitution[foundation.RuleThermalProtection])
	assert.Equal(t, 5*time.Second, cfg.Chip.Units.IOBreakerCooldown)
	assert.Equal(t, uint32(3), cfg.Chip.Units.IOBreakerFailures)
	assert.Equal(t, 20, cfg.Workload.Rate)
	assert.Contains(t, cfg.Workload.Intents, "speak")
}

func TestLoadConfig_File(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
tick_interval: 10ms
chip:
  max_rollbacks: 1
  budget:
    max_io_per_tick: 0
  constitution:
    io_requires_consent: false
  memory:
    quotas:
      cache: 128
  units:
    enabled: [cache, accelerator]
    io_breaker_cooldown: 250ms
workload:
  intents: [recall, compute]
  rate: 5
`)

	cfg, err := LoadConfig(path, nil)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.FileUsed)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, 10*time.Millisecond, cfg.TickInterval)
	assert.Equal(t, 1, cfg.Chip.MaxRollbacks)
	assert.Equal(t, 0, cfg.Chip.Budget.MaxIOPerTick)
	assert.Equal(t, foundation.DefaultBudget().LiveMs, cfg.Chip.Budget.LiveMs, "unset keys keep defaults")
	assert.False(t, cfg.Chip.Constitution[foundation.RuleIORequiresConsent])
	assert.True(t, cfg.Chip.Constitution[foundation.RuleThermalProtection])
	assert.Equal(t, map[string]int{"cache": 128}, cfg.Chip.Memory.Quotas)
	assert.Equal(t, []string{"cache", "accelerator"}, cfg.Chip.Units.Enabled)
	assert.Equal(t, 250*time.Millisecond, cfg.Chip.Units.IOBreakerCooldown)
	assert.Equal(t, []string{"recall", "compute"}, cfg.Workload.Intents)
	assert.Equal(t, 5, cfg.Workload.Rate)
}

func TestLoadConfig_Precedence(t *testing.T) {
	path := writeConfig(t, `
output: yaml
chip:
  max_rollbacks: 1
`)
	t.Setenv("ATLAS_OUTPUT", "json")
	t.Setenv("ATLAS_CHIP__MAX_ROLLBACKS", "7")
	t.Setenv("ATLAS_CHIP__BUDGET__LIVE_MS", "4.5")

	fs := testFlags()
	require.NoError(t, fs.Parse([]string{"--max-rollbacks=9", "--grant=mic", "--grant=camera", "--ticks=3"}))

	cfg, err := LoadConfig(path, fs)
	require.NoError(t, err)

	assert.Equal(t, OutputJSON, cfg.Output, "env beats file")
	assert.Equal(t, 9, cfg.Chip.MaxRollbacks, "flag beats env")
	assert.Equal(t, 4.5, cfg.Chip.Budget.LiveMs)
	assert.Equal(t, []string{"mic", "camera"}, cfg.Chip.Permissions.Grants)
	assert.Equal(t, DefaultTickInterval, cfg.TickInterval, "unchanged flags do not override")
}

func TestDefault_MatchesLoadedDefaults(t *testing.T) {
	loaded, err := LoadConfig("", nil)
	require.NoError(t, err)

	defaults, err := Default()
	require.NoError(t, err)
	assert.Equal(t, loaded, defaults)
	assert.NoError(t, defaults.Validate())
}

func TestFromContext_FallsBackToDefaults(t *testing.T) {
	cfg, err := FromContext(context.Background())
	require.NoError(t, err)

	defaults, err := Default()
	require.NoError(t, err)
	assert.Equal(t, defaults, cfg)

	stored := &Config{Output: OutputJSON}
	cfg, err = FromContext(NewContext(context.Background(), stored, nil))
	require.NoError(t, err)
	assert.Same(t, stored, cfg)
}

func TestEnvKey(t *testing.T) {
	testCases := []struct {
		in   string
		want string
	}{
		{"ATLAS_OUTPUT", "output"},
		{"ATLAS_LOG_LEVEL", "log_level"},
		{"ATLAS_CHIP__BUDGET__LIVE_MS", "chip.budget.live_ms"},
		{"ATLAS_WORKLOAD__RATE", "workload.rate"},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, envKey(tc.in))
		})
	}
}

// ========== FAILURE CASES ==========

func TestLoadConfig_Invalid(t *testing.T) {
	testCases := []struct {
		name      string
		body      string
		errSubstr string
	}{
		{"bad output", "output: xml\n", "output must be one of"},
		{"bad level", "log_level: loud\n", "unknown log level"},
		{"zero tick", "tick_interval: 0s\n", "tick_interval must be positive"},
		{"negative budget", "chip:\n  budget:\n    work_ms: -1\n", "lane allowance"},
		{"negative rollbacks", "chip:\n  max_rollbacks: -2\n", "max_rollbacks"},
		{"rate without intents", "workload:\n  intents: []\n  rate: 3\n", "workload.intents"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.body), nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errSubstr)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}
