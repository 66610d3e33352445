package threads

import (
	"fmt"
	"time"

	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/foundation"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/supervisor"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/supervisor/units"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/utils"
)

// UnitsConfig selects and tunes the standard units
type UnitsConfig struct {
	// Enabled lists unit names to build. Empty means all six.
	Enabled []string `koanf:"enabled" json:"enabled" yaml:"enabled"`

	CacheEntries int `koanf:"cache_entries" json:"cache_entries" yaml:"cache_entries"`

	IOBreakerFailures uint32        `koanf:"io_breaker_failures" json:"io_breaker_failures" yaml:"io_breaker_failures"`
	IOBreakerCooldown time.Duration `koanf:"io_breaker_cooldown" json:"io_breaker_cooldown" yaml:"io_breaker_cooldown"`

	PowerThrottleC float64 `koanf:"power_throttle_c" json:"power_throttle_c" yaml:"power_throttle_c"`
	PowerCriticalC float64 `koanf:"power_critical_c" json:"power_critical_c" yaml:"power_critical_c"`

	// Routes extends the decision core's default intent table
	Routes map[string]foundation.Route `koanf:"-" json:"-" yaml:"-"`
	// VaultSeed is the committed vault content
	VaultSeed map[string]any `koanf:"-" json:"-" yaml:"-"`
	// Sink receives io_bus deliveries. Nil keeps them in memory.
	Sink units.Sink `koanf:"-" json:"-" yaml:"-"`
}

// DefaultUnitsConfig returns stock unit tuning
func DefaultUnitsConfig() UnitsConfig {
	power := units.DefaultPowerConfig()
	return UnitsConfig{
		CacheEntries:      128,
		IOBreakerFailures: 3,
		IOBreakerCooldown: 5 * time.Second,
		PowerThrottleC:    power.ThrottleC,
		PowerCriticalC:    power.CriticalC,
	}
}

// StandardUnits returns the names of every built-in unit in load order
func StandardUnits() []string {
	return []string{
		units.NameDecisionCore,
		units.NameAccelerator,
		units.NameCache,
		units.NameVault,
		units.NameIOBus,
		units.NamePower,
	}
}

// UnitLoader handles the instantiation of the built-in units
type UnitLoader struct {
	cfg    UnitsConfig
	logger *utils.Logger
}

// NewUnitLoader creates a new unit loader
func NewUnitLoader(cfg UnitsConfig, logger *utils.Logger) *UnitLoader {
	if logger == nil {
		logger = utils.DefaultLogger("units")
	}
	return &UnitLoader{cfg: cfg, logger: logger}
}

// LoadUnits builds the enabled units in load order
func (ul *UnitLoader) LoadUnits() ([]supervisor.Module, error) {
	names := ul.cfg.Enabled
	if len(names) == 0 {
		names = StandardUnits()
	}

	seen := make(map[string]bool, len(names))
	loaded := make([]supervisor.Module, 0, len(names))
	for _, name := range names {
		if seen[name] {
			return nil, fmt.Errorf("unit %q listed twice", name)
		}
		seen[name] = true

		m, err := ul.load(name)
		if err != nil {
			return nil, err
		}
		loaded = append(loaded, m)
	}
	return loaded, nil
}

func (ul *UnitLoader) load(name string) (supervisor.Module, error) {
	logger := ul.logger.Named(name)

	switch name {
	case units.NameDecisionCore:
		routes := units.DefaultRoutes()
		for intent, r := range ul.cfg.Routes {
			routes[intent] = r
		}
		return units.NewDecisionCore(routes, logger), nil
	case units.NameAccelerator:
		return units.NewAccelerator(logger), nil
	case units.NameCache:
		return units.NewCache(ul.cfg.CacheEntries, logger), nil
	case units.NameVault:
		return units.NewVault(ul.cfg.VaultSeed, logger), nil
	case units.NameIOBus:
		return units.NewIOBus(ul.cfg.Sink, units.IOBusConfig{
			BreakerFailures: ul.cfg.IOBreakerFailures,
			BreakerCooldown: ul.cfg.IOBreakerCooldown,
		}, logger), nil
	case units.NamePower:
		power := units.DefaultPowerConfig()
		if ul.cfg.PowerThrottleC > 0 {
			power.ThrottleC = ul.cfg.PowerThrottleC
		}
		if ul.cfg.PowerCriticalC > 0 {
			power.CriticalC = ul.cfg.PowerCriticalC
		}
		return units.NewPowerGovernor(power, logger), nil
	default:
		return nil, fmt.Errorf("unknown unit %q", name)
	}
}
