package foundation

import (
	"fmt"
	"strings"
	"time"
)

// Lane is a fixed-priority scheduling tier. Lower value drains first.
type Lane int

const (
	LaneLive Lane = iota
	LaneWork
	LaneBackground

	laneCount
)

// NumLanes is the number of scheduling lanes
const NumLanes = int(laneCount)

var laneNames = [...]string{
	LaneLive:       "live",
	LaneWork:       "work",
	LaneBackground: "background",
}

// Lanes returns every lane in strict priority order
func Lanes() []Lane {
	return []Lane{LaneLive, LaneWork, LaneBackground}
}

// String returns the lane name
func (l Lane) String() string {
	if l.Valid() {
		return laneNames[l]
	}
	return fmt.Sprintf("lane(%d)", int(l))
}

// Valid reports whether l is one of the defined lanes
func (l Lane) Valid() bool {
	return l >= LaneLive && l < laneCount
}

// Before reports whether l has strictly higher priority than other
func (l Lane) Before(other Lane) bool {
	return l < other
}

// MarshalText implements encoding.TextMarshaler
func (l Lane) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (l *Lane) UnmarshalText(b []byte) error {
	parsed, err := ParseLane(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseLane maps a lane name (case-insensitive) to a Lane
func ParseLane(name string) (Lane, error) {
	for i, n := range laneNames {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return Lane(i), nil
		}
	}
	return LaneWork, fmt.Errorf("unknown lane %q", name)
}

// Budget is the per-tick allowance and global caps of the runtime.
// It is passed by value and never mutated after the chip is built.
type Budget struct {
	LiveMs       float64 `koanf:"live_ms" json:"live_ms" yaml:"live_ms"`
	WorkMs       float64 `koanf:"work_ms" json:"work_ms" yaml:"work_ms"`
	BackgroundMs float64 `koanf:"background_ms" json:"background_ms" yaml:"background_ms"`

	MaxInFlight  int `koanf:"max_in_flight" json:"max_in_flight" yaml:"max_in_flight"`
	MaxMemoryKB  int `koanf:"max_memory_kb" json:"max_memory_kb" yaml:"max_memory_kb"`
	MaxIOPerTick int `koanf:"max_io_per_tick" json:"max_io_per_tick" yaml:"max_io_per_tick"`
}

// DefaultBudget returns the stock allowances
func DefaultBudget() Budget {
	return Budget{
		LiveMs:       8,
		WorkMs:       20,
		BackgroundMs: 30,
		MaxInFlight:  256,
		MaxMemoryKB:  64 * 1024,
		MaxIOPerTick: 32,
	}
}

// For returns the time allowance of a lane per tick
func (b Budget) For(lane Lane) time.Duration {
	var ms float64
	switch lane {
	case LaneLive:
		ms = b.LiveMs
	case LaneWork:
		ms = b.WorkMs
	case LaneBackground:
		ms = b.BackgroundMs
	}
	return time.Duration(ms * float64(time.Millisecond))
}

// Validate rejects negative allowances and caps
func (b Budget) Validate() error {
	if b.LiveMs < 0 || b.WorkMs < 0 || b.BackgroundMs < 0 {
		return fmt.Errorf("budget: lane allowance must be >= 0")
	}
	if b.MaxInFlight < 0 {
		return fmt.Errorf("budget: max_in_flight must be >= 0")
	}
	if b.MaxMemoryKB < 0 {
		return fmt.Errorf("budget: max_memory_kb must be >= 0")
	}
	if b.MaxIOPerTick < 0 {
		return fmt.Errorf("budget: max_io_per_tick must be >= 0")
	}
	return nil
}
