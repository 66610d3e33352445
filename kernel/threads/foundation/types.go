package foundation

import (
	"fmt"
	"strings"
	"time"
)

// Role classifies what a module does. The coordinator keys policy off it
// (e.g. RoleIO tasks must declare consent).
type Role int

const (
	RoleDecision Role = iota
	RoleCompute
	RoleCache
	RoleStorage
	RoleIO
	RolePower
)

var roleNames = map[Role]string{
	RoleDecision: "decision",
	RoleCompute:  "compute",
	RoleCache:    "cache",
	RoleStorage:  "storage",
	RoleIO:       "io",
	RolePower:    "power",
}

// String returns the string representation of Role
func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (r *Role) UnmarshalText(b []byte) error {
	for role, name := range roleNames {
		if strings.EqualFold(name, string(b)) {
			*r = role
			return nil
		}
	}
	return fmt.Errorf("unknown role %q", b)
}

// HealthState is the module health state machine:
// OK <-> Quarantined, and anything -> Halted (terminal).
type HealthState int32

const (
	StateOK HealthState = iota
	StateQuarantined
	StateHalted
)

var stateNames = map[HealthState]string{
	StateOK:          "OK",
	StateQuarantined: "QUARANTINED",
	StateHalted:      "HALTED",
}

// String returns the state name
func (s HealthState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// MarshalText implements encoding.TextMarshaler
func (s HealthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *HealthState) UnmarshalText(b []byte) error {
	parsed, err := ParseHealthState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseHealthState is the inverse of HealthState.String
func ParseHealthState(name string) (HealthState, error) {
	for s, n := range stateNames {
		if strings.EqualFold(n, name) {
			return s, nil
		}
	}
	return StateOK, fmt.Errorf("unknown health state %q", name)
}

// HealthStatus represents module health
type HealthStatus struct {
	Module        string        `json:"module" yaml:"module"`
	Role          Role          `json:"role" yaml:"role"`
	State         HealthState   `json:"state" yaml:"state"`
	Healthy       bool          `json:"healthy" yaml:"healthy"`
	Issues        []string      `json:"issues,omitempty" yaml:"issues,omitempty"`
	LastCheck     time.Time     `json:"last_check" yaml:"last_check"`
	JobsProcessed uint64        `json:"jobs_processed" yaml:"jobs_processed"`
	JobsFailed    uint64        `json:"jobs_failed" yaml:"jobs_failed"`
	ErrorRate     float64       `json:"error_rate" yaml:"error_rate"`
	AvgLatency    time.Duration `json:"avg_latency" yaml:"avg_latency"`
	Summary       string        `json:"summary,omitempty" yaml:"summary,omitempty"`
}

// ModuleMetrics contains per-module execution metrics
type ModuleMetrics struct {
	JobsHandled    uint64
	JobsCompleted  uint64
	JobsFailed     uint64
	AverageLatency time.Duration
	P99Latency     time.Duration
}
