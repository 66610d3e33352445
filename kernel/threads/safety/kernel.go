package safety

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/arena"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/foundation"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/supervisor"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/utils"
)

// DefaultMaxRollbacks is the rollback budget before the chip halts
const DefaultMaxRollbacks = 3

// Halt reasons
const (
	ReasonRollbackLimit = "rollback limit exceeded"
	ReasonKernelFault   = "safety kernel unhealthy"
)

// ErrNoSnapshot is returned when rolling back a module never snapshotted
var ErrNoSnapshot = errors.New("no snapshot for module")

// Kernel enforces quarantine, rollback and the terminal halt
type Kernel struct {
	halt         *foundation.HaltSwitch
	maxRollbacks int

	snapshots  map[string]supervisor.StateSnapshot
	memory     arena.Snapshot
	hasMemory  bool
	snapshotAt time.Time

	quarantine map[string]string
	rollbacks  int

	healthy bool
	fault   string

	logger *utils.Logger
	mu     sync.Mutex
}

// Config configures the kernel
type Config struct {
	// MaxRollbacks may be zero; negative selects DefaultMaxRollbacks
	MaxRollbacks int
	Logger       *utils.Logger
}

// NewKernel creates a healthy kernel bound to the chip halt switch
func NewKernel(halt *foundation.HaltSwitch, cfg Config) *Kernel {
	if halt == nil {
		halt = &foundation.HaltSwitch{}
	}
	if cfg.MaxRollbacks < 0 {
		cfg.MaxRollbacks = DefaultMaxRollbacks
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.DefaultLogger("safety")
	}
	return &Kernel{
		halt:         halt,
		maxRollbacks: cfg.MaxRollbacks,
		snapshots:    make(map[string]supervisor.StateSnapshot),
		quarantine:   make(map[string]string),
		healthy:      true,
		logger:       cfg.Logger,
	}
}

// VerifyMemory walks the arena accounting and marks the kernel unhealthy
// when it is inconsistent. It visits every block, so the chip runs it once
// per tick rather than per dispatch. Returns whether the arena is sound.
func (k *Kernel) VerifyMemory(memory *arena.UnifiedMemory) bool {
	if memory == nil {
		return true
	}
	if err := memory.Verify(); err != nil {
		k.Corrupt("memory accounting: " + err.Error())
		return false
	}
	return true
}

// ObserveAndEnforce runs once per tick and before every dispatch. It halts
// the chip when the kernel is unhealthy or the rollback budget is spent,
// and re-applies quarantine otherwise. Returns whether the chip is halted.
func (k *Kernel) ObserveAndEnforce(modules []supervisor.Module) bool {
	k.mu.Lock()
	var reason string
	switch {
	case k.halt.Halted():
		reason = k.halt.Reason()
	case !k.healthy:
		reason = ReasonKernelFault + ": " + k.fault
	case k.rollbacks > k.maxRollbacks:
		reason = ReasonRollbackLimit
	}
	quarantined := make(map[string]bool, len(k.quarantine))
	for name := range k.quarantine {
		quarantined[name] = true
	}
	k.mu.Unlock()

	if reason != "" {
		k.HaltEverything(reason, modules)
		return true
	}

	for _, m := range modules {
		if quarantined[m.Name()] && m.State() == foundation.StateOK {
			m.SetState(foundation.StateQuarantined)
		}
	}
	return false
}

// SnapshotAll captures every module's state and the arena accounting as
// the rollback target
func (k *Kernel) SnapshotAll(modules []supervisor.Module, memory *arena.UnifiedMemory) {
	snaps := make(map[string]supervisor.StateSnapshot, len(modules))
	for _, m := range modules {
		snaps[m.Name()] = m.Snapshot().Clone()
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	k.snapshots = snaps
	if memory != nil {
		k.memory = memory.Snapshot()
		k.hasMemory = true
	}
	k.snapshotAt = time.Now()
}

// Quarantine marks a module unusable until rolled back
func (k *Kernel) Quarantine(m supervisor.Module, reason string) {
	k.mu.Lock()
	k.quarantine[m.Name()] = reason
	k.mu.Unlock()

	m.SetState(foundation.StateQuarantined)
	k.logger.Warn("Module quarantined", utils.String("module", m.Name()), utils.String("reason", reason))
}

// RollbackModule restores a module and its arena accounting from the last
// snapshot and counts against the rollback budget. A quarantined module
// stays quarantined until Release.
func (k *Kernel) RollbackModule(m supervisor.Module, memory *arena.UnifiedMemory) error {
	k.mu.Lock()
	snap, ok := k.snapshots[m.Name()]
	memSnap, hasMemory := k.memory, k.hasMemory
	k.rollbacks++
	count := k.rollbacks
	k.mu.Unlock()

	if !ok {
		return fmt.Errorf("rollback %s: %w", m.Name(), ErrNoSnapshot)
	}
	if err := m.Restore(snap.Clone()); err != nil {
		k.Corrupt(fmt.Sprintf("restore %s: %v", m.Name(), err))
		return utils.WrapErrorf(err, "rollback %s", m.Name())
	}
	if memory != nil && hasMemory {
		memory.RestoreOwner(m.Name(), memSnap)
	}

	k.mu.Lock()
	_, quarantined := k.quarantine[m.Name()]
	k.mu.Unlock()
	if quarantined {
		m.SetState(foundation.StateQuarantined)
	} else {
		m.SetState(foundation.StateOK)
	}

	k.logger.Info("Module rolled back",
		utils.String("module", m.Name()),
		utils.Int("rollbacks", count),
		utils.Int("limit", k.maxRollbacks))
	return nil
}

// Release lifts quarantine and returns the module to OK. Halted modules
// stay halted.
func (k *Kernel) Release(m supervisor.Module) {
	k.mu.Lock()
	_, was := k.quarantine[m.Name()]
	delete(k.quarantine, m.Name())
	k.mu.Unlock()

	m.SetState(foundation.StateOK)
	if was {
		k.logger.Info("Module released from quarantine", utils.String("module", m.Name()))
	}
}

// Exceeded reports whether the rollback budget is spent
func (k *Kernel) Exceeded() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.rollbacks > k.maxRollbacks
}

// HaltEverything trips the chip halt and marks every module Halted
func (k *Kernel) HaltEverything(reason string, modules []supervisor.Module) {
	if k.halt.Trip(reason) {
		k.logger.Error("System halted", utils.String("reason", reason), utils.Int("modules", len(modules)))
	}
	for _, m := range modules {
		m.SetState(foundation.StateHalted)
	}
}

// Corrupt marks the kernel itself unhealthy; the next enforcement halts
func (k *Kernel) Corrupt(reason string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.healthy {
		k.healthy = false
		k.fault = reason
		k.logger.Error("Safety kernel fault", utils.String("reason", reason))
	}
}

// Report is the kernel state exported for diagnostics
type Report struct {
	Healthy      bool              `json:"healthy" yaml:"healthy"`
	Fault        string            `json:"fault,omitempty" yaml:"fault,omitempty"`
	Quarantined  map[string]string `json:"quarantined" yaml:"quarantined"`
	Rollbacks    int               `json:"rollbacks" yaml:"rollbacks"`
	MaxRollbacks int               `json:"max_rollbacks" yaml:"max_rollbacks"`
	Halted       bool              `json:"halted" yaml:"halted"`
	HaltReason   string            `json:"halt_reason,omitempty" yaml:"halt_reason,omitempty"`
	Snapshotted  []string          `json:"snapshotted" yaml:"snapshotted"`
	SnapshotAt   time.Time         `json:"snapshot_at" yaml:"snapshot_at"`
}

// Report returns a copy of the kernel state
func (k *Kernel) Report() Report {
	k.mu.Lock()
	defer k.mu.Unlock()

	r := Report{
		Healthy:      k.healthy,
		Fault:        k.fault,
		Quarantined:  make(map[string]string, len(k.quarantine)),
		Rollbacks:    k.rollbacks,
		MaxRollbacks: k.maxRollbacks,
		Halted:       k.halt.Halted(),
		HaltReason:   k.halt.Reason(),
		Snapshotted:  make([]string, 0, len(k.snapshots)),
		SnapshotAt:   k.snapshotAt,
	}
	for name, reason := range k.quarantine {
		r.Quarantined[name] = reason
	}
	for name := range k.snapshots {
		r.Snapshotted = append(r.Snapshotted, name)
	}
	sort.Strings(r.Snapshotted)
	return r
}
