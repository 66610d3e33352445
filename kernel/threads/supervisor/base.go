package supervisor

import (
	"errors"

	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/arena"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/audit"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/foundation"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/permission"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/utils"
)

// Module is the contract every pluggable unit ("organ") implements
type Module interface {
	// Identity
	Name() string
	Role() foundation.Role

	// Health state, driven only by the safety kernel
	State() foundation.HealthState
	SetState(foundation.HealthState)
	Health() *foundation.HealthStatus

	// Typed state capture for rollback
	Snapshot() StateSnapshot
	Restore(StateSnapshot) error

	// Handle runs one task. Failures are reported, never swallowed.
	Handle(task *foundation.TaskSpec, cctx *ChipContext) (any, error)
}

// StateSnapshot is a module's typed internal state. Clone must return a
// deep copy so a stored snapshot never aliases live state.
type StateSnapshot interface {
	Clone() StateSnapshot
}

// ErrSnapshotType is returned by Restore when handed another module's state
var ErrSnapshotType = errors.New("snapshot type mismatch")

// ChipContext is the shared state passed into every module call.
// Modules must not retain it beyond the call.
type ChipContext struct {
	Memory       *arena.UnifiedMemory
	Permissions  *permission.Fabric
	Audit        *audit.Log
	Constitution foundation.Constitution
	Halt         *foundation.HaltSwitch
	Logger       *utils.Logger
}

// Halted reports whether the chip-wide halt flag is raised
func (c *ChipContext) Halted() bool {
	return c != nil && c.Halt != nil && c.Halt.Halted()
}
