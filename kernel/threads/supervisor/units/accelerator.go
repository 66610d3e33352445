package units

import (
	"errors"
	"fmt"

	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/arena"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/foundation"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/supervisor"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/utils"
)

// Accelerator runs vector kernels and parks each result in the arena
type Accelerator struct {
	*supervisor.BaseModule
	state accelState
}

type accelState struct {
	Computations uint64
	Results      []arena.BlockID
}

func (s *accelState) Clone() supervisor.StateSnapshot {
	return &accelState{
		Computations: s.Computations,
		Results:      append([]arena.BlockID(nil), s.Results...),
	}
}

// AccelResult is the output of one kernel
type AccelResult struct {
	Op     string        `json:"op" yaml:"op"`
	Value  any           `json:"value" yaml:"value"`
	Block  arena.BlockID `json:"block" yaml:"block"`
	SizeKB int           `json:"size_kb" yaml:"size_kb"`
}

var errNoArena = errors.New("no memory arena in context")

// NewAccelerator creates the compute module
func NewAccelerator(logger *utils.Logger) *Accelerator {
	return &Accelerator{
		BaseModule: supervisor.NewBaseModule(NameAccelerator, foundation.RoleCompute, logger),
	}
}

// Handle serves sum, dot, scale and release
func (a *Accelerator) Handle(task *foundation.TaskSpec, cctx *supervisor.ChipContext) (any, error) {
	return a.Run(task, func() (any, error) {
		if cctx == nil || cctx.Memory == nil {
			return nil, fmt.Errorf("accelerator: %w", errNoArena)
		}

		op := task.Op()
		var value any
		var err error
		switch op {
		case "sum":
			value, err = a.sum(task)
		case "dot":
			value, err = a.dot(task)
		case "scale":
			value, err = a.scale(task)
		case "release":
			return a.release(cctx), nil
		default:
			return nil, fmt.Errorf("accelerator: unknown op %q", op)
		}
		if err != nil {
			return nil, utils.WrapErrorf(err, "accelerator: %s", op)
		}

		size := task.MemKB
		if size < 1 {
			size = 1
		}
		id, err := cctx.Memory.Alloc(a.Name(), size, "result:"+op, value)
		if err != nil {
			// memory pressure keeps its Resource kind through the wrap
			return nil, fmt.Errorf("accelerator: park result: %w", err)
		}

		a.state.Computations++
		a.state.Results = append(a.state.Results, id)
		return AccelResult{Op: op, Value: value, Block: id, SizeKB: size}, nil
	})
}

func (a *Accelerator) sum(task *foundation.TaskSpec) (float64, error) {
	xs, err := floatsField(task.Payload, "a")
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, x := range xs {
		total += x
	}
	return total, nil
}

func (a *Accelerator) dot(task *foundation.TaskSpec) (float64, error) {
	xs, err := floatsField(task.Payload, "a")
	if err != nil {
		return 0, err
	}
	ys, err := floatsField(task.Payload, "b")
	if err != nil {
		return 0, err
	}
	if len(xs) != len(ys) {
		return 0, fmt.Errorf("length mismatch: %d vs %d", len(xs), len(ys))
	}
	total := 0.0
	for i := range xs {
		total += xs[i] * ys[i]
	}
	return total, nil
}

func (a *Accelerator) scale(task *foundation.TaskSpec) ([]float64, error) {
	xs, err := floatsField(task.Payload, "a")
	if err != nil {
		return nil, err
	}
	factor, err := floatField(task.Payload, "factor")
	if err != nil {
		return nil, err
	}
	for i := range xs {
		xs[i] *= factor
	}
	return xs, nil
}

// release frees every parked result still live in the arena
func (a *Accelerator) release(cctx *supervisor.ChipContext) map[string]int {
	freed := 0
	for _, id := range a.state.Results {
		if err := cctx.Memory.Free(id); err == nil {
			freed++
		}
	}
	a.state.Results = a.state.Results[:0]
	return map[string]int{"freed": freed}
}

// Health adds kernel counters to the base report
func (a *Accelerator) Health() *foundation.HealthStatus {
	h := a.BaseModule.Health()
	h.Summary = fmt.Sprintf("%d computations, %d parked results", a.state.Computations, len(a.state.Results))
	return h
}

// Snapshot captures counters and parked result ids
func (a *Accelerator) Snapshot() supervisor.StateSnapshot {
	return a.state.Clone()
}

// Restore replaces counters and parked result ids
func (a *Accelerator) Restore(s supervisor.StateSnapshot) error {
	st, ok := s.(*accelState)
	if !ok {
		return fmt.Errorf("accelerator: %w (%T)", supervisor.ErrSnapshotType, s)
	}
	a.state = *st.Clone().(*accelState)
	return nil
}
