package safety_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/arena"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/foundation"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/safety"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/supervisor"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/utils"
)

type tally struct{ n int }

func (s *tally) Clone() supervisor.StateSnapshot { c := *s; return &c }

type stubModule struct {
	*supervisor.BaseModule
	state tally
}

func newStub(name string) *stubModule {
	return &stubModule{BaseModule: supervisor.NewBaseModule(name, foundation.RoleCompute, utils.NopLogger())}
}

func (m *stubModule) Snapshot() supervisor.StateSnapshot { return m.state.Clone() }

func (m *stubModule) Restore(s supervisor.StateSnapshot) error {
	st, ok := s.(*tally)
	if !ok {
		return supervisor.ErrSnapshotType
	}
	m.state = *st
	return nil
}

func (m *stubModule) Handle(task *foundation.TaskSpec, _ *supervisor.ChipContext) (any, error) {
	return m.Run(task, func() (any, error) { m.state.n++; return m.state.n, nil })
}

func newKernel(limit int) (*safety.Kernel, *foundation.HaltSwitch) {
	halt := &foundation.HaltSwitch{}
	return safety.NewKernel(halt, safety.Config{MaxRollbacks: limit, Logger: utils.NopLogger()}), halt
}

func newMemory() *arena.UnifiedMemory {
	return arena.NewUnifiedMemory(arena.Config{CapacityKB: 100, Logger: utils.NopLogger()})
}

// ========== SUCCESS CASES ==========

func TestKernel_RollbackRestoresStateAndMemory(t *testing.T) {
	k, _ := newKernel(3)
	mem := newMemory()
	m := newStub("worker")
	modules := []supervisor.Module{m}

	_, err := mem.Alloc("worker", 10, "pre", nil)
	require.NoError(t, err)
	k.SnapshotAll(modules, mem)

	m.state.n = 42
	_, err = mem.Alloc("worker", 20, "post", nil)
	require.NoError(t, err)
	k.Quarantine(m, "bad token")
	assert.Equal(t, foundation.StateQuarantined, m.State())

	require.NoError(t, k.RollbackModule(m, mem))
	assert.Equal(t, 0, m.state.n)
	assert.Equal(t, 10, mem.Usage().UsedKB)
	assert.Equal(t, foundation.StateQuarantined, m.State(), "rollback alone keeps quarantine")
	assert.Contains(t, k.Report().Quarantined, "worker")

	k.Release(m)
	assert.Equal(t, foundation.StateOK, m.State())
	assert.NotContains(t, k.Report().Quarantined, "worker")

	report := k.Report()
	assert.Equal(t, 1, report.Rollbacks)
	assert.Equal(t, []string{"worker"}, report.Snapshotted)
}

func TestKernel_SnapshotIsolatedFromLiveState(t *testing.T) {
	k, _ := newKernel(3)
	m := newStub("worker")
	k.SnapshotAll([]supervisor.Module{m}, nil)

	m.state.n = 5
	require.NoError(t, k.RollbackModule(m, nil))
	m.state.n = 9
	require.NoError(t, k.RollbackModule(m, nil))
	assert.Equal(t, 0, m.state.n, "a restore must not alias the stored snapshot")
}

func TestKernel_EnforceReappliesQuarantine(t *testing.T) {
	k, _ := newKernel(3)
	m := newStub("worker")
	k.Quarantine(m, "test")

	// something outside the kernel flipped it back
	m.SetState(foundation.StateOK)

	halted := k.ObserveAndEnforce([]supervisor.Module{m})
	assert.False(t, halted)
	assert.Equal(t, foundation.StateQuarantined, m.State())
}

func TestKernel_VerifyMemory(t *testing.T) {
	k, halt := newKernel(3)
	mem := newMemory()
	_, err := mem.Alloc("worker", 10, "block", nil)
	require.NoError(t, err)

	assert.True(t, k.VerifyMemory(mem))
	assert.True(t, k.VerifyMemory(nil))
	assert.True(t, k.Report().Healthy)
	assert.False(t, k.ObserveAndEnforce([]supervisor.Module{newStub("worker")}))
	assert.False(t, halt.Halted())
}

// ========== FAILURE CASES ==========

func TestKernel_HaltsAfterRollbackLimit(t *testing.T) {
	testCases := []int{0, 1, 3}

	for _, limit := range testCases {
		t.Run(fmt.Sprintf("limit=%d", limit), func(t *testing.T) {
			k, halt := newKernel(limit)
			m := newStub("worker")
			modules := []supervisor.Module{m}
			k.SnapshotAll(modules, nil)

			for i := 0; i < limit; i++ {
				require.NoError(t, k.RollbackModule(m, nil))
				assert.False(t, k.ObserveAndEnforce(modules), "rollback %d within budget", i+1)
			}

			require.NoError(t, k.RollbackModule(m, nil))
			assert.True(t, k.Exceeded())
			assert.True(t, k.ObserveAndEnforce(modules))
			assert.True(t, halt.Halted())
			assert.Equal(t, safety.ReasonRollbackLimit, halt.Reason())
			assert.Equal(t, foundation.StateHalted, m.State())
		})
	}
}

func TestKernel_CorruptionHalts(t *testing.T) {
	k, halt := newKernel(3)
	m := newStub("worker")

	k.Corrupt("checksum mismatch")
	assert.True(t, k.ObserveAndEnforce([]supervisor.Module{m}))
	assert.Contains(t, halt.Reason(), safety.ReasonKernelFault)
	assert.False(t, k.Report().Healthy)
}

func TestKernel_HaltIsTerminal(t *testing.T) {
	k, halt := newKernel(3)
	m := newStub("worker")
	k.SnapshotAll([]supervisor.Module{m}, nil)

	k.HaltEverything("operator stop", []supervisor.Module{m})
	require.NoError(t, k.RollbackModule(m, nil))
	assert.Equal(t, foundation.StateHalted, m.State(), "rollback cannot revive a halted module")
	assert.True(t, k.ObserveAndEnforce([]supervisor.Module{m}))
	assert.Equal(t, "operator stop", halt.Reason())
}

func TestKernel_RollbackWithoutSnapshot(t *testing.T) {
	k, _ := newKernel(3)
	err := k.RollbackModule(newStub("ghost"), nil)
	assert.ErrorIs(t, err, safety.ErrNoSnapshot)
}
