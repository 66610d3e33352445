package units

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/arena"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/audit"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/foundation"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/permission"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/supervisor"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/utils"
)

func newTestContext(t *testing.T, capacityKB int) *supervisor.ChipContext {
	t.Helper()
	fabric, err := permission.NewFabric(permission.Config{Logger: utils.NopLogger()})
	require.NoError(t, err)
	return &supervisor.ChipContext{
		Memory:       arena.NewUnifiedMemory(arena.Config{CapacityKB: capacityKB, Logger: utils.NopLogger()}),
		Permissions:  fabric,
		Audit:        audit.NewLog(audit.WithLogger(utils.NopLogger())),
		Constitution: foundation.DefaultConstitution(),
		Halt:         &foundation.HaltSwitch{},
		Logger:       utils.NopLogger(),
	}
}

func task(module, op string, payload map[string]any) *foundation.TaskSpec {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["op"] = op
	return foundation.NewTask(foundation.LaneWork, op, module, payload)
}

// ========== DECISION CORE ==========

func TestDecisionCore_Route(t *testing.T) {
	dc := NewDecisionCore(nil, utils.NopLogger())

	out, err := dc.Handle(task(NameDecisionCore, "route", map[string]any{"intent": "compute"}), nil)
	require.NoError(t, err)
	assert.Equal(t, foundation.Route{Lane: foundation.LaneWork, Module: NameAccelerator, Op: "sum"}, out)

	out, err = dc.Handle(task(NameDecisionCore, "route", map[string]any{"intent": "dance"}), nil)
	require.NoError(t, err)
	assert.Equal(t, FallbackRoute(), out, "unclaimed intents get the safe default")
	assert.Contains(t, dc.Health().Summary, "1 misses")

	_, err = dc.Handle(task(NameDecisionCore, "route", nil), nil)
	require.Error(t, err)
	assert.Equal(t, foundation.KindGeneric, foundation.KindOf(err))
}

func TestDecisionCore_SetRouteRollsBack(t *testing.T) {
	dc := NewDecisionCore(map[string]foundation.Route{}, utils.NopLogger())
	snap := dc.Snapshot()

	_, err := dc.Handle(task(NameDecisionCore, "set_route", map[string]any{
		"intent": "sing", "module": NameIOBus, "lane": "live", "target_op": "emit",
	}), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"sing"}, dc.Intents())

	require.NoError(t, dc.Restore(snap))
	assert.Empty(t, dc.Intents())
}

// ========== ACCELERATOR ==========

func TestAccelerator_Kernels(t *testing.T) {
	cctx := newTestContext(t, 1024)
	acc := NewAccelerator(utils.NopLogger())

	testCases := []struct {
		name    string
		op      string
		payload map[string]any
		want    any
	}{
		{"sum", "sum", map[string]any{"a": []float64{1, 2, 3}}, 6.0},
		{"dot", "dot", map[string]any{"a": []float64{1, 2}, "b": []any{3.0, 4.0}}, 11.0},
		{"scale", "scale", map[string]any{"a": []int{1, 2}, "factor": 2.5}, []float64{2.5, 5}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := acc.Handle(task(NameAccelerator, tc.op, tc.payload), cctx)
			require.NoError(t, err)
			res := out.(AccelResult)
			assert.Equal(t, tc.want, res.Value)

			block, ok := cctx.Memory.Get(res.Block)
			require.True(t, ok)
			assert.Equal(t, NameAccelerator, block.Owner)
			assert.Equal(t, 1, block.SizeKB)
		})
	}

	out, err := acc.Handle(task(NameAccelerator, "release", nil), cctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"freed": 3}, out)
	assert.Equal(t, 0, cctx.Memory.Usage().UsedKB)
}

func TestAccelerator_MemoryPressure(t *testing.T) {
	cctx := newTestContext(t, 4)
	acc := NewAccelerator(utils.NopLogger())

	tk := task(NameAccelerator, "sum", map[string]any{"a": []float64{1}})
	tk.MemKB = 8
	_, err := acc.Handle(tk, cctx)
	require.Error(t, err)
	assert.Equal(t, foundation.KindResource, foundation.KindOf(err))
	assert.Equal(t, 0, cctx.Memory.Usage().UsedKB)
}

func TestAccelerator_BadInput(t *testing.T) {
	cctx := newTestContext(t, 64)
	acc := NewAccelerator(utils.NopLogger())

	_, err := acc.Handle(task(NameAccelerator, "dot", map[string]any{"a": []float64{1}, "b": []float64{1, 2}}), cctx)
	assert.Error(t, err)
	_, err = acc.Handle(task(NameAccelerator, "sum", map[string]any{"a": "nope"}), cctx)
	assert.Error(t, err)
	_, err = acc.Handle(task(NameAccelerator, "sum", map[string]any{"a": []float64{1}}), nil)
	assert.Error(t, err)
}

// ========== CACHE ==========

func TestCache_PutGetDelete(t *testing.T) {
	cctx := newTestContext(t, 64)
	c := NewCache(4, utils.NopLogger())

	put := task(NameCache, "put", map[string]any{"key": "k", "value": "v"})
	put.MemKB = 2
	_, err := c.Handle(put, cctx)
	require.NoError(t, err)
	assert.Equal(t, 2, cctx.Memory.Usage().Owners[NameCache].UsedKB)

	out, err := c.Handle(task(NameCache, "get", map[string]any{"key": "k"}), cctx)
	require.NoError(t, err)
	assert.Equal(t, CacheLookup{Key: "k", Hit: true, Value: "v"}, out)

	out, err = c.Handle(task(NameCache, "get", map[string]any{"key": "absent"}), cctx)
	require.NoError(t, err)
	assert.False(t, out.(CacheLookup).Hit)

	out, err = c.Handle(task(NameCache, "delete", map[string]any{"key": "k"}), cctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"deleted": true}, out)
	assert.Equal(t, 0, cctx.Memory.Usage().UsedKB)
}

func TestCache_FIFOEviction(t *testing.T) {
	cctx := newTestContext(t, 64)
	c := NewCache(2, utils.NopLogger())

	for _, k := range []string{"a", "b", "c"} {
		_, err := c.Handle(task(NameCache, "put", map[string]any{"key": k, "value": k}), cctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.Len())

	out, err := c.Handle(task(NameCache, "get", map[string]any{"key": "a"}), cctx)
	require.NoError(t, err)
	assert.False(t, out.(CacheLookup).Hit, "oldest entry evicted first")
}

func TestCache_RestoreRebuildsFilter(t *testing.T) {
	cctx := newTestContext(t, 64)
	c := NewCache(8, utils.NopLogger())
	_, err := c.Handle(task(NameCache, "put", map[string]any{"key": "keep", "value": 1}), cctx)
	require.NoError(t, err)
	snap := c.Snapshot()

	_, err = c.Handle(task(NameCache, "put", map[string]any{"key": "late", "value": 2}), cctx)
	require.NoError(t, err)
	require.NoError(t, c.Restore(snap))

	out, _ := c.Handle(task(NameCache, "get", map[string]any{"key": "keep"}), cctx)
	assert.True(t, out.(CacheLookup).Hit)
	out, _ = c.Handle(task(NameCache, "get", map[string]any{"key": "late"}), cctx)
	assert.False(t, out.(CacheLookup).Hit)
}

// ========== VAULT ==========

func TestVault_ProposeNeverApplies(t *testing.T) {
	v := NewVault(map[string]any{"motto": "steady"}, utils.NopLogger())

	for i, val := range []any{"faster", map[string]any{"n": 2.0}} {
		out, err := v.Handle(task(NameVault, "propose", map[string]any{"key": "motto", "value": val}), nil)
		require.NoError(t, err)
		assert.Equal(t, i+1, out.(map[string]any)["version"])
		assert.Equal(t, false, out.(map[string]any)["applied"])
	}

	out, err := v.Handle(task(NameVault, "get", map[string]any{"key": "motto"}), nil)
	require.NoError(t, err)
	assert.Equal(t, "steady", out.(map[string]any)["value"])

	out, err = v.Handle(task(NameVault, "history", map[string]any{"key": "motto"}), nil)
	require.NoError(t, err)
	history := out.([]Proposal)
	require.Len(t, history, 2)
	assert.Equal(t, "faster", history[0].Value)
	assert.Equal(t, map[string]any{"n": 2.0}, history[1].Value)
}

func TestVault_UnknownKey(t *testing.T) {
	v := NewVault(nil, utils.NopLogger())
	_, err := v.Handle(task(NameVault, "get", map[string]any{"key": "nope"}), nil)
	assert.Error(t, err)
	_, err = v.Handle(task(NameVault, "propose", map[string]any{"key": "k"}), nil)
	assert.Error(t, err)
}

// ========== IO BUS ==========

func TestIOBus_EmitAudits(t *testing.T) {
	cctx := newTestContext(t, 64)
	sink := NewMemorySink(8)
	bus := NewIOBus(sink, IOBusConfig{}, utils.NopLogger())

	tk := task(NameIOBus, "emit", map[string]any{"channel": "speaker", "data": "hello"})
	tk.Surface = "speaker"
	tk.AuditTag = "greeting"
	out, err := bus.Handle(tk, cctx)
	require.NoError(t, err)
	assert.Equal(t, true, out.(map[string]any)["delivered"])

	require.Len(t, sink.Deliveries(), 1)
	events := cctx.Audit.ForTask(tk.ID)
	require.Len(t, events, 1)
	assert.Equal(t, "greeting", events[0].Tag)
	assert.Equal(t, NameIOBus, events[0].Module)
}

func TestIOBus_BreakerOpensOnSinkFailures(t *testing.T) {
	cctx := newTestContext(t, 64)
	calls := 0
	sink := SinkFunc(func(string, any) error {
		calls++
		return errors.New("device unplugged")
	})
	bus := NewIOBus(sink, IOBusConfig{BreakerFailures: 2, BreakerCooldown: time.Minute}, utils.NopLogger())

	for i := 0; i < 3; i++ {
		_, err := bus.Handle(task(NameIOBus, "emit", map[string]any{"channel": "led"}), cctx)
		require.Error(t, err)
		assert.Equal(t, foundation.KindGeneric, foundation.KindOf(err))
	}
	assert.Equal(t, 2, calls, "open breaker short-circuits the sink")
	assert.Equal(t, gobreaker.StateOpen, bus.BreakerState())
	assert.Equal(t, 0, cctx.Audit.Len(), "failed deliveries are not audited")
	assert.False(t, bus.Health().Healthy)
}

// ========== POWER GOVERNOR ==========

func TestPowerGovernor_ThermalModel(t *testing.T) {
	cctx := newTestContext(t, 64)
	p := NewPowerGovernor(DefaultPowerConfig(), utils.NopLogger())

	_, err := p.Handle(task(NamePower, "sample", map[string]any{"load": 1.0}), cctx)
	require.NoError(t, err)
	assert.InDelta(t, 55.0, p.Temperature(), 1e-9)

	_, err = p.Handle(task(NamePower, "sample", map[string]any{"load": 1.0}), cctx)
	require.NoError(t, err)
	assert.InDelta(t, 70.0, p.Temperature(), 1e-9)
	assert.InDelta(t, 1.0, p.Scale(), 1e-9)

	_, err = p.Handle(task(NamePower, "sample", map[string]any{"load": 1.0}), cctx)
	require.NoError(t, err)
	assert.Less(t, p.Scale(), 1.0)
}

func TestPowerGovernor_ThermalTrip(t *testing.T) {
	cfg := DefaultPowerConfig()
	cfg.CriticalC = 50
	cfg.ThrottleC = 40

	testCases := []struct {
		name      string
		protected bool
		wantErr   bool
	}{
		{"protection on", true, true},
		{"protection off", false, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cctx := newTestContext(t, 64)
			cctx.Constitution = foundation.NewConstitution(map[string]bool{foundation.RuleThermalProtection: tc.protected})
			p := NewPowerGovernor(cfg, utils.NopLogger())

			_, err := p.Handle(task(NamePower, "sample", map[string]any{"load": 1.0}), cctx)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrThermalTrip)
				assert.Equal(t, foundation.KindGeneric, foundation.KindOf(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestPowerGovernor_Profile(t *testing.T) {
	cctx := newTestContext(t, 64)
	p := NewPowerGovernor(DefaultPowerConfig(), utils.NopLogger())

	out, err := p.Handle(task(NamePower, "profile", nil), cctx)
	require.NoError(t, err)
	assert.Equal(t, -1, out.(ThermalProfile).Regime, "no regime before enough samples")

	for _, load := range []float64{0, 0.1, 0.5, 0.5, 0.9, 1.0, 0.2, 0.8} {
		_, err := p.Handle(task(NamePower, "sample", map[string]any{"load": load}), cctx)
		require.NoError(t, err)
	}
	out, err = p.Handle(task(NamePower, "profile", nil), cctx)
	require.NoError(t, err)
	prof := out.(ThermalProfile)
	assert.Equal(t, 8, prof.Samples)
	assert.GreaterOrEqual(t, prof.Regime, -1)
	assert.Less(t, prof.Regime, 3)
}

// ========== SHARED CONTRACT ==========

func TestModules_RejectWhenNotOK(t *testing.T) {
	cctx := newTestContext(t, 64)
	modules := []supervisor.Module{
		NewDecisionCore(nil, utils.NopLogger()),
		NewAccelerator(utils.NopLogger()),
		NewCache(4, utils.NopLogger()),
		NewVault(nil, utils.NopLogger()),
		NewIOBus(nil, IOBusConfig{}, utils.NopLogger()),
		NewPowerGovernor(DefaultPowerConfig(), utils.NopLogger()),
	}

	for _, m := range modules {
		t.Run(m.Name(), func(t *testing.T) {
			m.SetState(foundation.StateQuarantined)
			_, err := m.Handle(task(m.Name(), "anything", nil), cctx)
			assert.ErrorIs(t, err, foundation.ErrModuleNotOK)
			assert.NotEmpty(t, m.Health().Summary)
		})
	}
}

func TestModules_RestoreRejectsForeignSnapshot(t *testing.T) {
	dc := NewDecisionCore(nil, utils.NopLogger())
	cache := NewCache(4, utils.NopLogger())
	assert.ErrorIs(t, dc.Restore(cache.Snapshot()), supervisor.ErrSnapshotType)
}
