package arena

import (
	"math/rand"
	"testing"
	"time"

	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/foundation"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestArena(capacity int, quotas map[string]int) *UnifiedMemory {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return NewUnifiedMemory(Config{
		CapacityKB: capacity,
		Quotas:     quotas,
		Clock:      func() time.Time { return fixed },
		Logger:     utils.NopLogger(),
	})
}

// ========== SUCCESS CASES ==========

func TestUnifiedMemory_AllocFree(t *testing.T) {
	um := newTestArena(1024, nil)

	id, err := um.Alloc("accelerator", 64, "result", []float64{1, 2})
	require.NoError(t, err)

	b, ok := um.Get(id)
	require.True(t, ok)
	assert.Equal(t, "accelerator", b.Owner)
	assert.Equal(t, 64, b.SizeKB)
	assert.Equal(t, []float64{1, 2}, b.Payload)

	u := um.Usage()
	assert.Equal(t, 64, u.UsedKB)
	assert.Equal(t, 960, u.FreeKB)
	assert.Equal(t, 1024, u.Owners["accelerator"].QuotaKB)

	require.NoError(t, um.Free(id))
	assert.Equal(t, 0, um.Usage().UsedKB)

	stats := um.GetStats()
	assert.Equal(t, uint64(1), stats.AllocCount)
	assert.Equal(t, uint64(1), stats.FreeCount)
	assert.Equal(t, uint64(64), stats.FreedKB)
}

func TestUnifiedMemory_SnapshotExcludesPayload(t *testing.T) {
	um := newTestArena(1024, nil)
	_, err := um.Alloc("cache", 8, "entry:a", "secret-data")
	require.NoError(t, err)

	snap := um.Snapshot()
	require.Len(t, snap.Blocks, 1)
	assert.Equal(t, "entry:a", snap.Blocks[0].Label)
	assert.Equal(t, 8, snap.Owners["cache"])
	assert.Equal(t, 8, snap.UsedKB)
}

func TestUnifiedMemory_RestoreOwner(t *testing.T) {
	um := newTestArena(100, nil)

	keep, err := um.Alloc("vault", 10, "keep", "v1")
	require.NoError(t, err)
	freed, err := um.Alloc("vault", 20, "freed", "v2")
	require.NoError(t, err)
	other, err := um.Alloc("cache", 5, "other", nil)
	require.NoError(t, err)

	snap := um.Snapshot()

	require.NoError(t, um.Free(freed))
	_, err = um.Alloc("vault", 30, "late", nil)
	require.NoError(t, err)
	_, err = um.Alloc("cache", 7, "late-cache", nil)
	require.NoError(t, err)

	report := um.RestoreOwner("vault", snap)
	assert.Equal(t, RestoreReport{Released: 1, Restored: 1}, report)

	blocks := um.Blocks("vault")
	require.Len(t, blocks, 2)
	assert.Equal(t, keep, blocks[0].ID)
	assert.Equal(t, "v1", blocks[0].Payload)
	assert.Equal(t, freed, blocks[1].ID)
	assert.Nil(t, blocks[1].Payload, "restored blocks carry metadata only")

	// other owners are untouched
	assert.Len(t, um.Blocks("cache"), 2)
	_, ok := um.Get(other)
	assert.True(t, ok)
	assert.NoError(t, um.Verify())
}

func TestUnifiedMemory_RestoreOwner_SkipsWhenFull(t *testing.T) {
	um := newTestArena(50, nil)
	id, err := um.Alloc("vault", 30, "big", nil)
	require.NoError(t, err)
	snap := um.Snapshot()

	require.NoError(t, um.Free(id))
	_, err = um.Alloc("cache", 40, "hog", nil)
	require.NoError(t, err)

	report := um.RestoreOwner("vault", snap)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 40, um.Usage().UsedKB)
	assert.NoError(t, um.Verify())
}

func TestUnifiedMemory_QuotaInvariant_RandomOps(t *testing.T) {
	quotas := map[string]int{"a": 40, "b": 60, "c": 100}
	um := newTestArena(128, quotas)
	rng := rand.New(rand.NewSource(7))
	owners := []string{"a", "b", "c"}
	live := make([]BlockID, 0)

	for i := 0; i < 2000; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			idx := rng.Intn(len(live))
			require.NoError(t, um.Free(live[idx]))
			live = append(live[:idx], live[idx+1:]...)
		} else {
			owner := owners[rng.Intn(len(owners))]
			before := um.Snapshot()
			id, err := um.Alloc(owner, 1+rng.Intn(30), "x", i)
			if err != nil {
				assert.Equal(t, foundation.KindResource, foundation.KindOf(err))
				assert.ErrorIs(t, err, foundation.ErrMemoryPressure)
				assert.Equal(t, before, um.Snapshot(), "rejected alloc must not change state")
			} else {
				live = append(live, id)
			}
		}

		require.NoError(t, um.Verify(), "step %d", i)
		u := um.Usage()
		sum := 0
		for owner, ou := range u.Owners {
			sum += ou.UsedKB
			assert.LessOrEqual(t, ou.UsedKB, quotas[owner])
		}
		assert.Equal(t, u.UsedKB, sum)
		assert.LessOrEqual(t, u.UsedKB, u.CapacityKB)
	}
}

func TestUnifiedMemory_Reset(t *testing.T) {
	um := newTestArena(100, map[string]int{"a": 10})
	_, err := um.Alloc("a", 10, "x", nil)
	require.NoError(t, err)

	blocks, kb := um.Reset()
	assert.Equal(t, 1, blocks)
	assert.Equal(t, 10, kb)
	assert.Equal(t, 0, um.Usage().UsedKB)
	assert.Equal(t, uint64(1), um.GetStats().FreeCount)
	assert.Equal(t, uint64(10), um.GetStats().FreedKB)
	assert.Equal(t, 10, um.Quota("a"))
	assert.NoError(t, um.Verify())
}

// ========== FAILURE CASES ==========

func TestUnifiedMemory_Rejections(t *testing.T) {
	testCases := []struct {
		name   string
		owner  string
		sizeKB int
	}{
		{"owner quota", "small", 11},
		{"capacity", "big", 101},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			um := newTestArena(100, map[string]int{"small": 10, "big": 500})
			before := um.Snapshot()

			_, err := um.Alloc(tc.owner, tc.sizeKB, "x", nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, foundation.ErrMemoryPressure)
			assert.Equal(t, before, um.Snapshot())
			assert.Equal(t, uint64(1), um.GetStats().Rejected)
		})
	}
}

func TestUnifiedMemory_InvalidInput(t *testing.T) {
	um := newTestArena(100, nil)

	_, err := um.Alloc("a", 0, "zero", nil)
	assert.ErrorIs(t, err, ErrInvalidSize)

	assert.ErrorIs(t, um.Free("blk_missing"), ErrUnknownBlock)

	_, err = um.Alloc("a", 20, "x", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, um.SetQuota("a", 10), ErrQuotaBelow)
	assert.NoError(t, um.SetQuota("a", 20))
}
