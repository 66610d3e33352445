package units

import (
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/arena"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/foundation"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/supervisor"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/utils"
)

const (
	DefaultCacheEntries = 1024
	bloomFalsePositive  = 0.01
)

// Cache is a bounded key/value store with FIFO eviction. A bloom filter
// answers most misses without touching the map.
type Cache struct {
	*supervisor.BaseModule

	capacity int
	state    cacheState
	filter   *bloom.BloomFilter

	// keys deleted since the filter was last rebuilt
	stale int

	hits, misses, filtered, evictions uint64
}

type cacheEntry struct {
	Value any
	Block arena.BlockID
}

type cacheState struct {
	Entries map[string]cacheEntry
	Order   []string
}

func (s *cacheState) Clone() supervisor.StateSnapshot {
	c := &cacheState{
		Entries: make(map[string]cacheEntry, len(s.Entries)),
		Order:   append([]string(nil), s.Order...),
	}
	for k, v := range s.Entries {
		c.Entries[k] = v
	}
	return c
}

// CacheLookup is the output of get
type CacheLookup struct {
	Key   string `json:"key" yaml:"key"`
	Hit   bool   `json:"hit" yaml:"hit"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// NewCache creates a cache holding at most capacity entries
func NewCache(capacity int, logger *utils.Logger) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheEntries
	}
	return &Cache{
		BaseModule: supervisor.NewBaseModule(NameCache, foundation.RoleCache, logger),
		capacity:   capacity,
		state:      cacheState{Entries: make(map[string]cacheEntry), Order: make([]string, 0, capacity)},
		filter:     bloom.NewWithEstimates(uint(capacity), bloomFalsePositive),
	}
}

// Handle serves put, get and delete
func (c *Cache) Handle(task *foundation.TaskSpec, cctx *supervisor.ChipContext) (any, error) {
	return c.Run(task, func() (any, error) {
		key, err := stringField(task.Payload, "key")
		if err != nil {
			return nil, utils.WrapErrorf(err, "cache: %s", task.Op())
		}

		switch task.Op() {
		case "put":
			return c.put(task, cctx, key)
		case "get":
			return c.get(key), nil
		case "delete":
			return map[string]bool{"deleted": c.delete(cctx, key)}, nil
		default:
			return nil, fmt.Errorf("cache: unknown op %q", task.Op())
		}
	})
}

func (c *Cache) put(task *foundation.TaskSpec, cctx *supervisor.ChipContext, key string) (any, error) {
	value, ok := task.Payload["value"]
	if !ok {
		return nil, fmt.Errorf("cache: put %q: payload field \"value\" missing", key)
	}

	var block arena.BlockID
	if task.MemKB > 0 {
		if cctx == nil || cctx.Memory == nil {
			return nil, fmt.Errorf("cache: put %q: %w", key, errNoArena)
		}
		id, err := cctx.Memory.Alloc(c.Name(), task.MemKB, "entry:"+key, value)
		if err != nil {
			return nil, fmt.Errorf("cache: put %q: %w", key, err)
		}
		block = id
	}

	if _, exists := c.state.Entries[key]; exists {
		c.delete(cctx, key)
	}
	c.state.Entries[key] = cacheEntry{Value: value, Block: block}
	c.state.Order = append(c.state.Order, key)
	c.filter.AddString(key)

	for len(c.state.Order) > c.capacity {
		oldest := c.state.Order[0]
		c.delete(cctx, oldest)
		c.evictions++
	}

	return map[string]any{"key": key, "block": block, "entries": len(c.state.Entries)}, nil
}

func (c *Cache) get(key string) CacheLookup {
	if !c.filter.TestString(key) {
		c.filtered++
		c.misses++
		return CacheLookup{Key: key}
	}
	entry, ok := c.state.Entries[key]
	if !ok {
		c.misses++
		return CacheLookup{Key: key}
	}
	c.hits++
	return CacheLookup{Key: key, Hit: true, Value: entry.Value}
}

func (c *Cache) delete(cctx *supervisor.ChipContext, key string) bool {
	entry, ok := c.state.Entries[key]
	if !ok {
		return false
	}
	delete(c.state.Entries, key)
	for i, k := range c.state.Order {
		if k == key {
			c.state.Order = append(c.state.Order[:i], c.state.Order[i+1:]...)
			break
		}
	}
	if entry.Block != "" && cctx != nil && cctx.Memory != nil {
		if err := cctx.Memory.Free(entry.Block); err != nil && !errors.Is(err, arena.ErrUnknownBlock) {
			c.Logger().Warn("Cache block free failed", utils.String("key", key), utils.Err(err))
		}
	}

	c.stale++
	if c.stale > c.capacity {
		c.rebuildFilter()
	}
	return true
}

func (c *Cache) rebuildFilter() {
	c.filter.ClearAll()
	for k := range c.state.Entries {
		c.filter.AddString(k)
	}
	c.stale = 0
}

// Len returns the number of entries
func (c *Cache) Len() int { return len(c.state.Entries) }

// Health adds hit/miss counters to the base report
func (c *Cache) Health() *foundation.HealthStatus {
	h := c.BaseModule.Health()
	h.Summary = fmt.Sprintf("%d/%d entries, %d hits, %d misses (%d filtered), %d evictions",
		len(c.state.Entries), c.capacity, c.hits, c.misses, c.filtered, c.evictions)
	return h
}

// Snapshot captures entries and eviction order
func (c *Cache) Snapshot() supervisor.StateSnapshot {
	return c.state.Clone()
}

// Restore replaces entries and rebuilds the filter
func (c *Cache) Restore(s supervisor.StateSnapshot) error {
	st, ok := s.(*cacheState)
	if !ok {
		return fmt.Errorf("cache: %w (%T)", supervisor.ErrSnapshotType, s)
	}
	c.state = *st.Clone().(*cacheState)
	c.rebuildFilter()
	return nil
}
