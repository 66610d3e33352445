package arena

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/foundation"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/utils"
)

// UnifiedMemory is a quota-governed arena shared by every module.
// Sizes are accounted in KB; the arena tracks bookkeeping, not bytes.
//
// Invariant: sum(usage) == used <= capacity and usage[o] <= quota(o).
// Alloc is all-or-nothing.
type UnifiedMemory struct {
	capacityKB   int
	defaultQuota int

	quotas map[string]int
	usage  map[string]int
	blocks map[BlockID]*Block
	usedKB int

	seq   atomic.Uint64
	clock func() time.Time

	// Statistics
	allocCount  uint64
	freeCount   uint64
	rejected    uint64
	allocatedKB uint64
	freedKB     uint64

	logger *utils.Logger
	mu     sync.RWMutex
}

// BlockID identifies a block for its lifetime in the arena
type BlockID string

// Block is one allocation
type Block struct {
	ID        BlockID
	Owner     string
	SizeKB    int
	Label     string
	Payload   any
	CreatedAt time.Time

	seq uint64
}

// BlockMeta is a block without its payload
type BlockMeta struct {
	ID        BlockID   `json:"id" yaml:"id"`
	Owner     string    `json:"owner" yaml:"owner"`
	SizeKB    int       `json:"size_kb" yaml:"size_kb"`
	Label     string    `json:"label" yaml:"label"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`

	seq uint64
}

// Snapshot is the accounting state of the arena. Payloads are never included.
type Snapshot struct {
	CapacityKB int            `json:"capacity_kb" yaml:"capacity_kb"`
	UsedKB     int            `json:"used_kb" yaml:"used_kb"`
	Owners     map[string]int `json:"owners" yaml:"owners"`
	Blocks     []BlockMeta    `json:"blocks" yaml:"blocks"`
	TakenAt    time.Time      `json:"taken_at" yaml:"taken_at"`
}

// OwnerBlocks returns the snapshot's blocks belonging to owner
func (s Snapshot) OwnerBlocks(owner string) []BlockMeta {
	out := make([]BlockMeta, 0)
	for _, b := range s.Blocks {
		if b.Owner == owner {
			out = append(out, b)
		}
	}
	return out
}

// AllocationRequest describes one allocation
type AllocationRequest struct {
	Owner   string
	SizeKB  int
	Label   string
	Payload any
}

// Config configures the arena
type Config struct {
	CapacityKB int
	// DefaultQuotaKB applies to owners without an explicit quota.
	// Zero means the full capacity.
	DefaultQuotaKB int
	Quotas         map[string]int
	Clock          func() time.Time
	Logger         *utils.Logger
}

var (
	ErrUnknownBlock = errors.New("unknown block")
	ErrInvalidSize  = errors.New("block size must be positive")
	ErrQuotaBelow   = errors.New("quota below current usage")
)

// NewUnifiedMemory creates an empty arena
func NewUnifiedMemory(cfg Config) *UnifiedMemory {
	if cfg.CapacityKB < 0 {
		cfg.CapacityKB = 0
	}
	if cfg.DefaultQuotaKB <= 0 {
		cfg.DefaultQuotaKB = cfg.CapacityKB
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.DefaultLogger("arena")
	}

	um := &UnifiedMemory{
		capacityKB:   cfg.CapacityKB,
		defaultQuota: cfg.DefaultQuotaKB,
		quotas:       make(map[string]int, len(cfg.Quotas)),
		usage:        make(map[string]int),
		blocks:       make(map[BlockID]*Block),
		clock:        cfg.Clock,
		logger:       cfg.Logger,
	}
	for owner, kb := range cfg.Quotas {
		if kb >= 0 {
			um.quotas[owner] = kb
		}
	}
	return um
}

// Alloc reserves sizeKB for owner. On failure nothing changes.
func (um *UnifiedMemory) Alloc(owner string, sizeKB int, label string, payload any) (BlockID, error) {
	return um.Allocate(AllocationRequest{Owner: owner, SizeKB: sizeKB, Label: label, Payload: payload})
}

// Allocate is Alloc taking a request
func (um *UnifiedMemory) Allocate(req AllocationRequest) (BlockID, error) {
	if req.SizeKB <= 0 {
		return "", fmt.Errorf("alloc %q: %w", req.Label, ErrInvalidSize)
	}

	um.mu.Lock()
	defer um.mu.Unlock()

	if err := um.admitLocked(req.Owner, req.SizeKB); err != nil {
		atomic.AddUint64(&um.rejected, 1)
		um.logger.Debug("Allocation rejected",
			utils.String("owner", req.Owner),
			utils.Int("size_kb", req.SizeKB),
			utils.Err(err))
		return "", err
	}

	seq := um.seq.Add(1)
	block := &Block{
		ID:        BlockID(fmt.Sprintf("blk_%06d", seq)),
		Owner:     req.Owner,
		SizeKB:    req.SizeKB,
		Label:     req.Label,
		Payload:   req.Payload,
		CreatedAt: um.clock(),
		seq:       seq,
	}
	um.insertLocked(block)

	atomic.AddUint64(&um.allocCount, 1)
	atomic.AddUint64(&um.allocatedKB, uint64(req.SizeKB))
	return block.ID, nil
}

// Free releases a block
func (um *UnifiedMemory) Free(id BlockID) error {
	um.mu.Lock()
	defer um.mu.Unlock()

	if _, ok := um.blocks[id]; !ok {
		return fmt.Errorf("free %s: %w", id, ErrUnknownBlock)
	}
	um.removeLocked(id)
	return nil
}

// Get returns a copy of a block
func (um *UnifiedMemory) Get(id BlockID) (Block, bool) {
	um.mu.RLock()
	defer um.mu.RUnlock()

	b, ok := um.blocks[id]
	if !ok {
		return Block{}, false
	}
	return *b, true
}

// Blocks lists an owner's blocks in allocation order
func (um *UnifiedMemory) Blocks(owner string) []Block {
	um.mu.RLock()
	defer um.mu.RUnlock()

	out := make([]Block, 0)
	for _, b := range um.blocks {
		if b.Owner == owner {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// SetQuota sets an owner's quota. It may not drop below current usage.
func (um *UnifiedMemory) SetQuota(owner string, kb int) error {
	if kb < 0 {
		return fmt.Errorf("quota for %q: %w", owner, ErrInvalidSize)
	}

	um.mu.Lock()
	defer um.mu.Unlock()

	if used := um.usage[owner]; kb < used {
		return fmt.Errorf("quota %dKB for %q (using %dKB): %w", kb, owner, used, ErrQuotaBelow)
	}
	um.quotas[owner] = kb
	return nil
}

// Quota returns the effective quota for owner
func (um *UnifiedMemory) Quota(owner string) int {
	um.mu.RLock()
	defer um.mu.RUnlock()
	return um.quotaLocked(owner)
}

// Snapshot captures accounting state without payloads
func (um *UnifiedMemory) Snapshot() Snapshot {
	um.mu.RLock()
	defer um.mu.RUnlock()

	snap := Snapshot{
		CapacityKB: um.capacityKB,
		UsedKB:     um.usedKB,
		Owners:     make(map[string]int, len(um.usage)),
		Blocks:     make([]BlockMeta, 0, len(um.blocks)),
		TakenAt:    um.clock(),
	}
	for owner, kb := range um.usage {
		snap.Owners[owner] = kb
	}
	for _, b := range um.blocks {
		snap.Blocks = append(snap.Blocks, BlockMeta{
			ID:        b.ID,
			Owner:     b.Owner,
			SizeKB:    b.SizeKB,
			Label:     b.Label,
			CreatedAt: b.CreatedAt,
			seq:       b.seq,
		})
	}
	sort.Slice(snap.Blocks, func(i, j int) bool { return snap.Blocks[i].seq < snap.Blocks[j].seq })
	return snap
}

// RestoreReport summarises a RestoreOwner call
type RestoreReport struct {
	Released int
	Restored int
	Skipped  int
}

// RestoreOwner rolls owner's accounting back to snap. Blocks allocated since
// the snapshot are released; blocks freed since are re-registered with a nil
// payload when quota and capacity still allow, otherwise skipped.
func (um *UnifiedMemory) RestoreOwner(owner string, snap Snapshot) RestoreReport {
	um.mu.Lock()
	defer um.mu.Unlock()

	var report RestoreReport

	want := make(map[BlockID]BlockMeta)
	for _, meta := range snap.OwnerBlocks(owner) {
		want[meta.ID] = meta
	}

	for id, b := range um.blocks {
		if b.Owner != owner {
			continue
		}
		if _, keep := want[id]; !keep {
			um.removeLocked(id)
			report.Released++
		}
	}

	metas := make([]BlockMeta, 0, len(want))
	for _, meta := range want {
		if _, live := um.blocks[meta.ID]; !live {
			metas = append(metas, meta)
		}
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].seq < metas[j].seq })

	for _, meta := range metas {
		if err := um.admitLocked(owner, meta.SizeKB); err != nil {
			report.Skipped++
			continue
		}
		um.insertLocked(&Block{
			ID:        meta.ID,
			Owner:     owner,
			SizeKB:    meta.SizeKB,
			Label:     meta.Label,
			CreatedAt: meta.CreatedAt,
			seq:       meta.seq,
		})
		report.Restored++
	}

	if report.Released+report.Restored+report.Skipped > 0 {
		um.logger.Info("Restored owner accounting",
			utils.String("owner", owner),
			utils.Int("released", report.Released),
			utils.Int("restored", report.Restored),
			utils.Int("skipped", report.Skipped))
	}
	return report
}

// Reset drops every block, as on a system restart, and returns how many
// blocks and KB it released. Quotas survive.
func (um *UnifiedMemory) Reset() (blocks, kb int) {
	um.mu.Lock()
	defer um.mu.Unlock()

	blocks, kb = len(um.blocks), um.usedKB
	atomic.AddUint64(&um.freeCount, uint64(blocks))
	atomic.AddUint64(&um.freedKB, uint64(kb))

	um.blocks = make(map[BlockID]*Block)
	um.usage = make(map[string]int)
	um.usedKB = 0
	return blocks, kb
}

// Verify checks the accounting invariant. A non-nil result means the arena
// is corrupt.
func (um *UnifiedMemory) Verify() error {
	um.mu.RLock()
	defer um.mu.RUnlock()

	perOwner := make(map[string]int)
	sum := 0
	for _, b := range um.blocks {
		perOwner[b.Owner] += b.SizeKB
		sum += b.SizeKB
	}

	var errs []error
	if sum != um.usedKB {
		errs = append(errs, fmt.Errorf("block total %dKB != used %dKB", sum, um.usedKB))
	}
	if um.usedKB > um.capacityKB {
		errs = append(errs, fmt.Errorf("used %dKB exceeds capacity %dKB", um.usedKB, um.capacityKB))
	}
	ownerSum := 0
	for owner, kb := range um.usage {
		ownerSum += kb
		if perOwner[owner] != kb {
			errs = append(errs, fmt.Errorf("owner %q: blocks %dKB != usage %dKB", owner, perOwner[owner], kb))
		}
		if q := um.quotaLocked(owner); kb > q {
			errs = append(errs, fmt.Errorf("owner %q: usage %dKB exceeds quota %dKB", owner, kb, q))
		}
	}
	if ownerSum != um.usedKB {
		errs = append(errs, fmt.Errorf("owner total %dKB != used %dKB", ownerSum, um.usedKB))
	}
	return errors.Join(errs...)
}

// Usage is a point-in-time summary of the arena
type Usage struct {
	CapacityKB int                   `json:"capacity_kb" yaml:"capacity_kb"`
	UsedKB     int                   `json:"used_kb" yaml:"used_kb"`
	FreeKB     int                   `json:"free_kb" yaml:"free_kb"`
	Blocks     int                   `json:"blocks" yaml:"blocks"`
	Owners     map[string]OwnerUsage `json:"owners" yaml:"owners"`
}

// OwnerUsage is one owner's share of the arena
type OwnerUsage struct {
	UsedKB  int `json:"used_kb" yaml:"used_kb"`
	QuotaKB int `json:"quota_kb" yaml:"quota_kb"`
	Blocks  int `json:"blocks" yaml:"blocks"`
}

// Usage summarises current consumption
func (um *UnifiedMemory) Usage() Usage {
	um.mu.RLock()
	defer um.mu.RUnlock()

	u := Usage{
		CapacityKB: um.capacityKB,
		UsedKB:     um.usedKB,
		FreeKB:     um.capacityKB - um.usedKB,
		Blocks:     len(um.blocks),
		Owners:     make(map[string]OwnerUsage, len(um.usage)),
	}
	counts := make(map[string]int)
	for _, b := range um.blocks {
		counts[b.Owner]++
	}
	for owner, kb := range um.usage {
		u.Owners[owner] = OwnerUsage{UsedKB: kb, QuotaKB: um.quotaLocked(owner), Blocks: counts[owner]}
	}
	return u
}

// Stats are lifetime allocation counters
type Stats struct {
	AllocCount  uint64 `json:"alloc_count" yaml:"alloc_count"`
	FreeCount   uint64 `json:"free_count" yaml:"free_count"`
	Rejected    uint64 `json:"rejected" yaml:"rejected"`
	AllocatedKB uint64 `json:"allocated_kb" yaml:"allocated_kb"`
	FreedKB     uint64 `json:"freed_kb" yaml:"freed_kb"`
}

// GetStats returns lifetime counters
func (um *UnifiedMemory) GetStats() Stats {
	return Stats{
		AllocCount:  atomic.LoadUint64(&um.allocCount),
		FreeCount:   atomic.LoadUint64(&um.freeCount),
		Rejected:    atomic.LoadUint64(&um.rejected),
		AllocatedKB: atomic.LoadUint64(&um.allocatedKB),
		FreedKB:     atomic.LoadUint64(&um.freedKB),
	}
}

func (um *UnifiedMemory) quotaLocked(owner string) int {
	if q, ok := um.quotas[owner]; ok {
		return q
	}
	return um.defaultQuota
}

func (um *UnifiedMemory) admitLocked(owner string, sizeKB int) error {
	if um.usage[owner]+sizeKB > um.quotaLocked(owner) {
		return foundation.ResourceError("alloc", owner,
			fmt.Errorf("%w: owner quota %dKB exceeded (using %dKB, want %dKB)",
				foundation.ErrMemoryPressure, um.quotaLocked(owner), um.usage[owner], sizeKB))
	}
	if um.usedKB+sizeKB > um.capacityKB {
		return foundation.ResourceError("alloc", owner,
			fmt.Errorf("%w: capacity %dKB exceeded (using %dKB, want %dKB)",
				foundation.ErrMemoryPressure, um.capacityKB, um.usedKB, sizeKB))
	}
	return nil
}

func (um *UnifiedMemory) insertLocked(b *Block) {
	um.blocks[b.ID] = b
	um.usage[b.Owner] += b.SizeKB
	um.usedKB += b.SizeKB
}

func (um *UnifiedMemory) removeLocked(id BlockID) {
	b := um.blocks[id]
	delete(um.blocks, id)
	um.usage[b.Owner] -= b.SizeKB
	if um.usage[b.Owner] == 0 {
		delete(um.usage, b.Owner)
	}
	um.usedKB -= b.SizeKB

	atomic.AddUint64(&um.freeCount, 1)
	atomic.AddUint64(&um.freedKB, uint64(b.SizeKB))
}
