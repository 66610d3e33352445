package threads

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/arena"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/audit"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/foundation"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/permission"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/safety"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/scheduler"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/supervisor"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/supervisor/units"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/utils"
)

// MemoryConfig sizes per-owner arena quotas. Capacity comes from the budget.
type MemoryConfig struct {
	DefaultQuotaKB int            `koanf:"default_quota_kb" json:"default_quota_kb" yaml:"default_quota_kb"`
	Quotas         map[string]int `koanf:"quotas" json:"quotas" yaml:"quotas"`
}

// PermissionConfig seeds the permission fabric
type PermissionConfig struct {
	TokenIssueRate  int      `koanf:"token_issue_rate" json:"token_issue_rate" yaml:"token_issue_rate"`
	TokenIssueBurst int      `koanf:"token_issue_burst" json:"token_issue_burst" yaml:"token_issue_burst"`
	Grants          []string `koanf:"grants" json:"grants" yaml:"grants"`
}

// Config assembles a chip
type Config struct {
	Budget       foundation.Budget `koanf:"budget" json:"budget" yaml:"budget"`
	MaxRollbacks int               `koanf:"max_rollbacks" json:"max_rollbacks" yaml:"max_rollbacks"`
	Constitution map[string]bool   `koanf:"constitution" json:"constitution" yaml:"constitution"`
	Memory       MemoryConfig      `koanf:"memory" json:"memory" yaml:"memory"`
	Permissions  PermissionConfig  `koanf:"permissions" json:"permissions" yaml:"permissions"`
	Units        UnitsConfig       `koanf:"units" json:"units" yaml:"units"`

	AuditSink io.Writer        `koanf:"-" json:"-" yaml:"-"`
	Clock     func() time.Time `koanf:"-" json:"-" yaml:"-"`
	Logger    *utils.Logger    `koanf:"-" json:"-" yaml:"-"`
}

// DefaultConfig returns the stock chip configuration
func DefaultConfig() Config {
	return Config{
		Budget:       foundation.DefaultBudget(),
		MaxRollbacks: safety.DefaultMaxRollbacks,
		Constitution: foundation.DefaultConstitution().Rules(),
		Permissions:  PermissionConfig{TokenIssueRate: 10, TokenIssueBurst: 20},
		Units:        DefaultUnitsConfig(),
	}
}

// Chip owns the shared context and the module registry, and turns every
// dispatched task into a TaskResult.
type Chip struct {
	mu sync.Mutex

	budget   foundation.Budget
	cctx     *supervisor.ChipContext
	registry *supervisor.Registry
	safety   *safety.Kernel
	sched    *scheduler.Scheduler
	epoch    *foundation.Epoch
	clock    func() time.Time
	logger   *utils.Logger

	executed uint64
}

// New builds a chip around the given modules
func New(cfg Config, modules ...supervisor.Module) (*Chip, error) {
	if err := cfg.Budget.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.DefaultLogger("chip")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	constitution := foundation.DefaultConstitution()
	if cfg.Constitution != nil {
		constitution = foundation.NewConstitution(cfg.Constitution)
	}

	fabric, err := permission.NewFabric(permission.Config{
		IssueRate:  cfg.Permissions.TokenIssueRate,
		IssueBurst: cfg.Permissions.TokenIssueBurst,
		Clock:      cfg.Clock,
		Logger:     cfg.Logger.Named("permission"),
	})
	if err != nil {
		return nil, utils.WrapError(err, "chip: permission fabric")
	}
	for _, surface := range cfg.Permissions.Grants {
		if err := fabric.Grant(surface); err != nil {
			return nil, utils.WrapErrorf(err, "chip: grant %q", surface)
		}
	}

	auditOpts := []audit.Option{audit.WithClock(cfg.Clock), audit.WithLogger(cfg.Logger.Named("audit"))}
	if cfg.AuditSink != nil {
		auditOpts = append(auditOpts, audit.WithSink(cfg.AuditSink))
	}

	halt := &foundation.HaltSwitch{}
	c := &Chip{
		budget: cfg.Budget,
		cctx: &supervisor.ChipContext{
			Memory: arena.NewUnifiedMemory(arena.Config{
				CapacityKB:     cfg.Budget.MaxMemoryKB,
				DefaultQuotaKB: cfg.Memory.DefaultQuotaKB,
				Quotas:         cfg.Memory.Quotas,
				Clock:          cfg.Clock,
				Logger:         cfg.Logger.Named("arena"),
			}),
			Permissions:  fabric,
			Audit:        audit.NewLog(auditOpts...),
			Constitution: constitution,
			Halt:         halt,
			Logger:       cfg.Logger,
		},
		registry: supervisor.NewRegistry(),
		safety: safety.NewKernel(halt, safety.Config{
			MaxRollbacks: cfg.MaxRollbacks,
			Logger:       cfg.Logger.Named("safety"),
		}),
		sched: scheduler.New(scheduler.Config{
			Budget: cfg.Budget,
			Halt:   halt,
			Clock:  cfg.Clock,
			Logger: cfg.Logger.Named("scheduler"),
		}),
		epoch:  foundation.NewEpoch(),
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}

	for _, m := range modules {
		if err := c.registry.Register(m); err != nil {
			return nil, err
		}
	}
	c.safety.SnapshotAll(c.registry.All(), c.cctx.Memory)

	c.logger.Info("Chip assembled",
		utils.Int("modules", c.registry.Len()),
		utils.Int("memory_kb", cfg.Budget.MaxMemoryKB),
		utils.Int("max_in_flight", cfg.Budget.MaxInFlight),
		utils.Int("max_io_per_tick", cfg.Budget.MaxIOPerTick))
	return c, nil
}

// NewStandard builds a chip with the built-in units selected by cfg.Units
func NewStandard(cfg Config) (*Chip, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = utils.DefaultLogger("chip")
		cfg.Logger = logger
	}
	modules, err := NewUnitLoader(cfg.Units, logger.Named("units")).LoadUnits()
	if err != nil {
		return nil, err
	}
	return New(cfg, modules...)
}

// Register adds a module and refreshes the rollback snapshot
func (c *Chip) Register(m supervisor.Module) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.registry.Register(m); err != nil {
		return err
	}
	c.safety.SnapshotAll(c.registry.All(), c.cctx.Memory)
	return nil
}

// Module looks up a registered module
func (c *Chip) Module(name string) (supervisor.Module, bool) {
	return c.registry.Get(name)
}

// Modules returns every module in registration order
func (c *Chip) Modules() []supervisor.Module {
	return c.registry.All()
}

// Submit queues a task. It does not take the chip lock so producers never
// wait on a running tick.
func (c *Chip) Submit(task *foundation.TaskSpec) error {
	return c.sched.Submit(task)
}

// Tick snapshots, enforces and drains all lanes once
func (c *Chip) Tick() []*foundation.TaskResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	modules := c.registry.All()
	c.safety.VerifyMemory(c.cctx.Memory)
	if !c.safety.ObserveAndEnforce(modules) {
		c.safety.SnapshotAll(modules, c.cctx.Memory)
	}

	results := c.sched.Tick(c.execute)

	if pruned := c.cctx.Permissions.PruneExpired(); pruned > 0 {
		c.logger.Debug("Pruned expired tokens", utils.Int("count", pruned))
	}
	c.epoch.Increment()
	return results
}

// Execute dispatches one task immediately, bypassing the queues
func (c *Chip) Execute(task *foundation.TaskSpec) *foundation.TaskResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.execute(task)
}

// execute runs the dispatch sequence. Caller holds c.mu.
func (c *Chip) execute(task *foundation.TaskSpec) *foundation.TaskResult {
	start := c.clock()
	c.executed++

	if c.cctx.Halt.Halted() {
		return foundation.Failed(task, foundation.ErrHalted, c.since(start))
	}

	modules := c.registry.All()
	if c.safety.ObserveAndEnforce(modules) {
		return foundation.Failed(task, foundation.ErrHalted, c.since(start))
	}

	m, ok := c.registry.Get(task.Module)
	if !ok {
		return foundation.Failed(task,
			foundation.NewKernelError(foundation.KindRejected, "execute", task.Module, foundation.ErrUnknownModule),
			c.since(start))
	}
	switch m.State() {
	case foundation.StateQuarantined:
		return foundation.Failed(task, foundation.ErrQuarantined, c.since(start))
	case foundation.StateHalted:
		return foundation.Failed(task, foundation.ErrHalted, c.since(start))
	}

	if m.Role() == foundation.RoleIO &&
		c.cctx.Constitution.Enabled(foundation.RuleIORequiresConsent) &&
		!task.NeedsConsent {
		return foundation.Failed(task,
			foundation.NewKernelError(foundation.KindRejected, "execute", m.Name(), foundation.ErrConsentRequired),
			c.since(start))
	}

	var (
		out any
		err error
	)
	if task.NeedsConsent || task.Token != "" {
		if allowed, reason := c.cctx.Permissions.Verify(task.NeedsConsent, task.Surface, task.Token); !allowed {
			err = foundation.PermissionError("execute", m.Name(), reason)
		}
	}
	if err == nil {
		out, err = c.invoke(m, task)
	}

	if err == nil {
		return foundation.Succeeded(task, out, c.since(start))
	}
	c.handleFailure(m, task, err)
	return foundation.Failed(task, err, c.since(start))
}

// invoke calls the module, converting a panic into a generic failure
func (c *Chip) invoke(m supervisor.Module, task *foundation.TaskSpec) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = utils.PanicError(m.Name()+"."+task.Op(), r)
			c.logger.Error("Module panicked",
				utils.String("module", m.Name()),
				utils.String("task", task.ID),
				utils.Any("panic", r))
		}
	}()
	return m.Handle(task, c.cctx)
}

// handleFailure picks the recovery path for a failed dispatch
func (c *Chip) handleFailure(m supervisor.Module, task *foundation.TaskSpec, err error) {
	kind := foundation.KindOf(err)
	log := c.logger.With(utils.String("task", task.ID), utils.String("module", m.Name()))
	log.Warn("Task failed", utils.Stringer("kind", kind), utils.Err(err))

	switch kind {
	case foundation.KindPermission:
		c.safety.Quarantine(m, err.Error())
		c.rollback(m, log)
	case foundation.KindResource:
		c.rollback(m, log)
	case foundation.KindRejected, foundation.KindHalted:
		// refused before any state changed
	default:
		c.rollback(m, log)
	}
}

// rollback restores m and halts at once when the rollback budget is spent,
// so the scheduler stops before popping another task
func (c *Chip) rollback(m supervisor.Module, log *utils.Logger) {
	if err := c.safety.RollbackModule(m, c.cctx.Memory); err != nil {
		log.Error("Rollback failed", utils.Err(err))
	}
	if c.safety.Exceeded() {
		c.safety.HaltEverything(safety.ReasonRollbackLimit, c.registry.All())
	}
}

// Route asks the decision core where an intent belongs and returns a task
// addressed there, or the safe default when routing failed. An empty
// intent goes straight to the default without a routing dispatch.
func (c *Chip) Route(intent string) *foundation.TaskSpec {
	route := units.FallbackRoute()
	if intent == "" {
		return foundation.NewTask(route.Lane, intent, route.Module, map[string]any{"op": route.Op})
	}

	lookup := foundation.NewTask(foundation.LaneLive, "route", units.NameDecisionCore,
		map[string]any{"op": "route", "intent": intent})
	res := c.Execute(lookup)

	if res.Success {
		if r, ok := res.Output.(foundation.Route); ok {
			route = r
		}
	} else {
		c.logger.Debug("Routing failed, using fallback",
			utils.String("intent", intent),
			utils.String("error", res.Error))
	}
	return foundation.NewTask(route.Lane, intent, route.Module,
		map[string]any{"op": route.Op, "intent": intent})
}

// Grant records consent for a surface
func (c *Chip) Grant(surface string) error {
	return c.cctx.Permissions.Grant(surface)
}

// Revoke withdraws consent for a surface
func (c *Chip) Revoke(surface string) {
	c.cctx.Permissions.Revoke(surface)
}

// IssueToken mints a time-bound token for a surface
func (c *Chip) IssueToken(surface string, ttl time.Duration) (permission.Token, error) {
	return c.cctx.Permissions.IssueToken(surface, ttl)
}

// SetQuota changes an owner's arena quota
func (c *Chip) SetQuota(owner string, quotaKB int) error {
	return c.cctx.Memory.SetQuota(owner, quotaKB)
}

// Quarantine suspends a module by operator request
func (c *Chip) Quarantine(name, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.registry.Get(name)
	if !ok {
		return fmt.Errorf("quarantine %q: %w", name, foundation.ErrUnknownModule)
	}
	c.safety.Quarantine(m, reason)
	return nil
}

// Rollback is the explicit operator rollback: it lifts quarantine and
// restores the module from the last snapshot
func (c *Chip) Rollback(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cctx.Halt.Halted() {
		return foundation.ErrHalted
	}
	m, ok := c.registry.Get(name)
	if !ok {
		return fmt.Errorf("rollback %q: %w", name, foundation.ErrUnknownModule)
	}
	c.safety.Release(m)
	err := c.safety.RollbackModule(m, c.cctx.Memory)
	if c.safety.Exceeded() {
		c.safety.HaltEverything(safety.ReasonRollbackLimit, c.registry.All())
	}
	return err
}

// Halt stops the chip for good
func (c *Chip) Halt(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.safety.HaltEverything(reason, c.registry.All())
}

// Shutdown clears the arena as a restart would. Blocks modules still refer
// to are gone afterwards, so the chip should not dispatch again.
func (c *Chip) Shutdown(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	blocks, kb := c.cctx.Memory.Reset()
	c.logger.Info("Arena cleared", utils.Int("blocks", blocks), utils.Int("kb", kb))
	return nil
}

// Halted reports whether the chip is halted
func (c *Chip) Halted() bool {
	return c.cctx.Halt.Halted()
}

// Epoch advances once per completed tick
func (c *Chip) Epoch() *foundation.Epoch {
	return c.epoch
}

// Pending lists queued tasks of a lane
func (c *Chip) Pending(lane foundation.Lane) []foundation.TaskSpec {
	return c.sched.Pending(lane)
}

// Audit exposes the audit log for reading
func (c *Chip) Audit() *audit.Log {
	return c.cctx.Audit
}

// Memory exposes the arena for reading
func (c *Chip) Memory() *arena.UnifiedMemory {
	return c.cctx.Memory
}

func (c *Chip) since(start time.Time) time.Duration {
	return c.clock().Sub(start)
}
