package threads

import (
	"time"

	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/arena"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/audit"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/foundation"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/permission"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/safety"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/scheduler"
)

// DefaultRecentAudit is how many audit events Diagnostics carries by default
const DefaultRecentAudit = 16

// Diagnostics is a point-in-time export of the chip
type Diagnostics struct {
	GeneratedAt  time.Time                 `json:"generated_at" yaml:"generated_at"`
	Epoch        uint64                    `json:"epoch" yaml:"epoch"`
	Executed     uint64                    `json:"executed" yaml:"executed"`
	Halted       bool                      `json:"halted" yaml:"halted"`
	HaltReason   string                    `json:"halt_reason,omitempty" yaml:"halt_reason,omitempty"`
	Budget       foundation.Budget         `json:"budget" yaml:"budget"`
	Constitution map[string]bool           `json:"constitution" yaml:"constitution"`
	Modules      []foundation.HealthStatus `json:"modules" yaml:"modules"`
	Scheduler    scheduler.Stats           `json:"scheduler" yaml:"scheduler"`
	Safety       safety.Report             `json:"safety" yaml:"safety"`
	Memory       arena.Usage               `json:"memory" yaml:"memory"`
	MemoryStats  arena.Stats               `json:"memory_stats" yaml:"memory_stats"`
	Permissions  permission.Stats          `json:"permissions" yaml:"permissions"`
	AuditTotal   int                       `json:"audit_total" yaml:"audit_total"`
	RecentAudit  []audit.Event             `json:"recent_audit" yaml:"recent_audit"`
}

// Diagnostics collects health, counters and the newest audit events.
// recentAudit <= 0 selects DefaultRecentAudit.
func (c *Chip) Diagnostics(recentAudit int) Diagnostics {
	if recentAudit <= 0 {
		recentAudit = DefaultRecentAudit
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	modules := c.registry.All()
	health := make([]foundation.HealthStatus, 0, len(modules))
	for _, m := range modules {
		health = append(health, *m.Health())
	}

	return Diagnostics{
		GeneratedAt:  c.clock(),
		Epoch:        c.epoch.Value(),
		Executed:     c.executed,
		Halted:       c.cctx.Halt.Halted(),
		HaltReason:   c.cctx.Halt.Reason(),
		Budget:       c.budget,
		Constitution: c.cctx.Constitution.Rules(),
		Modules:      health,
		Scheduler:    c.sched.Stats(),
		Safety:       c.safety.Report(),
		Memory:       c.cctx.Memory.Usage(),
		MemoryStats:  c.cctx.Memory.GetStats(),
		Permissions:  c.cctx.Permissions.Stats(),
		AuditTotal:   c.cctx.Audit.Len(),
		RecentAudit:  c.cctx.Audit.Recent(recentAudit),
	}
}
