package supervisor

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/foundation"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/utils"
)

const latencyWindow = 1000

// BaseModule carries what every module shares: identity, health state,
// counters and a latency window. Concrete modules embed it and implement
// Handle, Snapshot and Restore.
type BaseModule struct {
	name string
	role foundation.Role

	state atomic.Int32

	jobsHandled   atomic.Uint64
	jobsCompleted atomic.Uint64
	jobsFailed    atomic.Uint64

	latencies []time.Duration
	lastError string
	mu        sync.RWMutex

	logger *utils.Logger
}

// NewBaseModule creates a base in state OK
func NewBaseModule(name string, role foundation.Role, logger *utils.Logger) *BaseModule {
	if logger == nil {
		logger = utils.DefaultLogger(name)
	}
	return &BaseModule{
		name:      name,
		role:      role,
		latencies: make([]time.Duration, 0, 64),
		logger:    logger,
	}
}

// Name returns the module name
func (b *BaseModule) Name() string { return b.name }

// Role returns the module role
func (b *BaseModule) Role() foundation.Role { return b.role }

// State returns the current health state
func (b *BaseModule) State() foundation.HealthState {
	return foundation.HealthState(b.state.Load())
}

// SetState moves the module to s. Halted is terminal.
func (b *BaseModule) SetState(s foundation.HealthState) {
	for {
		cur := b.state.Load()
		if foundation.HealthState(cur) == foundation.StateHalted {
			return
		}
		if b.state.CompareAndSwap(cur, int32(s)) {
			if foundation.HealthState(cur) != s {
				b.logger.Debug("Module state changed",
					utils.Stringer("from", foundation.HealthState(cur)),
					utils.Stringer("to", s))
			}
			return
		}
	}
}

// Logger returns the module logger
func (b *BaseModule) Logger() *utils.Logger { return b.logger }

// Guard rejects calls while the module is not OK
func (b *BaseModule) Guard() error {
	if s := b.State(); s != foundation.StateOK {
		return foundation.NewKernelError(foundation.KindRejected, "handle", b.name,
			fmt.Errorf("%w: %s", foundation.ErrModuleNotOK, s))
	}
	return nil
}

// Run guards, times and counts one unit of work
func (b *BaseModule) Run(task *foundation.TaskSpec, fn func() (any, error)) (any, error) {
	if err := b.Guard(); err != nil {
		return nil, err
	}

	start := time.Now()
	b.jobsHandled.Add(1)

	out, err := fn()

	b.recordLatency(time.Since(start))
	if err != nil {
		b.jobsFailed.Add(1)
		b.mu.Lock()
		b.lastError = err.Error()
		b.mu.Unlock()
		b.logger.Debug("Task failed",
			utils.String("task", task.ID),
			utils.String("op", task.Op()),
			utils.Err(err))
		return nil, err
	}
	b.jobsCompleted.Add(1)
	return out, nil
}

// Health returns the base health report
func (b *BaseModule) Health() *foundation.HealthStatus {
	handled := b.jobsHandled.Load()
	failed := b.jobsFailed.Load()
	state := b.State()

	errorRate := 0.0
	if handled > 0 {
		errorRate = float64(failed) / float64(handled)
	}

	issues := make([]string, 0)
	if state != foundation.StateOK {
		issues = append(issues, "state "+state.String())
	}
	if errorRate >= 0.1 && handled >= 10 {
		issues = append(issues, fmt.Sprintf("error rate %.2f", errorRate))
	}

	b.mu.RLock()
	lastError := b.lastError
	b.mu.RUnlock()
	if lastError != "" && state != foundation.StateOK {
		issues = append(issues, "last error: "+lastError)
	}

	metrics := b.Metrics()
	return &foundation.HealthStatus{
		Module:        b.name,
		Role:          b.role,
		State:         state,
		Healthy:       len(issues) == 0,
		Issues:        issues,
		LastCheck:     time.Now(),
		JobsProcessed: b.jobsCompleted.Load(),
		JobsFailed:    failed,
		ErrorRate:     errorRate,
		AvgLatency:    metrics.AverageLatency,
	}
}

// Metrics returns execution counters
func (b *BaseModule) Metrics() *foundation.ModuleMetrics {
	b.mu.RLock()
	defer b.mu.RUnlock()

	avg, p99 := time.Duration(0), time.Duration(0)
	if n := len(b.latencies); n > 0 {
		total := time.Duration(0)
		sorted := make([]time.Duration, n)
		copy(sorted, b.latencies)
		for _, lat := range sorted {
			total += lat
		}
		avg = total / time.Duration(n)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		p99 = sorted[(n*99)/100]
	}

	return &foundation.ModuleMetrics{
		JobsHandled:    b.jobsHandled.Load(),
		JobsCompleted:  b.jobsCompleted.Load(),
		JobsFailed:     b.jobsFailed.Load(),
		AverageLatency: avg,
		P99Latency:     p99,
	}
}

func (b *BaseModule) recordLatency(latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.latencies = append(b.latencies, latency)

	// Keep only the last window
	if len(b.latencies) > latencyWindow {
		b.latencies = b.latencies[1:]
	}
}
