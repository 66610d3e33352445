package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/foundation"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/utils"
)

var (
	ErrQueueFull     = errors.New("in-flight cap reached")
	ErrDuplicateTask = errors.New("task id already in flight")
	ErrInvalidTask   = errors.New("invalid task")
)

// Dispatcher executes one popped task and always returns a result
type Dispatcher func(task *foundation.TaskSpec) *foundation.TaskResult

// Scheduler drains per-lane FIFO queues in strict lane priority under soft
// per-lane time budgets and a chip-wide I/O cap per tick.
type Scheduler struct {
	budget   foundation.Budget
	queues   [foundation.NumLanes]*LaneQueue
	inFlight map[string]struct{}

	halt  *foundation.HaltSwitch
	clock func() time.Time

	ticks       uint64
	completed   uint64
	failed      uint64
	dropped     uint64
	haltedTicks uint64
	aborted     uint64

	logger *utils.Logger
	mu     sync.Mutex
	tickMu sync.Mutex
}

// Config configures a Scheduler
type Config struct {
	Budget foundation.Budget
	Halt   *foundation.HaltSwitch
	Clock  func() time.Time
	Logger *utils.Logger
}

// New creates a scheduler with empty queues
func New(cfg Config) *Scheduler {
	if cfg.Halt == nil {
		cfg.Halt = &foundation.HaltSwitch{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.DefaultLogger("scheduler")
	}

	s := &Scheduler{
		budget:   cfg.Budget,
		inFlight: make(map[string]struct{}),
		halt:     cfg.Halt,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
	for _, lane := range foundation.Lanes() {
		s.queues[lane] = NewLaneQueue(lane)
	}
	return s
}

// Submit queues a task. It is rejected, and counted as dropped, when the
// in-flight cap would be exceeded.
func (s *Scheduler) Submit(task *foundation.TaskSpec) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("%w: missing task or id", ErrInvalidTask)
	}
	if !task.Lane.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidTask, task.Lane)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.inFlight[task.ID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	}
	if len(s.inFlight)+1 > s.budget.MaxInFlight {
		s.dropped++
		s.logger.Warn("Task dropped",
			utils.String("task", task.ID),
			utils.Stringer("lane", task.Lane),
			utils.Int("in_flight", len(s.inFlight)))
		return fmt.Errorf("%w (%d)", ErrQueueFull, s.budget.MaxInFlight)
	}

	s.inFlight[task.ID] = struct{}{}
	s.queues[task.Lane].Enqueue(task)
	return nil
}

// Tick runs one scheduling pass and returns the results in dispatch order.
// A raised halt flag aborts the pass and leaves undrained queues intact.
func (s *Scheduler) Tick(dispatch Dispatcher) []*foundation.TaskResult {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.halt.Halted() {
		s.haltedTicks++
		return nil
	}
	s.ticks++

	results := make([]*foundation.TaskResult, 0)
	ioUsed := 0

	for _, lane := range foundation.Lanes() {
		q := s.queues[lane]
		allowance := s.budget.For(lane)
		start := s.clock()

		for q.Len() > 0 && s.clock().Sub(start) < allowance {
			if s.halt.Halted() {
				s.aborted++
				s.logger.Warn("Tick aborted by halt", utils.Stringer("lane", lane), utils.Int("dispatched", len(results)))
				return results
			}

			task := q.Dequeue()
			if ioUsed+task.IOOps > s.budget.MaxIOPerTick {
				q.PushFront(task)
				break
			}
			ioUsed += task.IOOps

			// dispatch may re-enter Submit
			s.mu.Unlock()
			res := dispatch(task)
			s.mu.Lock()

			delete(s.inFlight, task.ID)
			s.completed++
			if res == nil || !res.Success {
				s.failed++
			}
			results = append(results, res)
		}
	}

	return results
}

// Pending returns copies of the queued tasks of a lane, head first
func (s *Scheduler) Pending(lane foundation.Lane) []foundation.TaskSpec {
	if !lane.Valid() {
		return nil
	}
	return s.queues[lane].Tasks()
}

// Stats are scheduler counters
type Stats struct {
	Ticks       uint64       `json:"ticks" yaml:"ticks"`
	Completed   uint64       `json:"completed" yaml:"completed"`
	Failed      uint64       `json:"failed" yaml:"failed"`
	Dropped     uint64       `json:"dropped" yaml:"dropped"`
	HaltedTicks uint64       `json:"halted_ticks" yaml:"halted_ticks"`
	Aborted     uint64       `json:"aborted" yaml:"aborted"`
	InFlight    int          `json:"in_flight" yaml:"in_flight"`
	Lanes       []QueueStats `json:"lanes" yaml:"lanes"`
}

// Stats returns a copy of the counters
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Ticks:       s.ticks,
		Completed:   s.completed,
		Failed:      s.failed,
		Dropped:     s.dropped,
		HaltedTicks: s.haltedTicks,
		Aborted:     s.aborted,
		InFlight:    len(s.inFlight),
		Lanes:       make([]QueueStats, 0, foundation.NumLanes),
	}
	for _, lane := range foundation.Lanes() {
		st.Lanes = append(st.Lanes, s.queues[lane].Stats())
	}
	return st
}
