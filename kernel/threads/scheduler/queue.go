package scheduler

import (
	"sync"

	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/foundation"
)

// LaneQueue is a thread-safe FIFO of tasks for one lane
type LaneQueue struct {
	lane  foundation.Lane
	tasks []*foundation.TaskSpec
	stats QueueStats
	mu    sync.RWMutex
}

// QueueStats tracks per-lane queue metrics
type QueueStats struct {
	Lane     foundation.Lane `json:"lane" yaml:"lane"`
	Depth    int             `json:"depth" yaml:"depth"`
	MaxDepth int             `json:"max_depth" yaml:"max_depth"`
	Enqueued uint64          `json:"enqueued" yaml:"enqueued"`
	Dequeued uint64          `json:"dequeued" yaml:"dequeued"`
	Requeued uint64          `json:"requeued" yaml:"requeued"`
}

// NewLaneQueue creates an empty queue
func NewLaneQueue(lane foundation.Lane) *LaneQueue {
	return &LaneQueue{lane: lane, tasks: make([]*foundation.TaskSpec, 0, 16)}
}

// Enqueue adds a task at the back
func (q *LaneQueue) Enqueue(task *foundation.TaskSpec) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	q.stats.Enqueued++
	q.trackDepth()
}

// PushFront returns a popped task to the head, ahead of everything queued
func (q *LaneQueue) PushFront(task *foundation.TaskSpec) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append([]*foundation.TaskSpec{task}, q.tasks...)
	q.stats.Requeued++
	q.trackDepth()
}

// Dequeue removes and returns the first task
func (q *LaneQueue) Dequeue() *foundation.TaskSpec {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil
	}
	task := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	q.stats.Dequeued++
	return task
}

// Len returns queue length
func (q *LaneQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.tasks)
}

// Tasks returns copies of the queued tasks in order
func (q *LaneQueue) Tasks() []foundation.TaskSpec {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]foundation.TaskSpec, len(q.tasks))
	for i, t := range q.tasks {
		out[i] = *t
	}
	return out
}

// Stats returns queue metrics
func (q *LaneQueue) Stats() QueueStats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	s := q.stats
	s.Lane = q.lane
	s.Depth = len(q.tasks)
	return s
}

func (q *LaneQueue) trackDepth() {
	if n := len(q.tasks); n > q.stats.MaxDepth {
		q.stats.MaxDepth = n
	}
}
