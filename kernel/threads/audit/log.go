package audit

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/utils"
)

// Event is an immutable record of a permissioned action
type Event struct {
	Seq       uint64         `json:"seq" yaml:"seq"`
	Timestamp time.Time      `json:"timestamp" yaml:"timestamp"`
	TaskID    string         `json:"task_id" yaml:"task_id"`
	Module    string         `json:"module" yaml:"module"`
	Tag       string         `json:"tag" yaml:"tag"`
	Details   map[string]any `json:"details,omitempty" yaml:"details,omitempty"`
}

// Log is an append-only event list. Events are never mutated or removed.
type Log struct {
	events []Event
	sink   io.Writer
	clock  func() time.Time
	logger *utils.Logger

	sinkErrors uint64
	mu         sync.RWMutex
}

// Option configures a Log
type Option func(*Log)

// WithSink mirrors every event to w as one JSON line
func WithSink(w io.Writer) Option {
	return func(l *Log) { l.sink = w }
}

// WithClock overrides the timestamp source
func WithClock(clock func() time.Time) Option {
	return func(l *Log) { l.clock = clock }
}

// WithLogger sets the logger
func WithLogger(logger *utils.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// NewLog creates an empty log
func NewLog(opts ...Option) *Log {
	l := &Log{
		events: make([]Event, 0, 64),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = utils.DefaultLogger("audit")
	}
	return l
}

// Append records an event and returns it as stored. Details are copied.
func (l *Log) Append(taskID, module, tag string, details map[string]any) Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev := Event{
		Seq:       uint64(len(l.events) + 1),
		Timestamp: l.clock(),
		TaskID:    taskID,
		Module:    module,
		Tag:       tag,
		Details:   copyDetails(details),
	}
	l.events = append(l.events, ev)

	if l.sink != nil {
		if err := json.NewEncoder(l.sink).Encode(ev); err != nil {
			l.sinkErrors++
			l.logger.Warn("Audit sink write failed", utils.Uint64("seq", ev.Seq), utils.Err(err))
		}
	}
	return cloneEvent(ev)
}

// Len returns the number of events
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Events returns a copy of every event in append order
func (l *Log) Events() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneEvents(l.events)
}

// Recent returns up to n most recent events, oldest first
func (l *Log) Recent(n int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 {
		return []Event{}
	}
	start := len(l.events) - n
	if start < 0 {
		start = 0
	}
	return cloneEvents(l.events[start:])
}

// ForTask returns the events recorded for a task id
func (l *Log) ForTask(taskID string) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Event, 0)
	for _, ev := range l.events {
		if ev.TaskID == taskID {
			out = append(out, cloneEvent(ev))
		}
	}
	return out
}

// SinkErrors returns how many mirror writes failed
func (l *Log) SinkErrors() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sinkErrors
}

func cloneEvents(in []Event) []Event {
	out := make([]Event, len(in))
	for i, ev := range in {
		out[i] = cloneEvent(ev)
	}
	return out
}

func cloneEvent(ev Event) Event {
	ev.Details = copyDetails(ev.Details)
	return ev
}

func copyDetails(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
