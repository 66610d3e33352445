package units

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/foundation"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads/supervisor"
	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/utils"
)

// Sink receives data the bus emits on a channel
type Sink interface {
	Deliver(channel string, data any) error
}

// Delivery is one emitted item
type Delivery struct {
	Channel string
	Data    any
	At      time.Time
}

// MemorySink keeps the most recent deliveries in memory
type MemorySink struct {
	limit      int
	deliveries []Delivery
	mu         sync.Mutex
}

// NewMemorySink keeps at most limit deliveries
func NewMemorySink(limit int) *MemorySink {
	if limit <= 0 {
		limit = 256
	}
	return &MemorySink{limit: limit}
}

// Deliver records one item
func (s *MemorySink) Deliver(channel string, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, Delivery{Channel: channel, Data: data, At: time.Now()})
	if len(s.deliveries) > s.limit {
		s.deliveries = s.deliveries[1:]
	}
	return nil
}

// Deliveries returns a copy of what was delivered
func (s *MemorySink) Deliveries() []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Delivery(nil), s.deliveries...)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(channel string, data any) error

// Deliver calls f
func (f SinkFunc) Deliver(channel string, data any) error { return f(channel, data) }

// IOBusConfig configures the bus breaker
type IOBusConfig struct {
	// BreakerFailures consecutive sink failures open the breaker
	BreakerFailures uint32
	// BreakerCooldown is how long the breaker stays open
	BreakerCooldown time.Duration
}

// IOBus is the permissioned output path. The chip verifies consent before
// a task reaches Handle; the bus records one audit event per delivery.
type IOBus struct {
	*supervisor.BaseModule
	sink    Sink
	breaker *gobreaker.CircuitBreaker
	state   ioState
}

type ioState struct {
	Emitted  uint64
	Channels map[string]uint64
}

func (s *ioState) Clone() supervisor.StateSnapshot {
	c := &ioState{Emitted: s.Emitted, Channels: make(map[string]uint64, len(s.Channels))}
	for k, v := range s.Channels {
		c.Channels[k] = v
	}
	return c
}

// NewIOBus creates the bus. A nil sink gets a MemorySink.
func NewIOBus(sink Sink, cfg IOBusConfig, logger *utils.Logger) *IOBus {
	if sink == nil {
		sink = NewMemorySink(0)
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 3
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 5 * time.Second
	}

	bus := &IOBus{
		BaseModule: supervisor.NewBaseModule(NameIOBus, foundation.RoleIO, logger),
		sink:       sink,
		state:      ioState{Channels: make(map[string]uint64)},
	}
	bus.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        NameIOBus,
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			bus.Logger().Warn("Sink breaker state changed",
				utils.String("breaker", name),
				utils.Stringer("from", from),
				utils.Stringer("to", to))
		},
	})
	return bus
}

// Handle serves emit
func (b *IOBus) Handle(task *foundation.TaskSpec, cctx *supervisor.ChipContext) (any, error) {
	return b.Run(task, func() (any, error) {
		if task.Op() != "emit" {
			return nil, fmt.Errorf("io_bus: unknown op %q", task.Op())
		}
		channel, err := stringField(task.Payload, "channel")
		if err != nil {
			return nil, utils.WrapError(err, "io_bus: emit")
		}
		data := task.Payload["data"]

		if _, err := b.breaker.Execute(func() (interface{}, error) {
			return nil, b.sink.Deliver(channel, data)
		}); err != nil {
			return nil, utils.WrapErrorf(err, "io_bus: emit on %q", channel)
		}

		b.state.Emitted++
		b.state.Channels[channel]++

		seq := uint64(0)
		if cctx != nil && cctx.Audit != nil {
			tag := task.AuditTag
			if tag == "" {
				tag = "io.emit"
			}
			ev := cctx.Audit.Append(task.ID, b.Name(), tag, map[string]any{
				"channel": channel,
				"surface": task.Surface,
				"io_ops":  task.IOOps,
			})
			seq = ev.Seq
		}
		return map[string]any{"channel": channel, "delivered": true, "audit_seq": seq}, nil
	})
}

// BreakerState reports the sink breaker state
func (b *IOBus) BreakerState() gobreaker.State {
	return b.breaker.State()
}

// Health adds delivery counters to the base report
func (b *IOBus) Health() *foundation.HealthStatus {
	h := b.BaseModule.Health()
	channels := make([]string, 0, len(b.state.Channels))
	for ch := range b.state.Channels {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	h.Summary = fmt.Sprintf("%d emitted on %v, breaker %s", b.state.Emitted, channels, b.breaker.State())
	if b.breaker.State() == gobreaker.StateOpen {
		h.Issues = append(h.Issues, "sink breaker open")
		h.Healthy = false
	}
	return h
}

// Snapshot captures delivery counters
func (b *IOBus) Snapshot() supervisor.StateSnapshot {
	return b.state.Clone()
}

// Restore replaces delivery counters
func (b *IOBus) Restore(s supervisor.StateSnapshot) error {
	st, ok := s.(*ioState)
	if !ok {
		return fmt.Errorf("io_bus: %w (%T)", supervisor.ErrSnapshotType, s)
	}
	b.state = *st.Clone().(*ioState)
	return nil
}
