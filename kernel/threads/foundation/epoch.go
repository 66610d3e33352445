package foundation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Epoch is a monotonically increasing tick counter with change notification.
// The chip bumps it once per completed tick; drivers wait on it instead of polling.
type Epoch struct {
	value atomic.Uint64

	waiters   []chan struct{}
	waitersMu sync.Mutex

	stats EpochStats
}

// EpochStats tracks epoch notification metrics
type EpochStats struct {
	Increments uint64
	Wakes      uint64
	MaxWaiters uint32
}

// NewEpoch creates an epoch starting at zero
func NewEpoch() *Epoch {
	return &Epoch{waiters: make([]chan struct{}, 0, 4)}
}

// Increment advances the epoch and wakes all waiters
func (e *Epoch) Increment() uint64 {
	v := e.value.Add(1)
	atomic.AddUint64(&e.stats.Increments, 1)
	e.notifyWaiters()
	return v
}

// Value returns the current epoch
func (e *Epoch) Value() uint64 {
	return e.value.Load()
}

// WaitForChange blocks until the epoch moves past last, the timeout fires
// (returns false) or ctx is done (returns ctx.Err()).
func (e *Epoch) WaitForChange(ctx context.Context, last uint64, timeout time.Duration) (uint64, bool, error) {
	if current := e.value.Load(); current != last {
		atomic.AddUint64(&e.stats.Wakes, 1)
		return current, true, nil
	}

	ch := make(chan struct{}, 1)
	e.addWaiter(ch)
	defer e.removeWaiter(ch)

	// Re-check after registering so an increment between the fast path and
	// addWaiter is not lost.
	if current := e.value.Load(); current != last {
		atomic.AddUint64(&e.stats.Wakes, 1)
		return current, true, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		atomic.AddUint64(&e.stats.Wakes, 1)
		return e.value.Load(), true, nil
	case <-timer.C:
		return last, false, nil
	case <-ctx.Done():
		return last, false, ctx.Err()
	}
}

// Stats returns a copy of the notification metrics
func (e *Epoch) Stats() EpochStats {
	e.waitersMu.Lock()
	defer e.waitersMu.Unlock()
	return EpochStats{
		Increments: atomic.LoadUint64(&e.stats.Increments),
		Wakes:      atomic.LoadUint64(&e.stats.Wakes),
		MaxWaiters: e.stats.MaxWaiters,
	}
}

func (e *Epoch) addWaiter(ch chan struct{}) {
	e.waitersMu.Lock()
	defer e.waitersMu.Unlock()
	e.waiters = append(e.waiters, ch)
	if n := uint32(len(e.waiters)); n > e.stats.MaxWaiters {
		e.stats.MaxWaiters = n
	}
}

func (e *Epoch) removeWaiter(ch chan struct{}) {
	e.waitersMu.Lock()
	defer e.waitersMu.Unlock()
	for i, waiter := range e.waiters {
		if waiter == ch {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			break
		}
	}
}

func (e *Epoch) notifyWaiters() {
	e.waitersMu.Lock()
	waiters := make([]chan struct{}, len(e.waiters))
	copy(waiters, e.waiters)
	e.waitersMu.Unlock()

	for _, ch := range waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
