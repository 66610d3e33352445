package foundation

import (
	"sync"
	"sync/atomic"
	"time"
)

// HaltSwitch is the chip-wide terminal stop flag. Once tripped it stays
// tripped for the life of the process; the first reason wins.
type HaltSwitch struct {
	halted atomic.Bool

	mu     sync.RWMutex
	reason string
	at     time.Time
}

// Trip raises the flag. Returns false if it was already raised.
func (h *HaltSwitch) Trip(reason string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.halted.Load() {
		return false
	}
	h.reason = reason
	h.at = time.Now()
	h.halted.Store(true)
	return true
}

// Halted reports whether the flag is raised
func (h *HaltSwitch) Halted() bool {
	return h.halted.Load()
}

// Reason returns the first halt reason, empty while running
func (h *HaltSwitch) Reason() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.reason
}

// At returns when the flag was raised
func (h *HaltSwitch) At() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.at
}
