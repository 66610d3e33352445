package utils

import (
	"context"
	"errors"
	"sync"
	"time"
)

type shutdownHook struct {
	name string
	fn   func(context.Context) error
}

// GracefulShutdown runs registered shutdown hooks in reverse registration order
type GracefulShutdown struct {
	mu      sync.Mutex
	hooks   []shutdownHook
	timeout time.Duration
	logger  *Logger
	done    bool
}

// NewGracefulShutdown creates a new graceful shutdown manager
func NewGracefulShutdown(timeout time.Duration, logger *Logger) *GracefulShutdown {
	if logger == nil {
		logger = DefaultLogger("shutdown")
	}

	return &GracefulShutdown{
		hooks:   make([]shutdownHook, 0),
		timeout: timeout,
		logger:  logger,
	}
}

// Register registers a named shutdown hook
func (g *GracefulShutdown) Register(name string, fn func(context.Context) error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.hooks = append(g.hooks, shutdownHook{name: name, fn: fn})
}

// Shutdown executes all registered hooks (LIFO). It runs at most once;
// later calls return nil. Hook errors are joined.
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.done {
		return nil
	}
	g.done = true

	g.logger.Info("Starting graceful shutdown", Int("components", len(g.hooks)))

	shutdownCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var errs []error
	for i := len(g.hooks) - 1; i >= 0; i-- {
		if err := shutdownCtx.Err(); err != nil {
			g.logger.Warn("Graceful shutdown timed out", String("pending", g.hooks[i].name))
			errs = append(errs, TimeoutError("shutdown"))
			break
		}

		hook := g.hooks[i]
		if err := hook.fn(shutdownCtx); err != nil {
			g.logger.Error("Shutdown hook failed", String("hook", hook.name), Err(err))
			errs = append(errs, WrapError(err, hook.name))
		}
	}

	if len(errs) == 0 {
		g.logger.Info("Graceful shutdown complete")
	}
	return errors.Join(errs...)
}
