package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	rootutil "github.com/academia-mcp/academia/util"
)

// ShutdownState is the lifecycle phase of the transport.
type ShutdownState int32

const (
	StateRunning ShutdownState = iota
	StateDraining
	StateStopped
)

func (s ShutdownState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return "stopped"
	}
}

// ShutdownCoordinator runs the shutdown sequence at most once. Concurrent and
// repeated callers wait for the first run and get its result.
type ShutdownCoordinator struct {
	state atomic.Int32
	done  chan struct{}
	err   error

	registry *SessionRegistry
	upstream io.Closer
	logger   rootutil.Logger

	mu       sync.Mutex
	listener func(ctx context.Context) error
}

// NewShutdownCoordinator creates a coordinator that closes the sessions of
// registry and then upstream.
func NewShutdownCoordinator(registry *SessionRegistry, upstream io.Closer, logger rootutil.Logger) *ShutdownCoordinator {
	if logger == nil {
		logger = rootutil.DefaultRootLogger()
	}
	return &ShutdownCoordinator{
		done:     make(chan struct{}),
		registry: registry,
		upstream: upstream,
		logger:   logger.WithComponent("ShutdownCoordinator"),
	}
}

// SetListener registers the function that stops accepting connections and
// waits for in-flight requests, typically http.Server.Shutdown.
func (c *ShutdownCoordinator) SetListener(stop func(ctx context.Context) error) {
	c.mu.Lock()
	c.listener = stop
	c.mu.Unlock()
}

// State returns the current phase.
func (c *ShutdownCoordinator) State() ShutdownState {
	return ShutdownState(c.state.Load())
}

// Draining reports whether shutdown has begun.
func (c *ShutdownCoordinator) Draining() bool {
	return c.State() != StateRunning
}

// Done is closed once shutdown has completed.
func (c *ShutdownCoordinator) Done() <-chan struct{} {
	return c.done
}

// Shutdown drains the server: it stops the idle reaper, closes every session
// (ending their streams), stops the listener and finally closes upstream.
// Every step runs even if an earlier one failed; the failures are joined.
func (c *ShutdownCoordinator) Shutdown(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
		select {
		case <-c.done:
			return c.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.logger.Info("shutting down", "sessions", c.registry.Len())

	var errs []error
	c.registry.StopReaper()

	if err := c.registry.CloseAll(); err != nil {
		errs = append(errs, fmt.Errorf("closing sessions: %w", err))
	}

	c.mu.Lock()
	stop := c.listener
	c.mu.Unlock()
	if stop != nil {
		if err := stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping listener: %w", err))
		}
	}

	if c.upstream != nil {
		if err := c.upstream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing dispatcher: %w", err))
		}
	}

	c.err = errors.Join(errs...)
	c.state.Store(int32(StateStopped))
	close(c.done)

	if c.err != nil {
		c.logger.Error("shutdown finished with errors", "error", c.err)
	} else {
		c.logger.Info("shutdown complete")
	}
	return c.err
}
