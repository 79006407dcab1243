package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/printlink-core/internal/comms"
	"github.com/nerrad567/printlink-core/internal/tasks"
)

// defaultGracePeriod is how long shutdown waits for managed tasks to exit
// on their own before forcing them.
const defaultGracePeriod = 5 * time.Second

// Logger defines the logging interface for the app package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Comms is the connection manager. *comms.Manager satisfies it.
type Comms interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	CloseCheck() comms.CloseCheck
}

// Presentation is the front end facing server. *api.Server satisfies it.
type Presentation interface {
	Start(ctx context.Context) error
	Close() error
}

// Bridge is the event fan-out. *bridge.Bridge satisfies it.
type Bridge interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Tasks is the managed task registry. *tasks.Controller satisfies it.
type Tasks interface {
	Count() int
	CancelAll(grace time.Duration) tasks.Report
}

// Options wires a Core. Comms and Tasks are required; Updater defaults to
// NoUpdate; Presentation and Bridge are optional.
type Options struct {
	Updater      Updater
	Presentation Presentation
	Comms        Comms
	Bridge       Bridge
	Tasks        Tasks

	// GracePeriod bounds the cooperative part of shutdown. Default: 5s
	GracePeriod time.Duration

	Logger Logger
}

// State is the lifecycle state of the core.
type State string

const (
	StateDormant  State = "dormant"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Core owns the process-wide lifecycle: it stays dormant until the update
// check finishes, then starts the bridge and printer discovery, and tears
// everything down in a fixed order.
//
// Thread Safety: All methods are safe for concurrent use.
type Core struct {
	opts   Options
	logger Logger

	mu      sync.Mutex
	state   State
	started bool
	stopped bool
}

// New creates a dormant core.
func New(opts Options) (*Core, error) {
	if opts.Comms == nil {
		return nil, fmt.Errorf("%w: connection manager", ErrMissingComponent)
	}
	if opts.Tasks == nil {
		return nil, fmt.Errorf("%w: task controller", ErrMissingComponent)
	}
	if opts.Updater == nil {
		opts.Updater = NoUpdate{}
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Core{opts: opts, logger: logger, state: StateDormant}, nil
}

// State returns the current lifecycle state.
func (c *Core) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run starts the presentation layer and the updater, waits for the update
// result, then starts the bridge and discovery. It returns once startup is
// complete; the caller waits for its own shutdown signal and calls Stop.
//
// Returns:
//   - error: ErrRestartRequired, ctx.Err() if cancelled while dormant,
//     or a component start failure. The caller must still call Stop.
func (c *Core) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	if c.opts.Presentation != nil {
		if err := c.opts.Presentation.Start(ctx); err != nil {
			return fmt.Errorf("starting presentation: %w", err)
		}
	}

	c.logger.Info("core dormant, waiting for update check")
	var res UpdateResult
	select {
	case r, ok := <-c.opts.Updater.Start(ctx):
		if ok {
			res = r
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	if res.Err != nil {
		c.logger.Warn("update check failed, starting current version", "error", res.Err)
	}
	if res.RequiresRestart {
		c.logger.Info("update installed, restart required", "version", res.Version)
		return ErrRestartRequired
	}

	if c.opts.Bridge != nil {
		// The bridge outlives ctx so shutdown events still reach the sinks;
		// Stop ends it.
		if err := c.opts.Bridge.Start(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("starting bridge: %w", err)
		}
	}
	if err := c.opts.Comms.Start(ctx); err != nil {
		return fmt.Errorf("starting discovery: %w", err)
	}

	c.mu.Lock()
	if !c.stopped {
		c.state = StateRunning
	}
	c.mu.Unlock()

	c.logger.Info("core running")
	return nil
}

// CloseRequested answers the front end's request to quit. It only reports;
// whether to warn the user about busy printers is the caller's decision.
func (c *Core) CloseRequested() comms.CloseCheck {
	check := c.opts.Comms.CloseCheck()
	if check.Busy {
		c.logger.Info("close requested while printers are transferring", "printers", check.Printers)
	}
	return check
}

// Stop tears the core down in order:
//
//  1. updater
//  2. presentation
//  3. connection manager (queues closed, drains cancelled, links released)
//  4. bridge
//  5. any managed task still registered, cancelled with whatever is left
//     of the grace period and then forcibly terminated
//
// Steps 3 to 5 share one grace period. Step 5 always gets at least a tenth
// of it, so Stop takes at most 1.1 times the grace period. Every step runs even if an earlier one failed. Stop is idempotent; later
// calls return nil.
func (c *Core) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.state = StateStopping
	c.mu.Unlock()

	c.logger.Info("core stopping", "grace_period", c.opts.GracePeriod)
	var errs []error

	if err := c.opts.Updater.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping updater: %w", err))
	}

	if c.opts.Presentation != nil {
		if err := c.opts.Presentation.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing presentation: %w", err))
		}
	}

	deadline := time.Now().Add(c.opts.GracePeriod)
	graceCtx, cancel := context.WithDeadline(ctx, deadline)
	if err := c.opts.Comms.Shutdown(graceCtx); err != nil {
		// Drains still running are handled by CancelAll below.
		c.logger.Warn("connection manager shutdown incomplete", "error", err)
	}
	if c.opts.Bridge != nil {
		if err := c.opts.Bridge.Stop(graceCtx); err != nil {
			c.logger.Warn("bridge stop incomplete", "error", err)
		}
	}
	cancel()

	if n := c.opts.Tasks.Count(); n > 0 {
		c.logger.Info("cancelling remaining managed tasks", "count", n)
		grace := max(time.Until(deadline), c.opts.GracePeriod/10)
		if err := c.opts.Tasks.CancelAll(grace).Err(); err != nil {
			errs = append(errs, err)
		}
	}

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()

	err := errors.Join(errs...)
	if err != nil {
		c.logger.Error("core stopped with errors", "error", err)
	} else {
		c.logger.Info("core stopped")
	}
	return err
}
