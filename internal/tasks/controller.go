package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Logger defines the logging interface for the task controller.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Option configures a spawned task.
type Option func(*Task)

// WithResults delivers the task's Result on ch when it leaves the registry.
// The send never blocks; size the channel for the number of tasks the
// spawner expects to collect.
func WithResults(ch chan<- Result) Option {
	return func(t *Task) { t.results = ch }
}

// WithTerminate sets the hook run when the task is forcibly terminated.
// It should release whatever the task is blocked on.
func WithTerminate(fn func()) Option {
	return func(t *Task) { t.terminate = fn }
}

// Controller is the registry of managed tasks.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Controller struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	logger Logger
}

// NewController creates an empty task controller.
func NewController() *Controller {
	return &Controller{
		tasks:  make(map[string]*Task),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the controller.
func (c *Controller) SetLogger(logger Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = logger
}

func (c *Controller) log() Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logger
}

// Spawn registers fn as a managed task and starts it on its own goroutine.
//
// The task's context derives from ctx; cancelling ctx cancels the task.
// The registry entry is removed automatically when the task finishes.
//
// Parameters:
//   - ctx: Parent context
//   - name: Human-readable name used in logs and snapshots
//   - fn: Task body
//   - opts: WithResults, WithTerminate
//
// Returns:
//   - *Task: Handle for observing and cancelling the task
func (c *Controller) Spawn(ctx context.Context, name string, fn Func, opts ...Option) *Task {
	taskCtx, cancel := context.WithCancel(ctx)
	t := &Task{
		id:     uuid.NewString(),
		name:   name,
		cancel: cancel,
		state:  StateSpawned,
		done:   newCloseOnce(),
	}
	for _, opt := range opts {
		opt(t)
	}

	c.mu.Lock()
	c.tasks[t.id] = t
	c.mu.Unlock()

	c.log().Debug("task spawned", "task_id", t.id, "name", name)

	go c.run(taskCtx, t, fn)
	return t
}

// run executes the task body and settles the task when it returns.
func (c *Controller) run(ctx context.Context, t *Task, fn Func) {
	defer t.cancel()

	if !t.markRunning() {
		return
	}

	err := invoke(ctx, fn)

	state := StateCompleted
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		state = StateCancelled
		err = nil
	}

	if !t.settle(state, err) {
		c.log().Debug("terminated task returned", "task_id", t.id, "name", t.name)
		return
	}
	c.release(t)

	if err != nil {
		c.log().Warn("task finished with error", "task_id", t.id, "name", t.name, "error", err)
	} else {
		c.log().Debug("task finished", "task_id", t.id, "name", t.name, "state", state)
	}
}

// invoke calls fn, converting a panic into an error.
func invoke(ctx context.Context, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	return fn(ctx)
}

// release removes a settled task from the registry, reports its result and
// closes its Done channel.
func (c *Controller) release(t *Task) {
	c.mu.Lock()
	delete(c.tasks, t.id)
	c.mu.Unlock()

	if t.results != nil {
		res := Result{TaskID: t.id, Name: t.name}
		res.State = t.State()
		res.Err = t.Err()
		select {
		case t.results <- res:
		default:
			c.log().Warn("task result dropped, channel full", "task_id", t.id, "name", t.name)
		}
	}

	t.done.Close()
}

// terminate forcibly ends a task that ignored cancellation.
func (c *Controller) terminate(t *Task) bool {
	if !t.settle(StateForciblyTerminated, ErrShutdownTimeout) {
		return false
	}

	c.log().Warn("forcibly terminating task", "task_id", t.id, "name", t.name)

	if t.terminate != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log().Error("panic in terminate hook", "task_id", t.id, "panic", r)
				}
			}()
			t.terminate()
		}()
	}

	c.release(t)
	return true
}

// Count returns the number of registered (not yet finished) tasks.
func (c *Controller) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tasks)
}

// Get returns a registered task by ID.
func (c *Controller) Get(id string) (*Task, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tasks[id]
	return t, ok
}

// List returns snapshots of all registered tasks, oldest first.
func (c *Controller) List() []Info {
	snapshot := c.snapshot()
	infos := make([]Info, 0, len(snapshot))
	for _, t := range snapshot {
		infos = append(infos, t.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// Cancel requests cooperative cancellation of a single task.
func (c *Controller) Cancel(id string) error {
	t, ok := c.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	t.Cancel()
	return nil
}

func (c *Controller) snapshot() []*Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, t)
	}
	return out
}

// Report summarises the outcome of CancelAll.
type Report struct {
	Completed []Info
	Cancelled []Info
	Forced    []Info
}

// Err returns an error wrapping ErrShutdownTimeout if any task had to be
// forcibly terminated.
func (r Report) Err() error {
	if len(r.Forced) == 0 {
		return nil
	}
	names := make([]string, 0, len(r.Forced))
	for _, info := range r.Forced {
		names = append(names, info.Name)
	}
	return fmt.Errorf("%w: %d task(s) forcibly terminated %v", ErrShutdownTimeout, len(r.Forced), names)
}

// CancelAll cancels every registered task, waits up to grace for them to
// finish, then forcibly terminates the rest.
//
// When CancelAll returns, every task that was registered at the time of the
// call is in a terminal state.
//
// Parameters:
//   - grace: How long to wait for cooperative exit
//
// Returns:
//   - Report: Terminal state of every task that was registered
func (c *Controller) CancelAll(grace time.Duration) Report {
	pending := c.snapshot()
	if len(pending) == 0 {
		return Report{}
	}

	c.log().Info("cancelling managed tasks", "count", len(pending), "grace", grace)

	for _, t := range pending {
		t.Cancel()
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

wait:
	for _, t := range pending {
		select {
		case <-t.Done():
		case <-timer.C:
			break wait
		}
	}

	for _, t := range pending {
		c.terminate(t)
	}

	var report Report
	for _, t := range pending {
		info := t.Info()
		switch info.State {
		case StateCompleted:
			report.Completed = append(report.Completed, info)
		case StateCancelled:
			report.Cancelled = append(report.Cancelled, info)
		case StateForciblyTerminated:
			report.Forced = append(report.Forced, info)
		}
	}

	if len(report.Forced) > 0 {
		c.log().Warn("shutdown grace period expired",
			"forced", len(report.Forced),
			"completed", len(report.Completed),
			"cancelled", len(report.Cancelled),
		)
	}

	return report
}
