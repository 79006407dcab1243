package tasks

import (
	"context"
	"sync"
	"time"
)

// State represents the lifecycle state of a managed task.
type State string

const (
	StateSpawned            State = "spawned"
	StateRunning            State = "running"
	StateCompleted          State = "completed"
	StateCancelled          State = "cancelled"
	StateForciblyTerminated State = "forcibly_terminated"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateForciblyTerminated:
		return true
	default:
		return false
	}
}

// Func is the body of a managed task. It must return promptly once ctx is
// cancelled, at the latest at its next safe boundary.
type Func func(ctx context.Context) error

// Result is delivered on a task's result channel when it leaves the
// registry.
type Result struct {
	TaskID string
	Name   string
	State  State
	Err    error
}

// Info is a point-in-time snapshot of a task.
type Info struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	State     State         `json:"state"`
	StartedAt time.Time     `json:"started_at"`
	Runtime   time.Duration `json:"runtime"`
	Error     string        `json:"error,omitempty"`
}

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Task is the handle of one managed unit of background work.
type Task struct {
	id        string
	name      string
	cancel    context.CancelFunc
	terminate func()
	results   chan<- Result

	mu       sync.Mutex
	state    State
	err      error
	started  time.Time
	finished time.Time

	done *closeOnce
}

// ID returns the task's unique identifier.
func (t *Task) ID() string { return t.id }

// Name returns the human-readable task name.
func (t *Task) Name() string { return t.name }

// Done is closed once the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done.Done() }

// Cancel requests cooperative cancellation.
func (t *Task) Cancel() { t.cancel() }

// State returns the current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the error the task function returned, or nil.
// For forcibly terminated tasks it returns ErrShutdownTimeout.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Wait blocks until the task reaches a terminal state or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.Done():
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Info returns a snapshot of the task.
func (t *Task) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()

	info := Info{
		ID:        t.id,
		Name:      t.name,
		State:     t.state,
		StartedAt: t.started,
	}
	switch {
	case !t.finished.IsZero():
		info.Runtime = t.finished.Sub(t.started)
	case !t.started.IsZero():
		info.Runtime = time.Since(t.started)
	}
	if t.err != nil {
		info.Error = t.err.Error()
	}
	return info
}

// markRunning moves Spawned to Running. It returns false if the task was
// already terminated before its goroutine got scheduled.
func (t *Task) markRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateSpawned {
		return false
	}
	t.state = StateRunning
	t.started = time.Now()
	return true
}

// settle records a terminal state unless one is already recorded.
// It returns false when the task had already settled.
func (t *Task) settle(state State, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return false
	}
	t.state = state
	t.err = err
	t.finished = time.Now()
	if t.started.IsZero() {
		t.started = t.finished
	}
	return true
}
