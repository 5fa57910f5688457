// Package taskmgr owns the lifetime of the concurrently running roles and
// hands out a single handle that cancels all of them.
package taskmgr

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrSupervisionFailed is returned when a task is registered with a
	// manager that has already been torn down. The task is aborted, since
	// nothing would ever cancel it otherwise.
	ErrSupervisionFailed = errors.New("task supervision failed")

	// ErrSupervisorStopped is returned when an abort handle is requested
	// from a manager that has already been torn down.
	ErrSupervisorStopped = errors.New("task supervisor already torn down")

	// ErrNilTask is returned when registering a nil task.
	ErrNilTask = errors.New("cannot register nil task")
)

// registeredTask is a task along with the role it was registered for.
type registeredTask struct {
	kind TaskKind
	task *Task
}

// Manager tracks every registered task. It does not watch the tasks itself:
// whoever registers a task is responsible for observing its outcome and
// aborting the manager on failure.
//
// NOTE: This structure MUST be initialized with New.
type Manager struct {
	// mu guards tasks and is held while aborting so a concurrent Register
	// either lands before the abort and is cancelled by it, or observes
	// the torn down state.
	mu    sync.Mutex
	tasks []registeredTask

	abortOnce sync.Once
	quit      chan struct{}
}

// New creates an empty manager.
func New() *Manager {
	return &Manager{
		quit: make(chan struct{}),
	}
}

// Register hands ownership of a running task to the manager. It may be
// called concurrently from any role being wired up.
func (m *Manager) Register(kind TaskKind, t *Task) error {
	if t == nil {
		return ErrNilTask
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.torndown() {
		log.Warnf("Rejecting %v task %v: supervisor torn down", kind,
			t.Name())
		t.Abort()

		return ErrSupervisionFailed
	}

	m.tasks = append(m.tasks, registeredTask{kind: kind, task: t})
	log.Debugf("Registered %v task %v", kind, t.Name())

	return nil
}

// Aborter returns the handle cancelling every task registered so far and
// every task registered later. It may be requested before any task is
// registered.
func (m *Manager) Aborter() (*AbortHandle, error) {
	if m.torndown() {
		return nil, ErrSupervisorStopped
	}

	return &AbortHandle{m: m}, nil
}

// Running returns the number of registered tasks of the given kind that have
// not exited yet.
func (m *Manager) Running(kind TaskKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int
	for _, rt := range m.tasks {
		if rt.kind != kind {
			continue
		}

		select {
		case <-rt.task.Done():
		default:
			n++
		}
	}

	return n
}

// torndown reports whether abort has been called.
func (m *Manager) torndown() bool {
	select {
	case <-m.quit:
		return true
	default:
		return false
	}
}

// abort cancels every registered task and tears the manager down.
func (m *Manager) abort() {
	m.abortOnce.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		close(m.quit)

		log.Infof("Aborting %d supervised tasks", len(m.tasks))
		for _, rt := range m.tasks {
			rt.task.Abort()
		}
	})
}

// snapshot returns the tasks registered so far.
func (m *Manager) snapshot() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	tasks := make([]*Task, 0, len(m.tasks))
	for _, rt := range m.tasks {
		tasks = append(tasks, rt.task)
	}

	return tasks
}

// AbortHandle cancels all tasks of a manager. The handle refers to the manager
// rather than to a copy of its task list, so tasks registered after the handle
// was created are covered as well.
type AbortHandle struct {
	m *Manager
}

// Abort cancels every task of the manager. Tasks registered afterwards are
// aborted on registration. It is safe to call more than once.
func (a *AbortHandle) Abort() {
	a.m.abort()
}

// Done returns a channel that is closed once Abort has been called.
func (a *AbortHandle) Done() <-chan struct{} {
	return a.m.quit
}

// Wait blocks until every task registered so far has exited or ctx is done.
func (a *AbortHandle) Wait(ctx context.Context) error {
	for _, t := range a.m.snapshot() {
		select {
		case <-t.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}
