package taskmgr

import (
	"context"
	"fmt"
)

// TaskKind names the role a supervised task belongs to.
type TaskKind uint8

const (
	// KindJobDeclarator is the task reading from the job declarator
	// server.
	KindJobDeclarator TaskKind = iota

	// KindMiningDownstream is the task serving downstream miners.
	KindMiningDownstream

	// KindMiningUpstream is the task parsing messages from the pool.
	KindMiningUpstream

	// KindTemplateReceiver is the task talking to the template provider.
	KindTemplateReceiver

	// KindBridge is a task pumping messages between a network connection
	// and a role's channels.
	KindBridge
)

// String returns a human readable name of the task kind.
func (k TaskKind) String() string {
	switch k {
	case KindJobDeclarator:
		return "job-declarator"
	case KindMiningDownstream:
		return "mining-downstream"
	case KindMiningUpstream:
		return "mining-upstream"
	case KindTemplateReceiver:
		return "template-receiver"
	case KindBridge:
		return "bridge"
	default:
		return fmt.Sprintf("<unknown kind %d>", uint8(k))
	}
}

// Task is a handle to one running unit of work. The work runs in its own
// goroutine with a context that is cancelled by Abort.
type Task struct {
	name   string
	cancel context.CancelFunc

	// done is closed after the work function returned and err is set.
	done chan struct{}
	err  error
}

// Go starts f in a new goroutine and returns its handle. The context passed to
// f is derived from ctx and is cancelled when the task is aborted. f must
// return once its context is done.
func Go(ctx context.Context, name string,
	f func(ctx context.Context) error) *Task {

	ctx, cancel := context.WithCancel(ctx)
	t := &Task{
		name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(t.done)
		defer cancel()

		t.err = f(ctx)
	}()

	return t
}

// Name returns the name the task was started with.
func (t *Task) Name() string {
	return t.name
}

// Abort cancels the task's context. It does not wait for the task to exit.
func (t *Task) Abort() {
	t.cancel()
}

// Done returns a channel that is closed once the task has exited.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the error the task exited with. It is only meaningful once Done
// is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// String returns the task name.
func (t *Task) String() string {
	return t.name
}
