// Package barrier orders "new template" and "new previous hash" events
// between the goroutine receiving them from the template provider and the
// goroutine dispatching jobs to downstream miners.
//
// The template receiver calls MarkBusy right before it hands a new template to
// the downstream, and the downstream calls MarkDone once it has derived and
// dispatched the jobs for that template. Before forwarding a new previous hash
// the template receiver calls WaitUntilDone. It also waits before marking the
// barrier busy again, so at most one template is in flight. Everything the downstream did
// before MarkDone is visible to the template receiver once WaitUntilDone
// returns: MarkDone closes a channel and WaitUntilDone receives from it, which
// is a happens-before edge under the Go memory model. No other ordering is
// provided or needed.
package barrier

import (
	"context"
	"sync"
)

// Barrier is a resettable event. It starts in the done state, meaning no
// template is in flight.
type Barrier struct {
	mu sync.Mutex

	// done is closed while the barrier is in the done state. MarkBusy
	// swaps in a fresh open channel.
	done chan struct{}
}

// New returns a barrier in the done state.
func New() *Barrier {
	done := make(chan struct{})
	close(done)

	return &Barrier{done: done}
}

// MarkBusy moves the barrier into the busy state. Calling it while already
// busy is a no-op.
func (b *Barrier) MarkBusy() {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		b.done = make(chan struct{})
	default:
	}

	log.Tracef("Barrier marked busy")
}

// MarkDone moves the barrier into the done state and releases every waiter.
// Calling it while already done is a no-op.
func (b *Barrier) MarkDone() {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
	default:
		close(b.done)
	}

	log.Tracef("Barrier marked done")
}

// IsDone reports whether the barrier is currently in the done state.
func (b *Barrier) IsDone() bool {
	select {
	case <-b.wait():
		return true
	default:
		return false
	}
}

// WaitUntilDone blocks until the barrier is in the done state. The mutex is
// only held to read the current channel, never while waiting. There is no
// timeout: if MarkDone never comes the caller stays blocked until its context
// is cancelled, in which case the context error is returned.
func (b *Barrier) WaitUntilDone(ctx context.Context) error {
	select {
	case <-b.wait():
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

// wait returns the channel of the current busy period.
func (b *Barrier) wait() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.done
}
