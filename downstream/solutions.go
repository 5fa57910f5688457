package downstream

import (
	"context"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/oathar/demand-cli/sv2wire"
)

// SolutionQueue carries found blocks to the template receiver. It has a fixed
// capacity and never drops: Enqueue on a full queue blocks until a solution is
// taken or the context is done.
type SolutionQueue struct {
	ch chan *sv2wire.SubmitSolution
}

// NewSolutionQueue returns an empty queue holding up to size solutions.
func NewSolutionQueue(size int) *SolutionQueue {
	return &SolutionQueue{
		ch: make(chan *sv2wire.SubmitSolution, size),
	}
}

// Enqueue adds sol to the queue.
func (q *SolutionQueue) Enqueue(ctx context.Context,
	sol *sv2wire.SubmitSolution) error {

	select {
	case q.ch <- sol:
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue takes the oldest solution, waiting for one if the queue is empty.
func (q *SolutionQueue) Dequeue(
	ctx context.Context) fn.Result[*sv2wire.SubmitSolution] {

	select {
	case sol := <-q.ch:
		return fn.Ok(sol)

	case <-ctx.Done():
		return fn.Err[*sv2wire.SubmitSolution](ctx.Err())
	}
}
