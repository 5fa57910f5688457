// Package upstream implements the pool facing mining role.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/oathar/demand-cli/proxystate"
	"github.com/oathar/demand-cli/sv2wire"
	"github.com/oathar/demand-cli/taskmgr"
)

var (
	// ErrNilSender is returned when the upstream is created without an
	// outbound channel.
	ErrNilSender = errors.New("upstream sender is nil")

	// ErrNilReceiver is returned when ParseIncoming is called without an
	// inbound channel.
	ErrNilReceiver = errors.New("upstream receiver is nil")
)

// Downstream is the part of the downstream role the upstream routes pool
// messages to.
type Downstream interface {
	// HandleUpstreamMessage delivers a message received from the pool.
	HandleUpstreamMessage(ctx context.Context, msg sv2wire.Message) error
}

// Stats are the share counters reported by the pool.
type Stats struct {
	Accepted   uint64
	Rejected   uint64
	LastAccept time.Time
}

// Upstream is the connection to the pool as seen by the other roles: a sender
// for outbound messages and a routing back-reference to the downstream.
type Upstream struct {
	minExtranonceSize uint16
	sender            chan<- sv2wire.Message
	clock             clock.Clock

	// mu guards downstream. It is never held while sending or handling a
	// message.
	mu         sync.Mutex
	downstream fn.Option[Downstream]

	accepted   atomic.Uint64
	rejected   atomic.Uint64
	lastAccept atomic.Int64

	started atomic.Bool
}

// New creates the upstream role. sender carries messages to the pool.
func New(minExtranonceSize uint16, sender chan<- sv2wire.Message,
	clk clock.Clock) (*Upstream, error) {

	if sender == nil {
		return nil, ErrNilSender
	}
	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	return &Upstream{
		minExtranonceSize: minExtranonceSize,
		sender:            sender,
		clock:             clk,
	}, nil
}

// MinExtranonceSize returns the extranonce size requested from the pool.
func (u *Upstream) MinExtranonceSize() uint16 {
	return u.minExtranonceSize
}

// SetDownstream attaches the downstream that pool messages are routed to.
func (u *Upstream) SetDownstream(d Downstream) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.downstream = fn.Some(d)
}

func (u *Upstream) getDownstream() fn.Option[Downstream] {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.downstream
}

// Send queues a message for the pool.
func (u *Upstream) Send(ctx context.Context, msg sv2wire.Message) error {
	select {
	case u.sender <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the share counters.
func (u *Upstream) Stats() Stats {
	s := Stats{
		Accepted: u.accepted.Load(),
		Rejected: u.rejected.Load(),
	}
	if ts := u.lastAccept.Load(); ts != 0 {
		s.LastAccept = time.Unix(0, ts)
	}

	return s
}

// ParseIncoming starts the task handling messages from the pool. The task
// ends without error once recv is closed, and records the upstream as down.
func (u *Upstream) ParseIncoming(ctx context.Context,
	recv <-chan sv2wire.Message) (*taskmgr.Task, error) {

	if recv == nil {
		return nil, ErrNilReceiver
	}
	if !u.started.CompareAndSwap(false, true) {
		return nil, errors.New("upstream already parsing")
	}

	return taskmgr.Go(ctx, "upstream-parser", func(ctx context.Context) error {
		for {
			select {
			case msg, ok := <-recv:
				if !ok {
					log.Infof("Pool connection closed")
					proxystate.UpdateUpstreamState(
						proxystate.StatusDown,
					)

					return nil
				}

				if err := u.handle(ctx, msg); err != nil {
					return err
				}

			case <-ctx.Done():
				return nil
			}
		}
	}), nil
}

// handle updates the counters for a pool message and routes it to the
// downstream.
func (u *Upstream) handle(ctx context.Context, msg sv2wire.Message) error {
	switch m := msg.(type) {
	case *sv2wire.SubmitSharesSuccess:
		u.accepted.Add(uint64(m.NewSubmitsAcceptedCount))
		u.lastAccept.Store(u.clock.Now().UnixNano())

		log.Debugf("Pool accepted %d shares up to sequence %d",
			m.NewSubmitsAcceptedCount, m.LastSequenceNumber)

	case *sv2wire.SubmitSharesError:
		u.rejected.Add(1)

		log.Warnf("Pool rejected share %d on channel %d: %s",
			m.SequenceNumber, m.ChannelID, m.ErrorCode)
	}

	down, err := u.getDownstream().UnwrapOrErr(
		errors.New("no downstream attached"),
	)
	if err != nil {
		log.Warnf("Dropping %v from pool: %v", msg.MsgType(), err)
		return nil
	}

	if err := down.HandleUpstreamMessage(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return nil
		}

		return fmt.Errorf("routing %v to downstream: %w",
			msg.MsgType(), err)
	}

	return nil
}

// String returns a short description used in logs.
func (u *Upstream) String() string {
	return fmt.Sprintf("upstream(min_extranonce=%d)", u.minExtranonceSize)
}
