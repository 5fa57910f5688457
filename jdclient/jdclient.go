// Package jdclient wires the four roles of the job declarator client together
// and supervises them.
package jdclient

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/oathar/demand-cli/barrier"
	"github.com/oathar/demand-cli/downstream"
	"github.com/oathar/demand-cli/handshake"
	"github.com/oathar/demand-cli/jobdeclarator"
	"github.com/oathar/demand-cli/proxystate"
	"github.com/oathar/demand-cli/sv2wire"
	"github.com/oathar/demand-cli/taskmgr"
	"github.com/oathar/demand-cli/templaterx"
	"github.com/oathar/demand-cli/upstream"
)

// DefaultChannelID is the extended channel jobs are announced on when none is
// configured.
const DefaultChannelID = 1

var (
	// ErrSupervisionFailed is returned when a role could not be handed to
	// the supervisor.
	ErrSupervisionFailed = taskmgr.ErrSupervisionFailed

	// ErrUnrecoverable is returned when a role failed to start and there
	// is no way to recover.
	ErrUnrecoverable = errors.New("unrecoverable startup failure")

	// ErrIO is returned on address resolution or socket failures during
	// startup.
	ErrIO = errors.New("startup i/o failure")
)

// Config holds the settings of the job declarator client.
type Config struct {
	// TPAddress is the template provider, as host:port.
	TPAddress string

	// PoolAddress is the pool's job declarator server, as host:port.
	PoolAddress string

	// AuthPubKey is the operator's authority key.
	AuthPubKey *btcec.PublicKey

	// MinExtranonceSize is the extranonce size requested from the pool.
	MinExtranonceSize uint16

	// ChannelID is the extended channel jobs are announced on.
	ChannelID uint32

	// TestOnlyDoNotSendSolutionToTP suppresses solution submission to
	// the template provider.
	TestOnlyDoNotSendSolutionToTP bool

	// Dial opens transport connections. Defaults to sv2wire.Dial.
	Dial sv2wire.DialFunc

	// SolutionCheck decides whether a share is a block. Defaults to
	// downstream.MeetsTarget.
	SolutionCheck downstream.SolutionCheck

	// Handshake describes this client in setup requests.
	Handshake handshake.Config

	// Clock is used for share statistics. Defaults to the system clock.
	Clock clock.Clock
}

// Client is the set of running roles.
type Client struct {
	// Handle cancels every role. It is set even if startup failed.
	Handle *taskmgr.AbortHandle

	Manager       *taskmgr.Manager
	Barrier       *barrier.Barrier
	Upstream      *upstream.Upstream
	Downstream    *downstream.Downstream
	JobDeclarator fn.Option[*jobdeclarator.JobDeclarator]
}

// Start launches the roles and returns the handle cancelling all of them.
// downIn and downOut carry messages from and to the miner, upIn and upOut
// from and to the pool. The handle is returned even if an error is: roles
// started before the failing step stay registered and are cancelled through
// it.
func Start(ctx context.Context, cfg *Config, downIn <-chan sv2wire.Message,
	downOut chan<- sv2wire.Message, upIn <-chan sv2wire.Message,
	upOut chan<- sv2wire.Message) (*taskmgr.AbortHandle, error) {

	c, err := Launch(ctx, cfg, downIn, downOut, upIn, upOut)

	return c.Handle, err
}

// Launch is Start returning the roles themselves as well. The returned client
// is never nil.
func Launch(ctx context.Context, cfg *Config, downIn <-chan sv2wire.Message,
	downOut chan<- sv2wire.Message, upIn <-chan sv2wire.Message,
	upOut chan<- sv2wire.Message) (*Client, error) {

	c := &Client{
		Manager: taskmgr.New(),
		Barrier: barrier.New(),
	}

	// The handle is taken first so it can be returned whatever happens
	// below.
	handle, err := c.Manager.Aborter()
	if err != nil {
		return c, fmt.Errorf("%w: %w", ErrSupervisionFailed, err)
	}
	c.Handle = handle

	if err := c.launch(ctx, cfg, downIn, downOut, upIn, upOut); err != nil {
		log.Errorf("Startup failed: %v", err)
		return c, err
	}

	log.Infof("All roles started")

	return c, nil
}

func (c *Client) launch(ctx context.Context, cfg *Config,
	downIn <-chan sv2wire.Message, downOut chan<- sv2wire.Message,
	upIn <-chan sv2wire.Message, upOut chan<- sv2wire.Message) error {

	up, err := upstream.New(cfg.MinExtranonceSize, upOut, cfg.Clock)
	if err != nil {
		return fmt.Errorf("%w: upstream: %w", ErrUnrecoverable, err)
	}
	c.Upstream = up

	tpAddr, err := net.ResolveTCPAddr("tcp", cfg.TPAddress)
	if err != nil {
		return fmt.Errorf("%w: resolve template provider %q: %w", ErrIO,
			cfg.TPAddress, err)
	}
	poolAddr, err := net.ResolveTCPAddr("tcp", cfg.PoolAddress)
	if err != nil {
		return fmt.Errorf("%w: resolve pool %q: %w", ErrIO,
			cfg.PoolAddress, err)
	}
	if cfg.AuthPubKey == nil {
		return fmt.Errorf("%w: no authority public key",
			ErrUnrecoverable)
	}

	jd, jdTask, err := jobdeclarator.New(ctx, &jobdeclarator.Config{
		Address:    poolAddr,
		AuthPubKey: cfg.AuthPubKey,
		Upstream:   up,
		Dial:       cfg.Dial,
		Handshake:  cfg.Handshake,
	})
	if err != nil {
		return connectErr("job declarator", err)
	}
	c.JobDeclarator = fn.Some(jd)
	if err := c.Supervise(taskmgr.KindJobDeclarator, jdTask); err != nil {
		return err
	}

	solutions := templaterx.NewSolutionQueue()

	channelID := cfg.ChannelID
	if channelID == 0 {
		channelID = DefaultChannelID
	}

	down, err := downstream.New(&downstream.Config{
		Sender:        downOut,
		Upstream:      up,
		Solutions:     solutions,
		JobDeclarator: c.JobDeclarator,
		Barrier:       c.Barrier,
		ChannelID:     channelID,
		SolutionCheck: cfg.SolutionCheck,
	})
	if err != nil {
		return downstreamFailed(err)
	}
	downTask, err := down.Start(ctx, downIn)
	if err != nil {
		return downstreamFailed(err)
	}
	c.Downstream = down
	if err := c.Supervise(taskmgr.KindMiningDownstream, downTask); err != nil {
		return err
	}

	up.SetDownstream(down)

	upTask, err := up.ParseIncoming(ctx, upIn)
	if err != nil {
		return fmt.Errorf("%w: upstream: %w", ErrUnrecoverable, err)
	}
	if err := c.Supervise(taskmgr.KindMiningUpstream, upTask); err != nil {
		return err
	}

	tpTask, err := templaterx.Connect(ctx, &templaterx.Config{
		Address:                       tpAddr,
		Dial:                          cfg.Dial,
		Solutions:                     solutions,
		JobDeclarator:                 c.JobDeclarator,
		Downstream:                    down,
		Barrier:                       c.Barrier,
		TestOnlyDoNotSendSolutionToTP: cfg.TestOnlyDoNotSendSolutionToTP,
		Handshake:                     cfg.Handshake,
	})
	if err != nil {
		return connectErr("template provider", err)
	}

	return c.Supervise(taskmgr.KindTemplateReceiver, tpTask)
}

// Supervise registers a task and aborts every role once the task fails.
func (c *Client) Supervise(kind taskmgr.TaskKind, task *taskmgr.Task) error {
	if err := c.Manager.Register(kind, task); err != nil {
		return fmt.Errorf("register %v: %w", kind, err)
	}

	go func() {
		<-task.Done()

		err := task.Err()
		switch {
		case err == nil, errors.Is(err, context.Canceled):
			log.Debugf("%v task %v exited", kind, task.Name())

		default:
			log.Errorf("%v task %v failed, aborting all roles: %v",
				kind, task.Name(), err)
			c.Handle.Abort()
		}
	}()

	return nil
}

// downstreamFailed records the downstream as down and returns the startup
// error.
func downstreamFailed(err error) error {
	proxystate.UpdateDownstreamState(
		proxystate.DownstreamDown(proxystate.JdClientMiningDownstream),
	)

	return fmt.Errorf("%w: mining downstream: %w", ErrUnrecoverable, err)
}

// connectErr classifies a failure to connect a role. Handshake failures keep
// their own type, everything else is an i/o failure.
func connectErr(role string, err error) error {
	switch {
	case errors.Is(err, handshake.ErrHandshakeIO),
		errors.Is(err, handshake.ErrHandshakeProtocol),
		errors.Is(err, handshake.ErrHandshakeRejected),
		errors.Is(err, handshake.ErrUnsupported):

		return fmt.Errorf("%s: %w", role, err)

	default:
		return fmt.Errorf("%w: %s: %w", ErrIO, role, err)
	}
}
