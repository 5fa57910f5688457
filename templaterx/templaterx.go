// Package templaterx implements the role receiving block templates from the
// template provider and submitting found blocks back to it.
package templaterx

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/oathar/demand-cli/barrier"
	"github.com/oathar/demand-cli/downstream"
	"github.com/oathar/demand-cli/handshake"
	"github.com/oathar/demand-cli/jobdeclarator"
	"github.com/oathar/demand-cli/logutil"
	"github.com/oathar/demand-cli/proxystate"
	"github.com/oathar/demand-cli/sv2wire"
	"github.com/oathar/demand-cli/taskmgr"
	"golang.org/x/sync/errgroup"
)

const (
	// ProtocolVersion is the template distribution protocol version
	// spoken.
	ProtocolVersion = 2

	// SolutionQueueSize is the number of found blocks that may wait for
	// submission before the downstream is blocked.
	SolutionQueueSize = 10
)

// NewSolutionQueue creates the queue carrying found blocks from the downstream
// to the template receiver. It never drops: once SolutionQueueSize solutions
// are waiting, Enqueue blocks until one is taken.
func NewSolutionQueue() *downstream.SolutionQueue {
	return downstream.NewSolutionQueue(SolutionQueueSize)
}

// Config holds the collaborators of the template receiver.
type Config struct {
	// Address is the template provider to connect to.
	Address *net.TCPAddr

	// Dial opens the transport connection. Defaults to sv2wire.Dial.
	Dial sv2wire.DialFunc

	// Solutions is the consumer end of the solution queue.
	Solutions *downstream.SolutionQueue

	// JobDeclarator is told about every template and chain tip, if one is
	// connected.
	JobDeclarator fn.Option[*jobdeclarator.JobDeclarator]

	// Downstream turns templates into jobs for the miner.
	Downstream *downstream.Downstream

	// Barrier orders templates before the chain tips that activate them.
	Barrier *barrier.Barrier

	// TestOnlyDoNotSendSolutionToTP drains the solution queue without
	// submitting anything to the template provider.
	TestOnlyDoNotSendSolutionToTP bool

	// Handshake describes the local role in the setup request. The
	// protocol and version are always set to the template distribution
	// ones.
	Handshake handshake.Config
}

// TemplateRx is a connected template receiver.
type TemplateRx struct {
	cfg  *Config
	conn *sv2wire.Conn
}

// Connect dials the template provider, runs the connection setup and starts
// the task that receives templates and submits solutions.
func Connect(ctx context.Context, cfg *Config) (*taskmgr.Task, error) {
	switch {
	case cfg.Address == nil:
		return nil, errors.New("template provider address not set")
	case cfg.Solutions == nil:
		return nil, errors.New("template receiver needs a solution queue")
	case cfg.Downstream == nil:
		return nil, errors.New("template receiver needs a downstream")
	case cfg.Barrier == nil:
		return nil, errors.New("template receiver needs a barrier")
	}

	dial := cfg.Dial
	if dial == nil {
		dial = sv2wire.Dial
	}

	netConn, err := dial(ctx, cfg.Address)
	if err != nil {
		proxystate.UpdateTpState(proxystate.StatusDown)
		return nil, fmt.Errorf("dial template provider %v: %w",
			cfg.Address, err)
	}
	conn := sv2wire.NewConn(netConn)

	hsCfg := cfg.Handshake
	hsCfg.Protocol = sv2wire.ProtocolTemplateDistribution
	hsCfg.MinVersion = ProtocolVersion
	hsCfg.MaxVersion = ProtocolVersion

	if err := handshake.Setup(ctx, conn, &hsCfg, cfg.Address); err != nil {
		_ = conn.Close()
		proxystate.UpdateTpState(proxystate.StatusDown)

		return nil, fmt.Errorf("template provider setup: %w", err)
	}

	if cfg.TestOnlyDoNotSendSolutionToTP {
		log.Warnf("Solutions will NOT be submitted to the template " +
			"provider")
	}

	rx := &TemplateRx{cfg: cfg, conn: conn}

	return taskmgr.Go(ctx, "template-receiver", rx.run), nil
}

// run receives templates and submits solutions until either side fails or
// ctx is done.
func (t *TemplateRx) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	stop := context.AfterFunc(gctx, func() {
		_ = t.conn.Close()
	})
	defer stop()

	g.Go(func() error {
		return t.receiveTemplates(gctx)
	})
	g.Go(func() error {
		return t.submitSolutions(gctx)
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		proxystate.UpdateTpState(proxystate.StatusDown)
	}

	return err
}

// receiveTemplates reads from the template provider and fans templates and
// chain tips out to the job declarator and the downstream.
func (t *TemplateRx) receiveTemplates(ctx context.Context) error {
	for {
		msg, err := t.conn.ReadMessage()
		var unknown *sv2wire.UnknownMessage
		switch {
		case errors.As(err, &unknown):
			log.Debugf("Ignoring message from template provider: "+
				"%v", err)
			continue

		case err != nil && ctx.Err() != nil:
			return nil

		case err != nil:
			return fmt.Errorf("read from template provider: %w", err)
		}

		switch m := msg.(type) {
		case *sv2wire.NewTemplate:
			err = t.onNewTemplate(ctx, m)

		case *sv2wire.SetNewPrevHash:
			err = t.onSetNewPrevHash(ctx, m)

		default:
			log.Debugf("Ignoring %v from template provider",
				msg.MsgType())
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}
	}
}

func (t *TemplateRx) onNewTemplate(ctx context.Context,
	tmpl *sv2wire.NewTemplate) error {

	log.Debugf("New template %d (future=%v)", tmpl.TemplateID,
		tmpl.FutureTemplate)

	t.cfg.JobDeclarator.WhenSome(func(jd *jobdeclarator.JobDeclarator) {
		jd.OnNewTemplate(tmpl)
	})

	// Only one template is in flight at a time, otherwise the downstream
	// finishing an older one would release a chain tip that belongs to
	// a template it has not seen yet. The downstream marks the barrier
	// done once the job derived from this template is out.
	if err := t.cfg.Barrier.WaitUntilDone(ctx); err != nil {
		return err
	}
	t.cfg.Barrier.MarkBusy()

	if err := t.cfg.Downstream.OnNewTemplate(ctx, tmpl); err != nil {
		return fmt.Errorf("hand template %d to downstream: %w",
			tmpl.TemplateID, err)
	}

	return nil
}

func (t *TemplateRx) onSetNewPrevHash(ctx context.Context,
	ph *sv2wire.SetNewPrevHash) error {

	log.DebugS(ctx, "New chain tip from template provider",
		logutil.Hash("prev_hash", ph.PrevHash),
		"template_id", ph.TemplateID)

	// The previous hash must not reach the downstream before it is done
	// with the template announced before it.
	if err := t.cfg.Barrier.WaitUntilDone(ctx); err != nil {
		return err
	}

	t.cfg.JobDeclarator.WhenSome(func(jd *jobdeclarator.JobDeclarator) {
		jd.OnSetNewPrevHash(ph)
	})

	if err := t.cfg.Downstream.OnSetNewPrevHash(ctx, ph); err != nil {
		return fmt.Errorf("hand previous hash to downstream: %w", err)
	}

	return nil
}

// submitSolutions drains the solution queue into the template provider.
func (t *TemplateRx) submitSolutions(ctx context.Context) error {
	for {
		sol, err := t.cfg.Solutions.Dequeue(ctx).Unpack()
		if err != nil {
			return nil
		}

		if t.cfg.TestOnlyDoNotSendSolutionToTP {
			log.Infof("Not submitting solution for template %d",
				sol.TemplateID)
			continue
		}

		if err := t.conn.WriteMessage(sol); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("submit solution to template "+
				"provider: %w", err)
		}

		log.Infof("Submitted solution for template %d", sol.TemplateID)
	}
}
