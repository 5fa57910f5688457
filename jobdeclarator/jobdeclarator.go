// Package jobdeclarator implements the role talking to the job declarator
// server on behalf of the pool.
package jobdeclarator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/oathar/demand-cli/handshake"
	"github.com/oathar/demand-cli/logutil"
	"github.com/oathar/demand-cli/proxystate"
	"github.com/oathar/demand-cli/sv2wire"
	"github.com/oathar/demand-cli/taskmgr"
	"github.com/oathar/demand-cli/upstream"
)

// ProtocolVersion is the job declaration protocol version spoken.
const ProtocolVersion = 2

// maxTrackedTemplates bounds the number of future templates kept while
// waiting for the previous hash that activates one of them.
const maxTrackedTemplates = 16

// ErrNoPrevHash is returned when a solution is pushed before any previous
// hash was announced.
var ErrNoPrevHash = errors.New("no previous hash announced yet")

// Config holds everything needed to connect to the job declarator server.
type Config struct {
	// Address is the job declarator server to connect to.
	Address *net.TCPAddr

	// AuthPubKey is the operator's authority key for the server.
	AuthPubKey *btcec.PublicKey

	// Upstream is the pool role this declarator acts for.
	Upstream *upstream.Upstream

	// Dial opens the transport connection. Defaults to sv2wire.Dial.
	Dial sv2wire.DialFunc

	// Handshake describes the local role in the setup request. The
	// protocol and version are always set to the job declaration ones.
	Handshake handshake.Config
}

// JobDeclarator tracks the template state the server needs and forwards found
// solutions to it.
type JobDeclarator struct {
	cfg  *Config
	conn *sv2wire.Conn

	mu        sync.Mutex
	templates map[uint64]*sv2wire.NewTemplate
	order     []uint64
	prevHash  *sv2wire.SetNewPrevHash

	solutionsPushed atomic.Uint64
}

// New dials the job declarator server, runs the connection setup and starts
// the task reading from the server. The returned task must be supervised by
// the caller.
func New(ctx context.Context, cfg *Config) (*JobDeclarator, *taskmgr.Task,
	error) {

	if cfg.Address == nil {
		return nil, nil, errors.New("job declarator address not set")
	}
	if cfg.Upstream == nil {
		return nil, nil, errors.New("job declarator needs an upstream")
	}

	dial := cfg.Dial
	if dial == nil {
		dial = sv2wire.Dial
	}

	netConn, err := dial(ctx, cfg.Address)
	if err != nil {
		proxystate.UpdateJdState(proxystate.StatusDown)
		return nil, nil, fmt.Errorf("dial job declarator %v: %w",
			cfg.Address, err)
	}
	conn := sv2wire.NewConn(netConn)

	hsCfg := cfg.Handshake
	hsCfg.Protocol = sv2wire.ProtocolJobDeclaration
	hsCfg.MinVersion = ProtocolVersion
	hsCfg.MaxVersion = ProtocolVersion

	if err := handshake.Setup(ctx, conn, &hsCfg, cfg.Address); err != nil {
		_ = conn.Close()
		proxystate.UpdateJdState(proxystate.StatusDown)

		return nil, nil, fmt.Errorf("job declarator setup: %w", err)
	}

	log.InfoS(ctx, "Connected to job declarator",
		"addr", cfg.Address.String(),
		logutil.PubKey("auth_key", cfg.AuthPubKey),
		"upstream", cfg.Upstream.String())

	jd := &JobDeclarator{
		cfg:       cfg,
		conn:      conn,
		templates: make(map[uint64]*sv2wire.NewTemplate),
	}

	task := taskmgr.Go(ctx, "job-declarator", jd.readLoop)

	return jd, task, nil
}

// readLoop consumes messages from the server until the connection fails or
// ctx is done.
func (j *JobDeclarator) readLoop(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = j.conn.Close()
	})
	defer stop()

	for {
		msg, err := j.conn.ReadMessage()
		var unknown *sv2wire.UnknownMessage
		switch {
		case errors.As(err, &unknown):
			log.Debugf("Ignoring message from job declarator: %v",
				err)
			continue

		case err != nil && ctx.Err() != nil:
			return nil

		case err != nil:
			proxystate.UpdateJdState(proxystate.StatusDown)
			return fmt.Errorf("read from job declarator: %w", err)
		}

		log.Debugf("Received %v from job declarator", msg.MsgType())
		log.Tracef("Job declarator message: %v",
			logutil.Dump(msg))
	}
}

// OnNewTemplate records a template announced by the template provider.
func (j *JobDeclarator) OnNewTemplate(tmpl *sv2wire.NewTemplate) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, ok := j.templates[tmpl.TemplateID]; !ok {
		j.order = append(j.order, tmpl.TemplateID)
	}
	j.templates[tmpl.TemplateID] = tmpl

	for len(j.order) > maxTrackedTemplates {
		delete(j.templates, j.order[0])
		j.order = j.order[1:]
	}

	log.Debugf("Tracking template %d (future=%v)", tmpl.TemplateID,
		tmpl.FutureTemplate)
}

// OnSetNewPrevHash records the new chain tip and forgets every template that
// does not build on it.
func (j *JobDeclarator) OnSetNewPrevHash(ph *sv2wire.SetNewPrevHash) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.prevHash = ph

	active, ok := j.templates[ph.TemplateID]
	j.templates = make(map[uint64]*sv2wire.NewTemplate)
	j.order = j.order[:0]
	if ok {
		j.templates[ph.TemplateID] = active
		j.order = append(j.order, ph.TemplateID)
	}

	log.Debugf("New previous hash %v for template %d", ph.PrevHash,
		ph.TemplateID)
}

// PrevHash returns the last announced previous hash.
func (j *JobDeclarator) PrevHash() (chainhash.Hash, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.prevHash == nil {
		return chainhash.Hash{}, ErrNoPrevHash
	}

	return j.prevHash.PrevHash, nil
}

// PushSolution sends a found block to the server.
func (j *JobDeclarator) PushSolution(ctx context.Context,
	sol *sv2wire.PushSolution) error {

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := j.conn.WriteMessage(sol); err != nil {
		return fmt.Errorf("push solution to job declarator: %w", err)
	}
	j.solutionsPushed.Add(1)

	log.Infof("Pushed solution on %v to job declarator", sol.PrevHash)

	return nil
}

// SolutionsPushed returns the number of solutions sent to the server.
func (j *JobDeclarator) SolutionsPushed() uint64 {
	return j.solutionsPushed.Load()
}
