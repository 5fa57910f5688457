// Package downstream implements the role serving downstream miners: it turns
// templates into mining jobs, announces chain tips and routes shares.
package downstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/oathar/demand-cli/barrier"
	"github.com/oathar/demand-cli/jobdeclarator"
	"github.com/oathar/demand-cli/sv2wire"
	"github.com/oathar/demand-cli/taskmgr"
	"github.com/oathar/demand-cli/upstream"
)

// Error codes sent to the miner for shares that cannot be routed.
const (
	codeInvalidJobID = "invalid-job-id"
	codeStaleShare   = "stale-share"
)

var (
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("downstream already started")

	// ErrNilReceiver is returned when Start is called without an inbound
	// channel.
	ErrNilReceiver = errors.New("downstream receiver is nil")

	// ErrStopped is returned by OnNewTemplate once the downstream task
	// has exited.
	ErrStopped = errors.New("downstream stopped")
)

// Config holds the collaborators of the downstream role.
type Config struct {
	// Sender carries messages to the miner.
	Sender chan<- sv2wire.Message

	// Upstream receives the shares submitted by the miner.
	Upstream *upstream.Upstream

	// Solutions is the producer end of the solution queue.
	Solutions *SolutionQueue

	// JobDeclarator receives found blocks as well, if one is connected.
	JobDeclarator fn.Option[*jobdeclarator.JobDeclarator]

	// Barrier is marked done once the jobs for a template have been sent.
	Barrier *barrier.Barrier

	// ChannelID is the extended channel the jobs are announced on.
	ChannelID uint32

	// SolutionCheck decides whether a share is a block. Defaults to
	// MeetsTarget.
	SolutionCheck SolutionCheck
}

// Stats are the counters of the downstream role.
type Stats struct {
	JobsSent       uint64
	SharesReceived uint64
	SolutionsFound uint64
}

// Downstream dispatches jobs to the miner and routes its shares.
type Downstream struct {
	cfg *Config

	// templates hands new templates from the template receiver to the
	// downstream task.
	templates chan *sv2wire.NewTemplate

	// mu guards the job state below.
	mu        sync.Mutex
	nextJobID uint32
	jobs      map[uint32]*job
	byTmpl    map[uint64]uint32
	prevHash  *sv2wire.SetNewPrevHash

	jobsSent       atomic.Uint64
	sharesReceived atomic.Uint64
	solutionsFound atomic.Uint64

	started atomic.Bool
	quit    chan struct{}
}

// New creates the downstream role.
func New(cfg *Config) (*Downstream, error) {
	switch {
	case cfg.Sender == nil:
		return nil, errors.New("downstream sender is nil")
	case cfg.Upstream == nil:
		return nil, errors.New("downstream needs an upstream")
	case cfg.Solutions == nil:
		return nil, errors.New("downstream needs a solution queue")
	case cfg.Barrier == nil:
		return nil, errors.New("downstream needs a barrier")
	}

	if cfg.SolutionCheck == nil {
		cfg.SolutionCheck = MeetsTarget
	}

	return &Downstream{
		cfg:       cfg,
		templates: make(chan *sv2wire.NewTemplate, 1),
		jobs:      make(map[uint32]*job),
		byTmpl:    make(map[uint64]uint32),
		quit:      make(chan struct{}),
	}, nil
}

// Start launches the task serving the miner. recv carries messages from the
// miner; the task ends without error once it is closed.
func (d *Downstream) Start(ctx context.Context,
	recv <-chan sv2wire.Message) (*taskmgr.Task, error) {

	if recv == nil {
		return nil, ErrNilReceiver
	}
	if !d.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStarted
	}

	log.Infof("Starting mining downstream on channel %d", d.cfg.ChannelID)

	return taskmgr.Go(ctx, "mining-downstream", func(ctx context.Context) error {
		defer close(d.quit)

		for {
			select {
			case msg, ok := <-recv:
				if !ok {
					log.Infof("Miner connection closed")
					return nil
				}

				err := d.handleMinerMessage(ctx, msg)
				if err != nil && ctx.Err() == nil {
					return err
				}

			case tmpl := <-d.templates:
				err := d.dispatchTemplate(ctx, tmpl)
				if err != nil && ctx.Err() == nil {
					return err
				}

			case <-ctx.Done():
				return nil
			}
		}
	}), nil
}

// OnNewTemplate hands a template to the downstream task. The caller must have
// marked the barrier busy; the task marks it done once the job is out.
func (d *Downstream) OnNewTemplate(ctx context.Context,
	tmpl *sv2wire.NewTemplate) error {

	select {
	case d.templates <- tmpl:
		return nil
	case <-d.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatchTemplate derives a job from the template, sends it to the miner and
// releases the barrier.
func (d *Downstream) dispatchTemplate(ctx context.Context,
	tmpl *sv2wire.NewTemplate) error {

	extranonceSize := int(d.cfg.Upstream.MinExtranonceSize())

	d.mu.Lock()
	d.nextJobID++
	j := newJob(d.nextJobID, tmpl, extranonceSize)
	if !tmpl.FutureTemplate {
		j.prevHash = d.prevHash
	}
	d.jobs[j.id] = j
	d.byTmpl[tmpl.TemplateID] = j.id
	msg := j.extendedJob(d.cfg.ChannelID)
	d.mu.Unlock()

	if err := d.send(ctx, msg); err != nil {
		return err
	}
	d.jobsSent.Add(1)

	log.Debugf("Sent job %d for template %d (future=%v)", j.id,
		tmpl.TemplateID, tmpl.FutureTemplate)

	d.cfg.Barrier.MarkDone()

	return nil
}

// OnSetNewPrevHash activates the job built from the announced template and
// tells the miner about the new chain tip. It runs in the caller's goroutine,
// which must have waited on the barrier first.
func (d *Downstream) OnSetNewPrevHash(ctx context.Context,
	ph *sv2wire.SetNewPrevHash) error {

	d.mu.Lock()
	d.prevHash = ph

	jobID, ok := d.byTmpl[ph.TemplateID]
	if !ok {
		d.mu.Unlock()

		log.Warnf("Previous hash %v refers to unknown template %d",
			ph.PrevHash, ph.TemplateID)

		return nil
	}

	// Every job not built on the new tip is stale now.
	active := d.jobs[jobID]
	active.prevHash = ph
	d.jobs = map[uint32]*job{jobID: active}
	d.byTmpl = map[uint64]uint32{ph.TemplateID: jobID}
	d.mu.Unlock()

	log.Debugf("Activating job %d on %v", jobID, ph.PrevHash)

	return d.send(ctx, &sv2wire.MiningSetNewPrevHash{
		ChannelID: d.cfg.ChannelID,
		JobID:     jobID,
		PrevHash:  ph.PrevHash,
		MinNTime:  ph.HeaderTimestamp,
		NBits:     ph.NBits,
	})
}

// HandleUpstreamMessage delivers a message from the pool to the miner.
func (d *Downstream) HandleUpstreamMessage(ctx context.Context,
	msg sv2wire.Message) error {

	return d.send(ctx, msg)
}

// handleMinerMessage processes one message received from the miner.
func (d *Downstream) handleMinerMessage(ctx context.Context,
	msg sv2wire.Message) error {

	share, ok := msg.(*sv2wire.SubmitSharesExtended)
	if !ok {
		log.Debugf("Ignoring %v from miner", msg.MsgType())
		return nil
	}
	d.sharesReceived.Add(1)

	d.mu.Lock()
	j, ok := d.jobs[share.JobID]
	var ph *sv2wire.SetNewPrevHash
	if ok {
		ph = j.prevHash
	}
	d.mu.Unlock()

	switch {
	case !ok:
		return d.refuseShare(ctx, share, codeInvalidJobID)

	case ph == nil:
		return d.refuseShare(ctx, share, codeStaleShare)
	}

	header := j.header(ph, share)
	if d.cfg.SolutionCheck(header, ph.Target) {
		if err := d.submitSolution(ctx, j, ph, share); err != nil {
			return err
		}
	}

	if err := d.cfg.Upstream.Send(ctx, share); err != nil {
		if ctx.Err() != nil {
			return nil
		}

		return fmt.Errorf("forward share upstream: %w", err)
	}

	return nil
}

// submitSolution queues a found block for the template provider and pushes it
// to the job declarator. The queue applies backpressure: this blocks while it
// is full.
func (d *Downstream) submitSolution(ctx context.Context, j *job,
	ph *sv2wire.SetNewPrevHash, share *sv2wire.SubmitSharesExtended) error {

	d.solutionsFound.Add(1)

	log.Infof("Share %d on job %d is a block for template %d",
		share.SequenceNumber, j.id, j.template.TemplateID)

	sol := &sv2wire.SubmitSolution{
		TemplateID:      j.template.TemplateID,
		Version:         share.Version,
		HeaderTimestamp: share.NTime,
		HeaderNonce:     share.Nonce,
		CoinbaseTx:      j.coinbase(share.Extranonce),
	}
	if err := d.cfg.Solutions.Enqueue(ctx, sol); err != nil {
		if ctx.Err() != nil {
			return nil
		}

		return fmt.Errorf("queue solution: %w", err)
	}

	d.cfg.JobDeclarator.WhenSome(func(jd *jobdeclarator.JobDeclarator) {
		err := jd.PushSolution(ctx, &sv2wire.PushSolution{
			Extranonce: share.Extranonce,
			PrevHash:   ph.PrevHash,
			NTime:      share.NTime,
			Nonce:      share.Nonce,
			NBits:      ph.NBits,
			Version:    share.Version,
		})
		if err != nil {
			log.Errorf("Unable to push solution: %v", err)
		}
	})

	return nil
}

// refuseShare answers a share that cannot be routed.
func (d *Downstream) refuseShare(ctx context.Context,
	share *sv2wire.SubmitSharesExtended, code string) error {

	log.Debugf("Refusing share %d for job %d: %s", share.SequenceNumber,
		share.JobID, code)

	return d.send(ctx, &sv2wire.SubmitSharesError{
		ChannelID:      share.ChannelID,
		SequenceNumber: share.SequenceNumber,
		ErrorCode:      sv2wire.Str0255(code),
	})
}

// send delivers a message to the miner.
func (d *Downstream) send(ctx context.Context, msg sv2wire.Message) error {
	select {
	case d.cfg.Sender <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the counters of the role.
func (d *Downstream) Stats() Stats {
	return Stats{
		JobsSent:       d.jobsSent.Load(),
		SharesReceived: d.sharesReceived.Load(),
		SolutionsFound: d.solutionsFound.Load(),
	}
}
