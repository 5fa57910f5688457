package jdclient

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/oathar/demand-cli/handshake"
	"github.com/oathar/demand-cli/sv2wire"
	"github.com/stretchr/testify/require"
)

const (
	tpPort   = 8442
	poolPort = 34264

	testTimeout = 5 * time.Second
)

// errConnRefused is returned by the fake network for ports nobody listens on.
var errConnRefused = errors.New("connection refused")

// fakePeer is the remote end of a role's connection. It answers the setup
// exchange according to its policy and then records every message it
// receives.
type fakePeer struct {
	policy handshake.Policy

	mu   sync.Mutex
	conn *sv2wire.Conn

	connected chan struct{}
	received  chan sv2wire.Message
}

func newFakePeer(protocol sv2wire.Protocol, version uint16) *fakePeer {
	return &fakePeer{
		policy: handshake.Policy{
			Protocol: protocol,
			Version:  version,
		},
		connected: make(chan struct{}),
		received:  make(chan sv2wire.Message, 20),
	}
}

// serve runs the peer side of a freshly dialed connection.
func (p *fakePeer) serve(conn *sv2wire.Conn) {
	_, err := handshake.Accept(context.Background(), conn, &p.policy)
	if err != nil {
		_ = conn.Close()
		return
	}

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	close(p.connected)

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		p.received <- msg
	}
}

// send writes a message to the client once it is connected.
func (p *fakePeer) send(t *testing.T, msg sv2wire.Message) {
	t.Helper()

	select {
	case <-p.connected:
	case <-time.After(testTimeout):
		t.Fatal("peer never connected")
	}

	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()

	require.NoError(t, conn.WriteMessage(msg))
}

// hangUp closes the connection to the client.
func (p *fakePeer) hangUp(t *testing.T) {
	t.Helper()

	<-p.connected

	p.mu.Lock()
	defer p.mu.Unlock()

	require.NoError(t, p.conn.Close())
}

// expect returns the next message the peer received.
func (p *fakePeer) expect(t *testing.T) sv2wire.Message {
	t.Helper()

	select {
	case msg := <-p.received:
		return msg
	case <-time.After(testTimeout):
		t.Fatal("peer received nothing")
		return nil
	}
}

// fakeNetwork routes dials to fake peers by port.
type fakeNetwork struct {
	peers map[int]*fakePeer
}

func (n *fakeNetwork) dial(_ context.Context,
	addr *net.TCPAddr) (net.Conn, error) {

	peer, ok := n.peers[addr.Port]
	if !ok {
		return nil, errConnRefused
	}

	local, remote := net.Pipe()
	go peer.serve(sv2wire.NewConn(remote))

	return local, nil
}

// harness holds the channels and fakes around a client under test.
type harness struct {
	cfg *Config

	tp   *fakePeer
	pool *fakePeer

	downIn  chan sv2wire.Message
	downOut chan sv2wire.Message
	upIn    chan sv2wire.Message
	upOut   chan sv2wire.Message
}

type harnessOpt func(*harness)

// withoutTP removes the template provider from the network.
func withoutTP() harnessOpt {
	return func(h *harness) {
		h.tp = nil
	}
}

// withTPVersion makes the template provider speak another version.
func withTPVersion(version uint16) harnessOpt {
	return func(h *harness) {
		h.tp.policy.Version = version
	}
}

func newHarness(t *testing.T, opts ...harnessOpt) *harness {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	h := &harness{
		tp: newFakePeer(sv2wire.ProtocolTemplateDistribution, 2),
		pool: newFakePeer(
			sv2wire.ProtocolJobDeclaration, 2,
		),
		downIn:  make(chan sv2wire.Message),
		downOut: make(chan sv2wire.Message),
		upIn:    make(chan sv2wire.Message),
		upOut:   make(chan sv2wire.Message),
	}
	for _, opt := range opts {
		opt(h)
	}

	network := &fakeNetwork{peers: map[int]*fakePeer{
		poolPort: h.pool,
	}}
	if h.tp != nil {
		network.peers[tpPort] = h.tp
	}

	h.cfg = &Config{
		TPAddress:         "127.0.0.1:8442",
		PoolAddress:       "127.0.0.1:34264",
		AuthPubKey:        priv.PubKey(),
		MinExtranonceSize: 8,
		Dial:              network.dial,

		// Every share is a block.
		SolutionCheck: func(*wire.BlockHeader, chainhash.Hash) bool {
			return true
		},
	}

	return h
}

// expectDown returns the next message sent to the miner.
func (h *harness) expectDown(t *testing.T) sv2wire.Message {
	t.Helper()

	select {
	case msg := <-h.downOut:
		return msg
	case <-time.After(testTimeout):
		t.Fatal("nothing sent to the miner")
		return nil
	}
}

// expectUp returns the next message sent to the pool.
func (h *harness) expectUp(t *testing.T) sv2wire.Message {
	t.Helper()

	select {
	case msg := <-h.upOut:
		return msg
	case <-time.After(testTimeout):
		t.Fatal("nothing sent to the pool")
		return nil
	}
}
