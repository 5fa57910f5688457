package jobdeclarator

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/oathar/demand-cli/handshake"
	"github.com/oathar/demand-cli/sv2wire"
	"github.com/oathar/demand-cli/upstream"
	"github.com/stretchr/testify/require"
)

var jdsAddr = &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 34264}

func newTestConfig(t *testing.T) (*Config, <-chan *sv2wire.Conn) {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	up, err := upstream.New(8, make(chan sv2wire.Message, 1), nil)
	require.NoError(t, err)

	conns := make(chan *sv2wire.Conn, 1)
	dial := func(context.Context, *net.TCPAddr) (net.Conn, error) {
		local, remote := net.Pipe()

		go func() {
			conn := sv2wire.NewConn(remote)
			_, err := handshake.Accept(
				context.Background(), conn, &handshake.Policy{
					Protocol: sv2wire.ProtocolJobDeclaration,
					Version:  ProtocolVersion,
				},
			)
			if err != nil {
				_ = conn.Close()
				return
			}
			conns <- conn
		}()

		return local, nil
	}

	return &Config{
		Address:    jdsAddr,
		AuthPubKey: priv.PubKey(),
		Upstream:   up,
		Dial:       dial,
		Handshake:  handshake.Config{Vendor: "demand"},
	}, conns
}

// TestPushSolution connects to a fake server and pushes a solution to it.
func TestPushSolution(t *testing.T) {
	t.Parallel()

	cfg, conns := newTestConfig(t)

	jd, task, err := New(testingContext(t), cfg)
	require.NoError(t, err)
	defer task.Abort()

	server := <-conns

	sol := &sv2wire.PushSolution{
		Extranonce: sv2wire.B032{1, 2},
		PrevHash:   chainhash.Hash{0x05},
		Nonce:      99,
	}
	go func() {
		_ = jd.PushSolution(testingContext(t), sol)
	}()

	msg, err := server.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, sol, msg)

	require.Eventually(t, func() bool {
		return jd.SolutionsPushed() == 1
	}, time.Second, 10*time.Millisecond)

	// Unsolicited messages from the server are tolerated.
	require.NoError(t, server.WriteMessage(&sv2wire.SetupConnectionSuccess{}))

	// The server going away fails the task.
	require.NoError(t, server.Close())
	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("task did not stop")
	}
	require.Error(t, task.Err())
}

// TestDialFailure checks that a refused connection is reported.
func TestDialFailure(t *testing.T) {
	t.Parallel()

	errRefused := errors.New("refused")

	cfg, _ := newTestConfig(t)
	cfg.Dial = func(context.Context, *net.TCPAddr) (net.Conn, error) {
		return nil, errRefused
	}

	_, _, err := New(testingContext(t), cfg)
	require.ErrorIs(t, err, errRefused)
}

// TestTemplateTracking checks that a new chain tip drops every template not
// built on it.
func TestTemplateTracking(t *testing.T) {
	t.Parallel()

	jd := &JobDeclarator{
		templates: make(map[uint64]*sv2wire.NewTemplate),
	}

	_, err := jd.PrevHash()
	require.ErrorIs(t, err, ErrNoPrevHash)

	for id := uint64(1); id <= maxTrackedTemplates+4; id++ {
		jd.OnNewTemplate(&sv2wire.NewTemplate{TemplateID: id})
	}
	require.Len(t, jd.templates, maxTrackedTemplates)
	require.NotContains(t, jd.templates, uint64(1))

	tip := chainhash.Hash{0x0f}
	jd.OnSetNewPrevHash(&sv2wire.SetNewPrevHash{
		TemplateID: maxTrackedTemplates + 4,
		PrevHash:   tip,
	})
	require.Len(t, jd.templates, 1)
	require.Equal(t, []uint64{maxTrackedTemplates + 4}, jd.order)

	got, err := jd.PrevHash()
	require.NoError(t, err)
	require.Equal(t, tip, got)
}
