package handshake

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/oathar/demand-cli/sv2wire"
	"github.com/stretchr/testify/require"
)

var (
	testAddr = &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 8442}

	testConfig = &Config{
		Protocol:   sv2wire.ProtocolTemplateDistribution,
		MinVersion: 2,
		MaxVersion: 2,
	}
)

// newPeer returns a local connection and the remote end of an in-memory pipe.
func newPeer(t *testing.T) (*sv2wire.Conn, *sv2wire.Conn) {
	t.Helper()

	local, remote := net.Pipe()
	l, r := sv2wire.NewConn(local), sv2wire.NewConn(remote)
	t.Cleanup(func() {
		_ = l.Close()
		_ = r.Close()
	})

	return l, r
}

// respond reads the setup request on conn and lets reply act on it.
func respond(t *testing.T, conn *sv2wire.Conn,
	reply func(*sv2wire.SetupConnection)) <-chan struct{} {

	done := make(chan struct{})
	go func() {
		defer close(done)

		msg, err := conn.ReadMessage()
		if err != nil {
			return
		}

		req, ok := msg.(*sv2wire.SetupConnection)
		if !ok {
			t.Errorf("expected setup request, got %T", msg)
			return
		}

		reply(req)
	}()

	return done
}

// TestNewRequest checks the request fields for an IPv4 endpoint.
func TestNewRequest(t *testing.T) {
	t.Parallel()

	cfg := *testConfig
	cfg.Vendor = "demand"

	req := NewRequest(&cfg, testAddr)
	require.Equal(t, sv2wire.ProtocolTemplateDistribution, req.Protocol)
	require.EqualValues(t, 2, req.MinVersion)
	require.EqualValues(t, 2, req.MaxVersion)
	require.Zero(t, req.Flags)
	require.EqualValues(t, "10.0.0.1", req.EndpointHost)
	require.EqualValues(t, 8442, req.EndpointPort)
	require.EqualValues(t, "demand", req.Vendor)
	require.Empty(t, req.HardwareVersion)
	require.Empty(t, req.Firmware)
	require.Empty(t, req.DeviceID)
}

// TestNewRequestNoIP checks that an address without an IP leaves the endpoint
// host empty.
func TestNewRequestNoIP(t *testing.T) {
	t.Parallel()

	addr, err := net.ResolveTCPAddr("tcp", ":8442")
	require.NoError(t, err)
	require.Nil(t, addr.IP)

	req := NewRequest(testConfig, addr)
	require.Empty(t, req.EndpointHost)
	require.EqualValues(t, 8442, req.EndpointPort)
}

// TestSetupSuccess runs a full exchange against a peer that accepts, then
// makes sure the connection carries domain traffic afterwards.
func TestSetupSuccess(t *testing.T) {
	t.Parallel()

	local, remote := newPeer(t)

	var gotReq *sv2wire.SetupConnection
	done := respond(t, remote, func(req *sv2wire.SetupConnection) {
		gotReq = req
		_ = remote.WriteMessage(&sv2wire.SetupConnectionSuccess{
			UsedVersion: 2,
		})
	})

	s := NewSession(testConfig, testAddr)
	require.Equal(t, StateIdle, s.State())
	require.NoError(t, s.Run(testingContext(t), local))
	require.Equal(t, StateSuccess, s.State())
	require.EqualValues(t, 2, s.Response().UsedVersion)

	<-done
	require.Equal(t, s.Request(), gotReq)

	// Domain traffic flows once the handshake completed.
	go func() {
		_ = remote.WriteMessage(&sv2wire.SetNewPrevHash{TemplateID: 9})
	}()
	msg, err := local.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, &sv2wire.SetNewPrevHash{TemplateID: 9}, msg)

	// A session is single use.
	require.Error(t, s.Run(testingContext(t), local))
}

// TestSetupFailures covers every way the exchange can fail.
func TestSetupFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		reply     func(remote *sv2wire.Conn)
		err       error
		state     State
		checkFunc func(t *testing.T, err error)
	}{
		{
			name: "rejected",
			reply: func(remote *sv2wire.Conn) {
				_ = remote.WriteMessage(
					&sv2wire.SetupConnectionError{
						ErrorCode: "unsupported version",
					},
				)
			},
			err:   ErrHandshakeRejected,
			state: StateRejected,
			checkFunc: func(t *testing.T, err error) {
				var rejected *RejectedError
				require.ErrorAs(t, err, &rejected)
				require.Equal(t, "unsupported version",
					rejected.Reason)
			},
		},
		{
			name: "closed before response",
			reply: func(remote *sv2wire.Conn) {
				_ = remote.Close()
			},
			err:   ErrHandshakeIO,
			state: StateMalformed,
		},
		{
			name: "unexpected message",
			reply: func(remote *sv2wire.Conn) {
				_ = remote.WriteMessage(
					&sv2wire.SetNewPrevHash{TemplateID: 1},
				)
			},
			err:   ErrHandshakeProtocol,
			state: StateMalformed,
		},
		{
			name: "endpoint changed",
			reply: func(remote *sv2wire.Conn) {
				_ = remote.WriteMessage(
					&sv2wire.ChannelEndpointChanged{
						ChannelID: 3,
					},
				)
			},
			err:   ErrUnsupported,
			state: StateMalformed,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			local, remote := newPeer(t)
			respond(t, remote, func(*sv2wire.SetupConnection) {
				tc.reply(remote)
			})

			s := NewSession(testConfig, testAddr)
			err := s.Run(testingContext(t), local)
			require.ErrorIs(t, err, tc.err)
			require.Equal(t, tc.state, s.State())

			if tc.checkFunc != nil {
				tc.checkFunc(t, err)
			}
		})
	}
}

// TestSetupCancelled makes sure a silent peer does not hold the caller once
// its context is cancelled.
func TestSetupCancelled(t *testing.T) {
	t.Parallel()

	local, remote := newPeer(t)
	respond(t, remote, func(*sv2wire.SetupConnection) {})

	ctx, cancel := context.WithTimeout(testingContext(t), 50*time.Millisecond)
	defer cancel()

	err := Setup(ctx, local, testConfig, testAddr)
	require.ErrorIs(t, err, ErrHandshakeIO)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

// TestAccept runs both sides of the exchange against each other.
func TestAccept(t *testing.T) {
	t.Parallel()

	policy := &Policy{
		Protocol: sv2wire.ProtocolMining,
		Version:  2,
	}

	tests := []struct {
		name   string
		cfg    Config
		reason string
	}{
		{
			name: "accepted",
			cfg: Config{
				Protocol:   sv2wire.ProtocolMining,
				MinVersion: 2,
				MaxVersion: 2,
				Vendor:     "bitaxe",
			},
		},
		{
			name: "wrong protocol",
			cfg: Config{
				Protocol:   sv2wire.ProtocolJobDeclaration,
				MinVersion: 2,
				MaxVersion: 2,
			},
			reason: CodeUnsupportedProtocol,
		},
		{
			name: "version out of range",
			cfg: Config{
				Protocol:   sv2wire.ProtocolMining,
				MinVersion: 3,
				MaxVersion: 4,
			},
			reason: CodeVersionMismatch,
		},
		{
			name: "unknown flags",
			cfg: Config{
				Protocol:   sv2wire.ProtocolMining,
				MinVersion: 1,
				MaxVersion: 2,
				Flags:      0b100,
			},
			reason: CodeUnsupportedFeatureFlags,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			local, remote := newPeer(t)

			type acceptResult struct {
				req *sv2wire.SetupConnection
				err error
			}
			resChan := make(chan acceptResult, 1)
			go func() {
				req, err := Accept(testingContext(t), remote, policy)
				resChan <- acceptResult{req: req, err: err}
			}()

			err := Setup(testingContext(t), local, &tc.cfg, testAddr)
			res := <-resChan

			if tc.reason == "" {
				require.NoError(t, err)
				require.NoError(t, res.err)
				require.EqualValues(t, tc.cfg.Vendor,
					res.req.Vendor)

				return
			}

			var rejected *RejectedError
			require.ErrorAs(t, err, &rejected)
			require.Equal(t, tc.reason, rejected.Reason)
			require.ErrorIs(t, res.err, ErrHandshakeRejected)
		})
	}
}
