// Package handshake implements the connection setup exchange every role runs
// right after opening a transport connection and before any other message
// flows on it.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/oathar/demand-cli/sv2wire"
)

// State is the progress of a single setup exchange.
type State uint32

const (
	// StateIdle is the initial state, nothing has been sent yet.
	StateIdle State = iota

	// StateRequestSent is entered once the request frame was written.
	StateRequestSent

	// StateAwaitingResponse is entered while blocked on the peer's answer.
	StateAwaitingResponse

	// StateSuccess means the peer accepted the connection.
	StateSuccess

	// StateRejected means the peer refused the connection.
	StateRejected

	// StateMalformed means the exchange failed for any other reason.
	StateMalformed
)

// String returns a human readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRequestSent:
		return "RequestSent"
	case StateAwaitingResponse:
		return "AwaitingResponse"
	case StateSuccess:
		return "Success"
	case StateRejected:
		return "Rejected"
	case StateMalformed:
		return "Malformed"
	default:
		return fmt.Sprintf("<unknown state %d>", uint32(s))
	}
}

// MessageConn is the part of a connection the exchange needs. It is satisfied
// by *sv2wire.Conn.
type MessageConn interface {
	// ReadMessage blocks until the next message arrives.
	ReadMessage() (sv2wire.Message, error)

	// WriteMessage writes a single message.
	WriteMessage(msg sv2wire.Message) error
}

// Config describes the local role in a setup request.
type Config struct {
	// Protocol is the sub-protocol the connection is set up for.
	Protocol sv2wire.Protocol

	// MinVersion and MaxVersion are the supported version range. A role
	// that speaks one version sets both to the same value.
	MinVersion uint16
	MaxVersion uint16

	// Flags requests optional features. Zero unless extensions are
	// negotiated.
	Flags uint32

	// Vendor, HardwareVersion, Firmware and DeviceID describe the local
	// role to the peer. Empty strings are valid.
	Vendor          string
	HardwareVersion string
	Firmware        string
	DeviceID        string
}

// NewRequest builds the setup request sent to the peer at addr.
func NewRequest(cfg *Config, addr *net.TCPAddr) *sv2wire.SetupConnection {
	req := &sv2wire.SetupConnection{
		Protocol:        cfg.Protocol,
		MinVersion:      cfg.MinVersion,
		MaxVersion:      cfg.MaxVersion,
		Flags:           cfg.Flags,
		Vendor:          sv2wire.Str0255(cfg.Vendor),
		HardwareVersion: sv2wire.Str0255(cfg.HardwareVersion),
		Firmware:        sv2wire.Str0255(cfg.Firmware),
		DeviceID:        sv2wire.Str0255(cfg.DeviceID),
	}

	if addr != nil {
		// An unspecified address such as ":8442" has no IP.
		if addr.IP != nil {
			req.EndpointHost = sv2wire.Str0255(addr.IP.String())
		}
		req.EndpointPort = uint16(addr.Port)
	}

	return req
}

// Session is the state of one setup exchange. A session is used for exactly
// one connection attempt.
type Session struct {
	req   *sv2wire.SetupConnection
	state atomic.Uint32

	// success is set once the session reached StateSuccess.
	success *sv2wire.SetupConnectionSuccess
}

// NewSession creates a session in the idle state for the peer at addr.
func NewSession(cfg *Config, addr *net.TCPAddr) *Session {
	return &Session{
		req: NewRequest(cfg, addr),
	}
}

// State returns the current state of the session.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Request returns the request the session sends.
func (s *Session) Request() *sv2wire.SetupConnection {
	return s.req
}

// Response returns the peer's acceptance. It is only set once the session
// reached StateSuccess.
func (s *Session) Response() *sv2wire.SetupConnectionSuccess {
	return s.success
}

func (s *Session) setState(state State) {
	log.Tracef("Handshake for %v: %v -> %v", s.req.Protocol, s.State(),
		state)

	s.state.Store(uint32(state))
}

// readResult carries the outcome of a read performed in its own goroutine.
type readResult struct {
	msg sv2wire.Message
	err error
}

// Run sends the request and consumes exactly one response from conn. There is
// no timeout: a silent peer blocks Run until ctx is done. The caller owns the
// connection and must close it when ctx is cancelled, which also releases the
// pending read.
func (s *Session) Run(ctx context.Context, conn MessageConn) error {
	if s.State() != StateIdle {
		return fmt.Errorf("handshake already ran, state %v", s.State())
	}

	s.setState(StateRequestSent)
	if err := conn.WriteMessage(s.req); err != nil {
		s.setState(StateMalformed)
		return fmt.Errorf("%w: sending setup request: %w",
			ErrHandshakeIO, err)
	}

	s.setState(StateAwaitingResponse)

	respChan := make(chan readResult, 1)
	go func() {
		msg, err := conn.ReadMessage()
		respChan <- readResult{msg: msg, err: err}
	}()

	var resp readResult
	select {
	case resp = <-respChan:
	case <-ctx.Done():
		s.setState(StateMalformed)
		return fmt.Errorf("%w: %w", ErrHandshakeIO, ctx.Err())
	}

	var unknown *sv2wire.UnknownMessage
	switch {
	case errors.As(resp.err, &unknown):
		s.setState(StateMalformed)
		return fmt.Errorf("%w: %w", ErrHandshakeProtocol, resp.err)

	case resp.err != nil:
		s.setState(StateMalformed)
		return fmt.Errorf("%w: awaiting setup response: %w",
			ErrHandshakeIO, resp.err)
	}

	switch msg := resp.msg.(type) {
	case *sv2wire.SetupConnectionSuccess:
		s.success = msg
		s.setState(StateSuccess)

		return nil

	case *sv2wire.SetupConnectionError:
		s.setState(StateRejected)

		return &RejectedError{
			Reason: string(msg.ErrorCode),
			Flags:  msg.Flags,
		}

	case *sv2wire.ChannelEndpointChanged:
		s.setState(StateMalformed)

		return fmt.Errorf("%w: endpoint of channel %d changed during "+
			"setup", ErrUnsupported, msg.ChannelID)

	default:
		s.setState(StateMalformed)

		return fmt.Errorf("%w: got %v", ErrHandshakeProtocol,
			resp.msg.MsgType())
	}
}

// Setup runs a complete setup exchange with the peer at addr. On success the
// connection is ready for domain traffic.
func Setup(ctx context.Context, conn MessageConn, cfg *Config,
	addr *net.TCPAddr) error {

	s := NewSession(cfg, addr)
	if err := s.Run(ctx, conn); err != nil {
		log.Debugf("Setup of %v connection to %v failed in state %v: "+
			"%v", cfg.Protocol, addr, s.State(), err)

		return err
	}

	log.Infof("Set up %v connection to %v, version %d", cfg.Protocol,
		addr, s.Response().UsedVersion)

	return nil
}
