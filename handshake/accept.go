package handshake

import (
	"context"
	"fmt"

	"github.com/oathar/demand-cli/sv2wire"
)

// Error codes sent to an initiator whose request is refused.
const (
	CodeUnsupportedProtocol     = "unsupported-protocol"
	CodeVersionMismatch         = "protocol-version-mismatch"
	CodeUnsupportedFeatureFlags = "unsupported-feature-flags"
)

// Policy decides whether a setup request is acceptable and which version is
// used.
type Policy struct {
	// Protocol is the only sub-protocol accepted.
	Protocol sv2wire.Protocol

	// Version is the single protocol version spoken.
	Version uint16

	// SupportedFlags is the set of feature flags that may be requested.
	SupportedFlags uint32
}

// check returns the refusal for req, or nil if req is acceptable.
func (p *Policy) check(req *sv2wire.SetupConnection) *sv2wire.SetupConnectionError {
	switch {
	case req.Protocol != p.Protocol:
		return &sv2wire.SetupConnectionError{
			ErrorCode: CodeUnsupportedProtocol,
		}

	case req.MinVersion > p.Version || req.MaxVersion < p.Version:
		return &sv2wire.SetupConnectionError{
			ErrorCode: CodeVersionMismatch,
		}

	case req.Flags&^p.SupportedFlags != 0:
		return &sv2wire.SetupConnectionError{
			Flags:     req.Flags &^ p.SupportedFlags,
			ErrorCode: CodeUnsupportedFeatureFlags,
		}
	}

	return nil
}

// Accept runs the responder side of the setup exchange: it reads the
// initiator's request, answers it according to policy and returns the
// request on success. A refused request yields a *RejectedError carrying the
// code that was sent.
func Accept(ctx context.Context, conn MessageConn,
	policy *Policy) (*sv2wire.SetupConnection, error) {

	reqChan := make(chan readResult, 1)
	go func() {
		msg, err := conn.ReadMessage()
		reqChan <- readResult{msg: msg, err: err}
	}()

	var res readResult
	select {
	case res = <-reqChan:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrHandshakeIO, ctx.Err())
	}
	if res.err != nil {
		return nil, fmt.Errorf("%w: awaiting setup request: %w",
			ErrHandshakeIO, res.err)
	}

	req, ok := res.msg.(*sv2wire.SetupConnection)
	if !ok {
		return nil, fmt.Errorf("%w: expected %v, got %v",
			ErrHandshakeProtocol, sv2wire.MsgSetupConnection,
			res.msg.MsgType())
	}

	if refusal := policy.check(req); refusal != nil {
		log.Infof("Refusing %v setup from %s:%d: %s", req.Protocol,
			req.EndpointHost, req.EndpointPort, refusal.ErrorCode)

		if err := conn.WriteMessage(refusal); err != nil {
			return nil, fmt.Errorf("%w: sending setup error: %w",
				ErrHandshakeIO, err)
		}

		return nil, &RejectedError{
			Reason: string(refusal.ErrorCode),
			Flags:  refusal.Flags,
		}
	}

	success := &sv2wire.SetupConnectionSuccess{
		UsedVersion: policy.Version,
		Flags:       req.Flags,
	}
	if err := conn.WriteMessage(success); err != nil {
		return nil, fmt.Errorf("%w: sending setup success: %w",
			ErrHandshakeIO, err)
	}

	log.Debugf("Accepted %v setup from vendor=%q firmware=%q device=%q",
		req.Protocol, req.Vendor, req.Firmware, req.DeviceID)

	return req, nil
}
