package sv2wire

import (
	"bytes"
	"io"
)

// SetupConnection is the first message sent by the initiator of a connection.
// No other message may be sent before the responder answered it.
type SetupConnection struct {
	// Protocol is the sub-protocol the connection is set up for.
	Protocol Protocol

	// MinVersion and MaxVersion bound the protocol versions the initiator
	// supports.
	MinVersion uint16
	MaxVersion uint16

	// Flags is a bitmask of optional features the initiator requests.
	Flags uint32

	// EndpointHost and EndpointPort are the address the initiator used to
	// reach the responder.
	EndpointHost Str0255
	EndpointPort uint16

	// The remaining fields describe the initiator. All may be empty.
	Vendor          Str0255
	HardwareVersion Str0255
	Firmware        Str0255
	DeviceID        Str0255
}

// A compile time check to ensure SetupConnection implements the Message
// interface.
var _ Message = (*SetupConnection)(nil)

// Decode deserializes a SetupConnection from the reader.
//
// This is part of the Message interface.
func (msg *SetupConnection) Decode(r io.Reader) error {
	return ReadElements(r,
		&msg.Protocol,
		&msg.MinVersion,
		&msg.MaxVersion,
		&msg.Flags,
		&msg.EndpointHost,
		&msg.EndpointPort,
		&msg.Vendor,
		&msg.HardwareVersion,
		&msg.Firmware,
		&msg.DeviceID,
	)
}

// Encode serializes the SetupConnection into the buffer.
//
// This is part of the Message interface.
func (msg *SetupConnection) Encode(w *bytes.Buffer) error {
	return WriteElements(w,
		msg.Protocol,
		msg.MinVersion,
		msg.MaxVersion,
		msg.Flags,
		msg.EndpointHost,
		msg.EndpointPort,
		msg.Vendor,
		msg.HardwareVersion,
		msg.Firmware,
		msg.DeviceID,
	)
}

// MsgType returns the type identifying this message on the wire.
//
// This is part of the Message interface.
func (msg *SetupConnection) MsgType() MessageType {
	return MsgSetupConnection
}

// SetupConnectionSuccess is the responder's acceptance of a SetupConnection.
type SetupConnectionSuccess struct {
	// UsedVersion is the protocol version selected by the responder.
	UsedVersion uint16

	// Flags is the responder's view of the optional features.
	Flags uint32
}

// A compile time check to ensure SetupConnectionSuccess implements the
// Message interface.
var _ Message = (*SetupConnectionSuccess)(nil)

// Decode deserializes a SetupConnectionSuccess from the reader.
//
// This is part of the Message interface.
func (msg *SetupConnectionSuccess) Decode(r io.Reader) error {
	return ReadElements(r, &msg.UsedVersion, &msg.Flags)
}

// Encode serializes the SetupConnectionSuccess into the buffer.
//
// This is part of the Message interface.
func (msg *SetupConnectionSuccess) Encode(w *bytes.Buffer) error {
	return WriteElements(w, msg.UsedVersion, msg.Flags)
}

// MsgType returns the type identifying this message on the wire.
//
// This is part of the Message interface.
func (msg *SetupConnectionSuccess) MsgType() MessageType {
	return MsgSetupConnectionSuccess
}

// SetupConnectionError is the responder's refusal of a SetupConnection.
type SetupConnectionError struct {
	// Flags lists the requested features the responder does not support.
	Flags uint32

	// ErrorCode is a human readable reason, e.g. "unsupported-protocol".
	ErrorCode Str0255
}

// A compile time check to ensure SetupConnectionError implements the Message
// interface.
var _ Message = (*SetupConnectionError)(nil)

// Decode deserializes a SetupConnectionError from the reader.
//
// This is part of the Message interface.
func (msg *SetupConnectionError) Decode(r io.Reader) error {
	return ReadElements(r, &msg.Flags, &msg.ErrorCode)
}

// Encode serializes the SetupConnectionError into the buffer.
//
// This is part of the Message interface.
func (msg *SetupConnectionError) Encode(w *bytes.Buffer) error {
	return WriteElements(w, msg.Flags, msg.ErrorCode)
}

// MsgType returns the type identifying this message on the wire.
//
// This is part of the Message interface.
func (msg *SetupConnectionError) MsgType() MessageType {
	return MsgSetupConnectionError
}

// ChannelEndpointChanged tells the receiver that the endpoint of a channel
// moved and that the channel must be reopened.
type ChannelEndpointChanged struct {
	ChannelID uint32
}

// A compile time check to ensure ChannelEndpointChanged implements the
// Message interface.
var _ Message = (*ChannelEndpointChanged)(nil)

// Decode deserializes a ChannelEndpointChanged from the reader.
//
// This is part of the Message interface.
func (msg *ChannelEndpointChanged) Decode(r io.Reader) error {
	return ReadElement(r, &msg.ChannelID)
}

// Encode serializes the ChannelEndpointChanged into the buffer.
//
// This is part of the Message interface.
func (msg *ChannelEndpointChanged) Encode(w *bytes.Buffer) error {
	return WriteElement(w, msg.ChannelID)
}

// MsgType returns the type identifying this message on the wire.
//
// This is part of the Message interface.
func (msg *ChannelEndpointChanged) MsgType() MessageType {
	return MsgChannelEndpointChanged
}
