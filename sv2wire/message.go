package sv2wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// HeaderSize is the size of the frame header preceding every message:
	// a two byte extension type, a one byte message type and a three byte
	// payload length.
	HeaderSize = 6

	// MaxPayloadLength is the largest payload a frame can carry.
	MaxPayloadLength = 1<<24 - 1

	// channelMsgBit is set in the extension type of messages that are
	// addressed to a specific channel.
	channelMsgBit uint16 = 0x8000
)

// Protocol identifies the sub-protocol a connection is set up for.
type Protocol uint8

const (
	// ProtocolMining is the mining protocol spoken with pools and miners.
	ProtocolMining Protocol = 0

	// ProtocolJobDeclaration is spoken with the job declarator server.
	ProtocolJobDeclaration Protocol = 1

	// ProtocolTemplateDistribution is spoken with the template provider.
	ProtocolTemplateDistribution Protocol = 2
)

// String returns a human readable name of the protocol.
func (p Protocol) String() string {
	switch p {
	case ProtocolMining:
		return "Mining"
	case ProtocolJobDeclaration:
		return "JobDeclaration"
	case ProtocolTemplateDistribution:
		return "TemplateDistribution"
	default:
		return fmt.Sprintf("<unknown protocol %d>", uint8(p))
	}
}

// MessageType is the one byte discriminator of a message on the wire.
type MessageType uint8

// The message types understood by this daemon.
const (
	MsgSetupConnection        MessageType = 0x00
	MsgSetupConnectionSuccess MessageType = 0x01
	MsgSetupConnectionError   MessageType = 0x02
	MsgChannelEndpointChanged MessageType = 0x03
	MsgSubmitSharesExtended   MessageType = 0x1b
	MsgSubmitSharesSuccess    MessageType = 0x1c
	MsgSubmitSharesError      MessageType = 0x1d
	MsgNewExtendedMiningJob   MessageType = 0x1f
	MsgMiningSetNewPrevHash   MessageType = 0x20
	MsgPushSolution           MessageType = 0x60
	MsgNewTemplate            MessageType = 0x71
	MsgSetNewPrevHash         MessageType = 0x72
	MsgSubmitSolution         MessageType = 0x76
)

// String return the string representation of message type.
func (t MessageType) String() string {
	switch t {
	case MsgSetupConnection:
		return "SetupConnection"
	case MsgSetupConnectionSuccess:
		return "SetupConnectionSuccess"
	case MsgSetupConnectionError:
		return "SetupConnectionError"
	case MsgChannelEndpointChanged:
		return "ChannelEndpointChanged"
	case MsgSubmitSharesExtended:
		return "SubmitSharesExtended"
	case MsgSubmitSharesSuccess:
		return "SubmitSharesSuccess"
	case MsgSubmitSharesError:
		return "SubmitSharesError"
	case MsgNewExtendedMiningJob:
		return "NewExtendedMiningJob"
	case MsgMiningSetNewPrevHash:
		return "MiningSetNewPrevHash"
	case MsgPushSolution:
		return "PushSolution"
	case MsgNewTemplate:
		return "NewTemplate"
	case MsgSetNewPrevHash:
		return "SetNewPrevHash"
	case MsgSubmitSolution:
		return "SubmitSolution"
	default:
		return fmt.Sprintf("<unknown type 0x%02x>", uint8(t))
	}
}

// isChannelMsg reports whether the message type is addressed to a channel.
func (t MessageType) isChannelMsg() bool {
	switch t {
	case MsgChannelEndpointChanged, MsgSubmitSharesExtended,
		MsgSubmitSharesSuccess, MsgSubmitSharesError,
		MsgNewExtendedMiningJob, MsgMiningSetNewPrevHash:

		return true
	}

	return false
}

// UnknownMessage is an implementation of the error interface that allows the
// creation of an error in response to an unknown message. The payload of the
// frame has been consumed when this error is returned, so the stream stays
// aligned on frame boundaries.
type UnknownMessage struct {
	MessageType MessageType
}

// Error returns a human readable string describing the error.
//
// This is part of the error interface.
func (u *UnknownMessage) Error() string {
	return fmt.Sprintf("unable to parse message of unknown type: %v",
		u.MessageType)
}

// Serializable is an interface which defines a serializable wire object.
type Serializable interface {
	// Decode reads the bytes stream and converts it to the object.
	Decode(io.Reader) error

	// Encode converts object to the bytes stream and write it into the
	// write buffer.
	Encode(*bytes.Buffer) error
}

// Message is an interface that defines a Stratum V2 message. Messages are
// passed between roles over channels as values of this interface.
type Message interface {
	Serializable
	MsgType() MessageType
}

// makeEmptyMessage creates a new empty message of the proper concrete type
// based on the passed message type.
func makeEmptyMessage(msgType MessageType) (Message, error) {
	var msg Message

	switch msgType {
	case MsgSetupConnection:
		msg = &SetupConnection{}
	case MsgSetupConnectionSuccess:
		msg = &SetupConnectionSuccess{}
	case MsgSetupConnectionError:
		msg = &SetupConnectionError{}
	case MsgChannelEndpointChanged:
		msg = &ChannelEndpointChanged{}
	case MsgSubmitSharesExtended:
		msg = &SubmitSharesExtended{}
	case MsgSubmitSharesSuccess:
		msg = &SubmitSharesSuccess{}
	case MsgSubmitSharesError:
		msg = &SubmitSharesError{}
	case MsgNewExtendedMiningJob:
		msg = &NewExtendedMiningJob{}
	case MsgMiningSetNewPrevHash:
		msg = &MiningSetNewPrevHash{}
	case MsgPushSolution:
		msg = &PushSolution{}
	case MsgNewTemplate:
		msg = &NewTemplate{}
	case MsgSetNewPrevHash:
		msg = &SetNewPrevHash{}
	case MsgSubmitSolution:
		msg = &SubmitSolution{}
	default:
		return nil, &UnknownMessage{msgType}
	}

	return msg, nil
}

// Header is the fixed size frame header preceding every payload.
type Header struct {
	ExtensionType uint16
	MsgType       MessageType
	Length        uint32
}

// ChannelMsg reports whether the channel bit of the extension type is set.
func (h Header) ChannelMsg() bool {
	return h.ExtensionType&channelMsgBit != 0
}

// encode serializes the header into its six byte wire form.
func (h Header) encode() [HeaderSize]byte {
	var b [HeaderSize]byte
	binary.LittleEndian.PutUint16(b[0:2], h.ExtensionType)
	b[2] = uint8(h.MsgType)
	b[3] = uint8(h.Length)
	b[4] = uint8(h.Length >> 8)
	b[5] = uint8(h.Length >> 16)

	return b
}

// decodeHeader parses a six byte wire header.
func decodeHeader(b [HeaderSize]byte) Header {
	return Header{
		ExtensionType: binary.LittleEndian.Uint16(b[0:2]),
		MsgType:       MessageType(b[2]),
		Length: uint32(b[3]) | uint32(b[4])<<8 |
			uint32(b[5])<<16,
	}
}

// WriteMessage writes a framed message to the writer. The payload is fully
// encoded before anything is written, so an encoding error leaves the writer
// untouched. The number of bytes written is returned.
func WriteMessage(w io.Writer, msg Message) (int, error) {
	var payload bytes.Buffer
	if err := msg.Encode(&payload); err != nil {
		return 0, fmt.Errorf("failed to encode %v: %w", msg.MsgType(),
			err)
	}

	if payload.Len() > MaxPayloadLength {
		return 0, fmt.Errorf("message payload is too large - "+
			"encoded %d bytes, but maximum message payload is %d "+
			"bytes", payload.Len(), MaxPayloadLength)
	}

	header := Header{
		MsgType: msg.MsgType(),
		Length:  uint32(payload.Len()),
	}
	if header.MsgType.isChannelMsg() {
		header.ExtensionType |= channelMsgBit
	}
	h := header.encode()

	frame := make([]byte, 0, HeaderSize+payload.Len())
	frame = append(frame, h[:]...)
	frame = append(frame, payload.Bytes()...)

	return w.Write(frame)
}

// ReadMessage reads the next framed message from the reader. Frames of an
// unknown type are consumed and reported as *UnknownMessage.
func ReadMessage(r io.Reader) (Message, error) {
	var hb [HeaderSize]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		return nil, err
	}
	header := decodeHeader(hb)

	payload := make([]byte, header.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	msg, err := makeEmptyMessage(header.MsgType)
	if err != nil {
		return nil, err
	}

	if err := msg.Decode(bytes.NewReader(payload)); err != nil {
		return nil, fmt.Errorf("failed to decode %v: %w",
			header.MsgType, err)
	}

	return msg, nil
}
