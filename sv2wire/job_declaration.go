package sv2wire

import (
	"bytes"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// PushSolution forwards a found block to the job declarator server so it can
// propagate it independently of the template provider.
type PushSolution struct {
	Extranonce B032
	PrevHash   chainhash.Hash
	NTime      uint32
	Nonce      uint32
	NBits      uint32
	Version    uint32
}

// A compile time check to ensure PushSolution implements the Message
// interface.
var _ Message = (*PushSolution)(nil)

// Decode deserializes a PushSolution from the reader.
//
// This is part of the Message interface.
func (msg *PushSolution) Decode(r io.Reader) error {
	return ReadElements(r,
		&msg.Extranonce,
		&msg.PrevHash,
		&msg.NTime,
		&msg.Nonce,
		&msg.NBits,
		&msg.Version,
	)
}

// Encode serializes the PushSolution into the buffer.
//
// This is part of the Message interface.
func (msg *PushSolution) Encode(w *bytes.Buffer) error {
	return WriteElements(w,
		msg.Extranonce,
		msg.PrevHash,
		msg.NTime,
		msg.Nonce,
		msg.NBits,
		msg.Version,
	)
}

// MsgType returns the type identifying this message on the wire.
//
// This is part of the Message interface.
func (msg *PushSolution) MsgType() MessageType {
	return MsgPushSolution
}
