package sv2wire

import (
	"bytes"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// NewTemplate announces a block template from the template provider. A
// template with FutureTemplate set only becomes active once a SetNewPrevHash
// referencing its TemplateID arrives.
type NewTemplate struct {
	TemplateID               uint64
	FutureTemplate           bool
	Version                  uint32
	CoinbaseTxVersion        uint32
	CoinbasePrefix           B0255
	CoinbaseTxInputSequence  uint32
	CoinbaseTxValueRemaining uint64
	CoinbaseTxOutputsCount   uint32
	CoinbaseTxOutputs        B064K
	CoinbaseTxLocktime       uint32
	MerklePath               []chainhash.Hash
}

// A compile time check to ensure NewTemplate implements the Message interface.
var _ Message = (*NewTemplate)(nil)

// Decode deserializes a NewTemplate from the reader.
//
// This is part of the Message interface.
func (msg *NewTemplate) Decode(r io.Reader) error {
	return ReadElements(r,
		&msg.TemplateID,
		&msg.FutureTemplate,
		&msg.Version,
		&msg.CoinbaseTxVersion,
		&msg.CoinbasePrefix,
		&msg.CoinbaseTxInputSequence,
		&msg.CoinbaseTxValueRemaining,
		&msg.CoinbaseTxOutputsCount,
		&msg.CoinbaseTxOutputs,
		&msg.CoinbaseTxLocktime,
		&msg.MerklePath,
	)
}

// Encode serializes the NewTemplate into the buffer.
//
// This is part of the Message interface.
func (msg *NewTemplate) Encode(w *bytes.Buffer) error {
	return WriteElements(w,
		msg.TemplateID,
		msg.FutureTemplate,
		msg.Version,
		msg.CoinbaseTxVersion,
		msg.CoinbasePrefix,
		msg.CoinbaseTxInputSequence,
		msg.CoinbaseTxValueRemaining,
		msg.CoinbaseTxOutputsCount,
		msg.CoinbaseTxOutputs,
		msg.CoinbaseTxLocktime,
		msg.MerklePath,
	)
}

// MsgType returns the type identifying this message on the wire.
//
// This is part of the Message interface.
func (msg *NewTemplate) MsgType() MessageType {
	return MsgNewTemplate
}

// SetNewPrevHash announces a new chain tip from the template provider along
// with the template that builds on it.
type SetNewPrevHash struct {
	TemplateID      uint64
	PrevHash        chainhash.Hash
	HeaderTimestamp uint32
	NBits           uint32
	Target          chainhash.Hash
}

// A compile time check to ensure SetNewPrevHash implements the Message
// interface.
var _ Message = (*SetNewPrevHash)(nil)

// Decode deserializes a SetNewPrevHash from the reader.
//
// This is part of the Message interface.
func (msg *SetNewPrevHash) Decode(r io.Reader) error {
	return ReadElements(r,
		&msg.TemplateID,
		&msg.PrevHash,
		&msg.HeaderTimestamp,
		&msg.NBits,
		&msg.Target,
	)
}

// Encode serializes the SetNewPrevHash into the buffer.
//
// This is part of the Message interface.
func (msg *SetNewPrevHash) Encode(w *bytes.Buffer) error {
	return WriteElements(w,
		msg.TemplateID,
		msg.PrevHash,
		msg.HeaderTimestamp,
		msg.NBits,
		msg.Target,
	)
}

// MsgType returns the type identifying this message on the wire.
//
// This is part of the Message interface.
func (msg *SetNewPrevHash) MsgType() MessageType {
	return MsgSetNewPrevHash
}

// SubmitSolution hands a block solution for a template back to the template
// provider so it can be propagated.
type SubmitSolution struct {
	TemplateID      uint64
	Version         uint32
	HeaderTimestamp uint32
	HeaderNonce     uint32
	CoinbaseTx      B064K
}

// A compile time check to ensure SubmitSolution implements the Message
// interface.
var _ Message = (*SubmitSolution)(nil)

// Decode deserializes a SubmitSolution from the reader.
//
// This is part of the Message interface.
func (msg *SubmitSolution) Decode(r io.Reader) error {
	return ReadElements(r,
		&msg.TemplateID,
		&msg.Version,
		&msg.HeaderTimestamp,
		&msg.HeaderNonce,
		&msg.CoinbaseTx,
	)
}

// Encode serializes the SubmitSolution into the buffer.
//
// This is part of the Message interface.
func (msg *SubmitSolution) Encode(w *bytes.Buffer) error {
	return WriteElements(w,
		msg.TemplateID,
		msg.Version,
		msg.HeaderTimestamp,
		msg.HeaderNonce,
		msg.CoinbaseTx,
	)
}

// MsgType returns the type identifying this message on the wire.
//
// This is part of the Message interface.
func (msg *SubmitSolution) MsgType() MessageType {
	return MsgSubmitSolution
}
