package sv2wire

import (
	"bytes"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// NewExtendedMiningJob hands a new job to an extended channel. A job without
// MinNTime is a future job that becomes active with the next
// MiningSetNewPrevHash that references it.
type NewExtendedMiningJob struct {
	ChannelID             uint32
	JobID                 uint32
	MinNTime              OptionU32
	Version               uint32
	VersionRollingAllowed bool
	MerklePath            []chainhash.Hash
	CoinbaseTxPrefix      B064K
	CoinbaseTxSuffix      B064K
}

// A compile time check to ensure NewExtendedMiningJob implements the Message
// interface.
var _ Message = (*NewExtendedMiningJob)(nil)

// Decode deserializes a NewExtendedMiningJob from the reader.
//
// This is part of the Message interface.
func (msg *NewExtendedMiningJob) Decode(r io.Reader) error {
	return ReadElements(r,
		&msg.ChannelID,
		&msg.JobID,
		&msg.MinNTime,
		&msg.Version,
		&msg.VersionRollingAllowed,
		&msg.MerklePath,
		&msg.CoinbaseTxPrefix,
		&msg.CoinbaseTxSuffix,
	)
}

// Encode serializes the NewExtendedMiningJob into the buffer.
//
// This is part of the Message interface.
func (msg *NewExtendedMiningJob) Encode(w *bytes.Buffer) error {
	return WriteElements(w,
		msg.ChannelID,
		msg.JobID,
		msg.MinNTime,
		msg.Version,
		msg.VersionRollingAllowed,
		msg.MerklePath,
		msg.CoinbaseTxPrefix,
		msg.CoinbaseTxSuffix,
	)
}

// MsgType returns the type identifying this message on the wire.
//
// This is part of the Message interface.
func (msg *NewExtendedMiningJob) MsgType() MessageType {
	return MsgNewExtendedMiningJob
}

// MiningSetNewPrevHash activates a job on a channel with a new chain tip.
type MiningSetNewPrevHash struct {
	ChannelID uint32
	JobID     uint32
	PrevHash  chainhash.Hash
	MinNTime  uint32
	NBits     uint32
}

// A compile time check to ensure MiningSetNewPrevHash implements the Message
// interface.
var _ Message = (*MiningSetNewPrevHash)(nil)

// Decode deserializes a MiningSetNewPrevHash from the reader.
//
// This is part of the Message interface.
func (msg *MiningSetNewPrevHash) Decode(r io.Reader) error {
	return ReadElements(r,
		&msg.ChannelID,
		&msg.JobID,
		&msg.PrevHash,
		&msg.MinNTime,
		&msg.NBits,
	)
}

// Encode serializes the MiningSetNewPrevHash into the buffer.
//
// This is part of the Message interface.
func (msg *MiningSetNewPrevHash) Encode(w *bytes.Buffer) error {
	return WriteElements(w,
		msg.ChannelID,
		msg.JobID,
		msg.PrevHash,
		msg.MinNTime,
		msg.NBits,
	)
}

// MsgType returns the type identifying this message on the wire.
//
// This is part of the Message interface.
func (msg *MiningSetNewPrevHash) MsgType() MessageType {
	return MsgMiningSetNewPrevHash
}

// SubmitSharesExtended is a share submitted by a miner on an extended
// channel.
type SubmitSharesExtended struct {
	ChannelID      uint32
	SequenceNumber uint32
	JobID          uint32
	Nonce          uint32
	NTime          uint32
	Version        uint32
	Extranonce     B032
}

// A compile time check to ensure SubmitSharesExtended implements the Message
// interface.
var _ Message = (*SubmitSharesExtended)(nil)

// Decode deserializes a SubmitSharesExtended from the reader.
//
// This is part of the Message interface.
func (msg *SubmitSharesExtended) Decode(r io.Reader) error {
	return ReadElements(r,
		&msg.ChannelID,
		&msg.SequenceNumber,
		&msg.JobID,
		&msg.Nonce,
		&msg.NTime,
		&msg.Version,
		&msg.Extranonce,
	)
}

// Encode serializes the SubmitSharesExtended into the buffer.
//
// This is part of the Message interface.
func (msg *SubmitSharesExtended) Encode(w *bytes.Buffer) error {
	return WriteElements(w,
		msg.ChannelID,
		msg.SequenceNumber,
		msg.JobID,
		msg.Nonce,
		msg.NTime,
		msg.Version,
		msg.Extranonce,
	)
}

// MsgType returns the type identifying this message on the wire.
//
// This is part of the Message interface.
func (msg *SubmitSharesExtended) MsgType() MessageType {
	return MsgSubmitSharesExtended
}

// SubmitSharesSuccess acknowledges a batch of accepted shares.
type SubmitSharesSuccess struct {
	ChannelID               uint32
	LastSequenceNumber      uint32
	NewSubmitsAcceptedCount uint32
	NewSharesSum            uint64
}

// A compile time check to ensure SubmitSharesSuccess implements the Message
// interface.
var _ Message = (*SubmitSharesSuccess)(nil)

// Decode deserializes a SubmitSharesSuccess from the reader.
//
// This is part of the Message interface.
func (msg *SubmitSharesSuccess) Decode(r io.Reader) error {
	return ReadElements(r,
		&msg.ChannelID,
		&msg.LastSequenceNumber,
		&msg.NewSubmitsAcceptedCount,
		&msg.NewSharesSum,
	)
}

// Encode serializes the SubmitSharesSuccess into the buffer.
//
// This is part of the Message interface.
func (msg *SubmitSharesSuccess) Encode(w *bytes.Buffer) error {
	return WriteElements(w,
		msg.ChannelID,
		msg.LastSequenceNumber,
		msg.NewSubmitsAcceptedCount,
		msg.NewSharesSum,
	)
}

// MsgType returns the type identifying this message on the wire.
//
// This is part of the Message interface.
func (msg *SubmitSharesSuccess) MsgType() MessageType {
	return MsgSubmitSharesSuccess
}

// SubmitSharesError rejects a single share.
type SubmitSharesError struct {
	ChannelID      uint32
	SequenceNumber uint32
	ErrorCode      Str0255
}

// A compile time check to ensure SubmitSharesError implements the Message
// interface.
var _ Message = (*SubmitSharesError)(nil)

// Decode deserializes a SubmitSharesError from the reader.
//
// This is part of the Message interface.
func (msg *SubmitSharesError) Decode(r io.Reader) error {
	return ReadElements(r,
		&msg.ChannelID,
		&msg.SequenceNumber,
		&msg.ErrorCode,
	)
}

// Encode serializes the SubmitSharesError into the buffer.
//
// This is part of the Message interface.
func (msg *SubmitSharesError) Encode(w *bytes.Buffer) error {
	return WriteElements(w,
		msg.ChannelID,
		msg.SequenceNumber,
		msg.ErrorCode,
	)
}

// MsgType returns the type identifying this message on the wire.
//
// This is part of the Message interface.
func (msg *SubmitSharesError) MsgType() MessageType {
	return MsgSubmitSharesError
}
