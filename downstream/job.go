package downstream

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/oathar/demand-cli/sv2wire"
)

// job is a mining job derived from a template.
type job struct {
	id       uint32
	template *sv2wire.NewTemplate

	// coinbasePrefix and coinbaseSuffix are the serialized coinbase
	// transaction around the extranonce.
	coinbasePrefix []byte
	coinbaseSuffix []byte

	// prevHash is set once the job builds on an announced chain tip.
	prevHash *sv2wire.SetNewPrevHash
}

// newJob derives a job from a template. The coinbase script is the template's
// prefix followed by extranonceSize bytes of extranonce.
func newJob(id uint32, tmpl *sv2wire.NewTemplate, extranonceSize int) *job {
	var prefix bytes.Buffer
	_ = binary.Write(&prefix, binary.LittleEndian, tmpl.CoinbaseTxVersion)
	_ = wire.WriteVarInt(&prefix, 0, 1)

	// The coinbase input spends the null outpoint.
	prefix.Write(make([]byte, chainhash.HashSize))
	_ = binary.Write(&prefix, binary.LittleEndian, uint32(0xffffffff))

	scriptLen := len(tmpl.CoinbasePrefix) + extranonceSize
	_ = wire.WriteVarInt(&prefix, 0, uint64(scriptLen))
	prefix.Write(tmpl.CoinbasePrefix)

	var suffix bytes.Buffer
	_ = binary.Write(
		&suffix, binary.LittleEndian, tmpl.CoinbaseTxInputSequence,
	)
	_ = wire.WriteVarInt(&suffix, 0, uint64(tmpl.CoinbaseTxOutputsCount))
	suffix.Write(tmpl.CoinbaseTxOutputs)
	_ = binary.Write(&suffix, binary.LittleEndian, tmpl.CoinbaseTxLocktime)

	return &job{
		id:             id,
		template:       tmpl,
		coinbasePrefix: prefix.Bytes(),
		coinbaseSuffix: suffix.Bytes(),
	}
}

// coinbase returns the full coinbase transaction for an extranonce.
func (j *job) coinbase(extranonce []byte) []byte {
	tx := make([]byte, 0, len(j.coinbasePrefix)+len(extranonce)+
		len(j.coinbaseSuffix))
	tx = append(tx, j.coinbasePrefix...)
	tx = append(tx, extranonce...)
	tx = append(tx, j.coinbaseSuffix...)

	return tx
}

// merkleRoot folds the template's merkle path onto the coinbase txid.
func (j *job) merkleRoot(coinbase []byte) chainhash.Hash {
	root := chainhash.DoubleHashH(coinbase)
	for _, h := range j.template.MerklePath {
		var buf [chainhash.HashSize * 2]byte
		copy(buf[:], root[:])
		copy(buf[chainhash.HashSize:], h[:])

		root = chainhash.DoubleHashH(buf[:])
	}

	return root
}

// header builds the block header a share on top of ph commits to.
func (j *job) header(ph *sv2wire.SetNewPrevHash,
	share *sv2wire.SubmitSharesExtended) *wire.BlockHeader {

	return &wire.BlockHeader{
		Version:    int32(share.Version),
		PrevBlock:  ph.PrevHash,
		MerkleRoot: j.merkleRoot(j.coinbase(share.Extranonce)),
		Timestamp:  time.Unix(int64(share.NTime), 0),
		Bits:       ph.NBits,
		Nonce:      share.Nonce,
	}
}

// extendedJob returns the mining message announcing the job on a channel.
// Jobs of future templates carry no minimum ntime.
func (j *job) extendedJob(channelID uint32) *sv2wire.NewExtendedMiningJob {
	msg := &sv2wire.NewExtendedMiningJob{
		ChannelID:             channelID,
		JobID:                 j.id,
		Version:               j.template.Version,
		VersionRollingAllowed: true,
		MerklePath:            j.template.MerklePath,
		CoinbaseTxPrefix:      j.coinbasePrefix,
		CoinbaseTxSuffix:      j.coinbaseSuffix,
	}

	if !j.template.FutureTemplate && j.prevHash != nil {
		msg.MinNTime = fn.Some(j.prevHash.HeaderTimestamp)
	}

	return msg
}

// SolutionCheck reports whether a share on an active job is a valid block.
type SolutionCheck func(header *wire.BlockHeader, target chainhash.Hash) bool

// MeetsTarget is the default SolutionCheck: the header hash, read as a little
// endian number, must not exceed the network target.
func MeetsTarget(header *wire.BlockHeader, target chainhash.Hash) bool {
	hash := header.BlockHash()

	return blockchain.HashToBig(&hash).Cmp(blockchain.HashToBig(&target)) <= 0
}
