package sv2wire

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// TestSetupConnectionEncoding checks the exact frame produced for a setup
// connection request.
func TestSetupConnectionEncoding(t *testing.T) {
	t.Parallel()

	msg := &SetupConnection{
		Protocol:     ProtocolTemplateDistribution,
		MinVersion:   2,
		MaxVersion:   2,
		EndpointHost: "10.0.0.1",
		EndpointPort: 8442,
	}

	var buf bytes.Buffer
	n, err := WriteMessage(&buf, msg)
	require.NoError(t, err)
	require.Equal(t, buf.Len(), n)

	expected := []byte{
		// Header: extension type, message type, 24 bit length.
		0x00, 0x00, 0x00, 0x18, 0x00, 0x00,

		// Protocol, min and max version, flags.
		0x02, 0x02, 0x00, 0x02, 0x00, 0x00, 0x00, 0x00, 0x00,

		// Endpoint host and port.
		0x08, '1', '0', '.', '0', '.', '0', '.', '1', 0xfa, 0x20,

		// Vendor, hardware version, firmware, device id.
		0x00, 0x00, 0x00, 0x00,
	}
	require.Equal(t, expected, buf.Bytes())

	decoded, err := ReadMessage(&buf)
	require.NoError(t, err)
	require.Equal(t, msg, decoded)
}

// TestChannelMessageHeader asserts that channel addressed messages carry the
// channel bit in their extension type.
func TestChannelMessageHeader(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	_, err := WriteMessage(&buf, &MiningSetNewPrevHash{ChannelID: 7})
	require.NoError(t, err)

	var hb [HeaderSize]byte
	copy(hb[:], buf.Bytes())
	header := decodeHeader(hb)

	require.True(t, header.ChannelMsg())
	require.Equal(t, MsgMiningSetNewPrevHash, header.MsgType)
	require.EqualValues(t, buf.Len()-HeaderSize, header.Length)
}

// TestOptionalMinNTime makes sure both states of an OPTION[U32] survive the
// wire.
func TestOptionalMinNTime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		minNTime OptionU32
	}{
		{name: "future job", minNTime: fn.None[uint32]()},
		{name: "active job", minNTime: fn.Some[uint32](1700000000)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			job := &NewExtendedMiningJob{
				ChannelID:  1,
				JobID:      2,
				MinNTime:   tc.minNTime,
				Version:    0x20000000,
				MerklePath: []chainhash.Hash{{0x01}, {0x02}},
			}

			var buf bytes.Buffer
			_, err := WriteMessage(&buf, job)
			require.NoError(t, err)

			decoded, err := ReadMessage(&buf)
			require.NoError(t, err)

			got, ok := decoded.(*NewExtendedMiningJob)
			require.True(t, ok)
			require.Equal(t, tc.minNTime, got.MinNTime)
			require.Equal(t, job.MerklePath, got.MerklePath)
		})
	}
}

// TestUnknownMessageKeepsAlignment asserts that an unknown frame is consumed
// completely so the next frame can still be read.
func TestUnknownMessageKeepsAlignment(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	unknown := Header{MsgType: 0x55, Length: 3}
	h := unknown.encode()
	buf.Write(h[:])
	buf.Write([]byte{1, 2, 3})

	_, err := WriteMessage(&buf, &SetupConnectionSuccess{UsedVersion: 2})
	require.NoError(t, err)

	_, err = ReadMessage(&buf)
	var unknownErr *UnknownMessage
	require.ErrorAs(t, err, &unknownErr)
	require.Equal(t, MessageType(0x55), unknownErr.MessageType)

	msg, err := ReadMessage(&buf)
	require.NoError(t, err)
	require.Equal(t, &SetupConnectionSuccess{UsedVersion: 2}, msg)
}

// TestFieldLimits checks that oversized variable length fields are refused
// before anything is written.
func TestFieldLimits(t *testing.T) {
	t.Parallel()

	msg := &SubmitSharesExtended{Extranonce: make(B032, MaxB032+1)}

	var buf bytes.Buffer
	_, err := WriteMessage(&buf, msg)
	require.ErrorIs(t, err, ErrFieldTooLong)
	require.Zero(t, buf.Len())
}

// TestBridge pumps messages in both directions over an in-memory connection
// and checks that inbound is closed once the peer hangs up.
func TestBridge(t *testing.T) {
	t.Parallel()

	local, remote := net.Pipe()
	peer := NewConn(remote)

	inbound := make(chan Message)
	outbound := make(chan Message)

	errChan := make(chan error, 1)
	go func() {
		errChan <- Bridge(testingContext(t), NewConn(local), inbound, outbound)
	}()

	// Outbound messages reach the peer.
	go func() {
		outbound <- &SubmitSharesSuccess{ChannelID: 1}
	}()
	msg, err := peer.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, &SubmitSharesSuccess{ChannelID: 1}, msg)

	// Messages from the peer are delivered inbound.
	go func() {
		_ = peer.WriteMessage(&SubmitSharesError{ErrorCode: "stale"})
	}()
	select {
	case msg := <-inbound:
		require.Equal(t, &SubmitSharesError{ErrorCode: "stale"}, msg)
	case <-time.After(time.Second):
		t.Fatal("no inbound message")
	}

	// The peer hanging up fails the bridge and closes inbound.
	require.NoError(t, peer.Close())

	select {
	case err := <-errChan:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("bridge did not stop")
	}

	_, ok := <-inbound
	require.False(t, ok)
}
