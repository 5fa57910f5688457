package sv2wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// MaxStr0255 is the maximum length of a STR0_255 or B0_255 field.
	MaxStr0255 = 255

	// MaxB032 is the maximum length of a B0_32 field.
	MaxB032 = 32

	// MaxB064K is the maximum length of a B0_64K field.
	MaxB064K = 65535

	// MaxSeq0255 is the maximum number of items of a SEQ0_255 field.
	MaxSeq0255 = 255
)

var (
	// ErrFieldTooLong is returned when a variable length field exceeds the
	// limit of its wire type.
	ErrFieldTooLong = errors.New("field exceeds maximum wire length")

	// ErrInvalidBool is returned when a BOOL field is neither 0 nor 1.
	ErrInvalidBool = errors.New("invalid boolean encoding")
)

// Str0255 is a STR0_255 field: a string prefixed by a one byte length.
type Str0255 string

// B032 is a B0_32 field: up to 32 bytes prefixed by a one byte length.
type B032 []byte

// B0255 is a B0_255 field: up to 255 bytes prefixed by a one byte length.
type B0255 []byte

// B064K is a B0_64K field: up to 65535 bytes prefixed by a two byte length.
type B064K []byte

// OptionU32 is an OPTION[U32] field. It is encoded as a one byte item count
// (zero or one) followed by the value when present.
type OptionU32 = fn.Option[uint32]

// WriteElement writes the little endian representation of a single element
// to the buffer. Every integer on the Stratum V2 wire is little endian.
func WriteElement(w *bytes.Buffer, element interface{}) error {
	switch e := element.(type) {
	case uint8:
		return w.WriteByte(e)

	case bool:
		if e {
			return w.WriteByte(1)
		}
		return w.WriteByte(0)

	case uint16:
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], e)
		_, err := w.Write(b[:])
		return err

	case uint32:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], e)
		_, err := w.Write(b[:])
		return err

	case uint64:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], e)
		_, err := w.Write(b[:])
		return err

	case Protocol:
		return w.WriteByte(uint8(e))

	case Str0255:
		return writeShortBytes(w, []byte(e), MaxStr0255)

	case B032:
		return writeShortBytes(w, e, MaxB032)

	case B0255:
		return writeShortBytes(w, e, MaxStr0255)

	case B064K:
		if len(e) > MaxB064K {
			return fmt.Errorf("%w: B0_64K of %d bytes",
				ErrFieldTooLong, len(e))
		}
		if err := WriteElement(w, uint16(len(e))); err != nil {
			return err
		}
		_, err := w.Write(e)
		return err

	case chainhash.Hash:
		_, err := w.Write(e[:])
		return err

	case []chainhash.Hash:
		if len(e) > MaxSeq0255 {
			return fmt.Errorf("%w: SEQ0_255 of %d items",
				ErrFieldTooLong, len(e))
		}
		if err := w.WriteByte(uint8(len(e))); err != nil {
			return err
		}
		for _, h := range e {
			if _, err := w.Write(h[:]); err != nil {
				return err
			}
		}
		return nil

	case OptionU32:
		if e.IsNone() {
			return w.WriteByte(0)
		}
		if err := w.WriteByte(1); err != nil {
			return err
		}
		return WriteElement(w, e.UnwrapOr(0))

	default:
		return fmt.Errorf("unknown type in WriteElement: %T", e)
	}
}

// WriteElements writes each element in order to the buffer.
func WriteElements(w *bytes.Buffer, elements ...interface{}) error {
	for _, element := range elements {
		if err := WriteElement(w, element); err != nil {
			return err
		}
	}

	return nil
}

// writeShortBytes writes a byte slice prefixed by a one byte length.
func writeShortBytes(w *bytes.Buffer, b []byte, limit int) error {
	if len(b) > limit {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrFieldTooLong,
			len(b), limit)
	}
	if err := w.WriteByte(uint8(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)

	return err
}

// ReadElement reads the next element from the reader into the passed pointer.
func ReadElement(r io.Reader, element interface{}) error {
	switch e := element.(type) {
	case *uint8:
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = b[0]

	case *bool:
		var b uint8
		if err := ReadElement(r, &b); err != nil {
			return err
		}
		switch b {
		case 0:
			*e = false
		case 1:
			*e = true
		default:
			return ErrInvalidBool
		}

	case *uint16:
		var b [2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = binary.LittleEndian.Uint16(b[:])

	case *uint32:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = binary.LittleEndian.Uint32(b[:])

	case *uint64:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = binary.LittleEndian.Uint64(b[:])

	case *Protocol:
		var b uint8
		if err := ReadElement(r, &b); err != nil {
			return err
		}
		*e = Protocol(b)

	case *Str0255:
		b, err := readShortBytes(r, MaxStr0255)
		if err != nil {
			return err
		}
		*e = Str0255(b)

	case *B032:
		b, err := readShortBytes(r, MaxB032)
		if err != nil {
			return err
		}
		*e = b

	case *B0255:
		b, err := readShortBytes(r, MaxStr0255)
		if err != nil {
			return err
		}
		*e = b

	case *B064K:
		var l uint16
		if err := ReadElement(r, &l); err != nil {
			return err
		}
		b := make([]byte, l)
		if _, err := io.ReadFull(r, b); err != nil {
			return err
		}
		*e = b

	case *chainhash.Hash:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}

	case *[]chainhash.Hash:
		var n uint8
		if err := ReadElement(r, &n); err != nil {
			return err
		}
		hashes := make([]chainhash.Hash, n)
		for i := range hashes {
			if _, err := io.ReadFull(r, hashes[i][:]); err != nil {
				return err
			}
		}
		*e = hashes

	case *OptionU32:
		var n uint8
		if err := ReadElement(r, &n); err != nil {
			return err
		}
		switch n {
		case 0:
			*e = fn.None[uint32]()
		case 1:
			var v uint32
			if err := ReadElement(r, &v); err != nil {
				return err
			}
			*e = fn.Some(v)
		default:
			return fmt.Errorf("invalid OPTION item count: %d", n)
		}

	default:
		return fmt.Errorf("unknown type in ReadElement: %T", e)
	}

	return nil
}

// ReadElements reads each element in order from the reader.
func ReadElements(r io.Reader, elements ...interface{}) error {
	for _, element := range elements {
		if err := ReadElement(r, element); err != nil {
			return err
		}
	}

	return nil
}

// readShortBytes reads a byte slice prefixed by a one byte length.
func readShortBytes(r io.Reader, limit int) ([]byte, error) {
	var l uint8
	if err := ReadElement(r, &l); err != nil {
		return nil, err
	}
	if int(l) > limit {
		return nil, fmt.Errorf("%w: %d bytes, limit %d",
			ErrFieldTooLong, l, limit)
	}

	b := make([]byte, l)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}

	return b, nil
}
