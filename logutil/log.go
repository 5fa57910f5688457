// Package logutil holds small helpers shared by the subsystem loggers.
package logutil

import (
	"fmt"
	"log/slog"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btclog/v2"
	"github.com/davecgh/go-spew/spew"
)

// lazy is a fmt.Stringer that builds its string on first use.
type lazy func() string

func (l lazy) String() string {
	return l()
}

// Lazy wraps f so it only runs if a handler formats the log line.
func Lazy(f func() string) fmt.Stringer {
	return lazy(f)
}

// Dump renders v with spew once the log line is emitted. Use it for wire
// messages logged at trace level.
func Dump(v any) fmt.Stringer {
	return lazy(func() string {
		return spew.Sdump(v)
	})
}

// PubKey returns an attribute with the first bytes of the compressed key in
// hex, or "none" for a nil key.
func PubKey(key string, pub *btcec.PublicKey) slog.Attr {
	if pub == nil {
		return slog.String(key, "none")
	}

	return btclog.Hex6(key, pub.SerializeCompressed())
}

// Hash returns an attribute with a block or transaction hash in its byte
// reversed display form.
func Hash(key string, hash chainhash.Hash) slog.Attr {
	return slog.String(key, hash.String())
}
