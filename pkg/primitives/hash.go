// Package primitives provides typed hash wrappers and the Script type used
// throughout the indexer. Hashes are stored internally in the same
// little-endian byte order the wire protocol uses; String() reverses the
// bytes to match the conventional big-endian hex display (txids, block
// hashes).
package primitives

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // ripemd160 is required by the UTXO script-hash scheme
)

// HashSize is the width in bytes of every hash type in this package.
const HashSize = 32

// Hash256 is a double-SHA256 digest, stored little-endian (wire order).
type Hash256 [HashSize]byte

// Hash160 is SHA256 followed by RIPEMD-160, stored little-endian.
type Hash160 [20]byte

// Sha256D computes a double-SHA256 digest over data.
func Sha256D(data []byte) Hash256 {
	first := sha256.Sum256(data)
	second := sha256.Sum256(first[:])
	return Hash256(second)
}

// Sha256 computes a single SHA-256 digest, used for script-hash grouping
// (§3 Group, script-hash variant).
func Sha256(data []byte) Hash256 {
	return Hash256(sha256.Sum256(data))
}

// Hash160Of computes SHA256 then RIPEMD-160, as used for P2PKH/P2SH script
// templates.
func Hash160Of(data []byte) Hash160 {
	sh := sha256.Sum256(data)
	hasher := ripemd160.New()
	hasher.Write(sh[:])
	var out Hash160
	copy(out[:], hasher.Sum(nil))
	return out
}

// Bytes returns the little-endian (wire order) byte slice.
func (h Hash256) Bytes() []byte {
	b := make([]byte, HashSize)
	copy(b, h[:])
	return b
}

// String renders the hash in conventional big-endian display order, e.g. as
// shown by block explorers and RPC responses.
func (h Hash256) String() string {
	rev := make([]byte, HashSize)
	for i := 0; i < HashSize; i++ {
		rev[i] = h[HashSize-1-i]
	}
	return hex.EncodeToString(rev)
}

// Hash256FromBytes copies a little-endian byte slice into a Hash256.
func Hash256FromBytes(b []byte) (Hash256, error) {
	var h Hash256
	if len(b) != HashSize {
		return h, fmt.Errorf("primitives: expected %d bytes, got %d", HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

func (h Hash160) Bytes() []byte {
	b := make([]byte, len(h))
	copy(b, h[:])
	return b
}

func (h Hash160) String() string {
	return hex.EncodeToString(h[:])
}
