package primitives

import (
	"encoding/binary"
	"errors"
	"math/big"
)

var (
	errShortScriptPayload     = errors.New("primitives: short compressed script payload")
	errUncompressedNeedsCurve = errors.New("primitives: x is not on the secp256k1 curve")
)

// secp256k1 field prime p = 2^256 - 2^32 - 977.
var secp256k1P, _ = new(big.Int).SetString(
	"FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFEFFFFFC2F", 16)

// decompressSecp256k1Point recovers the full uncompressed pubkey from an
// x-coordinate and a 0x02/0x03/0x04/0x05-style parity tag. p mod 4 == 3 for
// secp256k1, so the square root of a quadratic residue y^2 is y^2^((p+1)/4).
func decompressSecp256k1Point(tag byte, x []byte) ([]byte, error) {
	xInt := new(big.Int).SetBytes(x)

	// y^2 = x^3 + 7 mod p
	ySq := new(big.Int).Exp(xInt, big.NewInt(3), secp256k1P)
	ySq.Add(ySq, big.NewInt(7))
	ySq.Mod(ySq, secp256k1P)

	exp := new(big.Int).Add(secp256k1P, big.NewInt(1))
	exp.Rsh(exp, 2)
	y := new(big.Int).Exp(ySq, exp, secp256k1P)

	// Verify it's actually a root.
	check := new(big.Int).Exp(y, big.NewInt(2), secp256k1P)
	if check.Cmp(ySq) != 0 {
		return nil, errUncompressedNeedsCurve
	}

	wantOdd := tag == 0x03 || tag == 0x05
	if y.Bit(0) == 1 != wantOdd {
		y.Sub(secp256k1P, y)
	}

	out := make([]byte, 65)
	out[0] = 0x04
	xInt.FillBytes(out[1:33])
	y.FillBytes(out[33:65])
	return out, nil
}

// Compress encodes s into the indexer's compact on-disk script form (§6),
// a hard wire format the schema-upgrade routines must reproduce bit-exactly:
//
//	P2PKH                       -> 0x00 || hash160
//	P2SH                        -> 0x01 || hash160
//	compressed P2PK (33 bytes)  -> 0x02/0x03 || x
//	uncompressed P2PK (65 bytes)-> 0x04/0x05 || x  (sign bit in the tag)
//	anything else               -> varint(len(s)+6) || s
func (s Script) Compress() []byte {
	if h, ok := s.MatchP2PKH(); ok {
		out := make([]byte, 0, 21)
		return append(append(out, 0x00), h[:]...)
	}
	if h, ok := s.MatchP2SH(); ok {
		out := make([]byte, 0, 21)
		return append(append(out, 0x01), h[:]...)
	}
	if pk, ok := s.matchP2PK(); ok {
		switch len(pk) {
		case 33:
			// Already compressed: the leading byte carries the y-parity tag
			// and must actually be 0x02/0x03, or this isn't a valid pubkey
			// push at all (an upgrade fixed a bug here that accepted any
			// leading byte, see pkg/upgrade).
			if pk[0] == 0x02 || pk[0] == 0x03 {
				out := make([]byte, 0, 33)
				out = append(out, pk[0])
				out = append(out, pk[1:]...)
				return out
			}
		case 65:
			if pk[0] == 0x04 {
				tag := byte(0x04)
				if pk[64]&1 == 1 {
					tag = 0x05
				}
				out := make([]byte, 0, 33)
				out = append(out, tag)
				out = append(out, pk[1:33]...)
				return out
			}
		}
	}
	n := uint64(len(s) + 6)
	var out []byte
	out = appendVarint(out, n)
	out = append(out, s...)
	return out
}

// Decompress reverses Compress. The caller must supply the same compression
// scheme version the script was written under; this package only implements
// the canonical (post mint-vault, post P2PK-upgrade) scheme described in §6
// and §4.14.
func Decompress(b []byte) (Script, error) {
	if len(b) == 0 {
		return nil, errShortScriptPayload
	}
	switch b[0] {
	case 0x00:
		if len(b) != 21 {
			return nil, errShortScriptPayload
		}
		var h Hash160
		copy(h[:], b[1:21])
		return P2PKHScript(h), nil
	case 0x01:
		if len(b) != 21 {
			return nil, errShortScriptPayload
		}
		var h Hash160
		copy(h[:], b[1:21])
		return P2SHScript(h), nil
	case 0x02, 0x03:
		if len(b) != 33 {
			return nil, errShortScriptPayload
		}
		pk := make([]byte, 33)
		pk[0] = b[0]
		copy(pk[1:], b[1:33])
		return pushPubkeyCheckSig(pk), nil
	case 0x04, 0x05:
		if len(b) != 33 {
			return nil, errShortScriptPayload
		}
		pk, err := decompressSecp256k1Point(b[0], b[1:33])
		if err != nil {
			return nil, err
		}
		return pushPubkeyCheckSig(pk), nil
	default:
		n, rest, ok := readVarint(b)
		if !ok || n < 6 {
			return nil, errShortScriptPayload
		}
		size := int(n - 6)
		if len(rest) < size {
			return nil, errShortScriptPayload
		}
		return Script(append([]byte(nil), rest[:size]...)), nil
	}
}

func pushPubkeyCheckSig(pk []byte) Script {
	s := make([]byte, 0, len(pk)+2)
	s = append(s, byte(len(pk)))
	s = append(s, pk...)
	s = append(s, byte(OpCheckSig))
	return s
}

func appendVarint(buf []byte, v uint64) []byte {
	switch {
	case v < 0xfd:
		return append(buf, byte(v))
	case v <= 0xffff:
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(v))
		return append(append(buf, 0xfd), b[:]...)
	case v <= 0xffffffff:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(v))
		return append(append(buf, 0xfe), b[:]...)
	default:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		return append(append(buf, 0xff), b[:]...)
	}
}

func readVarint(b []byte) (v uint64, rest []byte, ok bool) {
	if len(b) < 1 {
		return 0, nil, false
	}
	tag := b[0]
	switch {
	case tag < 0xfd:
		return uint64(tag), b[1:], true
	case tag == 0xfd:
		if len(b) < 3 {
			return 0, nil, false
		}
		return uint64(binary.LittleEndian.Uint16(b[1:])), b[3:], true
	case tag == 0xfe:
		if len(b) < 5 {
			return 0, nil, false
		}
		return uint64(binary.LittleEndian.Uint32(b[1:])), b[5:], true
	default:
		if len(b) < 9 {
			return 0, nil, false
		}
		return binary.LittleEndian.Uint64(b[1:]), b[9:], true
	}
}
