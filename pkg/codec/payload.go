package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrCorruptDbEntry is returned whenever a length prefix, variant tag, or
// trailing-byte check fails to match on decode (§4.2).
var ErrCorruptDbEntry = errors.New("codec: corrupt db entry")

// Writer accumulates a payload value using little-endian field encoding.
// It is a thin wrapper over a growable byte slice, not a bytes.Buffer,
// because every append here is a fixed, known-size write.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer, optionally pre-sizing the backing slice.
func NewWriter(sizeHint int) *Writer {
	return &Writer{buf: make([]byte, 0, sizeHint)}
}

func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) PutByte(b byte) { w.buf = append(w.buf, b) }

func (w *Writer) PutUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) PutUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// PutVarint appends a Bitcoin-style CompactSize varint.
func (w *Writer) PutVarint(v uint64) {
	switch {
	case v < 0xfd:
		w.buf = append(w.buf, byte(v))
	case v <= 0xffff:
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(v))
		w.buf = append(w.buf, 0xfd)
		w.buf = append(w.buf, b[:]...)
	case v <= 0xffffffff:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(v))
		w.buf = append(w.buf, 0xfe)
		w.buf = append(w.buf, b[:]...)
	default:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		w.buf = append(w.buf, 0xff)
		w.buf = append(w.buf, b[:]...)
	}
}

// PutBytes writes a varint length prefix followed by the raw bytes.
func (w *Writer) PutBytes(b []byte) {
	w.PutVarint(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

// PutRaw appends b with no length prefix, for fields whose width is implied
// by the schema rather than encoded (e.g. a fixed-width serial number packed
// into a collision list).
func (w *Writer) PutRaw(b []byte) {
	w.buf = append(w.buf, b...)
}

// PutUint128 writes a 128-bit unsigned amount as two little-endian uint64
// halves (low, then high); used for token amounts, which can exceed 64 bits
// under ALP's wider amount field.
func PutUint128(w *Writer, lo, hi uint64) {
	w.PutUint64(lo)
	w.PutUint64(hi)
}

// Reader consumes a payload value written by Writer, failing with
// ErrCorruptDbEntry on any malformed prefix or short read.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

// Done reports whether the entire payload was consumed; callers use this to
// enforce the "no trailing bytes" rule from §4.2.
func (r *Reader) Done() bool { return r.pos == len(r.buf) }

func (r *Reader) ReadByte() (byte, error) {
	if r.Remaining() < 1 {
		return 0, ErrCorruptDbEntry
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	if r.Remaining() < 4 {
		return 0, ErrCorruptDbEntry
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *Reader) ReadUint64() (uint64, error) {
	if r.Remaining() < 8 {
		return 0, ErrCorruptDbEntry
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *Reader) ReadVarint() (uint64, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch {
	case tag < 0xfd:
		return uint64(tag), nil
	case tag == 0xfd:
		if r.Remaining() < 2 {
			return 0, ErrCorruptDbEntry
		}
		v := binary.LittleEndian.Uint16(r.buf[r.pos:])
		r.pos += 2
		return uint64(v), nil
	case tag == 0xfe:
		if r.Remaining() < 4 {
			return 0, ErrCorruptDbEntry
		}
		v := binary.LittleEndian.Uint32(r.buf[r.pos:])
		r.pos += 4
		return uint64(v), nil
	default:
		if r.Remaining() < 8 {
			return 0, ErrCorruptDbEntry
		}
		v := binary.LittleEndian.Uint64(r.buf[r.pos:])
		r.pos += 8
		return v, nil
	}
}

func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadVarint()
	if err != nil {
		return nil, err
	}
	if uint64(r.Remaining()) < n {
		return nil, ErrCorruptDbEntry
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

// ReadRaw consumes exactly n bytes with no length prefix, the mirror of
// PutRaw.
func (r *Reader) ReadRaw(n int) ([]byte, error) {
	if r.Remaining() < n {
		return nil, ErrCorruptDbEntry
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// ReadUint128 is the mirror of PutUint128.
func ReadUint128(r *Reader) (lo, hi uint64, err error) {
	lo, err = r.ReadUint64()
	if err != nil {
		return 0, 0, err
	}
	hi, err = r.ReadUint64()
	if err != nil {
		return 0, 0, err
	}
	return lo, hi, nil
}

// WrapCorrupt annotates ErrCorruptDbEntry with context for logging, while
// still satisfying errors.Is(err, ErrCorruptDbEntry).
func WrapCorrupt(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", what, errCorrupt{err})
}

type errCorrupt struct{ err error }

func (e errCorrupt) Error() string { return e.err.Error() }
func (e errCorrupt) Unwrap() error { return ErrCorruptDbEntry }
