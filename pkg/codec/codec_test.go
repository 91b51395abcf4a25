package codec_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/chronik-go/chronik/pkg/codec"
)

func TestBE4BE8RoundTrip(t *testing.T) {
	if got := codec.DecodeBE4(codec.BE4(0x01020304)); got != 0x01020304 {
		t.Fatalf("BE4 round trip: got %x", got)
	}
	if got := codec.DecodeBE8(codec.BE8(0x0102030405060708)); got != 0x0102030405060708 {
		t.Fatalf("BE8 round trip: got %x", got)
	}
}

func TestBE4OrderingMatchesNumericOrdering(t *testing.T) {
	a, b := codec.BE4(5), codec.BE4(6)
	if bytes.Compare(a, b) >= 0 {
		t.Fatalf("expected BE4(5) < BE4(6) byte-wise, got %x >= %x", a, b)
	}
	a, b = codec.BE8(1<<40), codec.BE8(1<<41)
	if bytes.Compare(a, b) >= 0 {
		t.Fatalf("expected BE8(2^40) < BE8(2^41) byte-wise, got %x >= %x", a, b)
	}
}

func TestGroupHistoryKeyRoundTrip(t *testing.T) {
	member := []byte{0xde, 0xad, 0xbe, 0xef}
	key := codec.GroupHistoryKey(member, 7)

	gotMember, gotPage, ok := codec.SplitGroupHistoryKey(key)
	if !ok {
		t.Fatalf("SplitGroupHistoryKey: expected ok")
	}
	if !bytes.Equal(gotMember, member) {
		t.Fatalf("member mismatch: got %x want %x", gotMember, member)
	}
	if gotPage != 7 {
		t.Fatalf("page mismatch: got %d want 7", gotPage)
	}
}

func TestSplitGroupHistoryKeyRejectsShortKey(t *testing.T) {
	if _, _, ok := codec.SplitGroupHistoryKey([]byte{1, 2, 3}); ok {
		t.Fatalf("expected short key to be rejected")
	}
}

func TestVarintRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 0xfc, 0xfd, 0xffff, 0x10000, 0xffffffff, 0x100000000, ^uint64(0)}
	for _, v := range cases {
		w := codec.NewWriter(0)
		w.PutVarint(v)
		r := codec.NewReader(w.Bytes())
		got, err := r.ReadVarint()
		if err != nil {
			t.Fatalf("ReadVarint(%d): %v", v, err)
		}
		if got != v {
			t.Fatalf("varint round trip: got %d want %d", got, v)
		}
		if !r.Done() {
			t.Fatalf("varint %d: expected reader exhausted", v)
		}
	}
}

func TestPutBytesReadBytesRoundTrip(t *testing.T) {
	w := codec.NewWriter(0)
	w.PutBytes([]byte("hello"))
	w.PutBytes(nil)
	w.PutUint32(42)

	r := codec.NewReader(w.Bytes())
	got, err := r.ReadBytes()
	if err != nil || string(got) != "hello" {
		t.Fatalf("ReadBytes: got %q, err %v", got, err)
	}
	empty, err := r.ReadBytes()
	if err != nil || len(empty) != 0 {
		t.Fatalf("ReadBytes empty: got %q, err %v", empty, err)
	}
	n, err := r.ReadUint32()
	if err != nil || n != 42 {
		t.Fatalf("ReadUint32: got %d, err %v", n, err)
	}
	if !r.Done() {
		t.Fatalf("expected reader exhausted")
	}
}

func TestUint128RoundTrip(t *testing.T) {
	w := codec.NewWriter(0)
	codec.PutUint128(w, 0x1122334455667788, 0x99aabbccddeeff00)
	r := codec.NewReader(w.Bytes())
	lo, hi, err := codec.ReadUint128(r)
	if err != nil {
		t.Fatalf("ReadUint128: %v", err)
	}
	if lo != 0x1122334455667788 || hi != 0x99aabbccddeeff00 {
		t.Fatalf("uint128 round trip mismatch: lo=%x hi=%x", lo, hi)
	}
}

func TestReaderFailsOnShortBuffers(t *testing.T) {
	r := codec.NewReader([]byte{0x01})
	if _, err := r.ReadUint64(); !errors.Is(err, codec.ErrCorruptDbEntry) {
		t.Fatalf("expected ErrCorruptDbEntry, got %v", err)
	}

	r = codec.NewReader([]byte{0xfd, 0x01})
	if _, err := r.ReadVarint(); !errors.Is(err, codec.ErrCorruptDbEntry) {
		t.Fatalf("expected ErrCorruptDbEntry on truncated fd-prefixed varint, got %v", err)
	}

	r = codec.NewReader([]byte{0x02, 'a'})
	if _, err := r.ReadBytes(); !errors.Is(err, codec.ErrCorruptDbEntry) {
		t.Fatalf("expected ErrCorruptDbEntry on truncated length-prefixed bytes, got %v", err)
	}
}

func TestReadRawMirrorsPutRaw(t *testing.T) {
	w := codec.NewWriter(0)
	w.PutRaw([]byte{1, 2, 3, 4})
	r := codec.NewReader(w.Bytes())
	got, err := r.ReadRaw(4)
	if err != nil || !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Fatalf("ReadRaw: got %x, err %v", got, err)
	}
	if !r.Done() {
		t.Fatalf("expected reader exhausted")
	}
}

func TestWrapCorruptPreservesErrorsIs(t *testing.T) {
	wrapped := codec.WrapCorrupt("decoding foo", codec.ErrCorruptDbEntry)
	if !errors.Is(wrapped, codec.ErrCorruptDbEntry) {
		t.Fatalf("expected errors.Is to see through WrapCorrupt")
	}
	if codec.WrapCorrupt("x", nil) != nil {
		t.Fatalf("expected WrapCorrupt(nil) to return nil")
	}
}
