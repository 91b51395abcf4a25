package primitives_test

import (
	"bytes"
	"testing"

	"github.com/chronik-go/chronik/pkg/primitives"
)

func TestCompressDecompressP2PKHRoundTrip(t *testing.T) {
	script := primitives.P2PKHScript(hash160Of(0x33))
	compressed := script.Compress()
	if len(compressed) != 21 || compressed[0] != 0x00 {
		t.Fatalf("compressed P2PKH = %x, want 21 bytes tagged 0x00", compressed)
	}
	back, err := primitives.Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(back, script) {
		t.Fatalf("Decompress(Compress(s)) = %x, want %x", back, script)
	}
}

func TestCompressDecompressP2SHRoundTrip(t *testing.T) {
	script := primitives.P2SHScript(hash160Of(0x44))
	compressed := script.Compress()
	if len(compressed) != 21 || compressed[0] != 0x01 {
		t.Fatalf("compressed P2SH = %x, want 21 bytes tagged 0x01", compressed)
	}
	back, err := primitives.Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(back, script) {
		t.Fatalf("Decompress(Compress(s)) = %x, want %x", back, script)
	}
}

func TestCompressArbitraryScriptFallsBackToLengthPrefixed(t *testing.T) {
	script := primitives.Script{byte(primitives.OpTrue), byte(primitives.OpTrue) + 1}
	compressed := script.Compress()
	back, err := primitives.Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(back, script) {
		t.Fatalf("Decompress(Compress(s)) = %x, want %x", back, script)
	}
}

func TestCompressCompressedP2PKRejectsBadParityTag(t *testing.T) {
	// A 33-byte pubkey push + OP_CHECKSIG, but with an invalid leading tag
	// byte (not 0x02/0x03): Compress must fall back to the generic encoding
	// rather than silently miscompressing it (the bug pkg/upgrade's P2PK fix
	// corrects for scripts already written this way).
	pk := make([]byte, 33)
	pk[0] = 0x07
	script := make(primitives.Script, 0, 35)
	script = append(script, 33)
	script = append(script, pk...)
	script = append(script, byte(primitives.OpCheckSig))

	compressed := script.Compress()
	if compressed[0] == 0x02 || compressed[0] == 0x03 {
		t.Fatalf("a bad parity tag must not be compressed as a valid P2PK, got tag 0x%02x", compressed[0])
	}
	back, err := primitives.Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(back, script) {
		t.Fatalf("Decompress(Compress(s)) = %x, want %x", back, script)
	}
}

func TestDecompressRejectsShortPayload(t *testing.T) {
	if _, err := primitives.Decompress(nil); err == nil {
		t.Fatalf("expected an error decompressing an empty payload")
	}
	if _, err := primitives.Decompress([]byte{0x00, 0x01}); err == nil {
		t.Fatalf("expected an error decompressing a truncated P2PKH payload")
	}
}
