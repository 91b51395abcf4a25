package primitives_test

import (
	"testing"

	"github.com/chronik-go/chronik/pkg/primitives"
)

func hash160Of(b byte) primitives.Hash160 {
	var h primitives.Hash160
	for i := range h {
		h[i] = b
	}
	return h
}

func TestPushesParsesDirectAndPushdataOpcodes(t *testing.T) {
	script := primitives.Script{
		0x04, 'a', 'b', 'c', 'd', // direct 4-byte push
		byte(primitives.OpPushData1), 0x02, 'e', 'f',
	}
	pushes, err := script.Pushes()
	if err != nil {
		t.Fatalf("Pushes: %v", err)
	}
	if len(pushes) != 2 || string(pushes[0].Data) != "abcd" || string(pushes[1].Data) != "ef" {
		t.Fatalf("Pushes = %+v", pushes)
	}
}

func TestPushesRejectsTruncatedPushdata(t *testing.T) {
	script := primitives.Script{0x05, 'a', 'b'} // claims 5 bytes, only 2 follow
	if _, err := script.Pushes(); err == nil {
		t.Fatalf("expected an error for a truncated push")
	}
}

func TestPushesRejectsNonPushOpcode(t *testing.T) {
	script := primitives.Script{byte(primitives.OpDup)}
	if _, err := script.Pushes(); err == nil {
		t.Fatalf("expected an error for a non-push opcode")
	}
}

// TestPushesOnOpReturnPayloadOnly verifies the documented convention that
// Pushes() expects the OP_RETURN marker already stripped, the same way
// pkg/token's SLP/ALP parsers and pkg/group's LokadGroup call it.
func TestPushesOnOpReturnPayloadOnly(t *testing.T) {
	full := primitives.Script{byte(primitives.OpReturn), 0x04, 'S', 'L', 'P', 0x00}
	if !full.IsOpReturn() {
		t.Fatalf("expected IsOpReturn to be true")
	}
	if _, err := full.Pushes(); err == nil {
		t.Fatalf("expected Pushes() on the full OP_RETURN script (marker included) to fail")
	}

	payload := full[1:]
	pushes, err := payload.Pushes()
	if err != nil {
		t.Fatalf("Pushes() on the stripped payload: %v", err)
	}
	if len(pushes) != 1 || string(pushes[0].Data) != "SLP\x00" {
		t.Fatalf("pushes = %+v, want a single SLP\\x00 push", pushes)
	}
}

func TestP2PKHRoundTripsThroughMatch(t *testing.T) {
	h := hash160Of(0x11)
	script := primitives.P2PKHScript(h)
	got, ok := script.MatchP2PKH()
	if !ok || got != h {
		t.Fatalf("MatchP2PKH = (%v, %v), want (%v, true)", got, ok, h)
	}
	if _, ok := script.MatchP2SH(); ok {
		t.Fatalf("a P2PKH script must not also match P2SH")
	}
}

func TestP2SHRoundTripsThroughMatch(t *testing.T) {
	h := hash160Of(0x22)
	script := primitives.P2SHScript(h)
	got, ok := script.MatchP2SH()
	if !ok || got != h {
		t.Fatalf("MatchP2SH = (%v, %v), want (%v, true)", got, ok, h)
	}
}
