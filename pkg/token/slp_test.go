package token_test

import (
	"testing"

	"github.com/chronik-go/chronik/pkg/primitives"
	"github.com/chronik-go/chronik/pkg/token"
)

// pushBuilder assembles an OP_RETURN script from a sequence of pushdata
// items, mirroring the SLP/ALP wire layout §4.8 describes.
type pushBuilder struct {
	buf []byte
}

func newOpReturn() *pushBuilder {
	return &pushBuilder{buf: []byte{byte(primitives.OpReturn)}}
}

func (b *pushBuilder) push(data []byte) *pushBuilder {
	if len(data) > 0x4b {
		panic("pushBuilder: data too long for a direct push")
	}
	b.buf = append(b.buf, byte(len(data)))
	b.buf = append(b.buf, data...)
	return b
}

func (b *pushBuilder) script() primitives.Script { return primitives.Script(b.buf) }

func be8(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

// reverse32 mirrors decodeSlpTokenId's big-endian-on-wire convention.
func reverse32(h primitives.Hash256) []byte {
	b := h.Bytes()
	out := make([]byte, 32)
	for i := 0; i < 32; i++ {
		out[i] = b[31-i]
	}
	return out
}

func slpGenesisScript(ticker, name string, decimals byte, mintAmount uint64) primitives.Script {
	return newOpReturn().
		push([]byte("SLP\x00")).
		push([]byte{0x01}). // token_type: fungible
		push([]byte("GENESIS")).
		push([]byte(ticker)).
		push([]byte(name)).
		push(nil).      // document hash
		push(nil).      // url
		push(nil).      // auth pubkey
		push([]byte{decimals}).
		push(nil). // mint baton out idx: none
		push(be8(mintAmount)).
		script()
}

func slpSendScript(tokenId primitives.Hash256, amounts ...uint64) primitives.Script {
	b := newOpReturn().
		push([]byte("SLP\x00")).
		push([]byte{0x01}).
		push([]byte("SEND")).
		push(reverse32(tokenId))
	for _, a := range amounts {
		b.push(be8(a))
	}
	return b.script()
}

func p2pkhScript() primitives.Script {
	return primitives.Script{0x76, 0xa9, 0x14, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 0x88, 0xac}
}

func makeTxid(seed byte) primitives.Hash256 {
	var h primitives.Hash256
	h[0] = seed
	return h
}

func TestColorSlpGenesisMintsInitialSupply(t *testing.T) {
	genesisTx := &primitives.Tx{
		Txid: makeTxid(1),
		Outputs: []primitives.TxOut{
			{Sats: 0, Script: slpGenesisScript("TOK", "Token", 2, 1000)},
			{Sats: 546, Script: p2pkhScript()},
		},
	}

	colored := token.ColorTx(genesisTx)
	if len(colored.FailedParsings) != 0 || len(colored.FailedColorings) != 0 {
		t.Fatalf("unexpected failures: parsings=%v colorings=%v", colored.FailedParsings, colored.FailedColorings)
	}
	if len(colored.Sections) != 1 || colored.Sections[0].TxType != token.Genesis {
		t.Fatalf("expected a single GENESIS section, got %+v", colored.Sections)
	}
	meta := colored.Sections[0].Meta
	if meta.TokenId != genesisTx.Txid {
		t.Fatalf("GENESIS token id should be the tx's own txid")
	}
	if colored.Outputs[0] != nil {
		t.Fatalf("output 0 (the OP_RETURN) must never be colored")
	}
	if colored.Outputs[1] == nil || token.CmpAmount(colored.Outputs[1].Amount, token.AmountFromUint64(1000)) != 0 {
		t.Fatalf("output 1 should carry the initial mint amount of 1000, got %+v", colored.Outputs[1])
	}

	verified := (&token.VerifyContext{}).Verify(genesisTx, colored)
	if len(verified.Entries) != 1 || verified.Entries[0].IsInvalid {
		t.Fatalf("GENESIS should always verify as valid, got %+v", verified.Entries)
	}
}

// TestColorAndVerifySlpSend exercises §8's S1-adjacent token path: a SEND
// whose inputs exactly cover the required sum produces no burn, while an
// insufficient input sum is recorded as an invalid InsufficientInputSum
// entry with the whole input sum recorded as the actual burn.
func TestColorAndVerifySlpSend(t *testing.T) {
	tokenId := makeTxid(1)
	sendTx := &primitives.Tx{
		Txid: makeTxid(2),
		Outputs: []primitives.TxOut{
			{Sats: 0, Script: slpSendScript(tokenId, 600, 400)},
			{Sats: 546, Script: p2pkhScript()},
			{Sats: 546, Script: p2pkhScript()},
		},
	}

	colored := token.ColorTx(sendTx)
	if len(colored.Sections) != 1 || colored.Sections[0].TxType != token.Send {
		t.Fatalf("expected a single SEND section, got %+v", colored.Sections)
	}
	meta := colored.Sections[0].Meta
	if token.CmpAmount(colored.Sections[0].RequiredInputSum, token.AmountFromUint64(1000)) != 0 {
		t.Fatalf("required input sum = %+v, want 1000", colored.Sections[0].RequiredInputSum)
	}

	t.Run("exact input sum is valid with no burn", func(t *testing.T) {
		ctx := &token.VerifyContext{SpentTokens: []*token.SpentToken{
			{Token: token.TokenVariant{Meta: meta, Amount: token.AmountFromUint64(1000)}},
		}}
		verified := ctx.Verify(sendTx, colored)
		if len(verified.Entries) != 1 {
			t.Fatalf("expected one entry, got %d", len(verified.Entries))
		}
		entry := verified.Entries[0]
		if entry.IsInvalid {
			t.Fatalf("expected valid SEND, got invalid: %+v", entry)
		}
		if !entry.ActualBurnAmount.IsZero() {
			t.Fatalf("expected zero burn when input sum matches output sum, got %+v", entry.ActualBurnAmount)
		}
	})

	t.Run("insufficient input sum is invalid and records the burn", func(t *testing.T) {
		ctx := &token.VerifyContext{SpentTokens: []*token.SpentToken{
			{Token: token.TokenVariant{Meta: meta, Amount: token.AmountFromUint64(500)}},
		}}
		verified := ctx.Verify(sendTx, colored)
		entry := verified.Entries[0]
		if !entry.IsInvalid {
			t.Fatalf("expected InsufficientInputSum to invalidate the entry")
		}
		be, ok := entry.Err.(*token.BurnError)
		if !ok || be.Kind != token.InsufficientInputSum {
			t.Fatalf("expected InsufficientInputSum error, got %v", entry.Err)
		}
		if token.CmpAmount(entry.ActualBurnAmount, token.AmountFromUint64(500)) != 0 {
			t.Fatalf("actual burn = %+v, want 500 (the whole input sum)", entry.ActualBurnAmount)
		}
	})

	t.Run("excess input sum over output sum is an actual burn, not invalid", func(t *testing.T) {
		ctx := &token.VerifyContext{SpentTokens: []*token.SpentToken{
			{Token: token.TokenVariant{Meta: meta, Amount: token.AmountFromUint64(1200)}},
		}}
		verified := ctx.Verify(sendTx, colored)
		entry := verified.Entries[0]
		if entry.IsInvalid {
			t.Fatalf("excess input sum should not invalidate a SEND, got %+v", entry)
		}
		if token.CmpAmount(entry.ActualBurnAmount, token.AmountFromUint64(200)) != 0 {
			t.Fatalf("actual burn = %+v, want 200 (1200 input - 1000 colored output)", entry.ActualBurnAmount)
		}
	})
}

// TestBareBurnIsInvalidAndRecordsAmount mirrors §8 property 6: a token
// consumed by a tx that never references its meta in any section is a bare
// burn, invalid by construction.
func TestBareBurnIsInvalidAndRecordsAmount(t *testing.T) {
	meta := token.TokenMeta{TokenId: makeTxid(1), Type: token.SlpFungible, RawType: 0x01}
	plainTx := &primitives.Tx{
		Txid:    makeTxid(3),
		Outputs: []primitives.TxOut{{Sats: 546, Script: p2pkhScript()}},
	}
	colored := token.ColorTx(plainTx) // no OP_RETURN at all: zero sections

	ctx := &token.VerifyContext{SpentTokens: []*token.SpentToken{
		{Token: token.TokenVariant{Meta: meta, Amount: token.AmountFromUint64(777)}},
	}}
	verified := ctx.Verify(plainTx, colored)
	if len(verified.Entries) != 1 {
		t.Fatalf("expected one bare-burn entry, got %d: %+v", len(verified.Entries), verified.Entries)
	}
	entry := verified.Entries[0]
	if !entry.IsInvalid || entry.HasTxType {
		t.Fatalf("bare burn should be invalid with no section tx type, got %+v", entry)
	}
	if token.CmpAmount(entry.ActualBurnAmount, token.AmountFromUint64(777)) != 0 {
		t.Fatalf("bare burn amount = %+v, want 777", entry.ActualBurnAmount)
	}
}
