package token

import (
	"bytes"
	"sort"

	"github.com/chronik-go/chronik/pkg/primitives"
)

// MaxTxInputs is ALP's architectural ceiling on spent-token inputs (§4.8):
// cryptographically unreachable under current consensus rules, but checked
// defensively so a future relaxation of that limit can't silently bypass
// SEND/MINT accounting.
const MaxTxInputs = 0x7fff

// Verify converts a ColoredTx into a TokenTx (§4.8's VerifyContext.verify):
// one TokenTxEntry per section, plus entries synthesized for standalone
// intentional burns and bare burns (spent tokens with no matching section).
func (ctx *VerifyContext) Verify(tx *primitives.Tx, colored *ColoredTx) *TokenTx {
	entries := make([]TokenTxEntry, 0, len(colored.Sections))
	for _, section := range colored.Sections {
		entries = append(entries, ctx.verifySection(colored, section))
	}

	for _, burn := range colored.IntentionalBurns {
		if hasEntryForMeta(entries, burn.Meta) {
			continue
		}
		amt := burn.Amount
		entries = append(entries, TokenTxEntry{
			Meta:                  burn.Meta,
			HasTxType:             true,
			TxType:                Burn,
			IntentionalBurnAmount: &amt,
		})
	}

	bareBurns := ctx.calcBareBurns(colored, entries)
	bareBurnMetas := make([]TokenMeta, 0, len(bareBurns))
	for meta := range bareBurns {
		bareBurnMetas = append(bareBurnMetas, meta)
	}
	sort.Slice(bareBurnMetas, func(i, j int) bool {
		return bytes.Compare(bareBurnMetas[i].TokenId[:], bareBurnMetas[j].TokenId[:]) < 0
	})
	for _, meta := range bareBurnMetas {
		burn := bareBurns[meta]
		if i := entryIndexForMeta(entries, meta); i >= 0 {
			if burn.burnsMintBatons {
				entries[i].IsInvalid = true
			}
			entries[i].ActualBurnAmount = burn.amount
			entries[i].BurnsMintBatons = burn.burnsMintBatons
			entries[i].GroupTokenMeta = burn.groupTokenMeta
			continue
		}
		entries = append(entries, TokenTxEntry{
			Meta:             meta,
			GroupTokenMeta:   burn.groupTokenMeta,
			IsInvalid:        true,
			ActualBurnAmount: burn.amount,
			BurnsMintBatons:  burn.burnsMintBatons,
		})
	}

	for _, fc := range colored.FailedColorings {
		meta := failedColoringMeta(colored, fc)
		if i := entryIndexForMeta(entries, meta); i >= 0 {
			entries[i].FailedColorings = append(entries[i].FailedColorings, fc)
			continue
		}
		entries = append(entries, TokenTxEntry{
			Meta:            meta,
			IsInvalid:       true,
			FailedColorings: []FailedColoring{fc},
		})
	}

	outputs := make([]*TokenOutput, len(colored.Outputs))
	for i, out := range colored.Outputs {
		if out == nil {
			continue
		}
		if j := entryIndexForMeta(entries, out.Meta); j >= 0 && entries[j].IsInvalid {
			continue
		}
		outputs[i] = out
	}

	return &TokenTx{Entries: entries, Outputs: outputs}
}

// failedColoringMeta best-effort recovers the meta a failed coloring refers
// to; most ColorErrorKinds don't identify a meta directly (the section
// never colored far enough to know one), so this only resolves the kinds
// that carry a TokenId.
func failedColoringMeta(colored *ColoredTx, fc FailedColoring) TokenMeta {
	if fc.Err != nil && fc.Err.TokenId != (primitives.Hash256{}) {
		return TokenMeta{TokenId: fc.Err.TokenId}
	}
	return TokenMeta{}
}

func hasEntryForMeta(entries []TokenTxEntry, meta TokenMeta) bool {
	return entryIndexForMeta(entries, meta) >= 0
}

func entryIndexForMeta(entries []TokenTxEntry, meta TokenMeta) int {
	for i, e := range entries {
		if e.Meta == meta {
			return i
		}
	}
	return -1
}

func (ctx *VerifyContext) verifySection(colored *ColoredTx, section ColoredTxSection) TokenTxEntry {
	inputSum := ctx.calcInputSum(section.Meta)
	entry := TokenTxEntry{
		Meta:                 section.Meta,
		HasTxType:            true,
		TxType:               section.TxType,
		GenesisInfo:          section.GenesisInfo,
		GroupTokenMeta:       ctx.inheritedGroupTokenMeta(section.Meta),
		IntentionalBurnAmount: ctx.intentionalBurnAmount(colored, section.Meta),
		HasColoredOutOfRange: section.HasColoredOutOfRange,
	}

	if section.Meta.Type == AlpStandard && len(ctx.SpentTokens) > MaxTxInputs {
		entry.IsInvalid = true
		entry.ActualBurnAmount = inputSum
		entry.BurnsMintBatons = ctx.hasMintBaton(section.Meta)
		entry.Err = &BurnError{Kind: TooManyTxInputs, NumInputs: len(ctx.SpentTokens)}
		return entry
	}

	switch {
	case section.TxType == Genesis && section.Meta.Type == SlpNft1Child:
		spent := firstSpentToken(ctx.SpentTokens)
		if spent != nil && spent.Token.Meta.Type == SlpNft1Group && !spent.Token.Amount.IsZero() {
			entry.GroupTokenMeta = &spent.Token.Meta
			return entry
		}
		entry.IsInvalid = true
		entry.Err = &BurnError{Kind: MissingNft1Group}
		return entry

	case section.TxType == Genesis:
		return entry

	case section.TxType == Mint && section.Meta.Type == SlpMintVault:
		if ctx.hasMintVault(section.Meta) {
			entry.ActualBurnAmount = inputSum
			return entry
		}
		entry.IsInvalid = true
		entry.ActualBurnAmount = inputSum
		entry.Err = &BurnError{Kind: MissingMintVault}
		return entry

	case section.TxType == Mint:
		if ctx.hasMintBaton(section.Meta) {
			entry.ActualBurnAmount = inputSum
			return entry
		}
		entry.IsInvalid = true
		entry.ActualBurnAmount = inputSum
		entry.Err = &BurnError{Kind: MissingMintBaton}
		return entry

	case section.TxType == Send && CmpAmount(inputSum, section.RequiredInputSum) < 0:
		entry.IsInvalid = true
		entry.ActualBurnAmount = inputSum
		entry.BurnsMintBatons = ctx.hasMintBaton(section.Meta)
		entry.Err = &BurnError{Kind: InsufficientInputSum, Required: section.RequiredInputSum, Actual: inputSum}
		return entry

	case section.TxType == Send:
		outputSum := ctx.calcOutputSum(colored, section.Meta)
		entry.ActualBurnAmount = SubAmount(inputSum, outputSum)
		entry.BurnsMintBatons = ctx.hasMintBaton(section.Meta)
		return entry

	default: // Unknown
		return entry
	}
}

func firstSpentToken(spent []*SpentToken) *SpentToken {
	if len(spent) == 0 {
		return nil
	}
	return spent[0]
}

func (ctx *VerifyContext) hasMintBaton(meta TokenMeta) bool {
	for _, s := range ctx.SpentTokens {
		if s != nil && s.Token.Meta == meta && s.Token.IsMintBaton {
			return true
		}
	}
	return false
}

// hasMintVault answers §4.8's mint-vault MINT check: a spent input script
// must equal p2sh(genesis_info.mint_vault_scripthash). OverrideHasMintVault
// is a test-only injection point (§9 Open Questions); production callers
// leave it nil.
func (ctx *VerifyContext) hasMintVault(meta TokenMeta) bool {
	if ctx.OverrideHasMintVault != nil {
		return *ctx.OverrideHasMintVault
	}
	if ctx.GenesisInfo == nil || ctx.GenesisInfo.MintVaultScriptHash == nil {
		return false
	}
	want := primitives.P2SHScript(*ctx.GenesisInfo.MintVaultScriptHash)
	for _, s := range ctx.SpentScripts {
		if scriptsEqual(s, want) {
			return true
		}
	}
	return false
}

func scriptsEqual(a, b primitives.Script) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (ctx *VerifyContext) calcInputSum(meta TokenMeta) Amount {
	var sum Amount
	for _, s := range ctx.SpentTokens {
		if s != nil && s.Token.Meta == meta && !s.Token.IsMintBaton {
			sum = AddAmount(sum, s.Token.Amount)
		}
	}
	return sum
}

func (ctx *VerifyContext) calcOutputSum(colored *ColoredTx, meta TokenMeta) Amount {
	var sum Amount
	for _, out := range colored.Outputs {
		if out != nil && out.Meta == meta && !out.IsMintBaton {
			sum = AddAmount(sum, out.Amount)
		}
	}
	return sum
}

func (ctx *VerifyContext) inheritedGroupTokenMeta(meta TokenMeta) *TokenMeta {
	for _, s := range ctx.SpentTokens {
		if s != nil && s.Token.Meta == meta {
			return s.GroupTokenMeta
		}
	}
	return nil
}

func (ctx *VerifyContext) intentionalBurnAmount(colored *ColoredTx, meta TokenMeta) *Amount {
	for _, b := range colored.IntentionalBurns {
		if b.Meta == meta {
			amt := b.Amount
			return &amt
		}
	}
	return nil
}

type bareBurn struct {
	amount         Amount
	burnsMintBatons bool
	groupTokenMeta *TokenMeta
}

// calcBareBurns finds every spent token whose meta has no corresponding
// section in this tx (§4.8 "Bare burns"). The NFT1-group input consumed by
// a valid NFT1-child GENESIS at input 0 is exempt, mirroring the original's
// index-0 special case.
func (ctx *VerifyContext) calcBareBurns(colored *ColoredTx, entries []TokenTxEntry) map[TokenMeta]*bareBurn {
	out := make(map[TokenMeta]*bareBurn)
	exemptFirstInput := len(entries) > 0 && entries[0].Meta.Type == SlpNft1Child &&
		entries[0].HasTxType && entries[0].TxType == Genesis && !entries[0].IsInvalid

	for i, s := range ctx.SpentTokens {
		if s == nil {
			continue
		}
		if i == 0 && exemptFirstInput {
			continue
		}
		if sectionExistsForMeta(colored, s.Token.Meta) {
			continue
		}
		b, ok := out[s.Token.Meta]
		if !ok {
			b = &bareBurn{groupTokenMeta: s.GroupTokenMeta}
			out[s.Token.Meta] = b
		}
		if s.Token.IsMintBaton {
			b.burnsMintBatons = true
		} else {
			b.amount = AddAmount(b.amount, s.Token.Amount)
		}
	}
	return out
}

func sectionExistsForMeta(colored *ColoredTx, meta TokenMeta) bool {
	for _, s := range colored.Sections {
		if s.Meta == meta {
			return true
		}
	}
	return false
}
