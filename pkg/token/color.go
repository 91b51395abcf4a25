package token

import (
	"github.com/chronik-go/chronik/pkg/primitives"
)

// sectionInput is a normalized view over a parsed SLP or ALP section, so
// coloring logic is written once and shared by both protocols (§4.8).
type sectionInput struct {
	TokenType       byte
	Variant         TokenType
	TxType          TxType
	TokenId         primitives.Hash256
	Genesis         *GenesisInfo
	Amounts         []Amount // amounts[i] colors output i+1
	MintBatonOutIdx *int
	BurnAmount      *Amount
	AllowOutOfRange bool // SLP: true, ALP: false (TooFewOutputs instead)
	PushdataIdx     int
}

// ColorTx implements ColoredTx::color_tx (§4.8): attempt SLP first, falling
// back to ALP's sectioned parse if the first output isn't SLP-shaped.
func ColorTx(tx *primitives.Tx) *ColoredTx {
	ct := &ColoredTx{Outputs: make([]*TokenOutput, len(tx.Outputs))}
	if len(tx.Outputs) == 0 || !tx.Outputs[0].Script.IsOpReturn() {
		return ct
	}
	opReturn := tx.Outputs[0].Script

	parsedSlp, err := ParseSlp(opReturn)
	if err != nil {
		ct.FailedParsings = append(ct.FailedParsings, FailedParsing{Bytes: opReturn, Err: err})
		return ct
	}
	if parsedSlp != nil {
		in := slpSectionInput(tx, parsedSlp)
		colorSection(ct, tx, in, 0)
		return ct
	}

	sections, failedParsings, isAlp := ParseAlpSections(opReturn)
	ct.FailedParsings = append(ct.FailedParsings, failedParsings...)
	if !isAlp {
		return ct
	}
	for i, s := range sections {
		in := alpSectionInput(s)
		colorSection(ct, tx, in, i)
	}
	return ct
}

func slpSectionInput(tx *primitives.Tx, p *ParsedSlp) sectionInput {
	in := sectionInput{TokenType: p.TokenType, Variant: slpTokenTypeVariant(p.TokenType), TxType: p.TxType, AllowOutOfRange: true}
	if p.TxType == Genesis {
		in.TokenId = tx.Txid
	} else if p.TokenId != nil {
		in.TokenId = *p.TokenId
	}
	in.Genesis = p.Genesis
	in.MintBatonOutIdx = p.MintBatonOutIdx
	in.BurnAmount = p.BurnAmount
	if p.TxType == Send {
		in.Amounts = p.SendAmounts
	} else if p.MintAmount != nil {
		in.Amounts = []Amount{*p.MintAmount}
	}
	return in
}

func alpSectionInput(s ParsedAlpSection) sectionInput {
	in := sectionInput{TokenType: s.TokenType, Variant: alpTokenTypeVariant(s.TokenType), TxType: s.TxType, AllowOutOfRange: false, PushdataIdx: s.PushdataIdx}
	if s.TokenId != nil {
		in.TokenId = *s.TokenId
	}
	in.Genesis = s.Genesis
	in.Amounts = s.Amounts
	in.MintBatonOutIdx = s.MintBatonOutIdx
	in.BurnAmount = s.BurnAmount
	return in
}

// colorSection applies one section's coloring intent, enforcing the
// cross-section invariants from §4.8 (GENESIS-first, ascending token types,
// no duplicate token id, no duplicate intentional burn).
func colorSection(ct *ColoredTx, tx *primitives.Tx, in sectionInput, sectionIdx int) {
	meta := TokenMeta{TokenId: in.TokenId, Type: in.Variant, RawType: in.TokenType}

	if in.TxType == Genesis && sectionIdx != 0 {
		ct.FailedColorings = append(ct.FailedColorings, FailedColoring{SectionIdx: sectionIdx, Err: &ColorError{Kind: GenesisMustBeFirst}})
		return
	}
	if len(ct.Sections) > 0 {
		prev := ct.Sections[len(ct.Sections)-1]
		if in.TokenType < prev.Meta.RawType {
			ct.FailedColorings = append(ct.FailedColorings, FailedColoring{SectionIdx: sectionIdx, Err: &ColorError{Kind: DescendingTokenType, Before: prev.Meta.RawType, After: in.TokenType}})
			return
		}
	}
	// Duplicate-token-id is only checked for MINT/SEND; GENESIS is exempt
	// (it's the one section allowed to mint a fresh id) and BURN/UNKNOWN
	// have their own handling below.
	if in.TxType == Mint || in.TxType == Send {
		for prevIdx, s := range ct.Sections {
			if s.Meta.TokenId == meta.TokenId {
				ct.FailedColorings = append(ct.FailedColorings, FailedColoring{SectionIdx: sectionIdx, Err: &ColorError{Kind: DuplicateTokenId, PrevSectionIdx: prevIdx, TokenId: meta.TokenId}})
				return
			}
		}
	}

	if in.TxType == Burn {
		for prevIdx, b := range ct.IntentionalBurns {
			if b.Meta.TokenId == meta.TokenId {
				ct.FailedColorings = append(ct.FailedColorings, FailedColoring{SectionIdx: sectionIdx, Err: &ColorError{Kind: DuplicateIntentionalBurnTokenId, PrevBurnIdx: prevIdx, BurnIdx: len(ct.IntentionalBurns)}})
				return
			}
		}
		ct.IntentionalBurns = append(ct.IntentionalBurns, IntentionalBurn{Meta: meta, Amount: *in.BurnAmount})
		return
	}

	if in.TxType == Unknown {
		for i := 1; i < len(ct.Outputs); i++ {
			if ct.Outputs[i] == nil {
				ct.Outputs[i] = &TokenOutput{Meta: meta}
			}
		}
		ct.Sections = append(ct.Sections, ColoredTxSection{Meta: meta, TxType: Unknown})
		return
	}

	section := ColoredTxSection{Meta: meta, TxType: in.TxType, GenesisInfo: in.Genesis}
	outOfRange, colorErr := applyAmounts(ct, len(tx.Outputs), meta, in.Amounts, in.MintBatonOutIdx, in.AllowOutOfRange)
	section.HasColoredOutOfRange = outOfRange
	if in.TxType == Send {
		for _, a := range in.Amounts {
			section.RequiredInputSum = AddAmount(section.RequiredInputSum, a)
		}
	}
	if colorErr != nil {
		ct.FailedColorings = append(ct.FailedColorings, FailedColoring{SectionIdx: sectionIdx, Err: colorErr})
		return
	}
	ct.Sections = append(ct.Sections, section)
}

// applyAmounts colors outputs[1:] with amounts and, if present, a mint
// baton at mintBatonOutIdx. allowOutOfRange controls whether an index past
// the end of outputs is tolerated (SLP) or rejected (ALP).
func applyAmounts(ct *ColoredTx, numOutputs int, meta TokenMeta, amounts []Amount, mintBatonOutIdx *int, allowOutOfRange bool) (hasOutOfRange bool, err *ColorError) {
	place := func(idx int, out TokenOutput) *ColorError {
		if idx >= numOutputs {
			if allowOutOfRange {
				hasOutOfRange = true
				return nil
			}
			return &ColorError{Kind: TooFewOutputs, Expected: idx + 1, Actual: numOutputs}
		}
		if ct.Outputs[idx] != nil {
			if out.IsMintBaton {
				return &ColorError{Kind: OverlappingMintBaton}
			}
			return &ColorError{Kind: OverlappingAmount}
		}
		ct.Outputs[idx] = &out
		return nil
	}
	for i, a := range amounts {
		if a.IsZero() {
			continue
		}
		if e := place(i+1, TokenOutput{Meta: meta, Amount: a}); e != nil {
			return hasOutOfRange, e
		}
	}
	if mintBatonOutIdx != nil {
		if e := place(*mintBatonOutIdx, TokenOutput{Meta: meta, IsMintBaton: true}); e != nil {
			return hasOutOfRange, e
		}
	}
	return hasOutOfRange, nil
}
