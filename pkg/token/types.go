// Package token implements the two token protocols layered over a tx's
// first output script (§4.8): SLP (one OP_RETURN, one section) and ALP
// (sectioned, many sections). It covers coloring, input-side verification,
// and batch processing with topological ordering across a block.
package token

import (
	"math/big"

	"github.com/chronik-go/chronik/pkg/primitives"
	"github.com/chronik-go/chronik/pkg/types"
)

// TokenType distinguishes SLP vs ALP and their sub-variants.
type TokenType int

const (
	SlpFungible TokenType = iota
	SlpNft1Group
	SlpNft1Child
	SlpMintVault
	AlpStandard
	UnknownSlp
	UnknownAlp
)

// TokenMeta identifies one token: its genesis txid and type. Immutable once
// observed (§3).
type TokenMeta struct {
	TokenId primitives.Hash256
	Type    TokenType
	// RawType preserves the wire type byte for Unknown* variants so
	// downstream indexers keep forward-compat (§4.8).
	RawType byte
}

// GenesisInfo is present iff the tx is a valid GENESIS (§3).
type GenesisInfo struct {
	Ticker            string
	Name              string
	Url               string
	Hash              []byte
	Data              []byte
	AuthPubkey        []byte
	Decimals          uint8
	MintVaultScriptHash *primitives.Hash160
}

// TxType is the section's operation kind.
type TxType int

const (
	Genesis TxType = iota
	Mint
	Send
	Burn
	Unknown
)

// Amount is a token quantity, widened to 128 bits because ALP's amount
// field can exceed 64 bits.
type Amount struct {
	Lo, Hi uint64
}

func AmountFromUint64(v uint64) Amount { return Amount{Lo: v} }

func (a Amount) big() *big.Int {
	hi := new(big.Int).SetUint64(a.Hi)
	hi.Lsh(hi, 64)
	lo := new(big.Int).SetUint64(a.Lo)
	return hi.Add(hi, lo)
}

func amountFromBig(v *big.Int) Amount {
	mask := new(big.Int).SetUint64(^uint64(0))
	lo := new(big.Int).And(v, mask)
	hi := new(big.Int).Rsh(v, 64)
	return Amount{Lo: lo.Uint64(), Hi: hi.Uint64()}
}

func AddAmount(a, b Amount) Amount { return amountFromBig(new(big.Int).Add(a.big(), b.big())) }
func SubAmount(a, b Amount) Amount { return amountFromBig(new(big.Int).Sub(a.big(), b.big())) }
func CmpAmount(a, b Amount) int    { return a.big().Cmp(b.big()) }
func (a Amount) IsZero() bool      { return a.Lo == 0 && a.Hi == 0 }

// TokenVariant is what an output (or a spent coin) carries.
type TokenVariant struct {
	Meta      TokenMeta
	Amount    Amount
	IsMintBaton bool
}

// TokenOutput is the coloring assigned to one output.
type TokenOutput struct {
	Meta   TokenMeta
	Amount Amount
	IsMintBaton bool
}

// ColoredTxSection is one section's coloring intent (§4.8).
type ColoredTxSection struct {
	Meta                 TokenMeta
	TxType               TxType
	RequiredInputSum      Amount
	HasColoredOutOfRange bool
	GenesisInfo          *GenesisInfo
}

// IntentionalBurn records a user-declared burn not tied to an output.
type IntentionalBurn struct {
	Meta   TokenMeta
	Amount Amount
}

// ParseError is the reason a section failed to parse at all.
type ParseError struct {
	Msg string
}

func (e *ParseError) Error() string { return e.Msg }

// FailedParsing is a pushdata (or the whole OP_RETURN for SLP) that could
// not be parsed as any known section type.
type FailedParsing struct {
	PushdataIdx *int
	Bytes       []byte
	Err         error
}

// ColorError is why a successfully parsed section failed to color the tx.
type ColorError struct {
	Kind ColorErrorKind
	// fields used by a subset of Kind values
	Expected, Actual           int
	Before, After              byte
	PrevSectionIdx, SectionIdx int
	PrevBurnIdx, BurnIdx       int
	TokenId                    primitives.Hash256
}

type ColorErrorKind int

const (
	TooFewOutputs ColorErrorKind = iota
	GenesisMustBeFirst
	DescendingTokenType
	DuplicateTokenId
	DuplicateIntentionalBurnTokenId
	OverlappingAmount
	OverlappingMintBaton
)

func (e *ColorError) Error() string {
	switch e.Kind {
	case TooFewOutputs:
		return "too few outputs for coloring"
	case GenesisMustBeFirst:
		return "GENESIS must be the first pushdata"
	case DescendingTokenType:
		return "descending token type, must be ascending"
	case DuplicateTokenId:
		return "duplicate token id across sections"
	case DuplicateIntentionalBurnTokenId:
		return "duplicate intentional burn token id"
	case OverlappingAmount:
		return "output already colored with an amount"
	case OverlappingMintBaton:
		return "output already colored as a mint baton"
	default:
		return "color error"
	}
}

// FailedColoring is a section that parsed but could not color the tx.
type FailedColoring struct {
	SectionIdx int
	Err        *ColorError
}

// ColoredTx is the output of color_tx (§4.8).
type ColoredTx struct {
	Sections         []ColoredTxSection
	IntentionalBurns []IntentionalBurn
	Outputs          []*TokenOutput // parallel to tx.Outputs; nil = uncolored
	FailedParsings   []FailedParsing
	FailedColorings  []FailedColoring
}

// SpentToken is the token state of a consumed coin, joined in by the caller
// (the driver) from the token DB / mempool before calling Verify.
type SpentToken struct {
	Token TokenVariant
	// GroupTokenMeta additionally records which TokenMeta this input's
	// group membership is attributed to, for NFT1 child genesis lookups
	// that must see the meta even on non-token-carrying coins.
	GroupTokenMeta *TokenMeta
}

// BurnErrorKind enumerates §4.8's verification failures.
type BurnErrorKind int

const (
	TooManyTxInputs BurnErrorKind = iota
	MissingNft1Group
	MissingMintBaton
	MissingMintVault
	InsufficientInputSum
)

type BurnError struct {
	Kind     BurnErrorKind
	Required Amount
	Actual   Amount
	NumInputs int
}

func (e *BurnError) Error() string {
	switch e.Kind {
	case TooManyTxInputs:
		return "too many tx inputs"
	case MissingNft1Group:
		return "missing NFT1 group input for child GENESIS"
	case MissingMintBaton:
		return "missing mint baton input"
	case MissingMintVault:
		return "missing mint vault input"
	case InsufficientInputSum:
		return "insufficient input token sum"
	default:
		return "burn error"
	}
}

// TokenTxEntry is one verified (or bare-burn) accounting entry for a tx.
type TokenTxEntry struct {
	Meta        TokenMeta
	HasTxType   bool // false for a pure bare-burn entry with no matching section
	TxType      TxType
	GenesisInfo *GenesisInfo
	// GroupTokenMeta is the NFT1 GROUP meta inherited from the spent coin
	// that carried this meta, used to answer "which group does this child
	// belong to" without re-deriving it from the spend (§C.3 supplement).
	GroupTokenMeta       *TokenMeta
	IntentionalBurnAmount *Amount
	ActualBurnAmount      Amount
	IsInvalid             bool
	BurnsMintBatons       bool
	HasColoredOutOfRange  bool
	Err                   error
	// FailedColorings are coloring failures attributed to this entry's meta
	// (§C.2: kept distinct from FailedParsings on the ColoredTx).
	FailedColorings []FailedColoring
}

// TokenTx is the verified view of a ColoredTx (§4.8's VerifyContext output).
type TokenTx struct {
	Entries []TokenTxEntry
	Outputs []*TokenOutput
}

// VerifyContext supplies everything Verify needs that isn't in the tx
// itself.
type VerifyContext struct {
	SpentTokens         []*SpentToken // parallel to tx.Inputs; nil = no token
	SpentScripts        []primitives.Script // parallel to tx.Inputs, for mint-vault matching
	GenesisInfo         *GenesisInfo
	OverrideHasMintVault *bool
}

// DbTokenFlag tags what kind of DbToken an input/output slot holds (§3).
type DbTokenFlag int

const (
	NoToken DbTokenFlag = iota
	TokenAmount
	TokenMintBaton
	TokenUnknownSlp
	TokenUnknownAlp
)

// DbToken is the compact per-slot record stored in DbTokenTx.
type DbToken struct {
	Flag      DbTokenFlag
	MetaIdx   int // index into DbTokenTx.TokenTxNums
	Amount    Amount
	RawType   byte
}

// FlagHasMintVault marks a mint-vault MINT that was found valid at index
// time, so a read-path query doesn't need to re-verify it to know.
const FlagHasMintVault uint32 = 1 << 0

// DbTokenTx is the compact per-tx record written to the DB (§3).
type DbTokenTx struct {
	TokenTxNums []types.TxNum
	// GroupTokenIndices maps a meta's index into TokenTxNums to its NFT1
	// GROUP meta's index, for the subset of metas that have one.
	GroupTokenIndices map[int]int
	Inputs            []DbToken
	Outputs           []DbToken
	Flags             uint32
}

// TokenTxNumForSlot resolves the TxNum of the meta a DbToken slot refers
// to, or (0, false) for NoToken / out-of-range slots.
func (d *DbTokenTx) TokenTxNumForSlot(slot DbToken) (types.TxNum, bool) {
	if slot.Flag == NoToken || slot.MetaIdx < 0 || slot.MetaIdx >= len(d.TokenTxNums) {
		return 0, false
	}
	return d.TokenTxNums[slot.MetaIdx], true
}

// GroupTokenTxNumForSlot resolves the TxNum of the slot's inherited NFT1
// GROUP meta, if any.
func (d *DbTokenTx) GroupTokenTxNumForSlot(slot DbToken) (types.TxNum, bool) {
	if slot.Flag == NoToken {
		return 0, false
	}
	groupIdx, ok := d.GroupTokenIndices[slot.MetaIdx]
	if !ok {
		return 0, false
	}
	return d.TokenTxNumForSlot(DbToken{Flag: TokenAmount, MetaIdx: groupIdx})
}
