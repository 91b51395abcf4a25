package token

import (
	"github.com/chronik-go/chronik/pkg/codec"
	"github.com/chronik-go/chronik/pkg/primitives"
)

// alpPrefix is eMPP's "magic" marker byte that begins an ALP OP_RETURN,
// chosen so ALP and other eMPP-based protocols can share one OP_RETURN
// (§4.8: "sequence of length-prefixed pushdata sections").
const alpPrefix = 0x50

var alpLokadId = [4]byte{'S', 'L', 'P', 2}

// ParsedAlpSection is one section of an ALP OP_RETURN.
type ParsedAlpSection struct {
	TokenType byte
	TxType    TxType
	TokenId   *primitives.Hash256
	Genesis   *GenesisInfo
	Amounts   []Amount // index i -> output i+1
	MintBatonOutIdx *int
	BurnAmount *Amount
	PushdataIdx int
}

// ParseAlpSections splits an OP_RETURN into its eMPP pushdata sections and
// parses each independently. A section that fails to parse is reported via
// failedParsings rather than aborting the rest (§4.8).
func ParseAlpSections(script primitives.Script) (sections []ParsedAlpSection, failedParsings []FailedParsing, ok bool) {
	if !script.IsOpReturn() {
		return nil, nil, false
	}
	pushes, err := script[1:].Pushes()
	if err != nil || len(pushes) == 0 {
		return nil, nil, false
	}
	if len(pushes[0].Data) != 1 || pushes[0].Data[0] != alpPrefix {
		return nil, nil, false
	}

	for i, push := range pushes[1:] {
		section, err := parseAlpSection(push.Data)
		if err != nil {
			idx := i
			failedParsings = append(failedParsings, FailedParsing{PushdataIdx: &idx, Bytes: push.Data, Err: err})
			continue
		}
		section.PushdataIdx = i
		sections = append(sections, *section)
	}
	return sections, failedParsings, true
}

func parseAlpSection(buf []byte) (*ParsedAlpSection, error) {
	r := codec.NewReader(buf)
	lokad, err := r.ReadRaw(4)
	if err != nil {
		return nil, &ParseError{Msg: "alp: truncated lokad id"}
	}
	var id [4]byte
	copy(id[:], lokad)
	if id != alpLokadId {
		return nil, &ParseError{Msg: "alp: wrong lokad id"}
	}
	tokenType, err := r.ReadByte()
	if err != nil {
		return nil, &ParseError{Msg: "alp: truncated token_type"}
	}
	txTypeBytes, err := r.ReadBytes()
	if err != nil {
		return nil, &ParseError{Msg: "alp: truncated tx_type"}
	}
	s := &ParsedAlpSection{TokenType: tokenType}
	switch string(txTypeBytes) {
	case "GENESIS":
		s.TxType = Genesis
		info := &GenesisInfo{}
		if b, err := r.ReadBytes(); err == nil {
			info.Ticker = string(b)
		}
		if b, err := r.ReadBytes(); err == nil {
			info.Name = string(b)
		}
		if b, err := r.ReadBytes(); err == nil {
			info.Url = string(b)
		}
		if b, err := r.ReadBytes(); err == nil && len(b) > 0 {
			info.Data = b
		}
		if b, err := r.ReadBytes(); err == nil && len(b) > 0 {
			info.AuthPubkey = b
		}
		if b, err := r.ReadByte(); err == nil {
			info.Decimals = b
		}
		s.Genesis = info
		amounts, batonIdx, err := readAlpOutputAssignment(r)
		if err != nil {
			return nil, err
		}
		s.Amounts, s.MintBatonOutIdx = amounts, batonIdx
	case "MINT":
		s.TxType = Mint
		tokenId, err := readAlpTokenId(r)
		if err != nil {
			return nil, err
		}
		s.TokenId = &tokenId
		amounts, batonIdx, err := readAlpOutputAssignment(r)
		if err != nil {
			return nil, err
		}
		s.Amounts, s.MintBatonOutIdx = amounts, batonIdx
	case "SEND":
		s.TxType = Send
		tokenId, err := readAlpTokenId(r)
		if err != nil {
			return nil, err
		}
		s.TokenId = &tokenId
		amounts, _, err := readAlpOutputAssignment(r)
		if err != nil {
			return nil, err
		}
		s.Amounts = amounts
	case "BURN":
		s.TxType = Burn
		tokenId, err := readAlpTokenId(r)
		if err != nil {
			return nil, err
		}
		s.TokenId = &tokenId
		amt, err := r.ReadUint64()
		if err != nil {
			return nil, &ParseError{Msg: "alp: truncated burn amount"}
		}
		a := AmountFromUint64(amt)
		s.BurnAmount = &a
	default:
		// An unrecognized tx_type string is a forward-compat section
		// (§4.8 "Unknown/future token types"): the indexer still colors
		// every non-OP_RETURN output, without knowing the field layout
		// that follows, so trailing bytes are expected and ignored.
		s.TxType = Unknown
		return s, nil
	}
	if !r.Done() {
		return nil, &ParseError{Msg: "alp: trailing bytes in section"}
	}
	return s, nil
}

func readAlpTokenId(r *codec.Reader) (primitives.Hash256, error) {
	b, err := r.ReadRaw(32)
	if err != nil {
		return primitives.Hash256{}, &ParseError{Msg: "alp: truncated token_id"}
	}
	return primitives.Hash256FromBytes(b)
}

// readAlpOutputAssignment reads a varint count of per-output (amount,
// is_baton) pairs, where amount 0 with the baton flag set marks a mint
// baton output.
func readAlpOutputAssignment(r *codec.Reader) ([]Amount, *int, error) {
	count, err := r.ReadVarint()
	if err != nil {
		return nil, nil, &ParseError{Msg: "alp: truncated output count"}
	}
	amounts := make([]Amount, 0, count)
	var batonIdx *int
	for i := uint64(0); i < count; i++ {
		lo, hi, err := codec.ReadUint128(r)
		if err != nil {
			return nil, nil, &ParseError{Msg: "alp: truncated amount"}
		}
		flag, err := r.ReadByte()
		if err != nil {
			return nil, nil, &ParseError{Msg: "alp: truncated baton flag"}
		}
		if flag != 0 {
			idx := int(i) + 1
			batonIdx = &idx
		}
		amounts = append(amounts, Amount{Lo: lo, Hi: hi})
	}
	return amounts, batonIdx, nil
}

func alpTokenTypeVariant(tokenType byte) TokenType {
	switch tokenType {
	case 0x00:
		return AlpStandard
	default:
		return UnknownAlp
	}
}
