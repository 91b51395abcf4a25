package token

import (
	"github.com/chronik-go/chronik/pkg/primitives"
)

var slpLokadId = [4]byte{'S', 'L', 'P', 0}

// SlpLokadId is the 4-byte LOKAD id every SLP OP_RETURN script starts with,
// exported for the schema-upgrade routines that need to recognize SLP
// scripts by their compressed on-disk prefix.
var SlpLokadId = slpLokadId

// SlpTokenTypeMintVault is SLP's wire token_type byte for mint-vault (V2)
// tokens (§4.8), the protocol variant a pre-mint-vault-support index needs
// to retroactively reindex.
const SlpTokenTypeMintVault = 0x02

// ParsedSlp is the single section an SLP tx parses to (SLP allows at most
// one section per tx, unlike ALP).
type ParsedSlp struct {
	TokenType byte
	TxType    TxType
	TokenId   *primitives.Hash256 // nil for GENESIS (the tx's own txid is used)
	Genesis   *GenesisInfo
	MintAmount *Amount
	MintBatonOutIdx *int
	SendAmounts []Amount // index i -> output i+1
	BurnAmount  *Amount
}

// ParseSlp attempts to parse script as an SLP OP_RETURN. It returns
// (nil, nil) if the script clearly isn't SLP (wrong LOKAD id), so the
// caller can fall through to ALP; a non-nil error means the OP_RETURN *is*
// SLP-shaped but malformed.
func ParseSlp(script primitives.Script) (*ParsedSlp, error) {
	if !script.IsOpReturn() {
		return nil, nil
	}
	pushes, err := script[1:].Pushes()
	if err != nil {
		return nil, nil
	}
	if len(pushes) < 3 {
		return nil, nil
	}
	if len(pushes[0].Data) != 4 {
		return nil, nil
	}
	var lokad [4]byte
	copy(lokad[:], pushes[0].Data)
	if lokad != slpLokadId {
		return nil, nil
	}

	if len(pushes[1].Data) != 1 {
		return nil, &ParseError{Msg: "slp: token_type must be 1 byte"}
	}
	tokenType := pushes[1].Data[0]

	txTypeStr := string(pushes[2].Data)
	p := &ParsedSlp{TokenType: tokenType}
	switch txTypeStr {
	case "GENESIS":
		p.TxType = Genesis
		if len(pushes) < 10 {
			return nil, &ParseError{Msg: "slp: GENESIS needs 10 pushes"}
		}
		info := &GenesisInfo{
			Ticker: string(pushes[3].Data),
			Name:   string(pushes[4].Data),
			Url:    string(pushes[6].Data),
		}
		if len(pushes[5].Data) > 0 {
			info.Hash = pushes[5].Data
		}
		if len(pushes[7].Data) > 0 {
			info.AuthPubkey = pushes[7].Data
		}
		if len(pushes[8].Data) == 1 {
			info.Decimals = pushes[8].Data[0]
		}
		p.Genesis = info
		if idx, ok := decodeSlpOutIdx(pushes[9].Data); ok {
			p.MintBatonOutIdx = &idx
		}
		if len(pushes) > 10 {
			if amt, ok := decodeSlpAmount(pushes[10].Data); ok {
				p.MintAmount = &amt
			}
		}
	case "MINT":
		p.TxType = Mint
		if len(pushes) < 5 {
			return nil, &ParseError{Msg: "slp: MINT needs 5 pushes"}
		}
		tokenId, err := decodeSlpTokenId(pushes[3].Data)
		if err != nil {
			return nil, err
		}
		p.TokenId = &tokenId
		if idx, ok := decodeSlpOutIdx(pushes[4].Data); ok {
			p.MintBatonOutIdx = &idx
		}
		if len(pushes) > 5 {
			if amt, ok := decodeSlpAmount(pushes[5].Data); ok {
				p.MintAmount = &amt
			}
		}
	case "SEND":
		p.TxType = Send
		if len(pushes) < 5 {
			return nil, &ParseError{Msg: "slp: SEND needs at least 5 pushes"}
		}
		tokenId, err := decodeSlpTokenId(pushes[3].Data)
		if err != nil {
			return nil, err
		}
		p.TokenId = &tokenId
		for _, push := range pushes[4:] {
			amt, ok := decodeSlpAmount(push.Data)
			if !ok {
				return nil, &ParseError{Msg: "slp: malformed SEND amount"}
			}
			p.SendAmounts = append(p.SendAmounts, amt)
		}
	case "BURN":
		p.TxType = Burn
		if len(pushes) < 5 {
			return nil, &ParseError{Msg: "slp: BURN needs 5 pushes"}
		}
		tokenId, err := decodeSlpTokenId(pushes[3].Data)
		if err != nil {
			return nil, err
		}
		p.TokenId = &tokenId
		amt, ok := decodeSlpAmount(pushes[4].Data)
		if !ok {
			return nil, &ParseError{Msg: "slp: malformed BURN amount"}
		}
		p.BurnAmount = &amt
	default:
		return nil, &ParseError{Msg: "slp: unknown tx type " + txTypeStr}
	}
	return p, nil
}

func decodeSlpTokenId(b []byte) (primitives.Hash256, error) {
	if len(b) != 32 {
		return primitives.Hash256{}, &ParseError{Msg: "slp: token_id must be 32 bytes"}
	}
	// SLP encodes token_id big-endian in the OP_RETURN; reverse to our
	// little-endian internal convention.
	rev := make([]byte, 32)
	for i := 0; i < 32; i++ {
		rev[i] = b[31-i]
	}
	return primitives.Hash256FromBytes(rev)
}

func decodeSlpAmount(b []byte) (Amount, bool) {
	if len(b) != 8 {
		return Amount{}, false
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return AmountFromUint64(v), true
}

func decodeSlpOutIdx(b []byte) (int, bool) {
	if len(b) == 0 {
		return 0, false
	}
	v := 0
	for _, c := range b {
		v = v<<8 | int(c)
	}
	return v, true
}

// slpTokenTypeVariant maps SLP's wire token_type byte to our TokenType.
func slpTokenTypeVariant(tokenType byte) TokenType {
	switch tokenType {
	case 0x01:
		return SlpFungible
	case 0x41:
		return SlpNft1Group
	case 0x81:
		return SlpNft1Child
	case 0x02:
		return SlpMintVault
	default:
		return UnknownSlp
	}
}
