package query

import (
	"github.com/chronik-go/chronik/pkg/codec"
	"github.com/chronik-go/chronik/pkg/grouputxo"
	"github.com/chronik-go/chronik/pkg/primitives"
	"github.com/chronik-go/chronik/pkg/token"
	"github.com/chronik-go/chronik/pkg/types"
)

// decodeSatsScript reverses ScriptGroup/ScriptHashGroup's OutputUtxoData
// encoding: {uint64 sats, length-prefixed compressed script} (§6).
func decodeSatsScript(data []byte) (int64, primitives.Script, error) {
	if len(data) == 0 {
		return 0, nil, nil
	}
	r := codec.NewReader(data)
	sats, err := r.ReadUint64()
	if err != nil {
		return 0, nil, codec.WrapCorrupt("query: utxo sats", err)
	}
	compressed, err := r.ReadBytes()
	if err != nil {
		return 0, nil, codec.WrapCorrupt("query: utxo script", err)
	}
	script, err := primitives.Decompress(compressed)
	if err != nil {
		return 0, nil, err
	}
	return int64(sats), script, nil
}

// tokenVariantForMember resolves the TokenVariantDto for a token-group UTXO
// entry: the member itself is the token id, the Data is the encoded
// amount/mint-baton assignment.
func (s *Service) tokenVariantForMember(member []byte, data []byte) (*TokenVariantDto, error) {
	if len(data) == 0 {
		return nil, nil
	}
	amount, isMintBaton, err := token.DecodeUtxoAssignment(data)
	if err != nil {
		return nil, err
	}
	tokenId, err := primitives.Hash256FromBytes(member)
	if err != nil {
		return nil, err
	}
	genesisTxNum, ok, err := s.txReader.Lookup(tokenId)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	meta, ok, err := s.tokenStore.TokenMeta(genesisTxNum)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &TokenVariantDto{TokenId: meta.TokenId, TokenType: meta.Type, Amount: amount, IsMintBaton: isMintBaton}, nil
}

// dbUtxoDto enriches one confirmed grouputxo.UtxoEntry into a UtxoDto, or
// (zero, false) if the mempool has since spent it.
func (s *Service) dbUtxoDto(groupName string, member []byte, e grouputxo.UtxoEntry) (UtxoDto, bool, error) {
	entry, ok, err := s.txReader.Entry(types.TxNum(e.Outpoint.TxNum))
	if err != nil {
		return UtxoDto{}, false, err
	}
	if !ok {
		return UtxoDto{}, false, ErrMissingDbTx
	}
	outpoint := primitives.OutPoint{TxId: entry.Txid, OutIdx: e.Outpoint.OutIdx}
	if _, spent := s.mempool.SpentBy(outpoint); spent {
		return UtxoDto{}, false, nil
	}

	height, err := s.blockReader.HeightForTxNum(e.Outpoint.TxNum)
	if err != nil {
		return UtxoDto{}, false, err
	}

	dto := UtxoDto{Outpoint: outpoint, IsCoinbase: entry.IsCoinbase, BlockHeight: height}
	switch groupName {
	case "token":
		tv, err := s.tokenVariantForMember(member, e.Data)
		if err != nil {
			return UtxoDto{}, false, err
		}
		dto.Token = tv
	default:
		sats, script, err := decodeSatsScript(e.Data)
		if err != nil {
			return UtxoDto{}, false, err
		}
		dto.Sats = sats
		dto.Script = script
	}
	return dto, true, nil
}

// mempoolUtxoDto enriches one still-unconfirmed outpoint the mempool mirror
// reports as unspent for this member.
func (s *Service) mempoolUtxoDto(outpoint primitives.OutPoint) (UtxoDto, bool, error) {
	mtx, ok := s.mempool.Tx(outpoint.TxId)
	if !ok {
		return UtxoDto{}, false, ErrMissingMempoolTx
	}
	if int(outpoint.OutIdx) >= len(mtx.Tx.Outputs) {
		return UtxoDto{}, false, ErrMissingMempoolTx
	}
	out := mtx.Tx.Outputs[outpoint.OutIdx]
	dto := UtxoDto{Outpoint: outpoint, Sats: out.Sats, Script: out.Script, IsCoinbase: false, BlockHeight: types.InvalidHeight}
	if tokenTx, ok := s.mempool.Token(outpoint.TxId); ok && int(outpoint.OutIdx) < len(tokenTx.Outputs) {
		dto.Token = tokenVariantFromOutput(tokenTx.Outputs[outpoint.OutIdx])
	}
	return dto, true, nil
}

// Utxos returns a member's full UTXO set: the durable set minus whatever
// the mempool has since spent, plus whatever the mempool itself has added
// (§4.11's DB ∪ mempool overlay).
func (s *Service) Utxos(groupName string, member []byte) ([]UtxoDto, error) {
	e, err := s.entry(groupName)
	if err != nil {
		return nil, err
	}
	dbList, err := e.utxo.Get(member)
	if err != nil {
		return nil, err
	}
	var out []UtxoDto
	for _, entry := range dbList {
		dto, ok, err := s.dbUtxoDto(groupName, member, entry)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, dto)
		}
	}
	for _, outpoint := range s.mempool.GroupUtxos(groupName, member) {
		dto, ok, err := s.mempoolUtxoDto(outpoint)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, dto)
		}
	}
	return out, nil
}

// UtxosByScriptHash is Utxos scoped to the scripthash group, gated on the
// index being enabled (§4.11).
func (s *Service) UtxosByScriptHash(scriptHash primitives.Hash256) ([]UtxoDto, error) {
	if err := s.requireScriptHashIndex(); err != nil {
		return nil, err
	}
	return s.Utxos("scripthash", scriptHash.Bytes())
}
