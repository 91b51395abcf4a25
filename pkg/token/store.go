package token

import (
	"fmt"

	"github.com/chronik-go/chronik/pkg/codec"
	"github.com/chronik-go/chronik/pkg/kvstore"
	"github.com/chronik-go/chronik/pkg/primitives"
	"github.com/chronik-go/chronik/pkg/txnum"
	"github.com/chronik-go/chronik/pkg/types"
)

// Store persists token data across three column families, keyed by the
// GENESIS (or plain) tx's TxNum in big-endian bytes, so rows sort in block
// order (§4.8's "Token validation batch processor"):
//
//   - genesisCF: TxNum of GENESIS tx -> serialized GenesisInfo
//   - metaCF:    TxNum of GENESIS tx -> serialized TokenMeta
//   - txCF:      TxNum -> serialized DbTokenTx
//
// Grounded directly on chronik-db's io/token/io.rs TokenWriter/TokenReader:
// only the color assignment of each input/output is stored, never the
// derived tx type, burn amount, or parse/color errors — those are cheap to
// recompute by re-running Verify against the stored inputs.
type Store struct {
	db        *kvstore.DB
	genesisCF *kvstore.CF
	metaCF    *kvstore.CF
	txCF      *kvstore.CF
}

func NewStore(db *kvstore.DB, genesisCF, metaCF, txCF *kvstore.CF) *Store {
	return &Store{db: db, genesisCF: genesisCF, metaCF: metaCF, txCF: txCF}
}

func txNumKey(n types.TxNum) []byte { return codec.BE8(uint64(n)) }

func encodeTokenMeta(m TokenMeta) []byte {
	w := codec.NewWriter(40)
	w.PutRaw(m.TokenId.Bytes())
	w.PutByte(byte(m.Type))
	w.PutByte(m.RawType)
	return w.Bytes()
}

func decodeTokenMeta(buf []byte) (TokenMeta, error) {
	r := codec.NewReader(buf)
	idBytes, err := r.ReadRaw(32)
	if err != nil {
		return TokenMeta{}, codec.WrapCorrupt("token: meta token_id", err)
	}
	typ, err := r.ReadByte()
	if err != nil {
		return TokenMeta{}, codec.WrapCorrupt("token: meta type", err)
	}
	rawType, err := r.ReadByte()
	if err != nil {
		return TokenMeta{}, codec.WrapCorrupt("token: meta raw_type", err)
	}
	if !r.Done() {
		return TokenMeta{}, fmt.Errorf("token: meta: %w: trailing bytes", codec.ErrCorruptDbEntry)
	}
	id, err := primitives.Hash256FromBytes(idBytes)
	if err != nil {
		return TokenMeta{}, codec.WrapCorrupt("token: meta token_id", err)
	}
	return TokenMeta{TokenId: id, Type: TokenType(typ), RawType: rawType}, nil
}

func encodeGenesisInfo(g GenesisInfo) []byte {
	w := codec.NewWriter(64)
	w.PutBytes([]byte(g.Ticker))
	w.PutBytes([]byte(g.Name))
	w.PutBytes([]byte(g.Url))
	w.PutBytes(g.Hash)
	w.PutBytes(g.Data)
	w.PutBytes(g.AuthPubkey)
	w.PutByte(g.Decimals)
	if g.MintVaultScriptHash != nil {
		w.PutByte(1)
		w.PutRaw(g.MintVaultScriptHash[:])
	} else {
		w.PutByte(0)
	}
	return w.Bytes()
}

func decodeGenesisInfo(buf []byte) (GenesisInfo, error) {
	r := codec.NewReader(buf)
	ticker, err := r.ReadBytes()
	if err != nil {
		return GenesisInfo{}, codec.WrapCorrupt("token: genesis ticker", err)
	}
	name, err := r.ReadBytes()
	if err != nil {
		return GenesisInfo{}, codec.WrapCorrupt("token: genesis name", err)
	}
	url, err := r.ReadBytes()
	if err != nil {
		return GenesisInfo{}, codec.WrapCorrupt("token: genesis url", err)
	}
	hash, err := r.ReadBytes()
	if err != nil {
		return GenesisInfo{}, codec.WrapCorrupt("token: genesis hash", err)
	}
	data, err := r.ReadBytes()
	if err != nil {
		return GenesisInfo{}, codec.WrapCorrupt("token: genesis data", err)
	}
	authPubkey, err := r.ReadBytes()
	if err != nil {
		return GenesisInfo{}, codec.WrapCorrupt("token: genesis auth_pubkey", err)
	}
	decimals, err := r.ReadByte()
	if err != nil {
		return GenesisInfo{}, codec.WrapCorrupt("token: genesis decimals", err)
	}
	hasVault, err := r.ReadByte()
	if err != nil {
		return GenesisInfo{}, codec.WrapCorrupt("token: genesis has_vault", err)
	}
	var vaultHash *primitives.Hash160
	if hasVault != 0 {
		b, err := r.ReadRaw(20)
		if err != nil {
			return GenesisInfo{}, codec.WrapCorrupt("token: genesis vault_hash", err)
		}
		var h primitives.Hash160
		copy(h[:], b)
		vaultHash = &h
	}
	if !r.Done() {
		return GenesisInfo{}, fmt.Errorf("token: genesis: %w: trailing bytes", codec.ErrCorruptDbEntry)
	}
	return GenesisInfo{
		Ticker: string(ticker), Name: string(name), Url: string(url),
		Hash: append([]byte(nil), hash...), Data: append([]byte(nil), data...),
		AuthPubkey: append([]byte(nil), authPubkey...), Decimals: decimals,
		MintVaultScriptHash: vaultHash,
	}, nil
}

func encodeDbToken(t DbToken) []byte {
	w := codec.NewWriter(24)
	w.PutByte(byte(t.Flag))
	w.PutVarint(uint64(t.MetaIdx))
	codec.PutUint128(w, t.Amount.Lo, t.Amount.Hi)
	w.PutByte(t.RawType)
	return w.Bytes()
}

func decodeDbToken(r *codec.Reader) (DbToken, error) {
	flag, err := r.ReadByte()
	if err != nil {
		return DbToken{}, err
	}
	metaIdx, err := r.ReadVarint()
	if err != nil {
		return DbToken{}, err
	}
	lo, hi, err := codec.ReadUint128(r)
	if err != nil {
		return DbToken{}, err
	}
	rawType, err := r.ReadByte()
	if err != nil {
		return DbToken{}, err
	}
	return DbToken{Flag: DbTokenFlag(flag), MetaIdx: int(metaIdx), Amount: Amount{Lo: lo, Hi: hi}, RawType: rawType}, nil
}

func encodeDbTokenTx(t *DbTokenTx) []byte {
	w := codec.NewWriter(64)
	w.PutVarint(uint64(len(t.TokenTxNums)))
	for _, n := range t.TokenTxNums {
		w.PutUint64(uint64(n))
	}
	w.PutVarint(uint64(len(t.GroupTokenIndices)))
	for metaIdx, groupIdx := range t.GroupTokenIndices {
		w.PutVarint(uint64(metaIdx))
		w.PutVarint(uint64(groupIdx))
	}
	w.PutVarint(uint64(len(t.Inputs)))
	for _, in := range t.Inputs {
		w.PutRaw(encodeDbToken(in))
	}
	w.PutVarint(uint64(len(t.Outputs)))
	for _, out := range t.Outputs {
		w.PutRaw(encodeDbToken(out))
	}
	w.PutUint32(t.Flags)
	return w.Bytes()
}

func decodeDbTokenTx(buf []byte) (*DbTokenTx, error) {
	r := codec.NewReader(buf)
	numMetas, err := r.ReadVarint()
	if err != nil {
		return nil, codec.WrapCorrupt("token: dbtx num_metas", err)
	}
	tokenTxNums := make([]types.TxNum, numMetas)
	for i := range tokenTxNums {
		n, err := r.ReadUint64()
		if err != nil {
			return nil, codec.WrapCorrupt("token: dbtx token_tx_num", err)
		}
		tokenTxNums[i] = types.TxNum(n)
	}
	numGroups, err := r.ReadVarint()
	if err != nil {
		return nil, codec.WrapCorrupt("token: dbtx num_groups", err)
	}
	groupIndices := make(map[int]int, numGroups)
	for i := uint64(0); i < numGroups; i++ {
		metaIdx, err := r.ReadVarint()
		if err != nil {
			return nil, codec.WrapCorrupt("token: dbtx group meta_idx", err)
		}
		groupIdx, err := r.ReadVarint()
		if err != nil {
			return nil, codec.WrapCorrupt("token: dbtx group group_idx", err)
		}
		groupIndices[int(metaIdx)] = int(groupIdx)
	}
	numInputs, err := r.ReadVarint()
	if err != nil {
		return nil, codec.WrapCorrupt("token: dbtx num_inputs", err)
	}
	inputs := make([]DbToken, numInputs)
	for i := range inputs {
		tok, err := decodeDbToken(r)
		if err != nil {
			return nil, codec.WrapCorrupt("token: dbtx input", err)
		}
		inputs[i] = tok
	}
	numOutputs, err := r.ReadVarint()
	if err != nil {
		return nil, codec.WrapCorrupt("token: dbtx num_outputs", err)
	}
	outputs := make([]DbToken, numOutputs)
	for i := range outputs {
		tok, err := decodeDbToken(r)
		if err != nil {
			return nil, codec.WrapCorrupt("token: dbtx output", err)
		}
		outputs[i] = tok
	}
	flags, err := r.ReadUint32()
	if err != nil {
		return nil, codec.WrapCorrupt("token: dbtx flags", err)
	}
	if !r.Done() {
		return nil, fmt.Errorf("token: dbtx: %w: trailing bytes", codec.ErrCorruptDbEntry)
	}
	return &DbTokenTx{TokenTxNums: tokenTxNums, GroupTokenIndices: groupIndices, Inputs: inputs, Outputs: outputs, Flags: flags}, nil
}

// HasAnyTokens reports whether the meta CF holds at least one row, used to
// short-circuit batch verification entirely (§4.8 step 2).
func (s *Store) HasAnyTokens() (bool, error) {
	it, err := s.db.FullIterator(s.metaCF)
	if err != nil {
		return false, err
	}
	defer it.Close()
	return it.First(), nil
}

func (s *Store) tokenTx(txNum types.TxNum) (*DbTokenTx, error) {
	raw, err := s.db.Get(s.txCF, txNumKey(txNum))
	if err != nil || raw == nil {
		return nil, err
	}
	return decodeDbTokenTx(raw)
}

// DbTokenTx resolves the stored DbTokenTx for txNum, exported for the
// driver's disconnect path, which rebuilds the same token-id group deltas a
// connect produced without re-running verification (§4.10).
func (s *Store) DbTokenTx(txNum types.TxNum) (*DbTokenTx, bool, error) {
	t, err := s.tokenTx(txNum)
	if err != nil {
		return nil, false, err
	}
	return t, t != nil, nil
}

// TokenMeta resolves the TokenMeta stored for a genesis TxNum, exported for
// the driver's group-indexing pass (§4.10), which needs to turn a
// DbTokenTx's TokenTxNums back into the TokenId a token_id_history/
// token_id_utxo member is keyed on.
func (s *Store) TokenMeta(txNum types.TxNum) (TokenMeta, bool, error) {
	return s.tokenMeta(txNum)
}

func (s *Store) tokenMeta(txNum types.TxNum) (TokenMeta, bool, error) {
	raw, err := s.db.Get(s.metaCF, txNumKey(txNum))
	if err != nil || raw == nil {
		return TokenMeta{}, false, err
	}
	m, err := decodeTokenMeta(raw)
	return m, err == nil, err
}

func (s *Store) genesisInfo(txNum types.TxNum) (*GenesisInfo, error) {
	raw, err := s.db.Get(s.genesisCF, txNumKey(txNum))
	if err != nil || raw == nil {
		return nil, err
	}
	g, err := decodeGenesisInfo(raw)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// Insert runs the full batch-verification pipeline over txs and writes its
// result to batch, returning the processed batch for callers (e.g. the
// driver's group-token-id indexing) to use without re-fetching.
func (s *Store) Insert(batch *kvstore.Batch, txs []txnum.IndexTx) (*ProcessedTokenTxBatch, error) {
	bp := Prepare(txs)
	hasAnyTokens, err := s.HasAnyTokens()
	if err != nil {
		return nil, err
	}

	allInputNums := make(map[types.TxNum]bool)
	for _, tx := range txs {
		for _, n := range tx.InputNums {
			allInputNums[n] = true
		}
	}
	inputTokenTxs := make(map[types.TxNum]*DbTokenTx, len(allInputNums))
	for n := range allInputNums {
		dbTx, err := s.tokenTx(n)
		if err != nil {
			return nil, err
		}
		if dbTx != nil {
			inputTokenTxs[n] = dbTx
		}
	}

	allTokenTxNums := make(map[types.TxNum]bool)
	for _, dbTx := range inputTokenTxs {
		for _, n := range dbTx.TokenTxNums {
			allTokenTxNums[n] = true
		}
	}

	genesisInfos := make(map[TokenMeta]*GenesisInfo)
	for _, meta := range bp.collectMintVaultMetas() {
		for n := range allTokenTxNums {
			m, ok, err := s.tokenMeta(n)
			if err != nil {
				return nil, err
			}
			if ok && m == meta {
				info, err := s.genesisInfo(n)
				if err != nil {
					return nil, err
				}
				if info != nil {
					genesisInfos[meta] = info
				}
			}
		}
	}

	txNumToTokenMeta := make(map[types.TxNum]TokenMeta, len(allTokenTxNums))
	tokenMetaToTxNum := make(map[TokenMeta]types.TxNum, len(allTokenTxNums))
	for n := range allTokenTxNums {
		m, ok, err := s.tokenMeta(n)
		if err != nil {
			return nil, err
		}
		if ok {
			txNumToTokenMeta[n] = m
			tokenMetaToTxNum[m] = n
		}
	}

	dbData := BatchDbData{
		TokenTxs:         inputTokenTxs,
		TokenMetaToTxNum: tokenMetaToTxNum,
		TxNumToTokenMeta: txNumToTokenMeta,
		GenesisInfos:     genesisInfos,
	}

	processed, err := bp.Verify(!hasAnyTokens, dbData)
	if err != nil {
		return nil, err
	}
	if !processed.DidValidation {
		return processed, nil
	}

	for txNum, dbTokenTx := range processed.DbTokenTxs {
		if err := batch.Put(s.txCF, txNumKey(txNum), encodeDbTokenTx(dbTokenTx)); err != nil {
			return nil, err
		}
	}
	for _, newTok := range processed.NewTokens {
		if err := batch.Put(s.metaCF, txNumKey(newTok.TxNum), encodeTokenMeta(newTok.Meta)); err != nil {
			return nil, err
		}
		if err := batch.Put(s.genesisCF, txNumKey(newTok.TxNum), encodeGenesisInfo(newTok.Genesis)); err != nil {
			return nil, err
		}
	}
	return processed, nil
}

// VerifyMempoolTx runs the same verification pipeline as Insert for a
// single unconfirmed tx, without writing anything durable — used by the
// driver's MempoolAdded handler to produce the TokenTx the mempool mirror
// caches (§4.9). A scratch batch absorbs any merge-CF side effects Verify
// itself doesn't produce (none today, but Insert's call shape is reused
// verbatim rather than duplicated) and is discarded, never committed.
func (s *Store) VerifyMempoolTx(tx txnum.IndexTx) (*TokenTx, error) {
	scratch := s.db.NewBatch()
	defer scratch.Close()
	processed, err := s.Insert(scratch, []txnum.IndexTx{tx})
	if err != nil {
		return nil, err
	}
	return processed.ValidTxs[tx.TxNum], nil
}

// Delete removes every token row for txs, the mirror of Insert used on
// disconnect.
func (s *Store) Delete(batch *kvstore.Batch, txs []txnum.IndexTx) error {
	for _, tx := range txs {
		if err := batch.Delete(s.txCF, txNumKey(tx.TxNum)); err != nil {
			return err
		}
		if err := batch.Delete(s.metaCF, txNumKey(tx.TxNum)); err != nil {
			return err
		}
		if err := batch.Delete(s.genesisCF, txNumKey(tx.TxNum)); err != nil {
			return err
		}
	}
	return nil
}
