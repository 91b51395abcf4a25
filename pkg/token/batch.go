package token

import (
	"errors"
	"sort"

	"github.com/chronik-go/chronik/pkg/primitives"
	"github.com/chronik-go/chronik/pkg/txnum"
	"github.com/chronik-go/chronik/pkg/types"
)

// ErrCycle is returned by BatchProcessor.Verify when the batch's input
// dependency graph can't be topologically sorted — cryptographically
// unreachable under SHA-256, handled defensively (§4.8, §9).
var ErrCycle = errors.New("token: cycle in batch dependency graph")

// ErrMissingTokenTxNum is returned when a TokenMeta referenced by a
// verified entry has no corresponding row in BatchDbData — an indexer
// consistency violation.
var ErrMissingTokenTxNum = errors.New("token: missing token tx num for meta")

// ErrMissingTxInputCoin is returned when tx_spent_scripts needs a coin that
// wasn't joined in by the caller.
var ErrMissingTxInputCoin = errors.New("token: missing coin for tx input")

// PreparedTx is a block tx that colored to at least one non-empty section,
// ready for batch verification (§4.8 step 1).
type PreparedTx struct {
	Tx      txnum.IndexTx
	Colored *ColoredTx
}

// BatchProcessor partitions a block's IndexTxs into token-bearing and
// plain txs, then verifies the token-bearing ones in topological order.
type BatchProcessor struct {
	PreparedTxs   map[types.TxNum]*PreparedTx
	NonTokenTxs   []txnum.IndexTx
	HasAnyGenesis bool
}

// Prepare colors every tx in txs and partitions them (§4.8 step 1).
func Prepare(txs []txnum.IndexTx) *BatchProcessor {
	bp := &BatchProcessor{PreparedTxs: make(map[types.TxNum]*PreparedTx)}
	for _, tx := range txs {
		colored := ColorTx(&tx.Tx)
		if len(colored.Sections) == 0 {
			bp.NonTokenTxs = append(bp.NonTokenTxs, tx)
			continue
		}
		bp.PreparedTxs[tx.TxNum] = &PreparedTx{Tx: tx, Colored: colored}
		if colored.Sections[0].TxType == Genesis {
			bp.HasAnyGenesis = true
		}
	}
	return bp
}

// BatchDbData is everything BatchProcessor.Verify needs pre-fetched from
// storage (§4.8 step 3): DbTokenTx rows for every spent input's tx, plus
// the metas/genesis infos those rows refer to.
type BatchDbData struct {
	TokenTxs         map[types.TxNum]*DbTokenTx
	TokenMetaToTxNum map[TokenMeta]types.TxNum
	TxNumToTokenMeta map[types.TxNum]TokenMeta
	GenesisInfos     map[TokenMeta]*GenesisInfo
}

// NewTokenRecord is one newly observed GENESIS in the batch.
type NewTokenRecord struct {
	TxNum   types.TxNum
	Meta    TokenMeta
	Genesis GenesisInfo
}

// ProcessedTokenTxBatch is §4.8's batch verification output.
type ProcessedTokenTxBatch struct {
	NewTokens     []NewTokenRecord
	DbTokenTxs    map[types.TxNum]*DbTokenTx
	ValidTxs      map[types.TxNum]*TokenTx
	DidValidation bool
}

func isMintVaultMint(s ColoredTxSection) bool {
	return s.TxType == Mint && s.Meta.Type == SlpMintVault
}

// collectMintVaultMetas gathers the metas of every mint-vault MINT section
// in the batch, so the caller can pre-fetch their GenesisInfo (needed to
// check the spent mint-vault script) before calling Verify. Iterates
// PreparedTxs (a map) but only to build a prefetch set, so the resulting
// order is irrelevant to correctness.
func (bp *BatchProcessor) collectMintVaultMetas() []TokenMeta {
	seen := make(map[TokenMeta]bool)
	var metas []TokenMeta
	for _, p := range bp.PreparedTxs {
		for _, s := range p.Colored.Sections {
			if isMintVaultMint(s) && !seen[s.Meta] {
				seen[s.Meta] = true
				metas = append(metas, s.Meta)
			}
		}
	}
	return metas
}

// Verify runs §4.8 step 2-6: skip the whole batch on the documented
// fast-path, else topologically sort prepared_txs by input dependency and
// verify each, feeding newly-minted metas forward to later txs in the same
// batch, then fold in bare-burn bookkeeping for non-token txs.
func (bp *BatchProcessor) Verify(dbEmpty bool, dbData BatchDbData) (*ProcessedTokenTxBatch, error) {
	if dbEmpty && !bp.HasAnyGenesis && len(bp.PreparedTxs) == 0 {
		return &ProcessedTokenTxBatch{DidValidation: false}, nil
	}

	order, err := bp.topoSort()
	if err != nil {
		return nil, err
	}

	out := &ProcessedTokenTxBatch{
		DbTokenTxs:    make(map[types.TxNum]*DbTokenTx),
		ValidTxs:      make(map[types.TxNum]*TokenTx),
		DidValidation: true,
	}
	for _, txNum := range order {
		prepared := bp.PreparedTxs[txNum]
		if err := bp.verifyTokenTx(prepared, &dbData, out); err != nil {
			return nil, err
		}
	}
	for _, tx := range bp.NonTokenTxs {
		bp.processNonTokenTx(tx, &dbData, out)
	}
	return out, nil
}

// topoSort implements Kahn's algorithm over the batch's prepared txs,
// breaking ties by ascending TxNum for determinism (§5: "token validation
// is topological within a batch").
func (bp *BatchProcessor) topoSort() ([]types.TxNum, error) {
	inDegree := make(map[types.TxNum]int, len(bp.PreparedTxs))
	dependents := make(map[types.TxNum][]types.TxNum)
	for n := range bp.PreparedTxs {
		inDegree[n] = 0
	}
	for n, p := range bp.PreparedTxs {
		seen := make(map[types.TxNum]bool)
		for _, in := range p.Tx.InputNums {
			if _, ok := bp.PreparedTxs[in]; ok && !seen[in] {
				seen[in] = true
				inDegree[n]++
				dependents[in] = append(dependents[in], n)
			}
		}
	}

	ready := make([]types.TxNum, 0, len(inDegree))
	for n, d := range inDegree {
		if d == 0 {
			ready = append(ready, n)
		}
	}

	order := make([]types.TxNum, 0, len(bp.PreparedTxs))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		for _, dep := range dependents[n] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	if len(order) != len(bp.PreparedTxs) {
		return nil, ErrCycle
	}
	return order, nil
}

func (bp *BatchProcessor) verifyTokenTx(p *PreparedTx, dbData *BatchDbData, out *ProcessedTokenTxBatch) error {
	spentTokens, err := bp.txTokenInputs(p.Tx, dbData, out.ValidTxs)
	if err != nil {
		return err
	}

	first := p.Colored.Sections[0]
	isGenesis := first.TxType == Genesis
	mintVaultMint := isMintVaultMint(first)

	var spentScripts []primitives.Script
	var genesisInfo *GenesisInfo
	if mintVaultMint {
		spentScripts, err = txSpentScripts(p.Tx)
		if err != nil {
			return err
		}
		genesisInfo = dbData.GenesisInfos[first.Meta]
	}

	ctx := &VerifyContext{SpentTokens: spentTokens, SpentScripts: spentScripts, GenesisInfo: genesisInfo}
	validTx := ctx.Verify(&p.Tx.Tx, p.Colored)

	hasAnyInputs := false
	for _, s := range spentTokens {
		if s != nil {
			hasAnyInputs = true
			break
		}
	}
	hasAnyOutputs := false
	for _, o := range validTx.Outputs {
		if o != nil {
			hasAnyOutputs = true
			break
		}
	}
	if !hasAnyOutputs && !hasAnyInputs && !isGenesis {
		return nil
	}

	if len(validTx.Entries) > 0 {
		entry := validTx.Entries[0]
		if !entry.IsInvalid && entry.GenesisInfo != nil {
			dbData.TokenMetaToTxNum[entry.Meta] = p.Tx.TxNum
			// genesis_infos is deliberately NOT updated here: SLP V2
			// GENESIS needs a one-block confirmation delay before a
			// same-batch MINT can see it (§9 Open Questions).
			out.NewTokens = append(out.NewTokens, NewTokenRecord{TxNum: p.Tx.TxNum, Meta: entry.Meta, Genesis: *entry.GenesisInfo})
		}
	}

	var tokenTxNums []types.TxNum
	var tokenMetas []TokenMeta
	groupTokenIndices := make(map[int]int)
	metaIdx := func(m TokenMeta) int {
		for i, tm := range tokenMetas {
			if tm == m {
				return i
			}
		}
		return -1
	}
	for _, entry := range validTx.Entries {
		txNum, ok := dbData.TokenMetaToTxNum[entry.Meta]
		if !ok {
			continue
		}
		if metaIdx(entry.Meta) < 0 {
			tokenTxNums = append(tokenTxNums, txNum)
			tokenMetas = append(tokenMetas, entry.Meta)
		}
		if entry.GroupTokenMeta == nil {
			continue
		}
		groupTxNum, ok := dbData.TokenMetaToTxNum[*entry.GroupTokenMeta]
		if !ok {
			continue
		}
		if metaIdx(*entry.GroupTokenMeta) < 0 {
			tokenTxNums = append(tokenTxNums, groupTxNum)
			tokenMetas = append(tokenMetas, *entry.GroupTokenMeta)
		}
		groupTokenIndices[metaIdx(entry.Meta)] = metaIdx(*entry.GroupTokenMeta)
	}

	var flags uint32
	if mintVaultMint && len(validTx.Entries) > 0 && !validTx.Entries[0].IsInvalid {
		flags |= FlagHasMintVault
	}

	inputs := make([]DbToken, len(spentTokens))
	for i, s := range spentTokens {
		inputs[i] = spentTokenToDbToken(s, metaIdx)
	}
	outputs := make([]DbToken, len(validTx.Outputs))
	for i, o := range validTx.Outputs {
		outputs[i] = tokenOutputToDbToken(o, metaIdx)
	}

	dbTokenTx := &DbTokenTx{
		TokenTxNums:       tokenTxNums,
		GroupTokenIndices: groupTokenIndices,
		Inputs:            inputs,
		Outputs:           outputs,
		Flags:             flags,
	}
	out.DbTokenTxs[p.Tx.TxNum] = dbTokenTx
	out.ValidTxs[p.Tx.TxNum] = validTx
	return nil
}

func spentTokenToDbToken(s *SpentToken, metaIdx func(TokenMeta) int) DbToken {
	if s == nil {
		return DbToken{Flag: NoToken}
	}
	return tokenVariantToDbToken(s.Token.Meta, s.Token.Amount, s.Token.IsMintBaton, metaIdx)
}

func tokenOutputToDbToken(o *TokenOutput, metaIdx func(TokenMeta) int) DbToken {
	if o == nil {
		return DbToken{Flag: NoToken}
	}
	return tokenVariantToDbToken(o.Meta, o.Amount, o.IsMintBaton, metaIdx)
}

func tokenVariantToDbToken(meta TokenMeta, amount Amount, isMintBaton bool, metaIdx func(TokenMeta) int) DbToken {
	idx := metaIdx(meta)
	switch {
	case meta.Type == UnknownSlp:
		return DbToken{Flag: TokenUnknownSlp, MetaIdx: idx, RawType: meta.RawType}
	case meta.Type == UnknownAlp:
		return DbToken{Flag: TokenUnknownAlp, MetaIdx: idx, RawType: meta.RawType}
	case isMintBaton:
		return DbToken{Flag: TokenMintBaton, MetaIdx: idx}
	default:
		return DbToken{Flag: TokenAmount, MetaIdx: idx, Amount: amount}
	}
}

// processNonTokenTx folds a non-colored tx's spent DbTokenTx inputs into a
// compact DbTokenTx of its own, so the index remembers a plain tx burned
// tokens even though it never colored (§4.8 step 6).
func (bp *BatchProcessor) processNonTokenTx(tx txnum.IndexTx, dbData *BatchDbData, out *ProcessedTokenTxBatch) {
	var tokenTxNums []types.TxNum
	groupTokenIndices := make(map[int]int)
	inputs := make([]DbToken, 0, len(tx.InputNums))
	anyToken := false

	for i, inputNum := range tx.InputNums {
		outIdx := int(tx.Tx.Inputs[i].PrevOut.OutIdx)
		dbTokenTx := out.DbTokenTxs[inputNum]
		if dbTokenTx == nil {
			dbTokenTx = dbData.TokenTxs[inputNum]
		}
		if dbTokenTx == nil || outIdx >= len(dbTokenTx.Outputs) {
			inputs = append(inputs, DbToken{Flag: NoToken})
			continue
		}
		slot := dbTokenTx.Outputs[outIdx]
		tn, ok := dbTokenTx.TokenTxNumForSlot(slot)
		if !ok {
			inputs = append(inputs, slot)
			if slot.Flag != NoToken {
				anyToken = true
			}
			continue
		}
		anyToken = true
		idx := indexOfTxNum(tokenTxNums, tn)
		if idx < 0 {
			tokenTxNums = append(tokenTxNums, tn)
			idx = len(tokenTxNums) - 1
		}
		if groupTxNum, ok := dbTokenTx.GroupTokenTxNumForSlot(slot); ok {
			groupIdx := indexOfTxNum(tokenTxNums, groupTxNum)
			if groupIdx < 0 {
				tokenTxNums = append(tokenTxNums, groupTxNum)
				groupIdx = len(tokenTxNums) - 1
			}
			groupTokenIndices[idx] = groupIdx
		}
		inputs = append(inputs, DbToken{Flag: slot.Flag, MetaIdx: idx, Amount: slot.Amount, RawType: slot.RawType})
	}

	if !anyToken {
		return
	}
	out.DbTokenTxs[tx.TxNum] = &DbTokenTx{
		TokenTxNums:       tokenTxNums,
		GroupTokenIndices: groupTokenIndices,
		Inputs:            inputs,
		Outputs:           make([]DbToken, len(tx.Tx.Outputs)),
	}
}

func indexOfTxNum(nums []types.TxNum, n types.TxNum) int {
	for i, v := range nums {
		if v == n {
			return i
		}
	}
	return -1
}

func txSpentScripts(tx txnum.IndexTx) ([]primitives.Script, error) {
	scripts := make([]primitives.Script, len(tx.Tx.Inputs))
	for i, in := range tx.Tx.Inputs {
		if in.Coin == nil {
			return nil, ErrMissingTxInputCoin
		}
		scripts[i] = in.Coin.Script
	}
	return scripts, nil
}

func (bp *BatchProcessor) txTokenInputs(tx txnum.IndexTx, dbData *BatchDbData, validTxs map[types.TxNum]*TokenTx) ([]*SpentToken, error) {
	if tx.IsCoinbase {
		return nil, nil
	}
	inputs := make([]*SpentToken, len(tx.InputNums))
	for i, inputNum := range tx.InputNums {
		outIdx := int(tx.Tx.Inputs[i].PrevOut.OutIdx)
		spent, err := tokenOutputAt(inputNum, outIdx, dbData, validTxs)
		if err != nil {
			return nil, err
		}
		inputs[i] = spent
	}
	return inputs, nil
}

func tokenOutputAt(txNum types.TxNum, outIdx int, dbData *BatchDbData, validTxs map[types.TxNum]*TokenTx) (*SpentToken, error) {
	if tokenTx, ok := validTxs[txNum]; ok {
		if outIdx >= len(tokenTx.Outputs) || tokenTx.Outputs[outIdx] == nil {
			return nil, nil
		}
		out := tokenTx.Outputs[outIdx]
		return &SpentToken{Token: TokenVariant{Meta: out.Meta, Amount: out.Amount, IsMintBaton: out.IsMintBaton}}, nil
	}

	dbTokenTx, ok := dbData.TokenTxs[txNum]
	if !ok {
		return nil, nil
	}
	if outIdx >= len(dbTokenTx.Outputs) {
		return nil, nil
	}
	slot := dbTokenTx.Outputs[outIdx]
	if slot.Flag == NoToken {
		return nil, nil
	}
	tn, ok := dbTokenTx.TokenTxNumForSlot(slot)
	if !ok {
		return nil, nil
	}
	meta, ok := dbData.TxNumToTokenMeta[tn]
	if !ok {
		return nil, ErrMissingTokenTxNum
	}
	spent := &SpentToken{Token: TokenVariant{Meta: meta, Amount: slot.Amount, IsMintBaton: slot.Flag == TokenMintBaton}}
	if groupTn, ok := dbTokenTx.GroupTokenTxNumForSlot(slot); ok {
		if groupMeta, ok := dbData.TxNumToTokenMeta[groupTn]; ok {
			spent.GroupTokenMeta = &groupMeta
		}
	}
	return spent, nil
}
