package query

import (
	"github.com/chronik-go/chronik/pkg/blockindex"
	"github.com/chronik-go/chronik/pkg/plugin"
	"github.com/chronik-go/chronik/pkg/primitives"
	"github.com/chronik-go/chronik/pkg/token"
	"github.com/chronik-go/chronik/pkg/types"
)

// BlockDto is the header summary surfaced alongside an enriched tx or a
// direct block lookup (§3's BlockSummary).
type BlockDto struct {
	Hash      primitives.Hash256
	PrevHash  primitives.Hash256
	Height    types.Height
	NBits     uint32
	Timestamp int64
}

func blockDtoFrom(b blockindex.Block) BlockDto {
	return BlockDto{Hash: b.Hash, PrevHash: b.PrevHash, Height: b.Height, NBits: b.NBits, Timestamp: b.Timestamp}
}

// TokenVariantDto is the amount/mint-baton view of a token-colored input or
// output, resolved back to its human-facing TokenId/Type (§4.11).
type TokenVariantDto struct {
	TokenId     primitives.Hash256
	TokenType   token.TokenType
	Amount      token.Amount
	IsMintBaton bool
}

// SpentByDto names who spends an output, confirmed or still only in the
// mempool.
type SpentByDto struct {
	Txid     primitives.Hash256
	InputIdx uint32
}

// InputDto is one enriched tx input (§4.11: "prev_out, script, sats,
// token?, plugin?").
type InputDto struct {
	PrevOut primitives.OutPoint
	Script  primitives.Script
	Sats    int64
	Token   *TokenVariantDto
	Plugin  map[string]plugin.OutputEntry
}

// OutputDto is one enriched tx output (§4.11: "sats, script, token?,
// spent_by?, plugin?").
type OutputDto struct {
	Sats    int64
	Script  primitives.Script
	Token   *TokenVariantDto
	SpentBy *SpentByDto
	Plugin  map[string]plugin.OutputEntry
}

// TxDto is the fully enriched transaction §4.11 describes.
type TxDto struct {
	Txid          primitives.Hash256
	Version       int32
	Inputs        []InputDto
	Outputs       []OutputDto
	LockTime      uint32
	IsCoinbase    bool
	Block         *BlockDto // nil if still unconfirmed
	TimeFirstSeen int64
}

// HistoryPage is the paginated response shape every history endpoint
// returns (§8's boundary behaviors: num_pages/num_txs/txs, consistent even
// past the last page).
type HistoryPage struct {
	NumPages uint64
	NumTxs   uint64
	Txs      []TxDto
}

// UtxoDto is one entry of a member's merged (DB ∪ mempool) UTXO set.
type UtxoDto struct {
	Outpoint    primitives.OutPoint
	Sats        int64
	Script      primitives.Script
	IsCoinbase  bool
	BlockHeight types.Height // types.InvalidHeight if still unconfirmed
	Token       *TokenVariantDto
}
