package grouphistory_test

import (
	"testing"

	"github.com/chronik-go/chronik/pkg/grouphistory"
	"github.com/chronik-go/chronik/pkg/kvstore"
	"github.com/chronik-go/chronik/pkg/types"
)

type harness struct {
	db  *kvstore.DB
	idx *grouphistory.Index
}

func newHarness(t *testing.T, pageSize uint32) *harness {
	t.Helper()
	db, err := kvstore.Open(t.TempDir(), kvstore.Options{CFs: []kvstore.CF{{Name: "pages"}, {Name: "counts"}}})
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &harness{db: db, idx: grouphistory.New(db, db.CF("pages"), db.CF("counts"), pageSize)}
}

func (h *harness) insert(t *testing.T, member []byte, nums []types.TxNum) {
	t.Helper()
	batch := h.db.NewBatch()
	if err := h.idx.Insert(batch, []grouphistory.MemberTxs{{Member: member, TxNums: nums}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func (h *harness) delete(t *testing.T, member []byte, nums []types.TxNum) {
	t.Helper()
	batch := h.db.NewBatch()
	if err := h.idx.Delete(batch, []grouphistory.MemberTxs{{Member: member, TxNums: nums}}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func txNums(ns ...int) []types.TxNum {
	out := make([]types.TxNum, len(ns))
	for i, n := range ns {
		out[i] = types.TxNum(n)
	}
	return out
}

var value10 = []byte("value=10")
var value20 = []byte("value=20")

// TestS1CoinbaseOnly mirrors spec.md §8 scenario S1.
func TestS1CoinbaseOnly(t *testing.T) {
	h := newHarness(t, 4)
	h.insert(t, value10, txNums(0))

	page, ok, err := h.idx.PageTxs(value10, 0)
	if err != nil || !ok {
		t.Fatalf("PageTxs: ok=%v err=%v", ok, err)
	}
	if len(page) != 1 || page[0] != 0 {
		t.Fatalf("page = %v, want [0]", page)
	}
	numPages, numTxs, err := h.idx.MemberNumPagesAndTxs(value10)
	if err != nil || numPages != 1 || numTxs != 1 {
		t.Fatalf("MemberNumPagesAndTxs = (%d, %d, %v), want (1, 1, nil)", numPages, numTxs, err)
	}
}

// TestS2PaginationRollover mirrors spec.md §8 scenario S2: 9 txs touching
// value=10 (TxNum 3 touches only value=20), page_size=4, expecting pages
// [0,1,2,4], [5,6,7,8], [9] and num_pages=3, num_txs=9.
func TestS2PaginationRollover(t *testing.T) {
	h := newHarness(t, 4)
	h.insert(t, value10, txNums(0, 1, 2, 4, 5, 6, 7, 8, 9))
	h.insert(t, value20, txNums(3))

	page0, _, _ := h.idx.PageTxs(value10, 0)
	page1, _, _ := h.idx.PageTxs(value10, 1)
	page2, _, _ := h.idx.PageTxs(value10, 2)
	if got, want := page0, txNums(0, 1, 2, 4); !equalTxNums(got, want) {
		t.Fatalf("page0 = %v, want %v", got, want)
	}
	if got, want := page1, txNums(5, 6, 7, 8); !equalTxNums(got, want) {
		t.Fatalf("page1 = %v, want %v", got, want)
	}
	if got, want := page2, txNums(9); !equalTxNums(got, want) {
		t.Fatalf("page2 = %v, want %v", got, want)
	}

	numPages, numTxs, err := h.idx.MemberNumPagesAndTxs(value10)
	if err != nil || numPages != 3 || numTxs != 9 {
		t.Fatalf("MemberNumPagesAndTxs = (%d, %d, %v), want (3, 9, nil)", numPages, numTxs, err)
	}
}

// TestS3DisconnectThenReconnect mirrors spec.md §8 scenario S3.
func TestS3DisconnectThenReconnect(t *testing.T) {
	h := newHarness(t, 4)
	all := txNums(0, 1, 2, 4, 5, 6, 7, 8, 9)
	h.insert(t, value10, all)

	h.delete(t, value10, all[1:]) // drain everything but TxNum 0

	page0, ok, err := h.idx.PageTxs(value10, 0)
	if err != nil || !ok {
		t.Fatalf("PageTxs(0) after disconnect: ok=%v err=%v", ok, err)
	}
	if !equalTxNums(page0, txNums(0)) {
		t.Fatalf("page0 after disconnect = %v, want [0]", page0)
	}
	if _, ok, _ := h.idx.PageTxs(value10, 1); ok {
		t.Fatalf("page1 should be absent after disconnect")
	}
	numPages, numTxs, err := h.idx.MemberNumPagesAndTxs(value10)
	if err != nil || numPages != 1 || numTxs != 1 {
		t.Fatalf("MemberNumPagesAndTxs after disconnect = (%d, %d, %v), want (1, 1, nil)", numPages, numTxs, err)
	}

	h.insert(t, value10, all[1:])
	page0, _, _ = h.idx.PageTxs(value10, 0)
	page1, _, _ := h.idx.PageTxs(value10, 1)
	page2, _, _ := h.idx.PageTxs(value10, 2)
	if !equalTxNums(page0, txNums(0, 1, 2, 4)) || !equalTxNums(page1, txNums(5, 6, 7, 8)) || !equalTxNums(page2, txNums(9)) {
		t.Fatalf("pages after reconnect do not match original S2 layout: %v %v %v", page0, page1, page2)
	}
}

func TestDeleteBeyondCountIsInconsistent(t *testing.T) {
	h := newHarness(t, 4)
	h.insert(t, value10, txNums(0))

	batch := h.db.NewBatch()
	defer batch.Close()
	err := h.idx.Delete(batch, []grouphistory.MemberTxs{{Member: value10, TxNums: txNums(0, 1)}})
	if err != grouphistory.ErrInconsistent {
		t.Fatalf("expected ErrInconsistent, got %v", err)
	}
}

func TestEmptyMemberHasZeroPages(t *testing.T) {
	h := newHarness(t, 4)
	numPages, numTxs, err := h.idx.MemberNumPagesAndTxs([]byte("nobody"))
	if err != nil || numPages != 0 || numTxs != 0 {
		t.Fatalf("empty member = (%d, %d, %v), want (0, 0, nil)", numPages, numTxs, err)
	}
}

func equalTxNums(a, b []types.TxNum) bool {
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
