package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitZeroRegistersLabels(t *testing.T) {
	InitZero()

	if got := testutil.ToFloat64(BlocksConnectedTotal); got != 0 {
		t.Errorf("BlocksConnectedTotal = %v, want 0", got)
	}
	if got := testutil.ToFloat64(TokenValidationOutcomesTotal.WithLabelValues("slp", "normal")); got != 0 {
		t.Errorf("TokenValidationOutcomesTotal(slp,normal) = %v, want 0", got)
	}
}

func TestBatchCommitSecondsObserve(t *testing.T) {
	BatchCommitSeconds.Observe(0.01)
	if count := testutil.CollectAndCount(BatchCommitSeconds); count != 1 {
		t.Errorf("CollectAndCount = %d, want 1", count)
	}
}
