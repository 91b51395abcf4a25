package kvstore

import (
	"io"

	"github.com/cockroachdb/pebble/v2"
)

// dispatchMerger adapts a CF's MergeFunc (a pure function of existing value
// + ordered operand list) to pebble's incremental ValueMerger interface,
// which streams operands to MergeNewer/MergeOlder as it finds them walking
// the LSM rather than handing them over as one slice. We simply buffer them
// in arrival order and defer to MergeFunc at Finish, matching §4.1's "full
// merge receives (key, existing, operand_list)" contract exactly.
type dispatchMerger struct {
	fn       MergeFunc
	operands [][]byte
	base     []byte
	hasBase  bool
}

var _ pebble.ValueMerger = (*dispatchMerger)(nil)

// MergeNewer is called for operands newer than the current accumulator,
// i.e. in the same chronological order operands were queued (§4.1's
// "operands_in_order").
func (m *dispatchMerger) MergeNewer(value []byte) error {
	m.operands = append(m.operands, append([]byte(nil), value...))
	return nil
}

// MergeOlder is called when pebble encounters an older operand or base
// value while walking backwards; we still want chronological order for
// MergeFunc, so older values are prepended.
func (m *dispatchMerger) MergeOlder(value []byte) error {
	m.operands = append([][]byte{append([]byte(nil), value...)}, m.operands...)
	return nil
}

func (m *dispatchMerger) Finish(includesBase bool) ([]byte, io.Closer, error) {
	var existing []byte
	operands := m.operands
	if includesBase && len(operands) > 0 {
		// The oldest queued value is actually the pre-existing base value,
		// not a logical operand.
		existing = operands[0]
		operands = operands[1:]
	}
	out, err := m.fn(existing, operands)
	if err != nil {
		return nil, nil, err
	}
	return out, nil, nil
}
