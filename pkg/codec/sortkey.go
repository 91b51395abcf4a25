// Package codec implements the indexer's two binary encodings (§4.2):
//
//   - sort keys: fixed-width, big-endian, so byte-wise ordering in the KV
//     engine matches numeric ordering (heights, TxNums, group-history page
//     numbers).
//   - payload values: length-prefixed / varint-counted, little-endian
//     integers for field values (BlockSummary, DbTokenTx, GenesisInfo, lists).
package codec

import "encoding/binary"

// BE4 encodes n as 4 big-endian bytes, used for heights and page numbers.
func BE4(n uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, n)
	return b
}

// BE8 encodes n as 8 big-endian bytes, used for TxNums.
func BE8(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

// DecodeBE4 decodes 4 big-endian bytes into a uint32.
func DecodeBE4(b []byte) uint32 { return binary.BigEndian.Uint32(b) }

// DecodeBE8 decodes 8 big-endian bytes into a uint64.
func DecodeBE8(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

// GroupHistoryKey builds the `member_bytes || be4(page_num)` sort key used by
// every group-history CF (§4.6).
func GroupHistoryKey(member []byte, pageNum uint32) []byte {
	key := make([]byte, 0, len(member)+4)
	key = append(key, member...)
	key = append(key, BE4(pageNum)...)
	return key
}

// SplitGroupHistoryKey reverses GroupHistoryKey, assuming the last 4 bytes
// are the page number.
func SplitGroupHistoryKey(key []byte) (member []byte, pageNum uint32, ok bool) {
	if len(key) < 4 {
		return nil, 0, false
	}
	n := len(key) - 4
	return key[:n], DecodeBE4(key[n:]), true
}
