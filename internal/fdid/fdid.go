// Package fdid implements the delta-encoding scheme Root v2+ uses for
// FileDataIDs: each entry in a block stores the varint-encoded difference
// from one past the previous FileDataID (or from the block's base for the
// first entry), rather than the absolute ID. Kept distinct from internal/varint
// per spec.md §9 even though the underlying varint shape is the same LEB128
// form, because the delta-accumulation semantics belong to Root alone.
package fdid

import "github.com/wowemulation-dev/ngdp-go/internal/varint"

// DecodeDeltas decodes count delta-encoded FileDataIDs from b starting at
// base (the running FileDataID counter going in). Each ID is the counter
// plus its delta, and the counter then moves to one past that ID: with
// base 0 the first delta is the first FileDataID itself, and with base
// ^uint32(0) (as manifest/root passes) the first FileDataID is its delta
// minus one. It returns the absolute IDs and the number of bytes consumed.
func DecodeDeltas(b []byte, base uint32, count int) ([]uint32, int) {
	ids := make([]uint32, 0, count)
	consumed := 0
	cur := base
	for i := 0; i < count; i++ {
		delta, n := varint.Decode(b[consumed:])
		if n == 0 {
			break
		}
		consumed += n
		cur += uint32(delta)
		ids = append(ids, cur)
		cur++ // next entry's delta is relative to one past the previous ID
	}
	return ids, consumed
}

// EncodeDeltas encodes ids (must be strictly increasing, as Root requires)
// as deltas starting from base, appending to b.
func EncodeDeltas(b []byte, base uint32, ids []uint32) []byte {
	cur := base
	for _, id := range ids {
		delta := id - cur
		b = varint.Encode(b, uint64(delta))
		cur = id + 1
	}
	return b
}
