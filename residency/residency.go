// Package residency tracks, per EKey, whether that key's content is
// currently resident in local CASC storage (as opposed to known-but-not-
// yet-fetched) and which byte spans are missing, backed by fixed-size
// on-disk pages of 40-byte V8 entries (spec.md §4.11). A truncated read
// anywhere in a segment immediately demotes the owning key's affected
// span to non-resident, since a partial read means those bytes on disk
// can no longer be trusted.
//
// Grounded on the teacher's compactindexsized.hashUint64 Murmur3-style
// finalizer for the in-memory fast-path lookup hash (reused here verbatim
// since both are "scramble a 64-bit key into a uniform bucket index"
// problems), and on kmt's guarded-block/page-scan shape for the on-disk
// entry and page format.
package residency

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/wowemulation-dev/ngdp-go/internal/ngdperr"
)

// EntrySize is the on-disk size of one V8 residency entry: a 4-byte hash
// (bit 31 set marks the slot valid/occupied), a 16-byte EKey, a 16-byte
// span (4 big-endian int32 fields), a 1-byte update_type and a 1-byte
// resident flag, padded to 40 bytes.
const EntrySize = 40

// PageEntries is the number of entries per 1024-byte page (25 entries of
// 40 bytes, with 24 bytes of page header/padding).
const PageEntries = 25

// PageSize is the fixed on-disk page size.
const PageSize = 1024

// validBit marks a residency entry's hash field as occupied, distinguishing
// a live slot from an empty one during a page scan (spec.md §4.11).
const validBit = 0x80000000

// DeleteBatchThreshold is the key count at or above which DeleteKeys takes
// the batch path, per spec.md §4.11.
const DeleteBatchThreshold = 10000

// Span is a non-resident byte range within a key's stored content: a
// starting offset and a length, both signed 32-bit per the on-disk field
// width. The remaining two i32 slots are reserved.
type Span struct {
	Offset int32
	Size   int32
}

// Entry is one residency record.
type Entry struct {
	EKey       []byte
	Span       Span
	UpdateType uint8
	Resident   bool
}

// Tracker is an in-memory residency table, organized into hash buckets to
// mirror the on-disk page layout and keep lookups O(1) rather than O(n).
type Tracker struct {
	mu      sync.RWMutex
	buckets map[uint64]map[string]*Entry
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{buckets: make(map[uint64]map[string]*Entry)}
}

// fastPathHash folds an EKey's first 8 bytes into a uint64 seed, then
// applies compactindexsized's Murmur3-style finalizer to scramble it into
// a uniform in-memory bucket index. This is distinct from bucketHash,
// which computes the on-disk V8 bucket assignment.
func fastPathHash(ekey []byte) uint64 {
	var seed uint64
	n := 8
	if len(ekey) < n {
		n = len(ekey)
	}
	var buf [8]byte
	copy(buf[:], ekey[:n])
	seed = binary.LittleEndian.Uint64(buf[:])

	x := seed
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

// bucketHash returns the on-disk V8 bucket (0-15) a 16-byte EKey maps to:
// an SSE-style XOR fold of the EKey's four 32-bit lanes into one byte,
// then the same nibble fold the KMT's bucket hash uses.
func bucketHash(ekey []byte) int {
	var key [16]byte
	copy(key[:], ekey)
	folded := binary.LittleEndian.Uint32(key[0:4]) ^
		binary.LittleEndian.Uint32(key[4:8]) ^
		binary.LittleEndian.Uint32(key[8:12]) ^
		binary.LittleEndian.Uint32(key[12:16])
	b := byte(folded) ^ byte(folded>>8) ^ byte(folded>>16) ^ byte(folded>>24)
	return int((b & 0x0F) ^ (b >> 4))
}

// IsResident reports whether ekey is currently marked resident (i.e. has
// no tracked non-resident span).
func (t *Tracker) IsResident(ekey []byte) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e := t.find(ekey)
	return e != nil && e.Resident
}

func (t *Tracker) find(ekey []byte) *Entry {
	bucket, ok := t.buckets[fastPathHash(ekey)]
	if !ok {
		return nil
	}
	return bucket[string(ekey)]
}

func (t *Tracker) entryFor(ekey []byte) *Entry {
	h := fastPathHash(ekey)
	bucket, ok := t.buckets[h]
	if !ok {
		bucket = make(map[string]*Entry)
		t.buckets[h] = bucket
	}
	e, ok := bucket[string(ekey)]
	if !ok {
		e = &Entry{EKey: append([]byte(nil), ekey...)}
		bucket[string(ekey)] = e
	}
	return e
}

// MarkResident records ekey as fully resident, replacing any tracked
// non-resident span with span.
func (t *Tracker) MarkResident(ekey []byte, span Span) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entryFor(ekey)
	e.Resident = true
	e.Span = span
	e.UpdateType = 0
}

// MarkNonResident demotes ekey to non-resident over the given span,
// creating the entry if it didn't already exist so a subsequent fetch
// attempt is still tracked (spec.md §4.11's mark_non_resident(ekey, span)).
func (t *Tracker) MarkNonResident(ekey []byte, span Span) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entryFor(ekey)
	e.Resident = false
	e.Span = span
	e.UpdateType = 1
}

// NoteReadResult demotes ekey to non-resident over the unread tail
// [requested-actual, requested) if a read returned fewer bytes than
// requested, per spec.md §7.3's truncated-read invariant.
func (t *Tracker) NoteReadResult(ekey []byte, requested, actual int) error {
	if actual < requested {
		t.MarkNonResident(ekey, Span{Offset: int32(actual), Size: int32(requested - actual)})
		return ngdperr.TruncatedRead{Requested: requested, Actual: actual}
	}
	return nil
}

// ScanKeys returns every tracked EKey currently marked resident. It is a
// snapshot taken under a single read lock; spec.md §4.11 allows scan_keys
// to report a short scan under concurrent modification, which this single
// -lock implementation never does.
func (t *Tracker) ScanKeys() [][]byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out [][]byte
	for _, bucket := range t.buckets {
		for _, e := range bucket {
			if e.Resident {
				out = append(out, append([]byte(nil), e.EKey...))
			}
		}
	}
	return out
}

// DeleteKeys removes the tracker's entries for the given EKeys entirely
// (as opposed to MarkNonResident, which keeps a tombstone span). At or
// above DeleteBatchThreshold keys it groups deletions by bucket first, to
// avoid re-hashing shared buckets for every key.
func (t *Tracker) DeleteKeys(ekeys [][]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(ekeys) < DeleteBatchThreshold {
		for _, ekey := range ekeys {
			if bucket, ok := t.buckets[fastPathHash(ekey)]; ok {
				delete(bucket, string(ekey))
			}
		}
		return
	}

	byHash := make(map[uint64][]string, len(ekeys))
	for _, ekey := range ekeys {
		h := fastPathHash(ekey)
		byHash[h] = append(byHash[h], string(ekey))
	}
	for h, keys := range byHash {
		bucket, ok := t.buckets[h]
		if !ok {
			continue
		}
		for _, k := range keys {
			delete(bucket, k)
		}
	}
}

// EncodeEntry serializes one residency entry to its 40-byte V8 wire form.
func EncodeEntry(e Entry) ([EntrySize]byte, error) {
	var buf [EntrySize]byte
	if len(e.EKey) != 16 {
		return buf, fmt.Errorf("residency: EKey must be 16 bytes, got %d", len(e.EKey))
	}
	hash := uint32(bucketHash(e.EKey)) | validBit
	binary.BigEndian.PutUint32(buf[0:4], hash)
	copy(buf[4:20], e.EKey)
	binary.BigEndian.PutUint32(buf[20:24], uint32(e.Span.Offset))
	binary.BigEndian.PutUint32(buf[24:28], uint32(e.Span.Size))
	// buf[28:36]: two reserved i32 span slots, left zero.
	buf[36] = e.UpdateType
	if e.Resident {
		buf[37] = 1
	}
	return buf, nil
}

// DecodeEntry deserializes one 40-byte V8 residency entry.
func DecodeEntry(buf [EntrySize]byte) Entry {
	return Entry{
		EKey: append([]byte(nil), buf[4:20]...),
		Span: Span{
			Offset: int32(binary.BigEndian.Uint32(buf[20:24])),
			Size:   int32(binary.BigEndian.Uint32(buf[24:28])),
		},
		UpdateType: buf[36],
		Resident:   buf[37] != 0,
	}
}

// isValidSlot reports whether a raw 40-byte page slot's hash field has
// the valid bit set.
func isValidSlot(slot []byte) bool {
	return binary.BigEndian.Uint32(slot[0:4])&validBit != 0
}

// EncodePage serializes up to PageEntries entries into one fixed
// PageSize-byte page, padding the remainder with zero (invalid) slots.
func EncodePage(entries []Entry) ([]byte, error) {
	if len(entries) > PageEntries {
		return nil, fmt.Errorf("residency: page holds at most %d entries, got %d", PageEntries, len(entries))
	}
	out := make([]byte, PageSize)
	for i, e := range entries {
		buf, err := EncodeEntry(e)
		if err != nil {
			return nil, err
		}
		copy(out[i*EntrySize:(i+1)*EntrySize], buf[:])
	}
	return out, nil
}

// DecodePage parses a PageSize-byte page, stopping at the first slot
// whose hash field doesn't have the valid bit set.
func DecodePage(page []byte) ([]Entry, error) {
	if len(page) != PageSize {
		return nil, fmt.Errorf("%w: residency page must be %d bytes", ngdperr.ErrMalformedHeader, PageSize)
	}
	var entries []Entry
	for i := 0; i < PageEntries; i++ {
		slot := page[i*EntrySize : (i+1)*EntrySize]
		if !isValidSlot(slot) {
			break
		}
		var buf [EntrySize]byte
		copy(buf[:], slot)
		entries = append(entries, DecodeEntry(buf))
	}
	return entries, nil
}
