// Package archiveindex parses and builds CDN archive index (".index")
// files: the sorted EKey -> (archive offset, size) table that lets a
// client locate a file inside a multi-megabyte CDN archive blob without
// downloading it (spec.md §5.7).
//
// Grounded on the teacher's compactindexsized/compactindex36 packages for
// the "footer-at-the-end, sorted-entries-before-it" shape and the
// sort.Find binary-search lookup; generalized from compactindexsized's
// bucketed hash table to archive index's flat sorted list, which is what
// the CDN wire format actually uses.
package archiveindex

import (
	"bytes"
	"container/heap"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/wowemulation-dev/ngdp-go/internal/ngdperr"
)

// Footer is the fixed trailer validating an archive index's shape. Per
// spec.md §5.7 the on-disk footer carries: a TOC hash over the sorted
// entries, then eight one-byte version/width fields, then the element count
// and a footer checksum.
type Footer struct {
	TOCHash        [8]byte
	Version        uint8
	Unk0           uint8
	Unk1           uint8
	BlockSizeKB    uint8
	OffsetBytes    uint8
	SizeBytes      uint8
	KeyBytes       uint8
	ChecksumSize   uint8
	NumElements    uint32
	FooterChecksum [8]byte
}

const footerSize = 8 + 8 + 4 + 8 // tocHash + 8 one-byte fields + numElements + footerChecksum... computed below precisely

// footerFixedSize is the exact encoded size of Footer (without the
// trailing checksum-size-dependent padding some CDN tools add — the
// parser here always expects the 8-byte checksum shape spec.md §5.7
// describes).
const footerFixedSize = 8 + 8 + 4 + 8

// Entry is one sorted (EKey, offset, size) row.
type Entry struct {
	EKey   []byte
	Offset uint32
	Size   uint32
}

// Document is a parsed archive index.
type Document struct {
	Footer  Footer
	Entries []Entry
}

// Parse decodes a full ".index" file: sorted entries (key_bytes + size u32
// BE + offset u32 BE, repeated) followed by the fixed Footer.
func Parse(data []byte) (*Document, error) {
	if len(data) < footerFixedSize {
		return nil, fmt.Errorf("%w: archive index footer", ngdperr.ErrTruncatedData)
	}
	footerStart := len(data) - footerFixedSize
	f, err := parseFooter(data[footerStart:])
	if err != nil {
		return nil, err
	}

	entrySize := int(f.KeyBytes) + int(f.SizeBytes) + int(f.OffsetBytes)
	if entrySize == 0 {
		return nil, fmt.Errorf("%w: zero-width archive index entry", ngdperr.ErrMalformedHeader)
	}
	entriesLen := int(f.NumElements) * entrySize
	if entriesLen > footerStart {
		return nil, fmt.Errorf("%w: archive index entries", ngdperr.ErrTruncatedData)
	}
	entriesBlock := data[footerStart-entriesLen : footerStart]

	sum := md5.Sum(entriesBlock)
	if !bytes.Equal(sum[:8], f.TOCHash[:]) {
		return nil, fmt.Errorf("%w: archive index TOC hash", ngdperr.ErrChecksumMismatch)
	}

	entries := make([]Entry, f.NumElements)
	off := 0
	for i := range entries {
		rec := entriesBlock[off : off+entrySize]
		entries[i].EKey = append([]byte(nil), rec[:f.KeyBytes]...)
		entries[i].Size = decodeUint(rec[f.KeyBytes : f.KeyBytes+f.SizeBytes])
		entries[i].Offset = decodeUint(rec[f.KeyBytes+f.SizeBytes:])
		off += entrySize
	}

	return &Document{Footer: f, Entries: entries}, nil
}

func parseFooter(b []byte) (Footer, error) {
	var f Footer
	copy(f.TOCHash[:], b[0:8])
	f.Version = b[8]
	f.Unk0 = b[9]
	f.Unk1 = b[10]
	f.BlockSizeKB = b[11]
	f.OffsetBytes = b[12]
	f.SizeBytes = b[13]
	f.KeyBytes = b[14]
	f.ChecksumSize = b[15]
	f.NumElements = binary.BigEndian.Uint32(b[16:20])
	copy(f.FooterChecksum[:], b[20:28])
	if f.Version != 1 {
		return f, fmt.Errorf("%w: archive index version %d", ngdperr.ErrUnsupportedVersion, f.Version)
	}
	return f, nil
}

func decodeUint(b []byte) uint32 {
	var buf [4]byte
	copy(buf[4-len(b):], b)
	return binary.BigEndian.Uint32(buf[:])
}

// Find performs a binary search for key over the sorted entries.
func (d *Document) Find(key []byte) (Entry, bool) {
	i := sort.Search(len(d.Entries), func(i int) bool {
		return bytes.Compare(d.Entries[i].EKey, key) >= 0
	})
	if i < len(d.Entries) && bytes.Equal(d.Entries[i].EKey, key) {
		return d.Entries[i], true
	}
	return Entry{}, false
}

// heapItem is one (sourceIndex, entry) pair tracked by the k-way merge
// heap.
type heapItem struct {
	entry  Entry
	source int
	cursor int
}

type mergeHeap []heapItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	c := bytes.Compare(h[i].entry.EKey, h[j].entry.EKey)
	if c != 0 {
		return c < 0
	}
	// Break ties by source priority so the earliest-listed archive always
	// wins a duplicate key, regardless of container/heap's internal order.
	return h[i].source < h[j].source
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)        { *h = append(*h, x.(heapItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// BuildMerged merges multiple sorted Documents into a single sorted entry
// list using a k-way min-heap merge, keeping the first occurrence of a
// duplicate key (the earliest-listed source wins, mirroring the priority
// order callers pass archives in).
func BuildMerged(docs []*Document) []Entry {
	h := make(mergeHeap, 0, len(docs))
	for i, d := range docs {
		if len(d.Entries) > 0 {
			h = append(h, heapItem{entry: d.Entries[0], source: i, cursor: 0})
		}
	}
	heap.Init(&h)

	var merged []Entry
	var lastKey []byte
	for h.Len() > 0 {
		top := heap.Pop(&h).(heapItem)
		if lastKey == nil || !bytes.Equal(lastKey, top.entry.EKey) {
			merged = append(merged, top.entry)
			lastKey = top.entry.EKey
		}
		next := top.cursor + 1
		if next < len(docs[top.source].Entries) {
			heap.Push(&h, heapItem{entry: docs[top.source].Entries[next], source: top.source, cursor: next})
		}
	}
	return merged
}
