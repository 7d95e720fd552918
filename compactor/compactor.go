// Package compactor reclaims space in local CASC storage in two modes —
// archive merge (across low-utilization segments) and extract-compact
// (in place within one segment) — and records crash-recovery state so a
// process that dies mid-operation can resume cleanly on restart
// (spec.md §4.13).
//
// Grounded on store/index/gc.go for the "collect candidates, validate,
// build a plan, execute with bounded concurrency" shape, and on
// store/freelist.go for the append-only-log-fsynced-after-every-write
// crash-recovery file.
package compactor

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/wowemulation-dev/ngdp-go/container"
	"github.com/wowemulation-dev/ngdp-go/internal/ngdperr"
	"github.com/wowemulation-dev/ngdp-go/internal/u40"
	"github.com/wowemulation-dev/ngdp-go/segment"
)

var log = logging.Logger("compactor")

// LowUtilizationThreshold is the fraction of a segment's size below which
// it becomes a candidate for archive merge.
const LowUtilizationThreshold = 0.5

// Span is one live byte range within a segment.
type Span struct {
	Offset uint64
	Size   uint32
}

// overlaps reports whether a and b share any bytes.
func (a Span) overlaps(b Span) bool {
	return a.Offset < b.Offset+uint64(b.Size) && b.Offset < a.Offset+uint64(a.Size)
}

// ValidateNonOverlap returns an error if any two spans in spans overlap.
// It does not require spans to already be sorted.
func ValidateNonOverlap(spans []Span) error {
	sorted := append([]Span(nil), spans...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].overlaps(sorted[i]) {
			return fmt.Errorf("%w: overlapping spans at offsets %d and %d", ngdperr.ErrConcurrentModification, sorted[i-1].Offset, sorted[i].Offset)
		}
	}
	return nil
}

// SegmentUtilization describes one archive-merge candidate segment: its
// declared size and the spans within it that are still live (referenced
// by the KMT).
type SegmentUtilization struct {
	SegmentIndex uint16
	SegmentSize  uint64
	LiveSpans    []Span
}

// UtilizationRatio returns the fraction of SegmentSize occupied by live
// bytes.
func (u SegmentUtilization) UtilizationRatio() float64 {
	if u.SegmentSize == 0 {
		return 0
	}
	var live uint64
	for _, s := range u.LiveSpans {
		live += uint64(s.Size)
	}
	return float64(live) / float64(u.SegmentSize)
}

// BufferCount returns the number of concurrent move buffers to use for a
// plan moving totalBytes: clamp(total >> 17, 1, 16), i.e. roughly one
// buffer per 128KiB of work, capped at 16.
func BufferCount(totalBytes uint64) int {
	n := totalBytes >> 17
	switch {
	case n < 1:
		return 1
	case n > 16:
		return 16
	default:
		return int(n)
	}
}

// MoveEntry is the fixed 12-byte on-disk record of one relocation: the
// source segment, its 40-bit byte offset, and its size.
type MoveEntry struct {
	SrcSegment uint16
	SrcOffset  uint64 // 40-bit
	Size       uint32
}

// MoveEntrySize is the encoded size of one MoveEntry.
const MoveEntrySize = 12

// EncodeMoveEntry serializes one MoveEntry to its 12-byte wire form.
func EncodeMoveEntry(e MoveEntry) [MoveEntrySize]byte {
	var buf [MoveEntrySize]byte
	binary.BigEndian.PutUint16(buf[0:2], e.SrcSegment)
	var offBuf [5]byte
	u40.EncodeBE(offBuf[:], e.SrcOffset)
	copy(buf[2:7], offBuf[:])
	binary.BigEndian.PutUint32(buf[7:11], e.Size)
	return buf
}

// DecodeMoveEntry deserializes one 12-byte MoveEntry.
func DecodeMoveEntry(buf [MoveEntrySize]byte) MoveEntry {
	return MoveEntry{
		SrcSegment: binary.BigEndian.Uint16(buf[0:2]),
		SrcOffset:  u40.DecodeBE(buf[2:7]),
		Size:       binary.BigEndian.Uint32(buf[7:11]),
	}
}

// PlanItem pairs a MoveEntry with the EKey whose KMT and residency
// records must be updated once its bytes have been relocated.
type PlanItem struct {
	EKey []byte
	Move MoveEntry
}

// MovePlan is an ordered list of relocations to execute.
type MovePlan struct {
	Items []PlanItem
}

// EncodePlan serializes a plan's MoveEntry stride for crash-recovery
// persistence; the companion EKeys are not part of this wire form and
// must be recovered from the KMT itself on restart.
func EncodePlan(items []PlanItem) []byte {
	out := make([]byte, 0, len(items)*MoveEntrySize)
	for _, it := range items {
		buf := EncodeMoveEntry(it.Move)
		out = append(out, buf[:]...)
	}
	return out
}

// DecodePlan parses a buffer produced by EncodePlan back into bare
// MoveEntry records (without EKeys).
func DecodePlan(data []byte) ([]MoveEntry, error) {
	if len(data)%MoveEntrySize != 0 {
		return nil, fmt.Errorf("%w: move plan not a multiple of entry size", ngdperr.ErrMalformedHeader)
	}
	var out []MoveEntry
	for off := 0; off+MoveEntrySize <= len(data); off += MoveEntrySize {
		var buf [MoveEntrySize]byte
		copy(buf[:], data[off:off+MoveEntrySize])
		out = append(out, DecodeMoveEntry(buf))
	}
	return out, nil
}

// BuildArchiveMergePlan selects candidates below LowUtilizationThreshold
// and produces a flat relocation plan for their live spans. Each
// candidate's spans are validated for non-overlap first.
func BuildArchiveMergePlan(candidates []SegmentUtilization, ekeyOf func(segIdx uint16, span Span) []byte) (MovePlan, error) {
	var plan MovePlan
	for _, c := range candidates {
		if err := ValidateNonOverlap(c.LiveSpans); err != nil {
			return MovePlan{}, fmt.Errorf("compactor: segment %d: %w", c.SegmentIndex, err)
		}
		if c.UtilizationRatio() >= LowUtilizationThreshold {
			continue
		}
		for _, span := range c.LiveSpans {
			plan.Items = append(plan.Items, PlanItem{
				EKey: ekeyOf(c.SegmentIndex, span),
				Move: MoveEntry{SrcSegment: c.SegmentIndex, SrcOffset: span.Offset, Size: span.Size},
			})
		}
	}
	return plan, nil
}

// LiveSpan is one in-segment live span paired with the EKey it belongs
// to, the input to BuildExtractCompactPlan.
type LiveSpan struct {
	EKey []byte
	Span Span
}

// BuildExtractCompactPlan validates a segment's header and entries are
// large enough to compact, then either reports the segment is already
// contiguous from the header block (truncate-only, no moves needed) or
// builds a plan to slide its live spans down to close the gaps.
func BuildExtractCompactPlan(headerSize int, entryCount int, spans []LiveSpan) (plan MovePlan, truncateOnly bool, err error) {
	if headerSize < segment.HeaderBlockSize {
		return MovePlan{}, false, fmt.Errorf("compactor: segment header size %d below minimum %d", headerSize, segment.HeaderBlockSize)
	}
	if entryCount < segment.MaxLocalHeaders {
		return MovePlan{}, false, fmt.Errorf("compactor: segment entry count %d below minimum %d", entryCount, segment.MaxLocalHeaders)
	}

	rawSpans := make([]Span, len(spans))
	for i, s := range spans {
		rawSpans[i] = s.Span
	}
	if err := ValidateNonOverlap(rawSpans); err != nil {
		return MovePlan{}, false, err
	}

	sorted := append([]LiveSpan(nil), spans...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Span.Offset < sorted[j].Span.Offset })

	cursor := uint64(headerSize)
	contiguous := true
	for _, s := range sorted {
		if s.Span.Offset != cursor {
			contiguous = false
			break
		}
		cursor += uint64(s.Span.Size)
	}
	if contiguous {
		return MovePlan{}, true, nil
	}

	cursor = uint64(headerSize)
	for _, s := range sorted {
		if s.Span.Offset != cursor {
			plan.Items = append(plan.Items, PlanItem{
				EKey: s.EKey,
				Move: MoveEntry{SrcOffset: s.Span.Offset, Size: s.Span.Size},
			})
		}
		cursor += uint64(s.Span.Size)
	}
	return plan, false, nil
}

// Execute moves every item in plan through c's Write path (which
// allocates fresh segment space and updates the KMT and residency tracker
// atomically with respect to each other), bounded to BufferCount
// concurrent moves. A move failure is logged and collected, not fatal to
// the rest of the plan, matching spec.md §4.13's "partial residency-span
// failures are logged but non-fatal".
func Execute(c *container.Container, plan MovePlan) []error {
	var total uint64
	for _, it := range plan.Items {
		total += uint64(it.Move.Size)
	}

	g := new(errgroup.Group)
	g.SetLimit(BufferCount(total))

	var mu sync.Mutex
	var errs []error
	for _, item := range plan.Items {
		item := item
		g.Go(func() error {
			if err := moveOne(c, item); err != nil {
				log.Errorw("compactor move failed", "ekey", fmt.Sprintf("%x", item.EKey), "size", humanize.Bytes(uint64(item.Move.Size)), "err", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func moveOne(c *container.Container, item PlanItem) error {
	data, err := c.Read(item.EKey, 0, int(item.Move.Size))
	if err != nil {
		return fmt.Errorf("compactor: reading %x before move: %w", item.EKey, err)
	}
	// ekey is content-derived, so rewriting the same bytes reproduces
	// item.EKey and the KMT entry is updated to point at the new location.
	if _, err := c.Write(data); err != nil {
		return fmt.Errorf("compactor: rewriting %x: %w", item.EKey, err)
	}
	return nil
}

// ExtractBackupHeaderSize is the fixed header size of an .extract_bu
// crash-recovery file: a 4-byte magic, a 4-byte entry count, and a
// 1-byte version.
const ExtractBackupHeaderSize = 9

// ExtractBackupMaxIndices is the maximum number of segment indices an
// .extract_bu file can record.
const ExtractBackupMaxIndices = 1023

// ExtractBackupFileSize is the fixed total size of an .extract_bu file:
// header plus up to ExtractBackupMaxIndices u32 segment indices.
const ExtractBackupFileSize = ExtractBackupHeaderSize + ExtractBackupMaxIndices*4 // 4101

// MaxValidSegmentIndexForBackup is the threshold at and above which a
// recorded segment index is considered corrupt and pruned on open.
const MaxValidSegmentIndexForBackup = 0x3FF

var extractBackupMagic = [4]byte{'X', 'B', 'A', 'K'}

// ExtractBackup is the append-only crash-recovery log of segments
// currently mid archive-merge or extract-compact. Every append is
// fsynced before returning, so a crash leaves a file the next Open call
// can replay.
type ExtractBackup struct {
	mu      sync.Mutex
	f       *os.File
	indices []uint32
}

// OpenExtractBackup opens or creates the backup file at path, pruning any
// recorded segment index >= MaxValidSegmentIndexForBackup as corrupt.
func OpenExtractBackup(path string) (*ExtractBackup, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	b := &ExtractBackup{f: f}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() == 0 {
		if err := b.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
		return b, nil
	}

	if err := b.load(); err != nil {
		f.Close()
		return nil, err
	}
	return b, nil
}

func (b *ExtractBackup) load() error {
	buf := make([]byte, ExtractBackupFileSize)
	n, err := b.f.ReadAt(buf, 0)
	if err != nil && n == 0 {
		return err
	}
	buf = buf[:n]
	if len(buf) < ExtractBackupHeaderSize {
		return fmt.Errorf("%w: extract_bu header", ngdperr.ErrTruncatedData)
	}
	if [4]byte(buf[0:4]) != extractBackupMagic {
		return fmt.Errorf("%w: expected extract_bu magic", ngdperr.ErrInvalidMagic)
	}
	count := binary.BigEndian.Uint32(buf[4:8])

	var kept []uint32
	for i := uint32(0); i < count; i++ {
		off := ExtractBackupHeaderSize + int(i)*4
		if off+4 > len(buf) {
			break
		}
		idx := binary.BigEndian.Uint32(buf[off : off+4])
		if idx >= MaxValidSegmentIndexForBackup {
			log.Warnw("extract_bu: pruning corrupt segment index", "index", idx)
			continue
		}
		kept = append(kept, idx)
	}
	b.indices = kept
	return b.rewrite()
}

func (b *ExtractBackup) writeHeader() error {
	var header [ExtractBackupHeaderSize]byte
	copy(header[0:4], extractBackupMagic[:])
	binary.BigEndian.PutUint32(header[4:8], uint32(len(b.indices)))
	header[8] = 1 // version
	if _, err := b.f.WriteAt(header[:], 0); err != nil {
		return err
	}
	return b.f.Sync()
}

func (b *ExtractBackup) rewrite() error {
	if err := b.writeHeader(); err != nil {
		return err
	}
	var body []byte
	for _, idx := range b.indices {
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], idx)
		body = append(body, buf[:]...)
	}
	if _, err := b.f.WriteAt(body, ExtractBackupHeaderSize); err != nil {
		return err
	}
	return b.f.Sync()
}

// Append records segmentIndex as mid-operation, fsyncing before
// returning.
func (b *ExtractBackup) Append(segmentIndex uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.indices) >= ExtractBackupMaxIndices {
		return fmt.Errorf("compactor: extract_bu full at %d entries", ExtractBackupMaxIndices)
	}
	b.indices = append(b.indices, segmentIndex)
	return b.rewrite()
}

// Indices returns the currently recorded mid-operation segment indices.
func (b *ExtractBackup) Indices() []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint32(nil), b.indices...)
}

// Clear truncates the backup to empty, e.g. once a compaction run
// finishes cleanly.
func (b *ExtractBackup) Clear() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.indices = nil
	return b.rewrite()
}

// Close closes the underlying file.
func (b *ExtractBackup) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.f.Close()
}
