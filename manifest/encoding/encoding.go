// Package encoding parses the Encoding manifest: the paged CKey<->EKey
// translation table plus ESpec string block that every build's
// "encoding" config entry points at (spec.md §5.1).
//
// Grounded on the teacher's compactindexsized package for the sorted
// page-table-plus-pages shape and its sort.Find-based binary search
// (SearchSortedEntries); the Encoding manifest's own page checksums and
// record layout are fixed by the wire format rather than by any choice of
// data structure, so only the lookup strategy is borrowed, not the
// on-disk layout itself.
package encoding

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/wowemulation-dev/ngdp-go/internal/ngdperr"
	"github.com/wowemulation-dev/ngdp-go/internal/u40"
)

const headerSize = 22

// Header is the 22-byte fixed Encoding manifest header.
type Header struct {
	Version        uint8
	HashSizeCKey   uint8
	HashSizeEKey   uint8
	CKeyPageSizeKB uint16
	EKeyPageSizeKB uint16
	CKeyPageCount  uint32
	EKeyPageCount  uint32
	ESpecBlockSize uint32
}

// CKeyPageEntry is one row of the CKey page table.
type CKeyPageEntry struct {
	FirstCKey []byte
	PageMD5   [16]byte
}

// CKeyRecord is one decoded record inside a CKey page.
type CKeyRecord struct {
	KeyCount  uint8
	FileSize  uint64
	CKey      []byte
	EKeys     [][]byte
}

// EKeyPageEntry is one row of the EKey page table.
type EKeyPageEntry struct {
	FirstEKey []byte
	PageMD5   [16]byte
}

// EKeyRecord is one decoded record inside an EKey page.
type EKeyRecord struct {
	EKey      []byte
	ESpecIdx  uint32
	FileSize  uint64
}

// Document is a fully parsed Encoding manifest.
type Document struct {
	Header Header
	ESpecs []string

	ckeyPageTable []CKeyPageEntry
	ckeyPages     [][]byte // raw page bytes, one per entry

	ekeyPageTable []EKeyPageEntry
	ekeyPages     [][]byte
}

// Parse decodes a complete Encoding manifest from data.
func Parse(data []byte) (*Document, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: encoding header", ngdperr.ErrTruncatedData)
	}
	if data[0] != 'E' || data[1] != 'N' {
		return nil, fmt.Errorf("%w: expected 'EN'", ngdperr.ErrInvalidMagic)
	}
	h := Header{
		Version:        data[2],
		HashSizeCKey:   data[3],
		HashSizeEKey:   data[4],
		CKeyPageSizeKB: binary.BigEndian.Uint16(data[5:7]),
		EKeyPageSizeKB: binary.BigEndian.Uint16(data[7:9]),
		CKeyPageCount:  binary.BigEndian.Uint32(data[9:13]),
		EKeyPageCount:  binary.BigEndian.Uint32(data[13:17]),
		ESpecBlockSize: binary.BigEndian.Uint32(data[18:22]),
	}
	if h.Version != 1 {
		return nil, fmt.Errorf("%w: encoding version %d", ngdperr.ErrUnsupportedVersion, h.Version)
	}

	off := headerSize
	if off+int(h.ESpecBlockSize) > len(data) {
		return nil, fmt.Errorf("%w: espec block", ngdperr.ErrTruncatedData)
	}
	especs := parseNullTerminatedStrings(data[off : off+int(h.ESpecBlockSize)])
	off += int(h.ESpecBlockSize)

	ckeyEntrySize := int(h.HashSizeCKey) + 16
	ckeyTableLen := int(h.CKeyPageCount) * ckeyEntrySize
	if off+ckeyTableLen > len(data) {
		return nil, fmt.Errorf("%w: ckey page table", ngdperr.ErrTruncatedData)
	}
	ckeyTable := make([]CKeyPageEntry, h.CKeyPageCount)
	for i := range ckeyTable {
		rec := data[off+i*ckeyEntrySize : off+(i+1)*ckeyEntrySize]
		ckeyTable[i].FirstCKey = append([]byte(nil), rec[:h.HashSizeCKey]...)
		copy(ckeyTable[i].PageMD5[:], rec[h.HashSizeCKey:])
	}
	off += ckeyTableLen

	ckeyPageBytes := int(h.CKeyPageSizeKB) * 1024
	ckeyPages := make([][]byte, h.CKeyPageCount)
	for i := range ckeyPages {
		if off+ckeyPageBytes > len(data) {
			return nil, fmt.Errorf("%w: ckey page %d", ngdperr.ErrTruncatedData, i)
		}
		page := data[off : off+ckeyPageBytes]
		sum := md5.Sum(page)
		if sum != ckeyTable[i].PageMD5 {
			return nil, fmt.Errorf("%w: ckey page %d", ngdperr.ErrChecksumMismatch, i)
		}
		ckeyPages[i] = page
		off += ckeyPageBytes
	}

	ekeyEntrySize := int(h.HashSizeEKey) + 16
	ekeyTableLen := int(h.EKeyPageCount) * ekeyEntrySize
	if off+ekeyTableLen > len(data) {
		return nil, fmt.Errorf("%w: ekey page table", ngdperr.ErrTruncatedData)
	}
	ekeyTable := make([]EKeyPageEntry, h.EKeyPageCount)
	for i := range ekeyTable {
		rec := data[off+i*ekeyEntrySize : off+(i+1)*ekeyEntrySize]
		ekeyTable[i].FirstEKey = append([]byte(nil), rec[:h.HashSizeEKey]...)
		copy(ekeyTable[i].PageMD5[:], rec[h.HashSizeEKey:])
	}
	off += ekeyTableLen

	ekeyPageBytes := int(h.EKeyPageSizeKB) * 1024
	ekeyPages := make([][]byte, h.EKeyPageCount)
	for i := range ekeyPages {
		if off+ekeyPageBytes > len(data) {
			return nil, fmt.Errorf("%w: ekey page %d", ngdperr.ErrTruncatedData, i)
		}
		page := data[off : off+ekeyPageBytes]
		sum := md5.Sum(page)
		if sum != ekeyTable[i].PageMD5 {
			return nil, fmt.Errorf("%w: ekey page %d", ngdperr.ErrChecksumMismatch, i)
		}
		ekeyPages[i] = page
		off += ekeyPageBytes
	}

	return &Document{
		Header:        h,
		ESpecs:        especs,
		ckeyPageTable: ckeyTable,
		ckeyPages:     ckeyPages,
		ekeyPageTable: ekeyTable,
		ekeyPages:     ekeyPages,
	}, nil
}

func parseNullTerminatedStrings(b []byte) []string {
	var out []string
	for _, part := range bytes.Split(b, []byte{0}) {
		if len(part) == 0 {
			continue
		}
		out = append(out, string(part))
	}
	return out
}

// FindCKey returns the decoded record for ckey, or ok=false if absent.
// Uses sort.Find to locate the candidate page (the page table is sorted by
// first_ckey), then linearly scans that page's records — grounded on
// compactindexsized.SearchSortedEntries's sort.Find-based strategy.
func (d *Document) FindCKey(ckey []byte) (CKeyRecord, bool) {
	pageIdx, ok := findPage(len(d.ckeyPageTable), func(i int) int {
		return bytes.Compare(ckey, d.ckeyPageTable[i].FirstCKey)
	})
	if !ok {
		return CKeyRecord{}, false
	}
	return scanCKeyPage(d.ckeyPages[pageIdx], int(d.Header.HashSizeCKey), int(d.Header.HashSizeEKey), ckey)
}

// findPage performs a binary search over n sorted page-table rows using
// cmp(i): cmp returns the sign of key compared with table[i]'s first key
// (so we want the last i where cmp(i) >= 0).
func findPage(n int, cmp func(i int) int) (int, bool) {
	if n == 0 {
		return 0, false
	}
	i := sort.Search(n, func(i int) bool { return cmp(i) < 0 })
	i--
	if i < 0 {
		return 0, false
	}
	return i, true
}

func scanCKeyPage(page []byte, ckeySize, ekeySize int, target []byte) (CKeyRecord, bool) {
	off := 0
	for off < len(page) {
		keyCount := page[off]
		if keyCount == 0 || keyCount == 0xFF {
			break // padding
		}
		recSize := 1 + 5 + ckeySize + int(keyCount)*ekeySize
		if off+recSize > len(page) {
			break
		}
		rec := page[off : off+recSize]
		fileSize := u40.DecodeBE(rec[1:6])
		ckey := rec[6 : 6+ckeySize]
		if bytes.Equal(ckey, target) {
			ekeys := make([][]byte, keyCount)
			base := 6 + ckeySize
			for i := 0; i < int(keyCount); i++ {
				ekeys[i] = append([]byte(nil), rec[base+i*ekeySize:base+(i+1)*ekeySize]...)
			}
			return CKeyRecord{
				KeyCount: keyCount,
				FileSize: fileSize,
				CKey:     append([]byte(nil), ckey...),
				EKeys:    ekeys,
			}, true
		}
		off += recSize
	}
	return CKeyRecord{}, false
}

// FindEKey returns the decoded record for ekey, or ok=false if absent.
func (d *Document) FindEKey(ekey []byte) (EKeyRecord, bool) {
	pageIdx, ok := findPage(len(d.ekeyPageTable), func(i int) int {
		return bytes.Compare(ekey, d.ekeyPageTable[i].FirstEKey)
	})
	if !ok {
		return EKeyRecord{}, false
	}
	return scanEKeyPage(d.ekeyPages[pageIdx], int(d.Header.HashSizeEKey), ekey)
}

func scanEKeyPage(page []byte, ekeySize int, target []byte) (EKeyRecord, bool) {
	recSize := ekeySize + 4 + 5
	for off := 0; off+recSize <= len(page); off += recSize {
		rec := page[off : off+recSize]
		ekey := rec[:ekeySize]
		if allFF(ekey) {
			break // padding
		}
		if bytes.Equal(ekey, target) {
			return EKeyRecord{
				EKey:     append([]byte(nil), ekey...),
				ESpecIdx: binary.BigEndian.Uint32(rec[ekeySize : ekeySize+4]),
				FileSize: u40.DecodeBE(rec[ekeySize+4:]),
			}, true
		}
	}
	return EKeyRecord{}, false
}

func allFF(b []byte) bool {
	for _, c := range b {
		if c != 0xFF {
			return false
		}
	}
	return true
}

// ESpec returns the ESpec string for idx, or "" with ok=false if idx is
// out of range.
func (d *Document) ESpec(idx uint32) (string, bool) {
	if int(idx) >= len(d.ESpecs) {
		return "", false
	}
	return d.ESpecs[idx], true
}

// FindCKeyForEKey performs the reverse lookup (spec.md §4.5 find_ckey):
// given an EKey, return the CKey of the record that lists it. There is no
// page index keyed by EKey pointing back to a CKey page, so this scans
// every CKey page's records once.
func (d *Document) FindCKeyForEKey(ekey []byte) ([]byte, bool) {
	ckeySize := int(d.Header.HashSizeCKey)
	ekeySize := int(d.Header.HashSizeEKey)
	for _, page := range d.ckeyPages {
		if ckey, ok := scanCKeyPageForEKey(page, ckeySize, ekeySize, ekey); ok {
			return ckey, true
		}
	}
	return nil, false
}

func scanCKeyPageForEKey(page []byte, ckeySize, ekeySize int, target []byte) ([]byte, bool) {
	off := 0
	for off < len(page) {
		keyCount := page[off]
		if keyCount == 0 || keyCount == 0xFF {
			break // padding
		}
		recSize := 1 + 5 + ckeySize + int(keyCount)*ekeySize
		if off+recSize > len(page) {
			break
		}
		rec := page[off : off+recSize]
		ckey := rec[6 : 6+ckeySize]
		base := 6 + ckeySize
		for i := 0; i < int(keyCount); i++ {
			ek := rec[base+i*ekeySize : base+(i+1)*ekeySize]
			if bytes.Equal(ek, target) {
				return append([]byte(nil), ckey...), true
			}
		}
		off += recSize
	}
	return nil, false
}

// BatchFindEncodings resolves many CKeys in a single sorted merge pass
// over the page table (spec.md §4.5 batch_find_encodings), rather than
// one independent binary search per key.
func (d *Document) BatchFindEncodings(ckeys [][]byte) map[string]CKeyRecord {
	out := make(map[string]CKeyRecord, len(ckeys))
	sorted := append([][]byte(nil), ckeys...)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })

	pageIdx := 0
	for _, ckey := range sorted {
		for pageIdx+1 < len(d.ckeyPageTable) && bytes.Compare(ckey, d.ckeyPageTable[pageIdx+1].FirstCKey) >= 0 {
			pageIdx++
		}
		if pageIdx >= len(d.ckeyPageTable) || bytes.Compare(ckey, d.ckeyPageTable[pageIdx].FirstCKey) < 0 {
			continue
		}
		rec, ok := scanCKeyPage(d.ckeyPages[pageIdx], int(d.Header.HashSizeCKey), int(d.Header.HashSizeEKey), ckey)
		if ok {
			out[string(ckey)] = rec
		}
	}
	return out
}

// BatchFindESpecs resolves many EKeys' ESpec strings in a single sorted
// merge pass over the EKey page table (spec.md §4.5 batch_find_especs).
func (d *Document) BatchFindESpecs(ekeys [][]byte) map[string]string {
	out := make(map[string]string, len(ekeys))
	sorted := append([][]byte(nil), ekeys...)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })

	pageIdx := 0
	for _, ekey := range sorted {
		for pageIdx+1 < len(d.ekeyPageTable) && bytes.Compare(ekey, d.ekeyPageTable[pageIdx+1].FirstEKey) >= 0 {
			pageIdx++
		}
		if pageIdx >= len(d.ekeyPageTable) || bytes.Compare(ekey, d.ekeyPageTable[pageIdx].FirstEKey) < 0 {
			continue
		}
		rec, ok := scanEKeyPage(d.ekeyPages[pageIdx], int(d.Header.HashSizeEKey), ekey)
		if !ok {
			continue
		}
		if spec, ok := d.ESpec(rec.ESpecIdx); ok {
			out[string(ekey)] = spec
		}
	}
	return out
}

// Write serializes the Encoding manifest back to its binary wire form.
// Because Parse retains each page's raw validated bytes verbatim, Write
// reassembles them rather than re-deriving page contents, so Write(Parse(b))
// reproduces b exactly.
func (d *Document) Write() ([]byte, error) {
	var buf bytes.Buffer

	specBlock := make([]byte, d.Header.ESpecBlockSize)
	o := 0
	for _, s := range d.ESpecs {
		if o+len(s)+1 > len(specBlock) {
			return nil, fmt.Errorf("%w: espec block overflow", ngdperr.ErrMalformedHeader)
		}
		copy(specBlock[o:], s)
		o += len(s) + 1
	}

	header := make([]byte, headerSize)
	header[0], header[1] = 'E', 'N'
	header[2] = d.Header.Version
	header[3] = d.Header.HashSizeCKey
	header[4] = d.Header.HashSizeEKey
	binary.BigEndian.PutUint16(header[5:7], d.Header.CKeyPageSizeKB)
	binary.BigEndian.PutUint16(header[7:9], d.Header.EKeyPageSizeKB)
	binary.BigEndian.PutUint32(header[9:13], d.Header.CKeyPageCount)
	binary.BigEndian.PutUint32(header[13:17], d.Header.EKeyPageCount)
	binary.BigEndian.PutUint32(header[18:22], d.Header.ESpecBlockSize)

	buf.Write(header)
	buf.Write(specBlock)

	ckeyEntrySize := int(d.Header.HashSizeCKey) + 16
	for _, e := range d.ckeyPageTable {
		rec := make([]byte, ckeyEntrySize)
		copy(rec, e.FirstCKey)
		copy(rec[d.Header.HashSizeCKey:], e.PageMD5[:])
		buf.Write(rec)
	}
	for _, p := range d.ckeyPages {
		buf.Write(p)
	}

	ekeyEntrySize := int(d.Header.HashSizeEKey) + 16
	for _, e := range d.ekeyPageTable {
		rec := make([]byte, ekeyEntrySize)
		copy(rec, e.FirstEKey)
		copy(rec[d.Header.HashSizeEKey:], e.PageMD5[:])
		buf.Write(rec)
	}
	for _, p := range d.ekeyPages {
		buf.Write(p)
	}

	return buf.Bytes(), nil
}
