// Package root parses the Root manifest: the table mapping FileDataID to
// content key (CKey), partitioned into blocks by content/locale flags, with
// an optional name-hash lookup (spec.md §5.2). Root comes in a legacy
// (unversioned, absolute FileDataID) form and a "MFST"-magic versioned form
// (v2-v4) that delta-encodes FileDataIDs within each block.
//
// Grounded on internal/fdid for the delta-FileDataID decode (itself
// modeled on the teacher's varint-delta patterns in the CAR index code)
// and on manifest/encoding's page-scan style for block iteration.
package root

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/wowemulation-dev/ngdp-go/internal/fdid"
	"github.com/wowemulation-dev/ngdp-go/internal/ngdperr"
)

// ContentFlags is the per-block content-type bitmask.
type ContentFlags uint32

// LocaleFlags is the per-block locale bitmask.
type LocaleFlags uint32

const (
	LocaleAll LocaleFlags = 0xFFFFFFFF

	ContentFlagSkipNameHash ContentFlags = 0x10000000
)

// Record is one file's entry: its FileDataID, content key, and (when the
// owning block doesn't set ContentFlagSkipNameHash) Jenkins3 name hash.
type Record struct {
	FileDataID uint32
	CKey       []byte
	NameHash   uint64
	HasName    bool
}

// Block is one content/locale-flagged partition of the Root manifest.
type Block struct {
	ContentFlags ContentFlags
	LocaleFlags  LocaleFlags
	Records      []Record
}

// Document is a fully parsed Root manifest.
type Document struct {
	Version int // 1 (legacy) or 2-4 (MFST)
	Blocks  []Block

	byFileDataID map[uint32][]Record
	byNameHash   map[uint64]Record
}

var magic = [4]byte{'M', 'F', 'S', 'T'}

// Parse auto-detects the legacy vs. MFST-magic layout and decodes
// accordingly.
func Parse(data []byte) (*Document, error) {
	if len(data) >= 4 && data[0] == magic[0] && data[1] == magic[1] && data[2] == magic[2] && data[3] == magic[3] {
		return parseVersioned(data)
	}
	return parseLegacy(data)
}

// parseVersioned decodes the MFST-magic form shared by v2-v4: a 4-byte
// magic, header_size (u32 LE), a version field (u32 LE) when header_size
// exceeds 8, then total_file_count and named_file_count (u32 LE each)
// starting at byte offset header_size, followed by one or more
// blocks of {num_records u32 LE, content_flags u32 LE, locale_flags u32 LE,
// fdid deltas, ckeys, optional name hashes}.
func parseVersioned(data []byte) (*Document, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("%w: root header", ngdperr.ErrTruncatedData)
	}
	headerSize := binary.LittleEndian.Uint32(data[4:8])
	version := 2
	off := 8
	if headerSize >= 8 {
		// v3+ header carries an explicit version field before the two
		// counts; v2's header_size of exactly 8 has no version field.
		if headerSize > 8 {
			version = int(binary.LittleEndian.Uint32(data[8:12]))
			off = int(headerSize)
		} else {
			off = int(headerSize)
		}
	}
	if off+8 > len(data) {
		return nil, fmt.Errorf("%w: root counts", ngdperr.ErrTruncatedData)
	}
	_ = binary.LittleEndian.Uint32(data[off:])      // total_file_count, informational
	_ = binary.LittleEndian.Uint32(data[off+4:])    // named_file_count, informational
	off += 8

	doc := &Document{Version: version, byFileDataID: map[uint32][]Record{}, byNameHash: map[uint64]Record{}}

	for off < len(data) {
		if off+12 > len(data) {
			return nil, fmt.Errorf("%w: root block header", ngdperr.ErrTruncatedData)
		}
		numRecords := binary.LittleEndian.Uint32(data[off:])
		contentFlags := ContentFlags(binary.LittleEndian.Uint32(data[off+4:]))
		localeFlags := LocaleFlags(binary.LittleEndian.Uint32(data[off+8:]))
		off += 12

		ids, n := fdid.DecodeDeltas(data[off:], ^uint32(0), int(numRecords))
		off += n

		hasName := contentFlags&ContentFlagSkipNameHash == 0

		block := Block{ContentFlags: contentFlags, LocaleFlags: localeFlags}
		ckeyStart := off
		ckeySize := 16
		off += ckeySize * len(ids)
		if off > len(data) {
			return nil, fmt.Errorf("%w: root ckeys", ngdperr.ErrTruncatedData)
		}

		var nameHashes []uint64
		if hasName {
			if off+8*len(ids) > len(data) {
				return nil, fmt.Errorf("%w: root name hashes", ngdperr.ErrTruncatedData)
			}
			nameHashes = make([]uint64, len(ids))
			for i := range nameHashes {
				nameHashes[i] = binary.LittleEndian.Uint64(data[off+i*8:])
			}
			off += 8 * len(ids)
		}

		for i, id := range ids {
			ckey := append([]byte(nil), data[ckeyStart+i*ckeySize:ckeyStart+(i+1)*ckeySize]...)
			rec := Record{FileDataID: id, CKey: ckey, HasName: hasName}
			if hasName {
				rec.NameHash = nameHashes[i]
			}
			block.Records = append(block.Records, rec)
			doc.byFileDataID[id] = append(doc.byFileDataID[id], rec)
			if hasName {
				doc.byNameHash[rec.NameHash] = rec
			}
		}
		doc.Blocks = append(doc.Blocks, block)
	}
	return doc, nil
}

// parseLegacy decodes the unversioned v1 layout: blocks of
// {num_records u32 LE, content_flags u32 LE, locale_flags u32 LE}, then
// num_records absolute FileDataIDs (u32 LE), then num_records (ckey[16],
// name_hash[8]) pairs.
func parseLegacy(data []byte) (*Document, error) {
	doc := &Document{Version: 1, byFileDataID: map[uint32][]Record{}, byNameHash: map[uint64]Record{}}
	off := 0
	for off < len(data) {
		if off+12 > len(data) {
			return nil, fmt.Errorf("%w: root block header", ngdperr.ErrTruncatedData)
		}
		numRecords := int(binary.LittleEndian.Uint32(data[off:]))
		contentFlags := ContentFlags(binary.LittleEndian.Uint32(data[off+4:]))
		localeFlags := LocaleFlags(binary.LittleEndian.Uint32(data[off+8:]))
		off += 12

		if off+4*numRecords > len(data) {
			return nil, fmt.Errorf("%w: root fdids", ngdperr.ErrTruncatedData)
		}
		ids := make([]uint32, numRecords)
		for i := range ids {
			ids[i] = binary.LittleEndian.Uint32(data[off+i*4:])
		}
		off += 4 * numRecords

		block := Block{ContentFlags: contentFlags, LocaleFlags: localeFlags}
		for _, id := range ids {
			if off+24 > len(data) {
				return nil, fmt.Errorf("%w: root record", ngdperr.ErrTruncatedData)
			}
			ckey := append([]byte(nil), data[off:off+16]...)
			nameHash := binary.LittleEndian.Uint64(data[off+16 : off+24])
			off += 24

			rec := Record{FileDataID: id, CKey: ckey, NameHash: nameHash, HasName: true}
			block.Records = append(block.Records, rec)
			doc.byFileDataID[id] = append(doc.byFileDataID[id], rec)
			doc.byNameHash[nameHash] = rec
		}
		doc.Blocks = append(doc.Blocks, block)
	}
	return doc, nil
}

// Write serializes the Root manifest back to its binary wire form: the
// legacy layout for Version 1, the MFST-magic layout (with an explicit
// version field for v3+) otherwise.
func (d *Document) Write() ([]byte, error) {
	if d.Version == 1 {
		return d.writeLegacy(), nil
	}
	return d.writeVersioned()
}

func putU32LE(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func (d *Document) writeLegacy() []byte {
	var buf bytes.Buffer
	for _, b := range d.Blocks {
		putU32LE(&buf, uint32(len(b.Records)))
		putU32LE(&buf, uint32(b.ContentFlags))
		putU32LE(&buf, uint32(b.LocaleFlags))
		for _, r := range b.Records {
			putU32LE(&buf, r.FileDataID)
		}
		for _, r := range b.Records {
			buf.Write(r.CKey)
			var nh [8]byte
			binary.LittleEndian.PutUint64(nh[:], r.NameHash)
			buf.Write(nh[:])
		}
	}
	return buf.Bytes()
}

// writeVersioned reconstructs the MFST header using the canonical
// header_size for the document's version: 8 (no explicit version field)
// for v2, 12 (version field present) for v3+. Document doesn't retain the
// exact header_size a given input used, so this picks the canonical one
// for the version rather than reproducing an unusual original byte-for-byte.
func (d *Document) writeVersioned() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("MFST")

	headerSize := uint32(8)
	if d.Version >= 3 {
		headerSize = 12
	}
	putU32LE(&buf, headerSize)
	if d.Version >= 3 {
		putU32LE(&buf, uint32(d.Version))
	}

	var totalFileCount, namedFileCount int
	for _, b := range d.Blocks {
		totalFileCount += len(b.Records)
		if b.ContentFlags&ContentFlagSkipNameHash == 0 {
			namedFileCount += len(b.Records)
		}
	}
	putU32LE(&buf, uint32(totalFileCount))
	putU32LE(&buf, uint32(namedFileCount))

	for _, b := range d.Blocks {
		putU32LE(&buf, uint32(len(b.Records)))
		putU32LE(&buf, uint32(b.ContentFlags))
		putU32LE(&buf, uint32(b.LocaleFlags))

		ids := make([]uint32, len(b.Records))
		for i, r := range b.Records {
			ids[i] = r.FileDataID
		}
		buf.Write(fdid.EncodeDeltas(nil, ^uint32(0), ids))

		for _, r := range b.Records {
			buf.Write(r.CKey)
		}
		if b.ContentFlags&ContentFlagSkipNameHash == 0 {
			for _, r := range b.Records {
				var nh [8]byte
				binary.LittleEndian.PutUint64(nh[:], r.NameHash)
				buf.Write(nh[:])
			}
		}
	}
	return buf.Bytes(), nil
}

// ByFileDataID returns all records (across locale variants) for id.
func (d *Document) ByFileDataID(id uint32) []Record { return d.byFileDataID[id] }

// ByNameHash returns the record matching a Jenkins3 name hash.
func (d *Document) ByNameHash(hash uint64) (Record, bool) {
	r, ok := d.byNameHash[hash]
	return r, ok
}
