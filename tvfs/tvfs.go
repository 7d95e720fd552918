// Package tvfs implements the TVFS (TACT Virtual File System) manifest: a
// packed path trie over a VFS table of content spans and a CFT (content
// file table) of EKeys, used to resolve a logical install path straight to
// the EKey(s) backing it without consulting Root (spec.md §5.6).
//
// Grounded on manifest/root's block-parsing style for the flat tables, and
// on bpsv's approach of building one explicit Parse entry point that
// returns a queryable Document rather than exposing raw offsets.
package tvfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/wowemulation-dev/ngdp-go/internal/ngdperr"
)

const magic = "TVFS"

// FlagIncludeCEKeyOffset marks that the header carries an EST (estimated
// size table) region after the CFT table.
const FlagIncludeCEKeyOffset uint32 = 0x1

// FlagLowercase marks that path components in the trie are stored
// lowercased, so resolution must lowercase the lookup path to match.
const FlagLowercase uint32 = 0x2

// Header is the fixed TVFS manifest header.
type Header struct {
	FormatVersion  uint8
	HeaderSize     uint8
	EKeySize       uint8
	PatchKeySize   uint8
	Flags          uint32
	PathTableOff   uint32
	PathTableSize  uint32
	VFSTableOff    uint32
	VFSTableSize   uint32
	CFTTableOff    uint32
	CFTTableSize   uint32
	ESTTableOff    uint32
	ESTTableSize   uint32
}

// VFSEntry is one fixed-size entry of the VFS table: a content span
// (offset, size) into the logical content stream, plus the CFT index
// providing its EKey.
type VFSEntry struct {
	Offset   uint32
	Size     uint32
	CFTIndex uint32
	Flags    uint16
}

const vfsEntrySize = 22

// Resolution is what resolve(path) returns: the EKey backing the path and
// its declared content size.
type Resolution struct {
	EKey []byte
	Size uint32
}

// Document is a fully parsed TVFS manifest.
type Document struct {
	Header Header
	cft    [][]byte // EKeys, ekeySize each
	vfs    []VFSEntry
	pathTable []byte
	estTable  []byte
}

// Parse decodes a TVFS manifest.
func Parse(data []byte) (*Document, error) {
	if len(data) < 36 {
		return nil, fmt.Errorf("%w: tvfs header", ngdperr.ErrTruncatedData)
	}
	if string(data[:4]) != magic {
		return nil, fmt.Errorf("%w: expected %q", ngdperr.ErrInvalidMagic, magic)
	}
	h := Header{
		FormatVersion: data[4],
		HeaderSize:    data[5],
		EKeySize:      data[6],
		PatchKeySize:  data[7],
		Flags:         binary.BigEndian.Uint32(data[8:12]),
		PathTableOff:  binary.BigEndian.Uint32(data[12:16]),
		PathTableSize: binary.BigEndian.Uint32(data[16:20]),
		VFSTableOff:   binary.BigEndian.Uint32(data[20:24]),
		VFSTableSize:  binary.BigEndian.Uint32(data[24:28]),
		CFTTableOff:   binary.BigEndian.Uint32(data[28:32]),
		CFTTableSize:  binary.BigEndian.Uint32(data[32:36]),
	}
	off := 36
	var estTable []byte
	if h.Flags&FlagIncludeCEKeyOffset != 0 {
		if len(data) < off+8 {
			return nil, fmt.Errorf("%w: tvfs est header", ngdperr.ErrTruncatedData)
		}
		h.ESTTableOff = binary.BigEndian.Uint32(data[off : off+4])
		h.ESTTableSize = binary.BigEndian.Uint32(data[off+4 : off+8])
		if int(h.ESTTableOff+h.ESTTableSize) > len(data) {
			return nil, fmt.Errorf("%w: tvfs est table", ngdperr.ErrTruncatedData)
		}
		estTable = append([]byte(nil), data[h.ESTTableOff:h.ESTTableOff+h.ESTTableSize]...)
	}

	if int(h.PathTableOff+h.PathTableSize) > len(data) {
		return nil, fmt.Errorf("%w: tvfs path table", ngdperr.ErrTruncatedData)
	}
	pathTable := data[h.PathTableOff : h.PathTableOff+h.PathTableSize]

	if int(h.VFSTableOff+h.VFSTableSize) > len(data) {
		return nil, fmt.Errorf("%w: tvfs vfs table", ngdperr.ErrTruncatedData)
	}
	vfsRaw := data[h.VFSTableOff : h.VFSTableOff+h.VFSTableSize]
	if len(vfsRaw)%vfsEntrySize != 0 {
		return nil, fmt.Errorf("%w: tvfs vfs table size not a multiple of %d", ngdperr.ErrMalformedHeader, vfsEntrySize)
	}
	vfs := make([]VFSEntry, len(vfsRaw)/vfsEntrySize)
	for i := range vfs {
		e := vfsRaw[i*vfsEntrySize : (i+1)*vfsEntrySize]
		vfs[i] = VFSEntry{
			Offset:   binary.BigEndian.Uint32(e[0:4]),
			Size:     binary.BigEndian.Uint32(e[4:8]),
			CFTIndex: binary.BigEndian.Uint32(e[8:12]),
			Flags:    binary.BigEndian.Uint16(e[12:14]),
		}
	}

	if int(h.CFTTableOff+h.CFTTableSize) > len(data) {
		return nil, fmt.Errorf("%w: tvfs cft table", ngdperr.ErrTruncatedData)
	}
	cftRaw := data[h.CFTTableOff : h.CFTTableOff+h.CFTTableSize]
	ekeySize := int(h.EKeySize)
	if ekeySize == 0 || len(cftRaw)%ekeySize != 0 {
		return nil, fmt.Errorf("%w: tvfs cft table size not a multiple of ekey_size", ngdperr.ErrMalformedHeader)
	}
	cft := make([][]byte, len(cftRaw)/ekeySize)
	for i := range cft {
		cft[i] = append([]byte(nil), cftRaw[i*ekeySize:(i+1)*ekeySize]...)
	}

	return &Document{Header: h, cft: cft, vfs: vfs, pathTable: pathTable, estTable: estTable}, nil
}

// Write serializes the TVFS manifest back to its binary wire form,
// laying out path table, VFS table, CFT table (and EST table, if present)
// contiguously after the header in that order and recomputing the
// header's offset/size fields to match.
func (d *Document) Write() ([]byte, error) {
	headerLen := 36
	if d.Header.Flags&FlagIncludeCEKeyOffset != 0 {
		headerLen += 8
	}

	pathOff := uint32(headerLen)
	vfsOff := pathOff + uint32(len(d.pathTable))

	var vfsBuf bytes.Buffer
	for _, e := range d.vfs {
		var rec [vfsEntrySize]byte
		binary.BigEndian.PutUint32(rec[0:4], e.Offset)
		binary.BigEndian.PutUint32(rec[4:8], e.Size)
		binary.BigEndian.PutUint32(rec[8:12], e.CFTIndex)
		binary.BigEndian.PutUint16(rec[12:14], e.Flags)
		vfsBuf.Write(rec[:])
	}

	cftOff := vfsOff + uint32(vfsBuf.Len())
	ekeySize := int(d.Header.EKeySize)
	var cftBuf bytes.Buffer
	for _, k := range d.cft {
		if len(k) != ekeySize {
			return nil, fmt.Errorf("%w: tvfs cft entry length mismatch", ngdperr.ErrMalformedHeader)
		}
		cftBuf.Write(k)
	}

	estOff := cftOff + uint32(cftBuf.Len())

	header := make([]byte, headerLen)
	copy(header[0:4], magic)
	header[4] = d.Header.FormatVersion
	header[5] = d.Header.HeaderSize
	header[6] = d.Header.EKeySize
	header[7] = d.Header.PatchKeySize
	binary.BigEndian.PutUint32(header[8:12], d.Header.Flags)
	binary.BigEndian.PutUint32(header[12:16], pathOff)
	binary.BigEndian.PutUint32(header[16:20], uint32(len(d.pathTable)))
	binary.BigEndian.PutUint32(header[20:24], vfsOff)
	binary.BigEndian.PutUint32(header[24:28], uint32(vfsBuf.Len()))
	binary.BigEndian.PutUint32(header[28:32], cftOff)
	binary.BigEndian.PutUint32(header[32:36], uint32(cftBuf.Len()))
	if d.Header.Flags&FlagIncludeCEKeyOffset != 0 {
		binary.BigEndian.PutUint32(header[36:40], estOff)
		binary.BigEndian.PutUint32(header[40:44], uint32(len(d.estTable)))
	}

	var buf bytes.Buffer
	buf.Write(header)
	buf.Write(d.pathTable)
	buf.Write(vfsBuf.Bytes())
	buf.Write(cftBuf.Bytes())
	if d.Header.Flags&FlagIncludeCEKeyOffset != 0 {
		buf.Write(d.estTable)
	}
	return buf.Bytes(), nil
}

// pathNode control-byte conventions for the packed trie: a directory node's
// control byte is its child count (1-127); a file node's control byte has
// the high bit set and its low 7 bits are the VFS-index count.
const fileNodeBit = 0x80

// Resolve walks the path trie for the given "/"-separated logical path and
// returns the EKey/size backing it.
func (d *Document) Resolve(path string) (Resolution, error) {
	path = strings.Trim(path, "/")
	if d.Header.Flags&FlagLowercase != 0 {
		path = strings.ToLower(path)
	}
	components := strings.Split(path, "/")

	off := 0
	for _, comp := range components {
		next, err := d.findChild(off, comp)
		if err != nil {
			return Resolution{}, err
		}
		off = next
	}
	return d.readFileNode(off)
}

// findChild scans the directory node at off for a child named comp and
// returns the byte offset of its node.
func (d *Document) findChild(off int, comp string) (int, error) {
	if off >= len(d.pathTable) {
		return 0, fmt.Errorf("%w: tvfs path offset out of range", ngdperr.ErrMalformedHeader)
	}
	control := d.pathTable[off]
	if control&fileNodeBit != 0 {
		return 0, fmt.Errorf("%w: expected directory node, found file node", ngdperr.ErrMalformedHeader)
	}
	childCount := int(control)
	cursor := off + 1
	for i := 0; i < childCount; i++ {
		if cursor >= len(d.pathTable) {
			return 0, fmt.Errorf("%w: tvfs truncated directory entry", ngdperr.ErrTruncatedData)
		}
		nameLen := int(d.pathTable[cursor])
		cursor++
		if cursor+nameLen+4 > len(d.pathTable) {
			return 0, fmt.Errorf("%w: tvfs truncated directory entry", ngdperr.ErrTruncatedData)
		}
		name := string(d.pathTable[cursor : cursor+nameLen])
		cursor += nameLen
		childOff := binary.BigEndian.Uint32(d.pathTable[cursor : cursor+4])
		cursor += 4
		if name == comp {
			return int(childOff), nil
		}
	}
	return 0, fmt.Errorf("%w: path component %q not found", ngdperr.ErrKeyNotInKMT, comp)
}

// readFileNode reads the VFS-index list at a file node and resolves it to
// the backing EKey/size via the CFT.
func (d *Document) readFileNode(off int) (Resolution, error) {
	if off >= len(d.pathTable) {
		return Resolution{}, fmt.Errorf("%w: tvfs path offset out of range", ngdperr.ErrMalformedHeader)
	}
	control := d.pathTable[off]
	if control&fileNodeBit == 0 {
		return Resolution{}, fmt.Errorf("%w: expected file node, found directory node", ngdperr.ErrMalformedHeader)
	}
	count := int(control &^ fileNodeBit)
	if count == 0 {
		return Resolution{}, fmt.Errorf("%w: empty file node", ngdperr.ErrMalformedHeader)
	}
	cursor := off + 1
	if cursor+4 > len(d.pathTable) {
		return Resolution{}, fmt.Errorf("%w: tvfs truncated file node", ngdperr.ErrTruncatedData)
	}
	vfsIdx := binary.BigEndian.Uint32(d.pathTable[cursor : cursor+4])
	if int(vfsIdx) >= len(d.vfs) {
		return Resolution{}, fmt.Errorf("%w: vfs index %d out of range", ngdperr.ErrMalformedHeader, vfsIdx)
	}
	entry := d.vfs[vfsIdx]
	if int(entry.CFTIndex) >= len(d.cft) {
		return Resolution{}, fmt.Errorf("%w: cft index %d out of range", ngdperr.ErrMalformedHeader, entry.CFTIndex)
	}
	return Resolution{EKey: d.cft[entry.CFTIndex], Size: entry.Size}, nil
}
