// Package install parses the Install manifest: a flat, tagged file list
// (CKey, size, plus a per-tag inclusion bitmask) used to decide which files
// a given locale/platform install needs (spec.md §5.3).
//
// Grounded on manifest/encoding's header-then-table parsing shape; the tag
// bitmask decode follows the same "one bit per entry, MSB-first within each
// byte" convention the teacher's deprecated/compactindex36 build code uses
// for its own bitmask scratch buffers.
package install

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/wowemulation-dev/ngdp-go/internal/ngdperr"
)

// Tag is one named, typed boolean column (e.g. a locale or platform) with
// one bit per manifest entry.
type Tag struct {
	Name string
	Type uint16
	bits []byte
}

// Has reports whether the tag is set for entry index i.
func (t Tag) Has(i int) bool {
	byteIdx := i / 8
	if byteIdx >= len(t.bits) {
		return false
	}
	return t.bits[byteIdx]&(0x80>>uint(i%8)) != 0
}

// Entry is one file entry: its name, CKey, and size.
type Entry struct {
	Name string
	CKey []byte
	Size uint32
}

// Document is a fully parsed Install manifest.
type Document struct {
	Version  uint8
	HashSize uint8
	Tags     []Tag
	Entries  []Entry
}

// Parse decodes an Install manifest: magic "IN", version, hash_size,
// num_tags (u16 BE), num_entries (u32 BE), then num_tags tag headers
// (null-terminated name, type u16 BE, ceil(num_entries/8)-byte bitmask),
// then num_entries entries (null-terminated name, ckey[hash_size], size
// u32 BE).
func Parse(data []byte) (*Document, error) {
	if len(data) < 10 {
		return nil, fmt.Errorf("%w: install header", ngdperr.ErrTruncatedData)
	}
	if data[0] != 'I' || data[1] != 'N' {
		return nil, fmt.Errorf("%w: expected 'IN'", ngdperr.ErrInvalidMagic)
	}
	version := data[2]
	hashSize := data[3]
	numTags := binary.BigEndian.Uint16(data[4:6])
	numEntries := binary.BigEndian.Uint32(data[6:10])
	off := 10

	bitmaskLen := int(numEntries+7) / 8
	tags := make([]Tag, numTags)
	for i := range tags {
		name, n, err := readCString(data[off:])
		if err != nil {
			return nil, fmt.Errorf("%w: tag %d name", ngdperr.ErrTruncatedData, i)
		}
		off += n
		if off+2+bitmaskLen > len(data) {
			return nil, fmt.Errorf("%w: tag %d body", ngdperr.ErrTruncatedData, i)
		}
		typ := binary.BigEndian.Uint16(data[off : off+2])
		off += 2
		bits := append([]byte(nil), data[off:off+bitmaskLen]...)
		off += bitmaskLen
		tags[i] = Tag{Name: name, Type: typ, bits: bits}
	}

	entries := make([]Entry, numEntries)
	for i := range entries {
		name, n, err := readCString(data[off:])
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d name", ngdperr.ErrTruncatedData, i)
		}
		off += n
		if off+int(hashSize)+4 > len(data) {
			return nil, fmt.Errorf("%w: entry %d body", ngdperr.ErrTruncatedData, i)
		}
		ckey := append([]byte(nil), data[off:off+int(hashSize)]...)
		off += int(hashSize)
		size := binary.BigEndian.Uint32(data[off : off+4])
		off += 4
		entries[i] = Entry{Name: name, CKey: ckey, Size: size}
	}

	return &Document{Version: version, HashSize: hashSize, Tags: tags, Entries: entries}, nil
}

func readCString(b []byte) (string, int, error) {
	idx := bytes.IndexByte(b, 0)
	if idx < 0 {
		return "", 0, fmt.Errorf("%w: unterminated string", ngdperr.ErrTruncatedData)
	}
	return string(b[:idx]), idx + 1, nil
}

// Write serializes the Install manifest back to its binary wire form.
func (d *Document) Write() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('I')
	buf.WriteByte('N')
	buf.WriteByte(d.Version)
	buf.WriteByte(d.HashSize)

	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], uint16(len(d.Tags)))
	buf.Write(u16[:])
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(len(d.Entries)))
	buf.Write(u32[:])

	bitmaskLen := (len(d.Entries) + 7) / 8
	for _, t := range d.Tags {
		if len(t.bits) != bitmaskLen {
			return nil, fmt.Errorf("%w: tag %q bitmask length mismatch", ngdperr.ErrMalformedHeader, t.Name)
		}
		buf.WriteString(t.Name)
		buf.WriteByte(0)
		binary.BigEndian.PutUint16(u16[:], t.Type)
		buf.Write(u16[:])
		buf.Write(t.bits)
	}

	for _, e := range d.Entries {
		if len(e.CKey) != int(d.HashSize) {
			return nil, fmt.Errorf("%w: entry %q ckey length mismatch", ngdperr.ErrMalformedHeader, e.Name)
		}
		buf.WriteString(e.Name)
		buf.WriteByte(0)
		buf.Write(e.CKey)
		binary.BigEndian.PutUint32(u32[:], e.Size)
		buf.Write(u32[:])
	}

	return buf.Bytes(), nil
}

// EntriesForTag returns the entries selected by tag name, or nil if the tag
// doesn't exist.
func (d *Document) EntriesForTag(name string) []Entry {
	for _, t := range d.Tags {
		if t.Name != name {
			continue
		}
		var out []Entry
		for i, e := range d.Entries {
			if t.Has(i) {
				out = append(out, e)
			}
		}
		return out
	}
	return nil
}
