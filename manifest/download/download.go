// Package download parses the Download manifest: the prioritized file list
// background downloaders walk, with per-entry priority and an optional
// per-entry checksum (spec.md §5.4). Versions 1-3 share a core layout;
// version 2 adds the checksum flag and version 3 a base priority field.
//
// Grounded on manifest/install's tag/bitmask decode (download tags use the
// identical bitmask convention) and internal/u40 for the 40-bit file sizes
// shared with the Encoding manifest.
package download

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/wowemulation-dev/ngdp-go/internal/ngdperr"
	"github.com/wowemulation-dev/ngdp-go/internal/u40"
)

// Tag mirrors manifest/install.Tag: a named boolean column over entries.
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

// Entry is one downloadable file.
type Entry struct {
	EKey     []byte
	FileSize uint64
	Priority int8
	Checksum uint32 // zero unless HasChecksum
}

// Document is a fully parsed Download manifest.
type Document struct {
	Version        uint8
	HashSize       uint8
	HasChecksum    bool
	BasePriority   int8
	Entries        []Entry
	Tags           []Tag
}

// Parse decodes a Download manifest: magic "DL", version, hash_size,
// has_checksum_in_entry (version >= 2), num_entries (u32 BE), num_tags
// (u16 BE), base_priority (version >= 3), then entries
// (ekey[hash_size], file_size u40 BE, priority i8, [checksum u32 BE]),
// then tags (same layout as manifest/install).
func Parse(data []byte) (*Document, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: download header", ngdperr.ErrTruncatedData)
	}
	if data[0] != 'D' || data[1] != 'L' {
		return nil, fmt.Errorf("%w: expected 'DL'", ngdperr.ErrInvalidMagic)
	}
	version := data[2]
	hashSize := data[3]
	off := 4

	var hasChecksum bool
	if version >= 2 {
		hasChecksum = data[off] != 0
		off++
	}

	if off+6 > len(data) {
		return nil, fmt.Errorf("%w: download counts", ngdperr.ErrTruncatedData)
	}
	numEntries := binary.BigEndian.Uint32(data[off : off+4])
	numTags := binary.BigEndian.Uint16(data[off+4 : off+6])
	off += 6

	var basePriority int8
	if version >= 3 {
		if off >= len(data) {
			return nil, fmt.Errorf("%w: base_priority", ngdperr.ErrTruncatedData)
		}
		basePriority = int8(data[off])
		off++
	}

	entrySize := int(hashSize) + 5 + 1
	if hasChecksum {
		entrySize += 4
	}

	entries := make([]Entry, numEntries)
	for i := range entries {
		if off+entrySize > len(data) {
			return nil, fmt.Errorf("%w: entry %d", ngdperr.ErrTruncatedData, i)
		}
		rec := data[off : off+entrySize]
		entries[i].EKey = append([]byte(nil), rec[:hashSize]...)
		entries[i].FileSize = u40.DecodeBE(rec[hashSize : hashSize+5])
		entries[i].Priority = int8(rec[hashSize+5])
		if hasChecksum {
			entries[i].Checksum = binary.BigEndian.Uint32(rec[hashSize+6 : hashSize+10])
		}
		off += entrySize
	}

	bitmaskLen := int(numEntries+7) / 8
	tags := make([]Tag, numTags)
	for i := range tags {
		idx := off
		end := idx
		for end < len(data) && data[end] != 0 {
			end++
		}
		if end >= len(data) {
			return nil, fmt.Errorf("%w: tag %d name", ngdperr.ErrTruncatedData, i)
		}
		name := string(data[idx:end])
		off = end + 1
		if off+2+bitmaskLen > len(data) {
			return nil, fmt.Errorf("%w: tag %d body", ngdperr.ErrTruncatedData, i)
		}
		typ := binary.BigEndian.Uint16(data[off : off+2])
		off += 2
		bits := append([]byte(nil), data[off:off+bitmaskLen]...)
		off += bitmaskLen
		tags[i] = Tag{Name: name, Type: typ, bits: bits}
	}

	return &Document{
		Version:      version,
		HashSize:     hashSize,
		HasChecksum:  hasChecksum,
		BasePriority: basePriority,
		Entries:      entries,
		Tags:         tags,
	}, nil
}

// Write serializes the Download manifest back to its binary wire form.
func (d *Document) Write() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('D')
	buf.WriteByte('L')
	buf.WriteByte(d.Version)
	buf.WriteByte(d.HashSize)

	if d.Version >= 2 {
		if d.HasChecksum {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	}

	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(len(d.Entries)))
	buf.Write(u32[:])
	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], uint16(len(d.Tags)))
	buf.Write(u16[:])

	if d.Version >= 3 {
		buf.WriteByte(byte(d.BasePriority))
	}

	for _, e := range d.Entries {
		if len(e.EKey) != int(d.HashSize) {
			return nil, fmt.Errorf("%w: entry ekey length mismatch", ngdperr.ErrMalformedHeader)
		}
		buf.Write(e.EKey)
		var sz [5]byte
		u40.EncodeBE(sz[:], e.FileSize)
		buf.Write(sz[:])
		buf.WriteByte(byte(e.Priority))
		if d.HasChecksum {
			binary.BigEndian.PutUint32(u32[:], e.Checksum)
			buf.Write(u32[:])
		}
	}

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
