// Package size parses the Size manifest: the compact table of installed
// on-disk sizes per EKey, used to estimate install footprint without
// touching the archive store (spec.md §5.5).
//
// Grounded on manifest/download's entry-then-tags layout, simplified: Size
// carries no priority, checksum, or per-entry name, just an EKey and a
// 32-bit install size.
package size

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/wowemulation-dev/ngdp-go/internal/ngdperr"
)

// Entry is one EKey's installed size.
type Entry struct {
	EKey         []byte
	InstalledSize uint32
}

// Tag mirrors manifest/download.Tag.
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

// Document is a fully parsed Size manifest.
type Document struct {
	Version  uint8
	HashSize uint8
	Entries  []Entry
	Tags     []Tag
}

// Parse decodes a Size manifest: magic "DS", version, hash_size, num_tags
// (u16 BE), num_entries (u32 BE), entries (ekey[hash_size], size u32 BE),
// then num_tags tags (same layout as manifest/download), read for any
// version.
func Parse(data []byte) (*Document, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: size header", ngdperr.ErrTruncatedData)
	}
	if data[0] != 'D' || data[1] != 'S' {
		return nil, fmt.Errorf("%w: expected 'DS'", ngdperr.ErrInvalidMagic)
	}
	version := data[2]
	hashSize := data[3]
	numTags := binary.BigEndian.Uint16(data[4:6])
	numEntries := binary.BigEndian.Uint32(data[6:10])
	off := 10

	entrySize := int(hashSize) + 4
	entries := make([]Entry, numEntries)
	for i := range entries {
		if off+entrySize > len(data) {
			return nil, fmt.Errorf("%w: entry %d", ngdperr.ErrTruncatedData, i)
		}
		rec := data[off : off+entrySize]
		entries[i].EKey = append([]byte(nil), rec[:hashSize]...)
		entries[i].InstalledSize = binary.BigEndian.Uint32(rec[hashSize:])
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

	return &Document{Version: version, HashSize: hashSize, Entries: entries, Tags: tags}, nil
}

// Write serializes the Size manifest back to its binary wire form.
func (d *Document) Write() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('D')
	buf.WriteByte('S')
	buf.WriteByte(d.Version)
	buf.WriteByte(d.HashSize)

	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], uint16(len(d.Tags)))
	buf.Write(u16[:])
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(len(d.Entries)))
	buf.Write(u32[:])

	for _, e := range d.Entries {
		if len(e.EKey) != int(d.HashSize) {
			return nil, fmt.Errorf("%w: entry ekey length mismatch", ngdperr.ErrMalformedHeader)
		}
		buf.Write(e.EKey)
		binary.BigEndian.PutUint32(u32[:], e.InstalledSize)
		buf.Write(u32[:])
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

// Total returns the sum of installed sizes across all entries, or across
// only entries selected by tagName when provided.
func (d *Document) Total(tagName string) uint64 {
	if tagName == "" {
		var sum uint64
		for _, e := range d.Entries {
			sum += uint64(e.InstalledSize)
		}
		return sum
	}
	for _, t := range d.Tags {
		if t.Name != tagName {
			continue
		}
		var sum uint64
		for i, e := range d.Entries {
			if t.Has(i) {
				sum += uint64(e.InstalledSize)
			}
		}
		return sum
	}
	return 0
}
