package kmt

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/wowemulation-dev/ngdp-go/internal/jenkins"
	"github.com/wowemulation-dev/ngdp-go/internal/ngdperr"
	"github.com/wowemulation-dev/ngdp-go/internal/u40"
)

// Status byte values for an update entry, per spec.md §3.
const (
	StatusNormal             = 0
	StatusDelete             = 3
	StatusHeaderNonResident  = 6
	StatusDataNonResident    = 7
)

// UpdateEntrySize is the on-disk size of one update-section entry: a
// 4-byte hash guard, 9-byte EKey, 5-byte offset, 4-byte size, 1-byte
// status, 1-byte pad.
const UpdateEntrySize = 24

// SortedEntrySize is the on-disk size of one sorted-section entry: a
// 9-byte EKey, 5-byte storage_offset, 4-byte encoded_size, all big-endian.
const SortedEntrySize = 18

// UpdateEntry is one append-log record in a bucket's update section.
type UpdateEntry struct {
	KeyPrefix []byte // 9 bytes
	Offset    uint64 // 40-bit storage_offset
	Size      uint32
	Status    uint8
}

// encodeUpdateEntry serializes one update entry to its 24-byte wire form,
// computing the hash-guard word over bytes [4:23) (EKey, offset, size,
// status) per spec.md §3.
func encodeUpdateEntry(e UpdateEntry) [UpdateEntrySize]byte {
	var buf [UpdateEntrySize]byte
	copy(buf[4:13], e.KeyPrefix)
	var offBuf [5]byte
	u40.EncodeBE(offBuf[:], e.Offset)
	copy(buf[13:18], offBuf[:])
	binary.BigEndian.PutUint32(buf[18:22], e.Size)
	buf[22] = e.Status
	buf[23] = 0

	guard := jenkins.HashLittle(buf[4:23], 0) | 0x80000000
	binary.BigEndian.PutUint32(buf[0:4], guard)
	return buf
}

// decodeUpdateEntry parses a 24-byte update entry and verifies its hash
// guard, returning ok=false if the guard doesn't match (corruption) or the
// entry is all-zero (an unwritten slot).
func decodeUpdateEntry(buf [UpdateEntrySize]byte) (UpdateEntry, bool) {
	guard := binary.BigEndian.Uint32(buf[0:4])
	if guard == 0 {
		return UpdateEntry{}, false
	}
	want := jenkins.HashLittle(buf[4:23], 0) | 0x80000000
	if guard != want {
		return UpdateEntry{}, false
	}
	return UpdateEntry{
		KeyPrefix: append([]byte(nil), buf[4:13]...),
		Offset:    u40.DecodeBE(buf[13:18]),
		Size:      binary.BigEndian.Uint32(buf[18:22]),
		Status:    buf[22],
	}, true
}

// SortedEntry is one row of a bucket's binary-searchable sorted section.
type SortedEntry struct {
	KeyPrefix []byte // 9 bytes
	Offset    uint64 // 40-bit storage_offset
	Size      uint32 // encoded_size
}

func encodeSortedEntry(e SortedEntry) [SortedEntrySize]byte {
	var buf [SortedEntrySize]byte
	copy(buf[0:9], e.KeyPrefix)
	var offBuf [5]byte
	u40.EncodeBE(offBuf[:], e.Offset)
	copy(buf[9:14], offBuf[:])
	binary.BigEndian.PutUint32(buf[14:18], e.Size)
	return buf
}

func decodeSortedEntry(buf [SortedEntrySize]byte) SortedEntry {
	return SortedEntry{
		KeyPrefix: append([]byte(nil), buf[0:9]...),
		Offset:    u40.DecodeBE(buf[9:14]),
		Size:      binary.BigEndian.Uint32(buf[14:18]),
	}
}

// indexHeaderV2Size is the fixed size of the header carried inside a
// bucket's sorted-section guarded block: format version, the bucket this
// section belongs to, 2 reserved bytes, and the entry count.
const indexHeaderV2Size = 8

// indexHeaderV2Version is the only format version this package writes or
// accepts.
const indexHeaderV2Version = 2

// indexHeaderV2 precedes the entries guarded block inside a bucket's
// sorted-section guarded block (spec.md §4.9's "IndexHeaderV2").
type indexHeaderV2 struct {
	BucketIndex uint8
	NumElements uint32
}

func encodeIndexHeaderV2(h indexHeaderV2) [indexHeaderV2Size]byte {
	var buf [indexHeaderV2Size]byte
	buf[0] = indexHeaderV2Version
	buf[1] = h.BucketIndex
	binary.BigEndian.PutUint32(buf[4:8], h.NumElements)
	return buf
}

func decodeIndexHeaderV2(buf [indexHeaderV2Size]byte) (indexHeaderV2, error) {
	if buf[0] != indexHeaderV2Version {
		return indexHeaderV2{}, fmt.Errorf("%w: kmt index header version %d", ngdperr.ErrUnsupportedVersion, buf[0])
	}
	return indexHeaderV2{
		BucketIndex: buf[1],
		NumElements: binary.BigEndian.Uint32(buf[4:8]),
	}, nil
}

// encodeSortedSection serializes a bucket's full sorted section: the
// outer guarded block wraps an indexHeaderV2 followed by a second guarded
// block holding the entries themselves, per spec.md §4.9.
func encodeSortedSection(bucketIndex uint8, entries []SortedEntry) []byte {
	var entriesBuf bytes.Buffer
	for _, e := range entries {
		b := encodeSortedEntry(e)
		entriesBuf.Write(b[:])
	}
	innerBlock := encodeGuardedBlock(entriesBuf.Bytes())

	hdr := encodeIndexHeaderV2(indexHeaderV2{BucketIndex: bucketIndex, NumElements: uint32(len(entries))})
	body := make([]byte, 0, len(hdr)+len(innerBlock))
	body = append(body, hdr[:]...)
	body = append(body, innerBlock...)

	return encodeGuardedBlock(body)
}

// decodeSortedSection parses a bucket's sorted section from the front of
// data and returns the entries (ascending by KeyPrefix, as written) plus
// whatever bytes followed it (the update section).
func decodeSortedSection(data []byte) (entries []SortedEntry, rest []byte, err error) {
	body, rest, err := decodeGuardedBlock(data)
	if err != nil {
		return nil, nil, fmt.Errorf("kmt: sorted section: %w", err)
	}
	if len(body) < indexHeaderV2Size {
		return nil, nil, fmt.Errorf("%w: kmt index header", ngdperr.ErrTruncatedData)
	}
	var hdrBuf [indexHeaderV2Size]byte
	copy(hdrBuf[:], body[:indexHeaderV2Size])
	hdr, err := decodeIndexHeaderV2(hdrBuf)
	if err != nil {
		return nil, nil, err
	}

	entriesPayload, trailing, err := decodeGuardedBlock(body[indexHeaderV2Size:])
	if err != nil {
		return nil, nil, fmt.Errorf("kmt: sorted entries block: %w", err)
	}
	if len(trailing) != 0 {
		return nil, nil, fmt.Errorf("%w: kmt sorted section trailing bytes", ngdperr.ErrMalformedHeader)
	}
	if len(entriesPayload)%SortedEntrySize != 0 {
		return nil, nil, fmt.Errorf("%w: kmt sorted entries not a multiple of entry size", ngdperr.ErrMalformedHeader)
	}

	entries = make([]SortedEntry, 0, hdr.NumElements)
	for off := 0; off+SortedEntrySize <= len(entriesPayload); off += SortedEntrySize {
		var buf [SortedEntrySize]byte
		copy(buf[:], entriesPayload[off:off+SortedEntrySize])
		entries = append(entries, decodeSortedEntry(buf))
	}
	return entries, rest, nil
}
