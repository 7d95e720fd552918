// Package segment implements the archive store's segment allocator: fixed
// 1GiB data segments, each prefixed by a 480-byte header block of local
// headers, that hold the actual compressed/encrypted file bytes referenced
// by KMT locations (spec.md §7).
//
// Grounded on the teacher's disk-space collector (metrics/disc-collector.go)
// for the shirou/gopsutil/v3 usage, generalized from "report free space as
// a metric" to "refuse to allocate when free space runs out"; the
// append-only-file-with-tracked-write-offset shape is grounded on
// store/freelist.go.
package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/wowemulation-dev/ngdp-go/internal/ngdperr"
	"github.com/wowemulation-dev/ngdp-go/internal/u40"
)

// SegmentSize is the fixed size of one archive segment, per spec.md §7.
const SegmentSize = 1 << 30 // 1GiB

// HeaderBlockSize is the space reserved at the start of every segment for
// its 16 LocalHeader slots.
const HeaderBlockSize = 480

// LocalHeaderSize is the encoded size of one LocalHeader.
const LocalHeaderSize = 30

// MaxLocalHeaders is how many LocalHeader slots fit in HeaderBlockSize.
const MaxLocalHeaders = HeaderBlockSize / LocalHeaderSize // 16

// LocalHeader is one archive's identity record inside a segment's header
// block: a reversed EKey (NGDP stores archive identity EKeys
// byte-reversed within the local header, matching how the CDN names
// archive files) plus the archive's declared size.
type LocalHeader struct {
	ReversedEKey [16]byte
	ArchiveSize  uint64 // 40-bit in the wire encoding
}

// EncodeLocalHeader serializes a LocalHeader to its 30-byte wire form:
// reversed EKey (16 bytes) + archive size (u40 BE, 5 bytes) + 9 reserved
// bytes.
func EncodeLocalHeader(h LocalHeader) [LocalHeaderSize]byte {
	var buf [LocalHeaderSize]byte
	copy(buf[0:16], h.ReversedEKey[:])
	var sizeBuf [5]byte
	u40.EncodeBE(sizeBuf[:], h.ArchiveSize)
	copy(buf[16:21], sizeBuf[:])
	return buf
}

// DecodeLocalHeader parses a 30-byte LocalHeader.
func DecodeLocalHeader(buf [LocalHeaderSize]byte) LocalHeader {
	var h LocalHeader
	copy(h.ReversedEKey[:], buf[0:16])
	h.ArchiveSize = u40.DecodeBE(buf[16:21])
	return h
}

// ReverseEKey returns ekey with its bytes in reverse order, for
// constructing/reading a LocalHeader's ReversedEKey field.
func ReverseEKey(ekey []byte) [16]byte {
	var out [16]byte
	for i, b := range ekey {
		if i >= 16 {
			break
		}
		out[15-i] = b
	}
	return out
}

// Store manages a directory of append-only segment files and the write
// cursor of whichever segment is currently being appended to.
type Store struct {
	mu       sync.Mutex
	dir      string
	segments []*os.File
	cursor   uint64 // write offset within the current (last) segment
	headers  [][MaxLocalHeaders]LocalHeader
	headerCt []int
}

// Open opens or creates the segment directory at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

// segmentPath returns the conventional file name for a given segment
// index ("data.000", "data.001", ...).
func segmentPath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("data.%03d", index))
}

// ensureCapacity checks free disk space via gopsutil before allocating
// more bytes in the current segment, returning ngdperr.ErrInsufficientDisk
// if the filesystem backing dir can't fit the request.
func (s *Store) ensureCapacity(n uint64) error {
	usage, err := disk.Usage(s.dir)
	if err != nil {
		return fmt.Errorf("checking free space: %w", err)
	}
	if usage.Free < n {
		return fmt.Errorf("%w: need %d bytes, %d free", ngdperr.ErrInsufficientDisk, n, usage.Free)
	}
	return nil
}

// currentSegment returns the active segment index, opening segment 0 if
// the store has no segments yet. created reports whether segment 0 was
// just opened for the first time.
func (s *Store) currentSegment() (idx int, created bool, err error) {
	if len(s.segments) == 0 {
		f, err := os.OpenFile(segmentPath(s.dir, 0), os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return 0, false, err
		}
		if _, err := f.Write(make([]byte, HeaderBlockSize)); err != nil {
			return 0, false, err
		}
		s.segments = append(s.segments, f)
		s.headers = append(s.headers, [MaxLocalHeaders]LocalHeader{})
		s.headerCt = append(s.headerCt, 0)
		s.cursor = HeaderBlockSize
		return 0, true, nil
	}
	return len(s.segments) - 1, false, nil
}

// Allocate reserves n bytes for a new append, rolling over to a new
// segment when the current one would exceed SegmentSize (max segment
// index 0x3FF, per spec.md §3). It returns the segment index and byte
// offset the caller should write at, plus whether a new segment was just
// created — callers use that to populate the segment's 16-slot local
// header block (spec.md §4.10's create_segment step).
func (s *Store) Allocate(n uint64) (segmentIndex int, offset uint64, created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureCapacity(n); err != nil {
		return 0, 0, false, err
	}

	idx, created, err := s.currentSegment()
	if err != nil {
		return 0, 0, false, err
	}
	if s.cursor+n > SegmentSize {
		if idx+1 > 0x3FF {
			return 0, 0, false, fmt.Errorf("%w: max segment index 0x3FF reached", ngdperr.ErrInsufficientDisk)
		}
		f, err := os.OpenFile(segmentPath(s.dir, idx+1), os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return 0, 0, false, err
		}
		if _, err := f.Write(make([]byte, HeaderBlockSize)); err != nil {
			return 0, 0, false, err
		}
		s.segments = append(s.segments, f)
		s.headers = append(s.headers, [MaxLocalHeaders]LocalHeader{})
		s.headerCt = append(s.headerCt, 0)
		s.cursor = HeaderBlockSize
		idx++
		created = true
	}

	off := s.cursor
	s.cursor += n
	return idx, off, created, nil
}

// Write writes data at the given segment/offset (normally the result of a
// prior Allocate call).
func (s *Store) Write(segmentIndex int, offset uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if segmentIndex >= len(s.segments) {
		return fmt.Errorf("segment %d not open", segmentIndex)
	}
	_, err := s.segments[segmentIndex].WriteAt(data, int64(offset))
	return err
}

// Read reads n bytes at the given segment/offset. A segmentIndex outside
// the store's currently open segments reports a missing-archive error
// (wrapping os.ErrNotExist) rather than panicking, so callers can treat
// it the same as a segment file disappearing out from under them.
func (s *Store) Read(segmentIndex int, offset uint64, n int) ([]byte, error) {
	s.mu.Lock()
	if segmentIndex < 0 || segmentIndex >= len(s.segments) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: segment %d not open", os.ErrNotExist, segmentIndex)
	}
	f := s.segments[segmentIndex]
	s.mu.Unlock()

	buf := make([]byte, n)
	read, err := f.ReadAt(buf, int64(offset))
	if read < n {
		return nil, ngdperr.TruncatedRead{Requested: n, Actual: read}
	}
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// AddLocalHeader records a LocalHeader into the given segment's header
// block, returning ngdperr.ErrSegmentFull if that segment's 16 slots are
// already used.
func (s *Store) AddLocalHeader(segmentIndex int, h LocalHeader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if segmentIndex >= len(s.headerCt) {
		return fmt.Errorf("segment %d not open", segmentIndex)
	}
	if s.headerCt[segmentIndex] >= MaxLocalHeaders {
		return ngdperr.ErrSegmentFull
	}
	slot := s.headerCt[segmentIndex]
	s.headers[segmentIndex][slot] = h
	s.headerCt[segmentIndex]++

	buf := EncodeLocalHeader(h)
	_, err := s.segments[segmentIndex].WriteAt(buf[:], int64(slot*LocalHeaderSize))
	return err
}

// Close closes all open segment files.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, f := range s.segments {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
