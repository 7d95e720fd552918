// Package container implements the DynamicContainer façade: the single
// entry point callers use to read, write, remove, and query local CASC
// content, sequencing the Segment/KMT/Residency/LRU stores that would
// otherwise form a reference cycle (segment-missing implies KMT removal,
// a truncated read implies residency demotion, a residency restore implies
// a segment rewrite) behind one owner that enforces a fixed lock
// acquisition order: allocation lock, then bucket lock, then residency
// lock, then LRU lock.
//
// Grounded on store/store.go's Store façade: a state lock guarding an
// open/closed flag and a sticky error, an errgroup/singleflight-backed
// helper for de-duplicating concurrent reads of the same key, and
// Put/Get/Remove methods that compose the narrower stores underneath.
package container

import (
	"crypto/md5"
	"errors"
	"fmt"
	"os"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/singleflight"

	"github.com/wowemulation-dev/ngdp-go/internal/ngdperr"
	"github.com/wowemulation-dev/ngdp-go/kmt"
	"github.com/wowemulation-dev/ngdp-go/lru"
	"github.com/wowemulation-dev/ngdp-go/residency"
	"github.com/wowemulation-dev/ngdp-go/segment"
)

var log = logging.Logger("container")

// Container is the DynamicContainer façade over one storage root's
// segment store, key mapping table, residency tracker, and LRU eviction
// tracker.
type Container struct {
	stateLk sync.RWMutex
	open    bool
	err     error

	segments  *segment.Store
	kmt       *kmt.Table
	residency *residency.Tracker
	lru       *lru.Tracker

	sf singleflight.Group

	headerKeysMu   sync.Mutex
	usedHeaderKeys map[string]bool
}

// Option configures a Container at Open time.
type Option func(*config)

type config struct {
	lruCapacity int
}

// WithLRUCapacity overrides the LRU tracker's default capacity.
func WithLRUCapacity(n int) Option {
	return func(c *config) { c.lruCapacity = n }
}

func (c *config) apply(opts []Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Open opens (creating if needed) the segment store and key mapping table
// rooted at dataDir and returns a ready Container with a fresh residency
// and LRU tracker. Callers that need to resume residency/LRU state from a
// prior session should load the residency pages and LRU checkpoint
// themselves and wire them in before first use; the KMT's own bucket
// files persist across Open/Close, but residency and LRU don't yet.
func Open(dataDir string, opts ...Option) (*Container, error) {
	c := config{lruCapacity: lru.DefaultCapacity}
	c.apply(opts)

	segments, err := segment.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("container: opening segment store: %w", err)
	}
	table, err := kmt.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("container: opening key mapping table: %w", err)
	}

	return &Container{
		open:           true,
		segments:       segments,
		kmt:            table,
		residency:      residency.NewTracker(),
		lru:            lru.NewTracker(c.lruCapacity),
		usedHeaderKeys: make(map[string]bool),
	}, nil
}

// KMT, Residency, and LRU expose the Container's underlying trackers for
// callers that need to checkpoint or restore them directly (the
// compactor, shared-memory control block, and process shutdown path).
func (c *Container) KMT() *kmt.Table               { return c.kmt }
func (c *Container) Residency() *residency.Tracker { return c.residency }
func (c *Container) LRU() *lru.Tracker             { return c.lru }

// Err returns the container's sticky error, if any write/allocate
// operation has put it into a fatal state.
func (c *Container) Err() error {
	c.stateLk.RLock()
	defer c.stateLk.RUnlock()
	return c.err
}

func (c *Container) setErr(err error) {
	c.stateLk.Lock()
	c.err = err
	c.stateLk.Unlock()
}

// generateSegmentHeaderKeys returns one EKey-shaped key per KMT bucket
// (0-15), each constructed so kmt.BucketHash(key) equals that bucket
// index, rejecting any key already assigned to a prior segment, per
// spec.md §4.10's create_segment step.
func generateSegmentHeaderKeys(segmentIndex int, used map[string]bool) ([kmt.NumBuckets][]byte, error) {
	var keys [kmt.NumBuckets][]byte
	for bucket := 0; bucket < kmt.NumBuckets; bucket++ {
		key, err := findBucketKey(segmentIndex, bucket, used)
		if err != nil {
			return keys, err
		}
		used[string(key)] = true
		keys[bucket] = key
	}
	return keys, nil
}

// findBucketKey searches for a 16-byte key whose BucketHash is bucket,
// prefixed with segmentIndex so keys from different segments don't
// collide, retrying with a different salt on a used-key collision.
func findBucketKey(segmentIndex, bucket int, used map[string]bool) ([]byte, error) {
	key := make([]byte, 16)
	key[0] = byte(segmentIndex >> 24)
	key[1] = byte(segmentIndex >> 16)
	key[2] = byte(segmentIndex >> 8)
	key[3] = byte(segmentIndex)
	for salt := 0; salt < 1<<12; salt++ {
		key[4] = byte(salt >> 8)
		key[5] = byte(salt)
		for tail := 0; tail < 256; tail++ {
			key[8] = byte(tail)
			if kmt.BucketHash(key) != bucket {
				continue
			}
			if !used[string(key)] {
				return append([]byte(nil), key...), nil
			}
		}
	}
	return nil, fmt.Errorf("container: exhausted candidates generating header key for bucket %d", bucket)
}

// onSegmentCreated populates a freshly-created segment's 16-slot local
// header block with bucket-targeted placeholder keys, per spec.md
// §4.10's create_segment step.
func (c *Container) onSegmentCreated(segIdx int) error {
	c.headerKeysMu.Lock()
	defer c.headerKeysMu.Unlock()

	keys, err := generateSegmentHeaderKeys(segIdx, c.usedHeaderKeys)
	if err != nil {
		return err
	}
	for _, key := range keys {
		h := segment.LocalHeader{ReversedEKey: segment.ReverseEKey(key)}
		if err := c.segments.AddLocalHeader(segIdx, h); err != nil {
			return err
		}
	}
	return nil
}

// Write computes ekey = MD5(data), stores data behind a 30-byte
// LocalHeader in segment storage, records ekey's location in the KMT,
// marks it resident, and touches the LRU tracker — in that lock order.
// It returns the computed ekey.
func (c *Container) Write(data []byte) ([]byte, error) {
	if err := c.Err(); err != nil {
		return nil, err
	}

	sum := md5.Sum(data)
	ekey := sum[:]

	header := segment.LocalHeader{
		ReversedEKey: segment.ReverseEKey(ekey),
		ArchiveSize:  uint64(len(data)),
	}
	headerBuf := segment.EncodeLocalHeader(header)
	blob := make([]byte, 0, len(headerBuf)+len(data))
	blob = append(blob, headerBuf[:]...)
	blob = append(blob, data...)

	segIdx, off, created, err := c.segments.Allocate(uint64(len(blob)))
	if err != nil {
		if errors.Is(err, ngdperr.ErrInsufficientDisk) {
			c.setErr(err)
		}
		return nil, fmt.Errorf("container: allocating: %w", err)
	}
	if created {
		if err := c.onSegmentCreated(segIdx); err != nil {
			return nil, fmt.Errorf("container: creating segment %d: %w", segIdx, err)
		}
	}
	if err := c.segments.Write(segIdx, off, blob); err != nil {
		return nil, fmt.Errorf("container: writing: %w", err)
	}

	storageOffset := uint64(segIdx)*segment.SegmentSize + off
	loc := kmt.Location{Offset: storageOffset, Size: uint32(len(data))}
	if err := c.kmt.Put(ekey, loc); err != nil {
		return nil, fmt.Errorf("container: indexing: %w", err)
	}

	c.residency.MarkResident(ekey, residency.Span{Size: int32(len(data))})
	c.lru.Touch(ekey)

	log.Debugw("wrote key", "ekey", fmt.Sprintf("%x", ekey), "segment", segIdx, "offset", off, "size", len(data))
	return ekey, nil
}

// Read looks up ekey in the KMT and returns up to length bytes starting
// at offset within its stored content, skipping the blob's 30-byte
// LocalHeader. A short read demotes ekey's unread tail to non-resident
// (property 9) and returns ngdperr.TruncatedRead; the caller may then
// re-fetch from the CDN. A read against a segment that no longer exists
// removes ekey from the KMT entirely, per spec.md §4.10's missing-archive
// handling.
func (c *Container) Read(ekey []byte, offset, length int) ([]byte, error) {
	if err := c.Err(); err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%x:%d:%d", ekey, offset, length)
	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		loc, ok := c.kmt.Get(ekey)
		if !ok {
			return nil, kmt.KeyNotFoundErr(ekey)
		}

		segIdx := int(loc.Offset / segment.SegmentSize)
		inSegOff := loc.Offset % segment.SegmentSize
		readOff := inSegOff + segment.LocalHeaderSize + uint64(offset)

		data, err := c.segments.Read(segIdx, readOff, length)
		if err != nil {
			var trunc ngdperr.TruncatedRead
			if errors.As(err, &trunc) {
				span := residency.Span{Offset: int32(offset + trunc.Actual), Size: int32(length - trunc.Actual)}
				c.residency.MarkNonResident(ekey, span)
				log.Warnw("truncated read", "ekey", fmt.Sprintf("%x", ekey), "requested", trunc.Requested, "actual", trunc.Actual)
				return nil, trunc
			}
			if errors.Is(err, os.ErrNotExist) {
				_ = c.kmt.Delete(ekey)
			}
			return nil, err
		}

		c.residency.MarkResident(ekey, residency.Span{Size: int32(length)})
		c.lru.Touch(ekey)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Remove drops ekey from the KMT and residency tracker. It does not
// reclaim the underlying segment bytes; that's the compactor's job.
func (c *Container) Remove(ekey []byte) {
	_ = c.kmt.Delete(ekey)
	c.residency.DeleteKeys([][]byte{ekey})
	c.lru.Remove(ekey)
}

// Has reports whether ekey currently resolves in the KMT, without
// touching the LRU tracker or reading segment bytes.
func (c *Container) Has(ekey []byte) bool {
	_, ok := c.kmt.Get(ekey)
	return ok
}

// Checkpoint returns a serialized LRU checkpoint suitable for persisting
// across a restart (see lru.Tracker.Checkpoint).
func (c *Container) Checkpoint() []byte {
	return c.lru.Checkpoint()
}

// Close flushes the key mapping table and closes the segment store.
func (c *Container) Close() error {
	c.stateLk.Lock()
	if !c.open {
		c.stateLk.Unlock()
		return nil
	}
	c.open = false
	c.stateLk.Unlock()

	if err := c.kmt.Flush(); err != nil {
		return fmt.Errorf("container: flushing key mapping table: %w", err)
	}
	if err := c.kmt.Close(); err != nil {
		return fmt.Errorf("container: closing key mapping table: %w", err)
	}
	return c.segments.Close()
}
