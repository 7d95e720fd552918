// Package lru implements the LRU eviction tracker for local CASC storage:
// an in-memory recency list checkpointed to generation-numbered ".lru"
// files, used to decide which resident keys the compactor may reclaim
// first (spec.md §7.4).
//
// Grounded on store/freelist.go's append-then-periodic-rewrite shape, and
// on compactindexsized/header.go's "magic + length-prefixed fields, MD5
// over the zeroed-checksum-field form of the buffer" checkpoint-integrity
// pattern.
package lru

import (
	"bytes"
	"container/list"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/wowemulation-dev/ngdp-go/internal/ngdperr"
)

// DefaultCapacity is the default number of resident keys the tracker will
// keep before evicting the least recently used, per spec.md §7.4.
const DefaultCapacity = 52428

// HeaderSize is the fixed size of a checkpoint file's header.
const HeaderSize = 28

// EntrySize is the fixed size of one checkpoint entry: a 16-byte EKey and
// a 4-byte generation counter.
const EntrySize = 20

var magic = [4]byte{'N', 'L', 'R', 'U'}

// Tracker is an in-memory LRU list over EKeys.
type Tracker struct {
	mu         sync.Mutex
	capacity   int
	generation uint32
	list       *list.List
	index      map[string]*list.Element
}

type node struct {
	ekey []byte
	gen  uint32
}

// NewTracker returns a Tracker with the given capacity (DefaultCapacity if
// capacity <= 0).
func NewTracker(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Tracker{
		capacity: capacity,
		list:     list.New(),
		index:    make(map[string]*list.Element),
	}
}

// Touch marks ekey as most-recently-used, evicting the least recently
// used key(s) if capacity is exceeded. It returns the evicted keys, if
// any.
func (t *Tracker) Touch(ekey []byte) (evicted [][]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.generation++
	key := string(ekey)
	if el, ok := t.index[key]; ok {
		el.Value.(*node).gen = t.generation
		t.list.MoveToFront(el)
	} else {
		el := t.list.PushFront(&node{ekey: append([]byte(nil), ekey...), gen: t.generation})
		t.index[key] = el
	}

	for t.list.Len() > t.capacity {
		back := t.list.Back()
		if back == nil {
			break
		}
		n := back.Value.(*node)
		evicted = append(evicted, n.ekey)
		t.list.Remove(back)
		delete(t.index, string(n.ekey))
	}
	return evicted
}

// Remove drops ekey from tracking entirely, e.g. after the compactor
// reclaims its storage.
func (t *Tracker) Remove(ekey []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if el, ok := t.index[string(ekey)]; ok {
		t.list.Remove(el)
		delete(t.index, string(ekey))
	}
}

// Len reports the number of tracked keys.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.list.Len()
}

// Checkpoint serializes the tracker's current state (most-recent first)
// into a ".lru" file: a 28-byte header — magic(4), version(1), entry
// count u32 BE(4), generation counter as u24 BE(3), and a 16-byte MD5 over
// the rest of the buffer computed with the checksum field itself zeroed —
// followed by fixed 20-byte entries.
func (t *Tracker) Checkpoint() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	var body bytes.Buffer
	for el := t.list.Front(); el != nil; el = el.Next() {
		n := el.Value.(*node)
		body.Write(n.ekey)
		var genBuf [4]byte
		binary.BigEndian.PutUint32(genBuf[:], n.gen)
		body.Write(genBuf[:])
	}

	var header [HeaderSize]byte
	copy(header[0:4], magic[:])
	header[4] = 1 // version
	binary.BigEndian.PutUint32(header[5:9], uint32(t.list.Len()))
	header[9] = byte(t.generation >> 16)
	header[10] = byte(t.generation >> 8)
	header[11] = byte(t.generation)
	// header[12:28] (the checksum field) stays zero for the hash pass.

	sum := md5.Sum(append(header[:], body.Bytes()...))
	copy(header[12:28], sum[:])

	var out bytes.Buffer
	out.Write(header[:])
	out.Write(body.Bytes())
	return out.Bytes()
}

// LoadCheckpoint parses a ".lru" file previously produced by Checkpoint
// and returns a Tracker seeded with its entries.
func LoadCheckpoint(data []byte, capacity int) (*Tracker, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: lru checkpoint header", ngdperr.ErrTruncatedData)
	}
	if !bytes.Equal(data[0:4], magic[:]) {
		return nil, fmt.Errorf("%w: expected lru magic", ngdperr.ErrInvalidMagic)
	}
	version := data[4]
	if version != 1 {
		return nil, fmt.Errorf("%w: lru checkpoint version %d", ngdperr.ErrUnsupportedVersion, version)
	}
	count := binary.BigEndian.Uint32(data[5:9])
	generation := uint32(data[9])<<16 | uint32(data[10])<<8 | uint32(data[11])

	entriesLen := int(count) * EntrySize
	if HeaderSize+entriesLen > len(data) {
		return nil, fmt.Errorf("%w: lru checkpoint entries", ngdperr.ErrTruncatedData)
	}

	wantSum := append([]byte(nil), data[12:28]...)
	var zeroed [HeaderSize]byte
	copy(zeroed[:], data[:HeaderSize])
	for i := 12; i < 28; i++ {
		zeroed[i] = 0
	}
	gotSum := md5.Sum(append(zeroed[:], data[HeaderSize:HeaderSize+entriesLen]...))
	if !bytes.Equal(wantSum, gotSum[:]) {
		return nil, fmt.Errorf("%w: lru checkpoint", ngdperr.ErrChecksumMismatch)
	}

	t := NewTracker(capacity)
	t.generation = generation
	for i := 0; i < int(count); i++ {
		off := HeaderSize + i*EntrySize
		ekey := append([]byte(nil), data[off:off+16]...)
		gen := binary.BigEndian.Uint32(data[off+16 : off+20])
		el := t.list.PushBack(&node{ekey: ekey, gen: gen})
		t.index[string(ekey)] = el
	}
	return t, nil
}
