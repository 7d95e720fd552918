package archiveindex

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"sort"
)

// Builder accumulates (EKey, offset, size) rows for one archive and
// produces the ".index" bytes for it.
type Builder struct {
	keyBytes    uint8
	entries     []Entry
}

// NewBuilder returns a Builder expecting EKeys of keyBytes length.
func NewBuilder(keyBytes uint8) *Builder {
	return &Builder{keyBytes: keyBytes}
}

// Add appends one archive entry.
func (b *Builder) Add(ekey []byte, offset, size uint32) {
	b.entries = append(b.entries, Entry{EKey: append([]byte(nil), ekey...), Offset: offset, Size: size})
}

// Build sorts the accumulated entries by EKey and serializes the complete
// ".index" file, footer included.
func (b *Builder) Build() []byte {
	sort.Slice(b.entries, func(i, j int) bool {
		return bytes.Compare(b.entries[i].EKey, b.entries[j].EKey) < 0
	})

	var entriesBlock bytes.Buffer
	for _, e := range b.entries {
		entriesBlock.Write(e.EKey)
		var sizeBuf, offBuf [4]byte
		binary.BigEndian.PutUint32(sizeBuf[:], e.Size)
		binary.BigEndian.PutUint32(offBuf[:], e.Offset)
		entriesBlock.Write(sizeBuf[:])
		entriesBlock.Write(offBuf[:])
	}

	tocSum := md5.Sum(entriesBlock.Bytes())

	var out bytes.Buffer
	out.Write(entriesBlock.Bytes())
	out.Write(tocSum[:8])
	out.WriteByte(1) // version
	out.WriteByte(0) // unk0
	out.WriteByte(0) // unk1
	out.WriteByte(4) // block_size_kb
	out.WriteByte(4) // offset_bytes
	out.WriteByte(4) // size_bytes
	out.WriteByte(b.keyBytes)
	out.WriteByte(8) // checksum_size

	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(b.entries)))
	out.Write(countBuf[:])

	footerSum := md5.Sum(out.Bytes()[len(entriesBlock.Bytes()):])
	out.Write(footerSum[:8])

	return out.Bytes()
}

// GroupBuilder composes multiple per-archive Builders into the TOC hash
// and block hash list a CDN archive group manifest needs: one hash per
// archive over its index bytes, plus an overall group TOC hash over the
// concatenation of those.
type GroupBuilder struct {
	archiveHashes [][16]byte
}

// AddArchive records the MD5 of one archive's built index bytes.
func (g *GroupBuilder) AddArchive(indexBytes []byte) {
	g.archiveHashes = append(g.archiveHashes, md5.Sum(indexBytes))
}

// TOCHash returns the group's overall TOC hash: MD5 over the concatenation
// of all per-archive block hashes, in addition order.
func (g *GroupBuilder) TOCHash() [16]byte {
	var buf bytes.Buffer
	for _, h := range g.archiveHashes {
		buf.Write(h[:])
	}
	return md5.Sum(buf.Bytes())
}

// BlockHashes returns the per-archive MD5s in addition order.
func (g *GroupBuilder) BlockHashes() [][16]byte {
	return append([][16]byte(nil), g.archiveHashes...)
}
