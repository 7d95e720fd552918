package tvfs

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildFixture lays out a path trie for "data/file.txt" resolving to a
// single CFT/VFS entry.
func buildFixture(t *testing.T) []byte {
	t.Helper()

	ekey := bytes.Repeat([]byte{0xAB}, 16)

	// Path table: root dir node (1 child "data") -> dir node (1 child
	// "file.txt") -> file node (1 vfs index -> 0).
	var pt bytes.Buffer
	// We need forward offsets, so build inner-to-outer and patch offsets.
	fileNodeOff := 0 // placeholder, computed below

	var fileNode bytes.Buffer
	fileNode.WriteByte(fileNodeBit | 1) // 1 vfs index
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], 0) // vfs index 0
	fileNode.Write(u32[:])

	var innerDir bytes.Buffer
	innerDir.WriteByte(1) // 1 child
	innerDir.WriteByte(byte(len("file.txt")))
	innerDir.WriteString("file.txt")
	// child offset patched after we know layout

	// Layout: [rootDir][innerDir][fileNode]
	// rootDir: control(1) + nameLen(1) + "data"(4) + childOffset(4) = 10 bytes
	rootDirLen := 1 + 1 + len("data") + 4
	innerDirLen := innerDir.Len() + 4 // + childOffset field
	fileNodeOff = rootDirLen + innerDirLen

	pt.WriteByte(1) // root dir: 1 child
	pt.WriteByte(byte(len("data")))
	pt.WriteString("data")
	binary.BigEndian.PutUint32(u32[:], uint32(rootDirLen))
	pt.Write(u32[:])

	pt.Write(innerDir.Bytes())
	binary.BigEndian.PutUint32(u32[:], uint32(fileNodeOff))
	pt.Write(u32[:])

	pt.Write(fileNode.Bytes())

	pathTable := pt.Bytes()

	var vfsTable bytes.Buffer
	var entry [vfsEntrySize]byte
	binary.BigEndian.PutUint32(entry[0:4], 0)   // offset
	binary.BigEndian.PutUint32(entry[4:8], 1234) // size
	binary.BigEndian.PutUint32(entry[8:12], 0)  // cft index
	vfsTable.Write(entry[:])

	cftTable := ekey

	var buf bytes.Buffer
	buf.WriteString(magic)
	buf.WriteByte(1)  // format_version
	buf.WriteByte(36) // header_size
	buf.WriteByte(16) // ekey_size
	buf.WriteByte(0)  // patch_key_size
	binary.BigEndian.PutUint32(u32[:], 0)
	buf.Write(u32[:]) // flags

	pathOff := uint32(36)
	binary.BigEndian.PutUint32(u32[:], pathOff)
	buf.Write(u32[:])
	binary.BigEndian.PutUint32(u32[:], uint32(len(pathTable)))
	buf.Write(u32[:])

	vfsOff := pathOff + uint32(len(pathTable))
	binary.BigEndian.PutUint32(u32[:], vfsOff)
	buf.Write(u32[:])
	binary.BigEndian.PutUint32(u32[:], uint32(vfsTable.Len()))
	buf.Write(u32[:])

	cftOff := vfsOff + uint32(vfsTable.Len())
	binary.BigEndian.PutUint32(u32[:], cftOff)
	buf.Write(u32[:])
	binary.BigEndian.PutUint32(u32[:], uint32(len(cftTable)))
	buf.Write(u32[:])

	buf.Write(pathTable)
	buf.Write(vfsTable.Bytes())
	buf.Write(cftTable)

	return buf.Bytes()
}

func TestResolve(t *testing.T) {
	doc, err := Parse(buildFixture(t))
	require.NoError(t, err)

	res, err := doc.Resolve("data/file.txt")
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{0xAB}, 16), res.EKey)
	require.EqualValues(t, 1234, res.Size)
}

func TestResolveMissingPath(t *testing.T) {
	doc, err := Parse(buildFixture(t))
	require.NoError(t, err)

	_, err = doc.Resolve("data/missing.txt")
	require.Error(t, err)
}

func TestParseRejectsBadMagic(t *testing.T) {
	_, err := Parse(bytes.Repeat([]byte{0}, 40))
	require.Error(t, err)
}

func TestWriteRoundTrip(t *testing.T) {
	fixture := buildFixture(t)
	doc, err := Parse(fixture)
	require.NoError(t, err)

	out, err := doc.Write()
	require.NoError(t, err)
	require.Equal(t, fixture, out)

	doc2, err := Parse(out)
	require.NoError(t, err)
	res, err := doc2.Resolve("data/file.txt")
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{0xAB}, 16), res.EKey)
}
