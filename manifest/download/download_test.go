package download

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wowemulation-dev/ngdp-go/internal/u40"
)

func buildDownloadV3Fixture() []byte {
	var buf bytes.Buffer
	buf.WriteString("DL")
	buf.WriteByte(3)
	buf.WriteByte(16)
	buf.WriteByte(1)
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], 2)
	buf.Write(u32[:])
	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], 1)
	buf.Write(u16[:])
	buf.WriteByte(0)

	var sizeBuf [5]byte
	u40.EncodeBE(sizeBuf[:], 1000)
	buf.Write(bytes.Repeat([]byte{0xAA}, 16))
	buf.Write(sizeBuf[:])
	buf.WriteByte(0)
	binary.BigEndian.PutUint32(u32[:], 0xDEADBEEF)
	buf.Write(u32[:])

	u40.EncodeBE(sizeBuf[:], 2000)
	buf.Write(bytes.Repeat([]byte{0xBB}, 16))
	buf.Write(sizeBuf[:])
	buf.WriteByte(1)
	binary.BigEndian.PutUint32(u32[:], 0xCAFEBABE)
	buf.Write(u32[:])

	buf.WriteString("high")
	buf.WriteByte(0)
	binary.BigEndian.PutUint16(u16[:], 1)
	buf.Write(u16[:])
	buf.WriteByte(0x40)

	return buf.Bytes()
}

func TestWriteRoundTrip(t *testing.T) {
	fixture := buildDownloadV3Fixture()
	doc, err := Parse(fixture)
	require.NoError(t, err)

	out, err := doc.Write()
	require.NoError(t, err)
	require.Equal(t, fixture, out)
}

func TestParseV3WithChecksumAndTag(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("DL")
	buf.WriteByte(3)  // version
	buf.WriteByte(16) // hash_size
	buf.WriteByte(1)  // has_checksum
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], 2) // num_entries
	buf.Write(u32[:])
	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], 1) // num_tags
	buf.Write(u16[:])
	buf.WriteByte(0) // base_priority

	var sizeBuf [5]byte
	u40.EncodeBE(sizeBuf[:], 1000)
	buf.Write(bytes.Repeat([]byte{0xAA}, 16))
	buf.Write(sizeBuf[:])
	buf.WriteByte(0) // priority
	binary.BigEndian.PutUint32(u32[:], 0xDEADBEEF)
	buf.Write(u32[:])

	u40.EncodeBE(sizeBuf[:], 2000)
	buf.Write(bytes.Repeat([]byte{0xBB}, 16))
	buf.Write(sizeBuf[:])
	buf.WriteByte(1)
	binary.BigEndian.PutUint32(u32[:], 0xCAFEBABE)
	buf.Write(u32[:])

	buf.WriteString("high")
	buf.WriteByte(0)
	binary.BigEndian.PutUint16(u16[:], 1)
	buf.Write(u16[:])
	buf.WriteByte(0x40) // select entry 1 only

	doc, err := Parse(buf.Bytes())
	require.NoError(t, err)
	require.True(t, doc.HasChecksum)
	require.Len(t, doc.Entries, 2)
	require.EqualValues(t, 2000, doc.Entries[1].FileSize)
	require.EqualValues(t, 0xCAFEBABE, doc.Entries[1].Checksum)

	selected := doc.EntriesForTag("high")
	require.Len(t, selected, 1)
	require.EqualValues(t, 2000, selected[0].FileSize)
}
