package size

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAndTotal(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("DS")
	buf.WriteByte(2)
	buf.WriteByte(16)
	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], 1)
	buf.Write(u16[:])
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], 2)
	buf.Write(u32[:])

	buf.Write(bytes.Repeat([]byte{0x01}, 16))
	binary.BigEndian.PutUint32(u32[:], 1000)
	buf.Write(u32[:])

	buf.Write(bytes.Repeat([]byte{0x02}, 16))
	binary.BigEndian.PutUint32(u32[:], 2000)
	buf.Write(u32[:])

	buf.WriteString("enUS")
	buf.WriteByte(0)
	binary.BigEndian.PutUint16(u16[:], 1)
	buf.Write(u16[:])
	buf.WriteByte(0x80) // entry 0 only

	doc, err := Parse(buf.Bytes())
	require.NoError(t, err)
	require.EqualValues(t, 3000, doc.Total(""))
	require.EqualValues(t, 1000, doc.Total("enUS"))

	out, err := doc.Write()
	require.NoError(t, err)
	require.Equal(t, buf.Bytes(), out)
}
