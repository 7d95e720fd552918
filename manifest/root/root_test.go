package root

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wowemulation-dev/ngdp-go/internal/fdid"
)

func putU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func TestParseLegacy(t *testing.T) {
	var buf bytes.Buffer
	putU32(&buf, 2)          // num_records
	putU32(&buf, 0)          // content_flags
	putU32(&buf, uint32(LocaleAll))
	putU32(&buf, 100) // fdid 0
	putU32(&buf, 101) // fdid 1

	ckey0 := bytes.Repeat([]byte{0xAA}, 16)
	ckey1 := bytes.Repeat([]byte{0xBB}, 16)
	buf.Write(ckey0)
	var nh [8]byte
	binary.LittleEndian.PutUint64(nh[:], 0x1111)
	buf.Write(nh[:])
	buf.Write(ckey1)
	binary.LittleEndian.PutUint64(nh[:], 0x2222)
	buf.Write(nh[:])

	doc, err := Parse(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, 1, doc.Version)

	recs := doc.ByFileDataID(101)
	require.Len(t, recs, 1)
	require.Equal(t, ckey1, recs[0].CKey)

	rec, ok := doc.ByNameHash(0x1111)
	require.True(t, ok)
	require.EqualValues(t, 100, rec.FileDataID)
}

func TestParseVersionedV2(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("MFST")
	putU32(&buf, 8) // header_size == 8: no version field, v2
	putU32(&buf, 2) // total_file_count
	putU32(&buf, 2) // named_file_count

	putU32(&buf, 2) // num_records
	putU32(&buf, 0) // content_flags
	putU32(&buf, uint32(LocaleAll))

	ids := []uint32{5, 9}
	var deltaBuf []byte
	deltaBuf = fdid.EncodeDeltas(deltaBuf, ^uint32(0), ids)
	buf.Write(deltaBuf)

	ckey0 := bytes.Repeat([]byte{0x01}, 16)
	ckey1 := bytes.Repeat([]byte{0x02}, 16)
	buf.Write(ckey0)
	buf.Write(ckey1)

	var nh [8]byte
	binary.LittleEndian.PutUint64(nh[:], 0xAAAA)
	buf.Write(nh[:])
	binary.LittleEndian.PutUint64(nh[:], 0xBBBB)
	buf.Write(nh[:])

	doc, err := Parse(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, 2, doc.Version)

	recs := doc.ByFileDataID(9)
	require.Len(t, recs, 1)
	require.Equal(t, ckey1, recs[0].CKey)

	rec, ok := doc.ByNameHash(0xAAAA)
	require.True(t, ok)
	require.EqualValues(t, 5, rec.FileDataID)
}

func TestParseVersionedSkipNameHash(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("MFST")
	putU32(&buf, 8)
	putU32(&buf, 1)
	putU32(&buf, 0)

	putU32(&buf, 1)
	putU32(&buf, uint32(ContentFlagSkipNameHash))
	putU32(&buf, uint32(LocaleAll))

	var deltaBuf []byte
	deltaBuf = fdid.EncodeDeltas(deltaBuf, ^uint32(0), []uint32{42})
	buf.Write(deltaBuf)
	buf.Write(bytes.Repeat([]byte{0x07}, 16))

	doc, err := Parse(buf.Bytes())
	require.NoError(t, err)
	recs := doc.ByFileDataID(42)
	require.Len(t, recs, 1)
	require.False(t, recs[0].HasName)
}

func TestWriteRoundTripLegacy(t *testing.T) {
	var buf bytes.Buffer
	putU32(&buf, 2)
	putU32(&buf, 0)
	putU32(&buf, uint32(LocaleAll))
	putU32(&buf, 100)
	putU32(&buf, 101)
	ckey0 := bytes.Repeat([]byte{0xAA}, 16)
	ckey1 := bytes.Repeat([]byte{0xBB}, 16)
	buf.Write(ckey0)
	var nh [8]byte
	binary.LittleEndian.PutUint64(nh[:], 0x1111)
	buf.Write(nh[:])
	buf.Write(ckey1)
	binary.LittleEndian.PutUint64(nh[:], 0x2222)
	buf.Write(nh[:])

	fixture := buf.Bytes()
	doc, err := Parse(fixture)
	require.NoError(t, err)

	out, err := doc.Write()
	require.NoError(t, err)
	require.Equal(t, fixture, out)
}

func TestWriteRoundTripVersionedV2(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("MFST")
	putU32(&buf, 8)
	putU32(&buf, 2)
	putU32(&buf, 2)
	putU32(&buf, 2)
	putU32(&buf, 0)
	putU32(&buf, uint32(LocaleAll))
	ids := []uint32{5, 9}
	var deltaBuf []byte
	deltaBuf = fdid.EncodeDeltas(deltaBuf, ^uint32(0), ids)
	buf.Write(deltaBuf)
	ckey0 := bytes.Repeat([]byte{0x01}, 16)
	ckey1 := bytes.Repeat([]byte{0x02}, 16)
	buf.Write(ckey0)
	buf.Write(ckey1)
	var nh [8]byte
	binary.LittleEndian.PutUint64(nh[:], 0xAAAA)
	buf.Write(nh[:])
	binary.LittleEndian.PutUint64(nh[:], 0xBBBB)
	buf.Write(nh[:])

	fixture := buf.Bytes()
	doc, err := Parse(fixture)
	require.NoError(t, err)

	out, err := doc.Write()
	require.NoError(t, err)
	require.Equal(t, fixture, out)

	doc2, err := Parse(out)
	require.NoError(t, err)
	require.Equal(t, doc.Blocks, doc2.Blocks)
}

func TestWriteRoundTripVersionedV4(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("MFST")
	putU32(&buf, 12)
	putU32(&buf, 4) // explicit version field
	putU32(&buf, 1)
	putU32(&buf, 1)
	putU32(&buf, 1)
	putU32(&buf, 0)
	putU32(&buf, uint32(LocaleAll))
	var deltaBuf []byte
	deltaBuf = fdid.EncodeDeltas(deltaBuf, ^uint32(0), []uint32{7})
	buf.Write(deltaBuf)
	buf.Write(bytes.Repeat([]byte{0x09}, 16))
	var nh [8]byte
	binary.LittleEndian.PutUint64(nh[:], 0xCCCC)
	buf.Write(nh[:])

	fixture := buf.Bytes()
	doc, err := Parse(fixture)
	require.NoError(t, err)
	require.Equal(t, 4, doc.Version)

	out, err := doc.Write()
	require.NoError(t, err)
	require.Equal(t, fixture, out)
}
