package encoding

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wowemulation-dev/ngdp-go/internal/u40"
)

const (
	testCKeySize = 4
	testEKeySize = 4
	testPageKB   = 1
)

func buildFixture(t *testing.T) []byte {
	t.Helper()

	especBlock := append([]byte("zip:9"), 0, 'n', 0)

	ckeyA := []byte{0x01, 0x01, 0x01, 0x01}
	ekeyA1 := []byte{0x10, 0x10, 0x10, 0x10}
	ckeyB := []byte{0x02, 0x02, 0x02, 0x02}
	ekeyB1 := []byte{0x20, 0x20, 0x20, 0x20}

	var ckeyPage bytes.Buffer
	writeCKeyRecord(&ckeyPage, ckeyA, 100, [][]byte{ekeyA1})
	writeCKeyRecord(&ckeyPage, ckeyB, 200, [][]byte{ekeyB1})
	padPage(&ckeyPage, testPageKB*1024)
	ckeyPageBytes := ckeyPage.Bytes()
	ckeyMD5 := md5.Sum(ckeyPageBytes)

	var ekeyPage bytes.Buffer
	writeEKeyRecord(&ekeyPage, ekeyA1, 0, 100)
	writeEKeyRecord(&ekeyPage, ekeyB1, 1, 200)
	padPageFF(&ekeyPage, testPageKB*1024)
	ekeyPageBytes := ekeyPage.Bytes()
	ekeyMD5 := md5.Sum(ekeyPageBytes)

	var buf bytes.Buffer
	buf.WriteByte('E')
	buf.WriteByte('N')
	buf.WriteByte(1) // version
	buf.WriteByte(testCKeySize)
	buf.WriteByte(testEKeySize)
	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], testPageKB)
	buf.Write(u16[:])
	binary.BigEndian.PutUint16(u16[:], testPageKB)
	buf.Write(u16[:])
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], 1) // ckey page count
	buf.Write(u32[:])
	binary.BigEndian.PutUint32(u32[:], 1) // ekey page count
	buf.Write(u32[:])
	buf.WriteByte(0) // unk_11
	binary.BigEndian.PutUint32(u32[:], uint32(len(especBlock)))
	buf.Write(u32[:])
	buf.Write(especBlock)

	// CKey page table: one entry.
	buf.Write(ckeyA)
	buf.Write(ckeyMD5[:])
	buf.Write(ckeyPageBytes)

	// EKey page table: one entry.
	buf.Write(ekeyA1)
	buf.Write(ekeyMD5[:])
	buf.Write(ekeyPageBytes)

	return buf.Bytes()
}

func writeCKeyRecord(buf *bytes.Buffer, ckey []byte, fileSize uint64, ekeys [][]byte) {
	buf.WriteByte(byte(len(ekeys)))
	var sizeBuf [5]byte
	u40.EncodeBE(sizeBuf[:], fileSize)
	buf.Write(sizeBuf[:])
	buf.Write(ckey)
	for _, ek := range ekeys {
		buf.Write(ek)
	}
}

func writeEKeyRecord(buf *bytes.Buffer, ekey []byte, especIdx uint32, fileSize uint64) {
	buf.Write(ekey)
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], especIdx)
	buf.Write(u32[:])
	var sizeBuf [5]byte
	u40.EncodeBE(sizeBuf[:], fileSize)
	buf.Write(sizeBuf[:])
}

func padPage(buf *bytes.Buffer, size int) {
	for buf.Len() < size {
		buf.WriteByte(0)
	}
}

func padPageFF(buf *bytes.Buffer, size int) {
	for buf.Len() < size {
		buf.WriteByte(0xFF)
	}
}

func TestParseAndFindCKey(t *testing.T) {
	doc, err := Parse(buildFixture(t))
	require.NoError(t, err)

	rec, ok := doc.FindCKey([]byte{0x02, 0x02, 0x02, 0x02})
	require.True(t, ok)
	require.EqualValues(t, 200, rec.FileSize)
	require.Equal(t, []byte{0x20, 0x20, 0x20, 0x20}, rec.EKeys[0])

	_, ok = doc.FindCKey([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	require.False(t, ok)
}

func TestParseAndFindEKey(t *testing.T) {
	doc, err := Parse(buildFixture(t))
	require.NoError(t, err)

	rec, ok := doc.FindEKey([]byte{0x20, 0x20, 0x20, 0x20})
	require.True(t, ok)
	require.EqualValues(t, 200, rec.FileSize)
	require.EqualValues(t, 1, rec.ESpecIdx)

	espec, ok := doc.ESpec(rec.ESpecIdx)
	require.True(t, ok)
	require.Equal(t, "n", espec)
}

func TestParseRejectsBadMagic(t *testing.T) {
	_, err := Parse([]byte("XX0000000000000000000000000"))
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
	require.Equal(t, doc.ESpecs, doc2.ESpecs)
}

func TestFindCKeyForEKey(t *testing.T) {
	doc, err := Parse(buildFixture(t))
	require.NoError(t, err)

	ckey, ok := doc.FindCKeyForEKey([]byte{0x20, 0x20, 0x20, 0x20})
	require.True(t, ok)
	require.Equal(t, []byte{0x02, 0x02, 0x02, 0x02}, ckey)

	_, ok = doc.FindCKeyForEKey([]byte{0xAB, 0xAB, 0xAB, 0xAB})
	require.False(t, ok)
}

func TestBatchFindEncodings(t *testing.T) {
	doc, err := Parse(buildFixture(t))
	require.NoError(t, err)

	ckeyA := []byte{0x01, 0x01, 0x01, 0x01}
	ckeyB := []byte{0x02, 0x02, 0x02, 0x02}
	missing := []byte{0xAB, 0xAB, 0xAB, 0xAB}

	out := doc.BatchFindEncodings([][]byte{ckeyB, ckeyA, missing})
	require.Len(t, out, 2)
	require.EqualValues(t, 100, out[string(ckeyA)].FileSize)
	require.EqualValues(t, 200, out[string(ckeyB)].FileSize)
}

func TestBatchFindESpecs(t *testing.T) {
	doc, err := Parse(buildFixture(t))
	require.NoError(t, err)

	ekeyA := []byte{0x10, 0x10, 0x10, 0x10}
	ekeyB := []byte{0x20, 0x20, 0x20, 0x20}

	out := doc.BatchFindESpecs([][]byte{ekeyB, ekeyA})
	require.Len(t, out, 2)
	require.Equal(t, "zip:9", out[string(ekeyA)])
	require.Equal(t, "n", out[string(ekeyB)])
}
