package blte

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wowemulation-dev/ngdp-go/crypto"
)

// fakeKeyStore is a minimal crypto.KeyStore for tests.
type fakeKeyStore map[uint64][16]byte

func (f fakeKeyStore) Get(name uint64) ([16]byte, bool) {
	k, ok := f[name]
	return k, ok
}

// S1: single-chunk N-mode container decodes to "Hello".
func TestScenarioS1SingleChunkN(t *testing.T) {
	raw, err := hex.DecodeString("424c544500000000" + hex.EncodeToString([]byte("NHello")))
	require.NoError(t, err)
	got, err := Decode(raw, nil)
	require.NoError(t, err)
	require.Equal(t, "Hello", string(got))
}

// S2: two 1-byte Z-mode chunks concatenate to "ab".
func TestScenarioS2MultiChunkZ(t *testing.T) {
	chunkA, err := encodeChunkBody([]byte("a"), ModeDeflate)
	require.NoError(t, err)
	chunkB, err := encodeChunkBody([]byte("b"), ModeDeflate)
	require.NoError(t, err)

	var buf bytes.Buffer
	buf.WriteString(magic)
	headerSize := 4 + 24*2
	buf.Write([]byte{0, 0, 0, byte(headerSize)})
	buf.WriteByte(0x0F)
	buf.Write([]byte{0, 0, 2})
	for _, c := range [][]byte{chunkA, chunkB} {
		sum := md5.Sum(c)
		var entry [24]byte
		binary.BigEndian.PutUint32(entry[0:4], uint32(len(c)))
		binary.BigEndian.PutUint32(entry[4:8], uint32(len(c)))
		copy(entry[8:24], sum[:])
		buf.Write(entry[:])
	}
	buf.Write(chunkA)
	buf.Write(chunkB)

	got, err := Decode(buf.Bytes(), nil)
	require.NoError(t, err)
	require.Equal(t, "ab", string(got))
}

// S3: single Salsa20-encrypted chunk with key_name 0xFA505078126ACB3E wraps
// an inner N-mode "x".
func TestScenarioS3EncryptedChunk(t *testing.T) {
	key := [16]byte{0xBD, 0xC5, 0x18, 0x62, 0xAB, 0xED, 0x79, 0xB2, 0xDE, 0x48, 0xC8, 0x53, 0x17, 0x7C, 0xC8, 0xFF}
	keyName := uint64(0xFA505078126ACB3E)
	iv := []byte{0x01, 0x02, 0x03, 0x04}

	inner := append([]byte{byte(ModeNone)}, []byte("x")...)
	cipherBody := crypto.EncryptSalsa20(key, iv, 0, inner)

	var chunkBody bytes.Buffer
	chunkBody.WriteByte(byte(ModeEncrypted))
	chunkBody.WriteByte(8) // key_name_size
	var keyNameBuf [8]byte
	binary.LittleEndian.PutUint64(keyNameBuf[:], keyName)
	chunkBody.Write(keyNameBuf[:])
	chunkBody.WriteByte(byte(len(iv)))
	chunkBody.Write(iv)
	chunkBody.WriteByte(byte(crypto.EncSalsa20))
	chunkBody.Write(cipherBody)

	var out bytes.Buffer
	out.WriteString(magic)
	out.Write([]byte{0, 0, 0, 0})
	out.Write(chunkBody.Bytes())

	keys := fakeKeyStore{keyName: key}
	got, err := Decode(out.Bytes(), keys)
	require.NoError(t, err)
	require.Equal(t, "x", string(got))
}

func TestScenarioS3MissingKeyErrors(t *testing.T) {
	key := [16]byte{0xBD, 0xC5, 0x18, 0x62, 0xAB, 0xED, 0x79, 0xB2, 0xDE, 0x48, 0xC8, 0x53, 0x17, 0x7C, 0xC8, 0xFF}
	keyName := uint64(0xFA505078126ACB3E)
	iv := []byte{0x01, 0x02, 0x03, 0x04}

	inner := append([]byte{byte(ModeNone)}, []byte("x")...)
	cipherBody := crypto.EncryptSalsa20(key, iv, 0, inner)

	var chunkBody bytes.Buffer
	chunkBody.WriteByte(byte(ModeEncrypted))
	chunkBody.WriteByte(8)
	var keyNameBuf [8]byte
	binary.LittleEndian.PutUint64(keyNameBuf[:], keyName)
	chunkBody.Write(keyNameBuf[:])
	chunkBody.WriteByte(byte(len(iv)))
	chunkBody.Write(iv)
	chunkBody.WriteByte(byte(crypto.EncSalsa20))
	chunkBody.Write(cipherBody)

	var out bytes.Buffer
	out.WriteString(magic)
	out.Write([]byte{0, 0, 0, 0})
	out.Write(chunkBody.Bytes())

	_, err := Decode(out.Bytes(), fakeKeyStore{})
	require.Error(t, err)
}

// Property 3: Encode then Decode recovers the original plaintext exactly.
func TestRoundTripIdentity(t *testing.T) {
	plaintext := []byte("the quick brown fox jumps over the lazy dog, repeated for compressibility. " +
		"the quick brown fox jumps over the lazy dog, repeated for compressibility.")

	for _, mode := range []Mode{ModeNone, ModeDeflate, ModeLZ4} {
		encoded, err := Encode(plaintext, EncodeOptions{Mode: mode})
		require.NoError(t, err, "mode %q", mode)
		decoded, err := Decode(encoded, nil)
		require.NoError(t, err, "mode %q", mode)
		require.Equal(t, plaintext, decoded, "mode %q", mode)
	}
}

// Property 4: chunk boundaries don't affect the decoded result.
func TestChunkOrderIndependentOfBoundaries(t *testing.T) {
	plaintext := []byte("0123456789abcdefghijklmnopqrstuvwxyz")

	whole, err := Encode(plaintext, EncodeOptions{Mode: ModeNone})
	require.NoError(t, err)
	chunked, err := Encode(plaintext, EncodeOptions{Mode: ModeNone, ChunkSize: 5})
	require.NoError(t, err)

	wholeDecoded, err := Decode(whole, nil)
	require.NoError(t, err)
	chunkedDecoded, err := Decode(chunked, nil)
	require.NoError(t, err)

	require.Equal(t, wholeDecoded, chunkedDecoded)
	require.Equal(t, plaintext, chunkedDecoded)
}

// The chunk table's decompressed_size field must record each chunk's
// plaintext length, not its (possibly shorter) encoded length.
func TestEncodeChunkTableRecordsDecompressedSize(t *testing.T) {
	plaintext := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
	encoded, err := Encode(plaintext, EncodeOptions{Mode: ModeDeflate, ChunkSize: 5})
	require.NoError(t, err)

	h, err := parseHeader(bytes.NewReader(encoded))
	require.NoError(t, err)
	require.Len(t, h.chunks, 8) // 36 bytes / 5-byte chunks, rounded up

	for i, ci := range h.chunks {
		want := uint32(5)
		if i == len(h.chunks)-1 {
			want = uint32(len(plaintext) % 5)
		}
		require.EqualValues(t, want, ci.decompSize, "chunk %d", i)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	_, err := Decode([]byte("XXXX\x00\x00\x00\x00Nhi"), nil)
	require.Error(t, err)
}

func TestDecodeRejectsChecksumMismatch(t *testing.T) {
	body := append([]byte{byte(ModeNone)}, []byte("data")...)
	var out bytes.Buffer
	out.WriteString(magic)
	out.Write([]byte{0, 0, 0, 24 + 4})
	out.WriteByte(0x0F)
	out.Write([]byte{0, 0, 1})
	var entry [24]byte
	binary.BigEndian.PutUint32(entry[0:4], uint32(len(body)))
	binary.BigEndian.PutUint32(entry[4:8], uint32(len(body)))
	// Deliberately wrong checksum (all zero).
	out.Write(entry[:])
	out.Write(body)

	_, err := Decode(out.Bytes(), nil)
	require.Error(t, err)
}
