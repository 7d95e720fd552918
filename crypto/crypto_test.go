package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSalsa20RoundTrip(t *testing.T) {
	key := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	iv := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	plain := []byte("hello, NGDP chunked container!")

	ct := EncryptSalsa20(key, iv, 0, plain)
	pt := DecryptSalsa20(key, iv, 0, ct)
	require.Equal(t, plain, pt)
}

func TestSalsa20ChunkBinding(t *testing.T) {
	key := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	iv := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	plain := []byte("same plaintext, different chunk index")

	ct0 := EncryptSalsa20(key, iv, 0, plain)
	ct1 := EncryptSalsa20(key, iv, 1, plain)
	require.NotEqual(t, ct0, ct1)

	// Decrypting with the wrong chunk index must not recover the plaintext.
	wrong := DecryptSalsa20(key, iv, 1, ct0)
	require.NotEqual(t, plain, wrong)
}

func TestARC4RoundTrip(t *testing.T) {
	key := [16]byte{9, 8, 7, 6, 5, 4, 3, 2, 1, 0, 1, 2, 3, 4, 5, 6}
	iv := []byte{0x01, 0x02, 0x03, 0x04}
	plain := []byte("arc4 composite key test payload")

	ct, err := EncryptARC4(key, iv, 3, plain)
	require.NoError(t, err)
	pt, err := DecryptARC4(key, iv, 3, ct)
	require.NoError(t, err)
	require.Equal(t, plain, pt)
}

func TestARC4ChunkBinding(t *testing.T) {
	key := [16]byte{9, 8, 7, 6, 5, 4, 3, 2, 1, 0, 1, 2, 3, 4, 5, 6}
	iv := []byte{0x01, 0x02, 0x03, 0x04}
	plain := []byte("arc4 chunk binding test payload")

	ct0, err := EncryptARC4(key, iv, 0, plain)
	require.NoError(t, err)
	ct1, err := EncryptARC4(key, iv, 1, plain)
	require.NoError(t, err)
	require.NotEqual(t, ct0, ct1)
}

func TestDecryptBadEncType(t *testing.T) {
	_, err := Decrypt('X', [16]byte{}, nil, 0, nil)
	require.Error(t, err)
}
