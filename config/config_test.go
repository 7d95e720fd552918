package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAndAccessors(t *testing.T) {
	text := `
# a comment
root = a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6
encoding = a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6 1122334455667788990011223344556 6789
vfs-root = aabbccddeeff00112233445566778899 100
`
	c := NewBuildConfig(text)
	require.Equal(t, []string{"a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6"}, c.Root())
	require.Len(t, c.Encoding(), 3)
	hash, size, ok := c.HashWithSize(KeyVFSRootPrefix)
	require.True(t, ok)
	require.Equal(t, "aabbccddeeff00112233445566778899", hash)
	require.EqualValues(t, 100, size)
}

func TestVFSKey(t *testing.T) {
	require.Equal(t, "vfs-3", VFSKey(3))
}

func TestWriteRoundTrip(t *testing.T) {
	f := Parse("a = 1 2 3\nb = x\n")
	f2 := Parse(f.Write())
	require.Equal(t, f.Tokens("a"), f2.Tokens("a"))
	require.Equal(t, f.Tokens("b"), f2.Tokens("b"))
}
