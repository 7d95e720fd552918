package container

import (
	"crypto/md5"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wowemulation-dev/ngdp-go/kmt"
	"github.com/wowemulation-dev/ngdp-go/segment"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	require.NoError(t, err)
	defer c.Close()

	data := []byte("hello dynamic container")
	sum := md5.Sum(data)

	ekey, err := c.Write(data)
	require.NoError(t, err)
	require.Equal(t, sum[:], ekey)
	require.True(t, c.Has(ekey))

	got, err := c.Read(ekey, 0, len(data))
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.True(t, c.Residency().IsResident(ekey))
}

func TestReadPartialRange(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	require.NoError(t, err)
	defer c.Close()

	data := []byte("the quick brown fox jumps over the lazy dog")
	ekey, err := c.Write(data)
	require.NoError(t, err)

	got, err := c.Read(ekey, 4, 5)
	require.NoError(t, err)
	require.Equal(t, []byte("quick"), got)
}

func TestReadMissingKeyErrors(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Read(fakeEKey(0xFF), 0, 1)
	require.Error(t, err)
}

func fakeEKey(b byte) []byte {
	k := make([]byte, 16)
	for i := range k {
		k[i] = b
	}
	return k
}

// Property 6 (as seen through the façade): two distinct payloads get two
// distinct content-addressed keys; removing one leaves the other intact.
func TestWriteDistinctPayloadsThenRemove(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	require.NoError(t, err)
	defer c.Close()

	k1, err := c.Write([]byte("v1"))
	require.NoError(t, err)
	k2, err := c.Write([]byte("v2 longer"))
	require.NoError(t, err)
	require.NotEqual(t, k1, k2)

	got, err := c.Read(k2, 0, len("v2 longer"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2 longer"), got)

	c.Remove(k1)
	require.False(t, c.Has(k1))
	require.False(t, c.Residency().IsResident(k1))
	require.True(t, c.Has(k2))

	_, err = c.Read(k1, 0, 2)
	require.Error(t, err)
}

// A read past a segment that no longer exists reports a missing-archive
// error and removes the key from the KMT, per the façade's Read contract.
func TestReadAgainstMissingSegmentRemovesKey(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	require.NoError(t, err)
	defer c.Close()

	ekey, err := c.Write([]byte("payload"))
	require.NoError(t, err)

	ghostSegment := uint64(99) * segment.SegmentSize
	require.NoError(t, c.KMT().Put(ekey, kmt.Location{Offset: ghostSegment, Size: uint32(len("payload"))}))

	_, err = c.Read(ekey, 0, len("payload"))
	require.Error(t, err)
	require.False(t, c.Has(ekey))
}

func TestCheckpointReflectsTouchedKeys(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, WithLRUCapacity(4))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write([]byte("a"))
	require.NoError(t, err)
	_, err = c.Write([]byte("b"))
	require.NoError(t, err)

	cp := c.Checkpoint()
	require.NotEmpty(t, cp)
}

func TestCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}
