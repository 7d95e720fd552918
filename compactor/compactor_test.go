package compactor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wowemulation-dev/ngdp-go/container"
	"github.com/wowemulation-dev/ngdp-go/segment"
)

func fakeEKey(b byte) []byte {
	k := make([]byte, 16)
	for i := range k {
		k[i] = b
	}
	return k
}

func TestValidateNonOverlapDetectsOverlap(t *testing.T) {
	require.NoError(t, ValidateNonOverlap([]Span{{Offset: 0, Size: 10}, {Offset: 10, Size: 10}}))
	require.Error(t, ValidateNonOverlap([]Span{{Offset: 0, Size: 10}, {Offset: 5, Size: 10}}))
}

func TestBufferCountClamps(t *testing.T) {
	require.Equal(t, 1, BufferCount(0))
	require.Equal(t, 1, BufferCount(1<<16))
	require.Equal(t, 2, BufferCount(1<<18))
	require.Equal(t, 16, BufferCount(1<<30))
}

func TestEncodeDecodeMoveEntryRoundTrip(t *testing.T) {
	e := MoveEntry{SrcSegment: 7, SrcOffset: 123456789, Size: 4096}
	buf := EncodeMoveEntry(e)
	got := DecodeMoveEntry(buf)
	require.Equal(t, e, got)
}

func TestEncodeDecodePlanRoundTrip(t *testing.T) {
	items := []PlanItem{
		{EKey: fakeEKey(0x01), Move: MoveEntry{SrcSegment: 1, SrcOffset: 1, Size: 1}},
		{EKey: fakeEKey(0x02), Move: MoveEntry{SrcSegment: 2, SrcOffset: 2, Size: 2}},
	}
	data := EncodePlan(items)
	require.Len(t, data, 2*MoveEntrySize)

	got, err := DecodePlan(data)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, items[0].Move, got[0])
	require.Equal(t, items[1].Move, got[1])
}

func TestBuildArchiveMergePlanSkipsHighUtilization(t *testing.T) {
	candidates := []SegmentUtilization{
		{SegmentIndex: 0, SegmentSize: 1000, LiveSpans: []Span{{Offset: 0, Size: 100}}},  // 10% utilized
		{SegmentIndex: 1, SegmentSize: 1000, LiveSpans: []Span{{Offset: 0, Size: 900}}},  // 90% utilized
	}
	ekeyOf := func(segIdx uint16, span Span) []byte { return fakeEKey(byte(segIdx)) }

	plan, err := BuildArchiveMergePlan(candidates, ekeyOf)
	require.NoError(t, err)
	require.Len(t, plan.Items, 1)
	require.EqualValues(t, 0, plan.Items[0].Move.SrcSegment)
}

func TestBuildArchiveMergePlanRejectsOverlap(t *testing.T) {
	candidates := []SegmentUtilization{
		{SegmentIndex: 0, SegmentSize: 1000, LiveSpans: []Span{{Offset: 0, Size: 100}, {Offset: 50, Size: 100}}},
	}
	_, err := BuildArchiveMergePlan(candidates, func(uint16, Span) []byte { return nil })
	require.Error(t, err)
}

func TestBuildExtractCompactPlanContiguousIsTruncateOnly(t *testing.T) {
	spans := []LiveSpan{
		{EKey: fakeEKey(0x01), Span: Span{Offset: segment.HeaderBlockSize, Size: 100}},
		{EKey: fakeEKey(0x02), Span: Span{Offset: segment.HeaderBlockSize + 100, Size: 50}},
	}
	plan, truncateOnly, err := BuildExtractCompactPlan(segment.HeaderBlockSize, segment.MaxLocalHeaders, spans)
	require.NoError(t, err)
	require.True(t, truncateOnly)
	require.Empty(t, plan.Items)
}

func TestBuildExtractCompactPlanWithGapBuildsMoves(t *testing.T) {
	spans := []LiveSpan{
		{EKey: fakeEKey(0x01), Span: Span{Offset: segment.HeaderBlockSize, Size: 100}},
		{EKey: fakeEKey(0x02), Span: Span{Offset: segment.HeaderBlockSize + 200, Size: 50}}, // gap
	}
	plan, truncateOnly, err := BuildExtractCompactPlan(segment.HeaderBlockSize, segment.MaxLocalHeaders, spans)
	require.NoError(t, err)
	require.False(t, truncateOnly)
	require.Len(t, plan.Items, 1)
	require.Equal(t, fakeEKey(0x02), plan.Items[0].EKey)
}

func TestBuildExtractCompactPlanRejectsUndersizedSegment(t *testing.T) {
	_, _, err := BuildExtractCompactPlan(10, segment.MaxLocalHeaders, nil)
	require.Error(t, err)

	_, _, err = BuildExtractCompactPlan(segment.HeaderBlockSize, 1, nil)
	require.Error(t, err)
}

func TestExecuteRelocatesAndUpdatesKMT(t *testing.T) {
	dir := t.TempDir()
	c, err := container.Open(dir)
	require.NoError(t, err)
	defer c.Close()

	key, err := c.Write([]byte("live payload"))
	require.NoError(t, err)

	loc, ok := c.KMT().Get(key)
	require.True(t, ok)

	srcSegment := uint16(loc.Offset / segment.SegmentSize)
	plan := MovePlan{Items: []PlanItem{{EKey: key, Move: MoveEntry{SrcSegment: srcSegment, SrcOffset: loc.Offset, Size: loc.Size}}}}
	errs := Execute(c, plan)
	require.Empty(t, errs)

	got, err := c.Read(key, 0, len("live payload"))
	require.NoError(t, err)
	require.Equal(t, []byte("live payload"), got)
}

func TestExtractBackupAppendAndReload(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/data.extract_bu"

	b, err := OpenExtractBackup(path)
	require.NoError(t, err)
	require.NoError(t, b.Append(5))
	require.NoError(t, b.Append(9))
	require.Equal(t, []uint32{5, 9}, b.Indices())
	require.NoError(t, b.Close())

	reopened, err := OpenExtractBackup(path)
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, []uint32{5, 9}, reopened.Indices())
}

func TestExtractBackupPrunesInvalidIndices(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/data.extract_bu"

	b, err := OpenExtractBackup(path)
	require.NoError(t, err)
	require.NoError(t, b.Append(3))
	require.NoError(t, b.Append(MaxValidSegmentIndexForBackup)) // invalid, should be pruned on reload
	require.NoError(t, b.Close())

	reopened, err := OpenExtractBackup(path)
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, []uint32{3}, reopened.Indices())
}

func TestExtractBackupClear(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/data.extract_bu"

	b, err := OpenExtractBackup(path)
	require.NoError(t, err)
	require.NoError(t, b.Append(1))
	require.NoError(t, b.Clear())
	require.Empty(t, b.Indices())
	require.NoError(t, b.Close())
}
