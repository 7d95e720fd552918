package cdn

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComposeURL(t *testing.T) {
	got, err := ComposeURL("http", "cdn.example.com", "tpr/wow/", KindData, "abcdef0123456789")
	require.NoError(t, err)
	require.Equal(t, "http://cdn.example.com/tpr/wow/data/ab/cd/abcdef0123456789", got)
}

func TestComposeURLRejectsShortHash(t *testing.T) {
	_, err := ComposeURL("http", "cdn.example.com", "tpr/wow", KindConfig, "ab")
	require.Error(t, err)
}

func TestRangeHeader(t *testing.T) {
	require.Equal(t, "bytes=0-99", Range{Start: 0, End: 99}.Header())
	require.Equal(t, "bytes=100-", Range{Start: 100, End: -1}.Header())
}

type fakeFetcher struct {
	calls []Range
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string, rng *Range) (*Response, error) {
	f.calls = append(f.calls, *rng)
	return &Response{StatusCode: 200}, nil
}

func TestFetchRangesSequentialFallback(t *testing.T) {
	f := &fakeFetcher{}
	resps, err := FetchRanges(context.Background(), f, "http://x", []Range{{Start: 0, End: 9}, {Start: 10, End: 19}})
	require.NoError(t, err)
	require.Len(t, resps, 2)
	require.Len(t, f.calls, 2)
}

type fakeMultiFetcher struct {
	fakeFetcher
	multiCalled bool
}

func (f *fakeMultiFetcher) FetchMultiRange(ctx context.Context, url string, ranges []Range) ([]*Response, error) {
	f.multiCalled = true
	out := make([]*Response, len(ranges))
	for i := range ranges {
		out[i] = &Response{StatusCode: 206}
	}
	return out, nil
}

func TestFetchRangesPrefersMultiRange(t *testing.T) {
	f := &fakeMultiFetcher{}
	resps, err := FetchRanges(context.Background(), f, "http://x", []Range{{Start: 0, End: 9}})
	require.NoError(t, err)
	require.True(t, f.multiCalled)
	require.Len(t, resps, 1)
}

func TestFetchRangesPropagatesError(t *testing.T) {
	f := erroringFetcher{}
	_, err := FetchRanges(context.Background(), f, "http://x", []Range{{Start: 0, End: 1}})
	require.Error(t, err)
}

type erroringFetcher struct{}

func (erroringFetcher) Fetch(ctx context.Context, url string, rng *Range) (*Response, error) {
	return nil, errors.New("boom")
}
