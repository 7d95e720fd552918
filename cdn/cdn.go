// Package cdn composes CDN content URLs and exposes the narrow Fetcher
// boundary the rest of the core depends on for range-capable HTTP GETs,
// without this package owning failover policy (that's failover.Manager)
// or the Ribbit/TACT version-discovery protocol (that's ribbit.Client)
// (spec.md §6).
package cdn

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Kind is a CDN content kind.
type Kind string

const (
	KindConfig Kind = "config"
	KindData   Kind = "data"
	KindPatch  Kind = "patch"
)

// ComposeURL builds a CDN content URL:
// {scheme}://{host}/{cdnPath}/{kind}/{hash[0:2]}/{hash[2:4]}/{hash}, with
// any trailing slash on cdnPath stripped first.
func ComposeURL(scheme, host, cdnPath string, kind Kind, hash string) (string, error) {
	if len(hash) < 4 {
		return "", fmt.Errorf("cdn: hash %q too short to shard", hash)
	}
	cdnPath = strings.TrimSuffix(cdnPath, "/")
	return fmt.Sprintf("%s://%s/%s/%s/%s/%s/%s", scheme, host, cdnPath, kind, hash[0:2], hash[2:4], hash), nil
}

// Range is a byte range request, end-inclusive. An Open-ended range uses
// End == -1.
type Range struct {
	Start int64
	End   int64 // inclusive; -1 means "to end of file"
}

// Header renders r as an HTTP Range header value.
func (r Range) Header() string {
	if r.End < 0 {
		return fmt.Sprintf("bytes=%d-", r.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// Response is the narrow shape of an HTTP response this package's callers
// need: status, a subset of headers, and a body stream.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       io.ReadCloser
}

// Fetcher is the boundary a caller implements to perform the actual HTTP
// GET (with optional single-range support); this package never dials a
// socket itself, so swapping in a test double or a real http.Client-backed
// implementation is the caller's choice.
type Fetcher interface {
	Fetch(ctx context.Context, url string, rng *Range) (*Response, error)
}

// MultiRangeFetcher is implemented by a Fetcher that also supports
// multi-range requests natively; callers that only get a plain Fetcher
// fall back to sequential single-range requests for each span.
type MultiRangeFetcher interface {
	Fetcher
	FetchMultiRange(ctx context.Context, url string, ranges []Range) ([]*Response, error)
}

// FetchRanges performs one request per range using f, falling back to
// sequential single-range GETs unless f also implements
// MultiRangeFetcher.
func FetchRanges(ctx context.Context, f Fetcher, url string, ranges []Range) ([]*Response, error) {
	if mr, ok := f.(MultiRangeFetcher); ok {
		return mr.FetchMultiRange(ctx, url, ranges)
	}
	out := make([]*Response, 0, len(ranges))
	for _, r := range ranges {
		r := r
		resp, err := f.Fetch(ctx, url, &r)
		if err != nil {
			return nil, fmt.Errorf("cdn: sequential range fetch: %w", err)
		}
		out = append(out, resp)
	}
	return out, nil
}
