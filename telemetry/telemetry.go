// Package telemetry collects operational counters and histograms into an
// in-memory sink using the github.com/prometheus/client_golang client
// types. Transport is explicitly out of scope: nothing here is ever
// registered with a Prometheus registry or exposed over HTTP, per
// spec.md §1's Non-goals; the sink exists purely so the rest of the core
// has somewhere to record "how many truncated reads", "how long did a
// compaction take" without inventing its own metric types.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Sink is an in-memory collection of named counters and histograms,
// built from real prometheus.Counter/prometheus.Histogram instances but
// never wired to a registry or an exporter.
type Sink struct {
	mu         sync.Mutex
	counters   map[string]prometheus.Counter
	histograms map[string]prometheus.Histogram
}

// NewSink returns an empty Sink.
func NewSink() *Sink {
	return &Sink{
		counters:   make(map[string]prometheus.Counter),
		histograms: make(map[string]prometheus.Histogram),
	}
}

// Counter returns the named counter, creating it on first use with the
// given help text.
func (s *Sink) Counter(name, help string) prometheus.Counter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	s.counters[name] = c
	return c
}

// Histogram returns the named histogram, creating it on first use with
// the given help text and bucket boundaries (prometheus.DefBuckets if
// buckets is nil).
func (s *Sink) Histogram(name, help string, buckets []float64) prometheus.Histogram {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.histograms[name]; ok {
		return h
	}
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets})
	s.histograms[name] = h
	return h
}

// Snapshot captures the current value of every counter and the sample
// count/sum of every histogram in the sink, for tests and diagnostics
// that need to read collected values without exporting them.
func (s *Sink) Snapshot() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]float64, len(s.counters)+2*len(s.histograms))
	for name, c := range s.counters {
		var m dto.Metric
		if err := c.Write(&m); err == nil {
			out[name] = m.GetCounter().GetValue()
		}
	}
	for name, h := range s.histograms {
		var m dto.Metric
		if err := h.Write(&m); err == nil {
			out[name+"_count"] = float64(m.GetHistogram().GetSampleCount())
			out[name+"_sum"] = m.GetHistogram().GetSampleSum()
		}
	}
	return out
}
