package telemetry

import "testing"

func TestCounterAccumulates(t *testing.T) {
	s := NewSink()
	c := s.Counter("truncated_reads_total", "count of truncated segment reads")
	c.Add(3)
	c.Inc()

	snap := s.Snapshot()
	if snap["truncated_reads_total"] != 4 {
		t.Fatalf("expected 4, got %v", snap["truncated_reads_total"])
	}
}

func TestCounterIsReusedByName(t *testing.T) {
	s := NewSink()
	a := s.Counter("compactions_total", "count of compactions run")
	b := s.Counter("compactions_total", "count of compactions run")
	a.Inc()
	b.Inc()

	snap := s.Snapshot()
	if snap["compactions_total"] != 2 {
		t.Fatalf("expected shared counter to reach 2, got %v", snap["compactions_total"])
	}
}

func TestHistogramRecordsObservations(t *testing.T) {
	s := NewSink()
	h := s.Histogram("compaction_duration_seconds", "compaction wall time", nil)
	h.Observe(0.5)
	h.Observe(1.5)

	snap := s.Snapshot()
	if snap["compaction_duration_seconds_count"] != 2 {
		t.Fatalf("expected 2 samples, got %v", snap["compaction_duration_seconds_count"])
	}
	if snap["compaction_duration_seconds_sum"] != 2.0 {
		t.Fatalf("expected sum 2.0, got %v", snap["compaction_duration_seconds_sum"])
	}
}
