package observability

import (
	"testing"
	"time"
)

func TestStageWindowSnapshot(t *testing.T) {
	w := NewStageWindow(8)
	w.SetTarget("Analyzing content", time.Second)
	w.Observe("Analyzing content", 500*time.Millisecond)
	w.Observe("Analyzing content", 700*time.Millisecond)
	w.Observe("Analyzing content", 900*time.Millisecond)
	w.ObserveIndicator("paused")
	w.ObserveIndicator("paused")
	w.ObserveIndicator("  ")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 900 || s.MaxMS != 900 {
		t.Fatalf("LastMS/MaxMS = %.2f/%.2f, want 900/900", s.LastMS, s.MaxMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 1000 {
		t.Fatalf("TargetP95MS = %.2f, want 1000", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v, want one paused=2", snap.Indicators)
	}
}

func TestStageWindowRingWraps(t *testing.T) {
	w := NewStageWindow(2)
	for _, ms := range []int{100, 200, 300} {
		w.Observe("Generating report", time.Duration(ms)*time.Millisecond)
	}
	s := w.Snapshot().Stages[0]
	if s.Samples != 2 {
		t.Fatalf("Samples = %d, want 2", s.Samples)
	}
	if s.AvgMS != 250 {
		t.Fatalf("AvgMS = %.2f, want 250 (oldest sample evicted)", s.AvgMS)
	}
}

func TestStageWindowNilSafe(t *testing.T) {
	var w *StageWindow
	w.Observe("x", time.Millisecond)
	w.ObserveIndicator("x")
	if snap := w.Snapshot(); len(snap.Stages) != 0 {
		t.Fatalf("nil window snapshot has stages: %+v", snap)
	}
}
