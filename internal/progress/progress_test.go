package progress

import (
	"sync"
	"testing"

	"github.com/i5heu/ouroboros-media/pkg/errs"
)

func drain(r *Reporter) []Event {
	r.Close()
	var out []Event
	for ev := range r.Events() {
		out = append(out, ev)
	}
	return out
}

func TestReport_MapsStagesToBands(t *testing.T) {
	r := NewReporter()
	r.Report(errs.StageTranscoding, 1, "transcoded")
	r.Report(errs.StageEncrypting, 0.5, "encrypting")
	r.Report(errs.StageUploading, 1, "uploaded")
	r.Report(errs.StageRegistering, 1, "done")

	events := drain(r)
	want := []float64{10, 25, 90, 100}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	for i, ev := range events {
		if ev.Percent != want[i] {
			t.Fatalf("event %d: percent %v, want %v", i, ev.Percent, want[i])
		}
	}
}

func TestReport_IsMonotonic(t *testing.T) {
	r := NewReporter()
	r.Report(errs.StageUploading, 0.5, "")
	r.Report(errs.StageEncrypting, 0.1, "late encrypt event")

	events := drain(r)
	if events[1].Percent < events[0].Percent {
		t.Fatalf("percent went backwards: %v -> %v", events[0].Percent, events[1].Percent)
	}
}

func TestReport_NeverBlocks(t *testing.T) {
	r := NewReporter()
	for i := 0; i < bufferSize*4; i++ {
		r.Report(errs.StageUploading, float64(i)/float64(bufferSize*4), "")
	}
	r.Report(errs.StageRegistering, 1, "final")

	events := drain(r)
	if len(events) != bufferSize {
		t.Fatalf("expected a full buffer of %d, got %d", bufferSize, len(events))
	}
	if last := events[len(events)-1]; last.Message != "final" || last.Percent != 100 {
		t.Fatalf("latest event was dropped: %+v", last)
	}
}

func TestCounter_Concurrent(t *testing.T) {
	r := NewReporter()
	tick := r.Counter(errs.StageUploading, 10, "batch")
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tick()
		}()
	}
	wg.Wait()

	events := drain(r)
	if len(events) != 10 {
		t.Fatalf("got %d events", len(events))
	}
	if events[9].Percent != 90 {
		t.Fatalf("final percent %v, want 90", events[9].Percent)
	}
}

func TestNilReporterIsNoop(t *testing.T) {
	var r *Reporter
	r.Report(errs.StageUploading, 1, "")
	r.Counter(errs.StageUploading, 3, "")()
	r.Close()
}
