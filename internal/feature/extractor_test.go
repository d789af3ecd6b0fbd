package feature

import "testing"

func TestExtractRequiresTwoSamples(t *testing.T) {
	e := NewExtractor(1000)
	e.Add("speed", 0, 10)
	if _, ok := e.Extract("speed"); ok {
		t.Fatal("expected ok=false with a single sample")
	}
	e.Add("speed", 100, 12)
	f, ok := e.Extract("speed")
	if !ok {
		t.Fatal("expected ok=true with two samples")
	}
	if f.Delta != 2 {
		t.Fatalf("expected delta=2, got %v", f.Delta)
	}
}

func TestExtractEvictsOldSamples(t *testing.T) {
	e := NewExtractor(500)
	e.Add("steering", 0, 0)
	e.Add("steering", 200, 1)
	e.Add("steering", 2000, 2) // far beyond the window, should evict earlier samples
	f, ok := e.Extract("steering")
	if !ok {
		t.Fatal("expected ok=true")
	}
	if f.Delta != 0 {
		t.Fatalf("expected only the latest sample to survive eviction, delta=%v", f.Delta)
	}
}

func TestExtractJitterRequiresThreeSamples(t *testing.T) {
	e := NewExtractor(2000)
	e.Add("brake", 0, 0)
	e.Add("brake", 100, 0)
	f, _ := e.Extract("brake")
	if f.Jitter != 0 {
		t.Fatalf("expected jitter=0 with only 2 samples, got %v", f.Jitter)
	}
	e.Add("brake", 250, 0)
	f, _ = e.Extract("brake")
	if f.Jitter == 0 {
		t.Fatal("expected nonzero jitter with uneven intervals across 3 samples")
	}
}
