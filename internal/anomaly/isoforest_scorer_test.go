package anomaly

import (
	"testing"

	"github.com/vguard/canguard/contrib"
)

func TestIsoForestScorerTrainsAtConfiguredThreshold(t *testing.T) {
	s := NewIsoForestScorer(5, 50, 1)
	for i := 0; i < 4; i++ {
		if err := s.UpdateBaseline(contrib.UpdateRequest{SenderID: "s1", Features: []float64{1, 1, 1}}); err != nil {
			t.Fatalf("UpdateBaseline: %v", err)
		}
	}
	if s.IsTrained("s1") {
		t.Fatal("expected untrained below threshold")
	}
	if err := s.UpdateBaseline(contrib.UpdateRequest{SenderID: "s1", Features: []float64{1, 1, 1}}); err != nil {
		t.Fatalf("UpdateBaseline: %v", err)
	}
	if !s.IsTrained("s1") {
		t.Fatal("expected trained once the configured threshold is reached")
	}
}

func TestIsoForestScorerDefaultsToConfiguredThreshold(t *testing.T) {
	s := NewIsoForestScorer(0, 0, 0)
	if s.trainingThreshold != defaultTrainingThreshold {
		t.Fatalf("expected default training threshold %d, got %d", defaultTrainingThreshold, s.trainingThreshold)
	}
	if s.maxBufferedSamples != defaultMaxBufferedSamples {
		t.Fatalf("expected default max buffered samples %d, got %d", defaultMaxBufferedSamples, s.maxBufferedSamples)
	}
}

func TestIsoForestScorerConfigureUpdatesInPlace(t *testing.T) {
	s := NewIsoForestScorer(25, 500, 42)
	s.Configure(3, 0, 0)
	if s.trainingThreshold != 3 {
		t.Fatalf("expected Configure to update training threshold, got %d", s.trainingThreshold)
	}
	if s.maxBufferedSamples != 500 {
		t.Fatalf("expected zero argument to leave max buffered samples unchanged, got %d", s.maxBufferedSamples)
	}
}

func TestIsoForestScorerBufferEvictsBeyondCap(t *testing.T) {
	s := NewIsoForestScorer(100, 3, 1)
	for i := 0; i < 10; i++ {
		if err := s.UpdateBaseline(contrib.UpdateRequest{SenderID: "s1", Features: []float64{float64(i)}}); err != nil {
			t.Fatalf("UpdateBaseline: %v", err)
		}
	}
	if len(s.buffers["s1"]) != 3 {
		t.Fatalf("expected buffer capped at 3, got %d", len(s.buffers["s1"]))
	}
}
