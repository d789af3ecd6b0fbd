package behavior

import "testing"

func TestObserveComputesOscillationForAlternatingSteering(t *testing.T) {
	b := NewAnalyser()
	var f Features
	for i := 0; i < 8; i++ {
		angle := 20.0
		if i%2 == 0 {
			angle = -20.0
		}
		f = b.Observe("s1", Sample{TimeS: float64(i) * 0.1, SteerDeg: angle})
	}
	if f.OscillationRate <= 1 {
		t.Fatalf("expected high oscillation rate for alternating steering, got %v", f.OscillationRate)
	}
}

func TestControlScoreWeightsEachFeatureIndependently(t *testing.T) {
	cases := []struct {
		name string
		f    Features
		want float64
	}{
		{"clean", Features{}, 0},
		{"energy only", Features{SteeringEnergy: 6}, 0.4},
		{"jerk only", Features{SteeringJerk: 4}, 0.3},
		{"oscillation only", Features{OscillationRate: 2}, 0.5},
		{"aggression only", Features{ControlAggression: 6}, 0.3},
		{"all four clamp to 1", Features{SteeringEnergy: 6, SteeringJerk: 4, OscillationRate: 2, ControlAggression: 6}, 1},
	}
	for _, c := range cases {
		if got := ControlScore(c.f); got != c.want {
			t.Errorf("%s: ControlScore() = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestObserveEvictsBeyondHistoryLen(t *testing.T) {
	b := NewAnalyser()
	for i := 0; i < historyLen+10; i++ {
		b.Observe("s1", Sample{TimeS: float64(i) * 0.1, SteerDeg: 1})
	}
	w := b.window("s1")
	w.mu.Lock()
	n := len(w.samples)
	w.mu.Unlock()
	if n != historyLen {
		t.Fatalf("expected window capped at %d samples, got %d", historyLen, n)
	}
}

func TestResetClearsWindow(t *testing.T) {
	b := NewAnalyser()
	b.Observe("s1", Sample{TimeS: 0, SteerDeg: 10})
	b.Reset("s1")
	f := computeFeatures(nil)
	if f != (Features{}) {
		t.Fatalf("expected zero features from an empty window")
	}
}
