// Package anomaly — engine.go
//
// Anomaly Detector (C8) facade: builds the fixed 9-dimensional feature
// vector (frequency, delta, jitter for steering/speed/brake, in that
// order, zero-filled for any signal absent this cycle) and delegates
// scoring to the configured contrib.AnomalyScorer (default: the
// built-in isolation-forest scorer).
package anomaly

import (
	"fmt"

	"github.com/vguard/canguard/contrib"
	"github.com/vguard/canguard/internal/feature"
)

var signalOrder = [3]string{"steering", "speed", "brake"}

// BuildFeatureVector assembles the fixed 9-dim vector from whatever
// feature.Features are available this cycle. Missing signals contribute
// zeros for all three of their components.
func BuildFeatureVector(bySignal map[string]feature.Features) [FeatureDim]float64 {
	var v [FeatureDim]float64
	for i, sig := range signalOrder {
		f, ok := bySignal[sig]
		if !ok {
			continue
		}
		v[i*3+0] = f.Frequency
		v[i*3+1] = f.Delta
		v[i*3+2] = f.Jitter
	}
	return v
}

// Engine scores feature vectors for senders using a named contrib scorer.
type Engine struct {
	scorerName string
}

// NewEngine builds an Engine that delegates to the contrib scorer
// registered under scorerName. An empty scorerName takes the default
// "isoforest".
func NewEngine(scorerName string) *Engine {
	if scorerName == "" {
		scorerName = "isoforest"
	}
	return &Engine{scorerName: scorerName}
}

// Observe feeds a new sample into the sender's baseline.
func (e *Engine) Observe(senderID string, vec [FeatureDim]float64) error {
	s, err := contrib.GetScorer(e.scorerName)
	if err != nil {
		return fmt.Errorf("anomaly: %w", err)
	}
	return s.UpdateBaseline(contrib.UpdateRequest{SenderID: senderID, Features: vec[:]})
}

// Score computes the anomaly score in [0, 1] for senderID's current vector.
func (e *Engine) Score(senderID string, vec [FeatureDim]float64) (float64, error) {
	s, err := contrib.GetScorer(e.scorerName)
	if err != nil {
		return 0, fmt.Errorf("anomaly: %w", err)
	}
	score, err := s.Score(contrib.ScoreRequest{SenderID: senderID, Features: vec[:]})
	if err != nil {
		return 0, fmt.Errorf("anomaly: score %q: %w", senderID, err)
	}
	return score, nil
}
