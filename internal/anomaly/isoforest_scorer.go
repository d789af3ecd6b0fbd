package anomaly

import (
	"sync"

	"github.com/vguard/canguard/contrib"
)

const (
	// FeatureDim is the fixed feature vector length: frequency, delta,
	// jitter for steering, speed, brake, in that order.
	FeatureDim = 9

	// defaultTrainingThreshold is the configured default: a sender must
	// accumulate this many buffered samples before its first forest trains.
	defaultTrainingThreshold = 25
	defaultMaxBufferedSamples = 500
	defaultSeed               = 42 // matches the reference implementation's random_state
)

// IsoForestScorer is the built-in contrib.AnomalyScorer backing the
// anomaly detector (C8). It buffers per-sender training samples until
// trainingThreshold is reached, then trains an isolation forest and
// serves Score() from it; UpdateBaseline retrains periodically as new
// samples accumulate so the baseline tracks slow drift.
type IsoForestScorer struct {
	mu                sync.RWMutex
	buffers           map[string][][]float64
	forests           map[string]*Forest
	trainingThreshold int
	maxBufferedSamples int
	seed              int64
}

// NewIsoForestScorer builds an empty scorer. A zero trainingThreshold,
// maxBufferedSamples, or seed takes the configured default (25, 500,
// 42 respectively) — these are configuration values, not embedded
// constants, so a deployment can tune them without a rebuild.
func NewIsoForestScorer(trainingThreshold, maxBufferedSamples int, seed int64) *IsoForestScorer {
	if trainingThreshold == 0 {
		trainingThreshold = defaultTrainingThreshold
	}
	if maxBufferedSamples == 0 {
		maxBufferedSamples = defaultMaxBufferedSamples
	}
	if seed == 0 {
		seed = defaultSeed
	}
	return &IsoForestScorer{
		buffers:            make(map[string][][]float64),
		forests:            make(map[string]*Forest),
		trainingThreshold:  trainingThreshold,
		maxBufferedSamples: maxBufferedSamples,
		seed:               seed,
	}
}

var defaultScorer = NewIsoForestScorer(0, 0, 0)

func init() {
	contrib.RegisterScorer(defaultScorer)
}

// Configure updates the scorer's training parameters in place. Used
// to apply config.DetectionConfig values to the auto-registered
// default scorer, since contrib.RegisterScorer runs in init() before
// config.Load() has parsed anything. A zero argument leaves that
// parameter unchanged.
func (s *IsoForestScorer) Configure(trainingThreshold, maxBufferedSamples int, seed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if trainingThreshold > 0 {
		s.trainingThreshold = trainingThreshold
	}
	if maxBufferedSamples > 0 {
		s.maxBufferedSamples = maxBufferedSamples
	}
	if seed != 0 {
		s.seed = seed
	}
}

// Name implements contrib.AnomalyScorer.
func (s *IsoForestScorer) Name() string { return "isoforest" }

// Score implements contrib.AnomalyScorer. Returns 0 if no forest has
// been trained yet for the sender.
func (s *IsoForestScorer) Score(req contrib.ScoreRequest) (float64, error) {
	s.mu.RLock()
	f := s.forests[req.SenderID]
	s.mu.RUnlock()
	if f == nil {
		return 0, nil
	}
	r := f.DecisionValue(req.Features)
	return ScoreBucket(r), nil
}

// UpdateBaseline implements contrib.AnomalyScorer: accumulates a
// training sample and (re)trains the forest once enough samples exist.
func (s *IsoForestScorer) UpdateBaseline(req contrib.UpdateRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := append(s.buffers[req.SenderID], append([]float64(nil), req.Features...))
	if len(buf) > s.maxBufferedSamples {
		buf = buf[len(buf)-s.maxBufferedSamples:]
	}
	s.buffers[req.SenderID] = buf

	if len(buf) >= s.trainingThreshold {
		s.forests[req.SenderID] = TrainForest(buf, FeatureDim, s.seed)
	}
	return nil
}

// IsTrained reports whether senderID has an established baseline forest.
func (s *IsoForestScorer) IsTrained(senderID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.forests[senderID] != nil
}

// ScoreBucket maps a decision-function value r (sklearn convention:
// negative = more anomalous) to an anomaly score in [0, 1].
//
//	r < -0.10: 0.8 + (|r|-0.10)*2.0
//	r < -0.02: 0.5 + (|r|-0.02)*3.0
//	r <  0.02: 0.2 + |r|*10.0
//	otherwise: 0.0
func ScoreBucket(r float64) float64 {
	abs := r
	if abs < 0 {
		abs = -abs
	}

	var score float64
	switch {
	case r < -0.10:
		score = 0.8 + (abs-0.10)*2.0
	case r < -0.02:
		score = 0.5 + (abs-0.02)*3.0
	case r < 0.02:
		score = 0.2 + abs*10.0
	default:
		score = 0.0
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
