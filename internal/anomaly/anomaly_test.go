package anomaly

import (
	"math/rand"
	"testing"
)

func TestScoreBucketThresholds(t *testing.T) {
	cases := []struct {
		r    float64
		want float64
	}{
		{0.5, 0},
		{0.0, 0.2},
		{-0.01, 0.3},
		{-0.02, 0.5 + (0.02-0.02)*3.0}, // boundary: falls into the -0.10..-0.02 bucket
		{-0.15, 0.8 + (0.15-0.10)*2.0},
	}
	for _, c := range cases {
		got := ScoreBucket(c.r)
		if diff := got - c.want; diff > 1e-9 || diff < -1e-9 {
			t.Fatalf("ScoreBucket(%v) = %v, want %v", c.r, got, c.want)
		}
	}
}

func TestScoreBucketClampedToUnitInterval(t *testing.T) {
	got := ScoreBucket(-5.0)
	if got != 1 {
		t.Fatalf("expected clamp to 1, got %v", got)
	}
}

func TestForestSeparatesOutlier(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	var normal [][]float64
	for i := 0; i < 200; i++ {
		normal = append(normal, []float64{rng.NormFloat64()*0.1 + 1, rng.NormFloat64()*0.1 + 1, rng.NormFloat64()*0.1 + 1})
	}
	f := TrainForest(normal, 3, 7)

	inlierScore := f.RawScore([]float64{1, 1, 1})
	outlierScore := f.RawScore([]float64{50, -50, 50})

	if outlierScore <= inlierScore {
		t.Fatalf("expected outlier raw score (%v) > inlier raw score (%v)", outlierScore, inlierScore)
	}
}

func TestEngineScoresAfterTraining(t *testing.T) {
	e := NewEngine("isoforest")

	for i := 0; i < defaultTrainingThreshold+1; i++ {
		vec := [FeatureDim]float64{1, 1, 1, 1, 1, 1, 1, 1, 1}
		if err := e.Observe("sender-a", vec); err != nil {
			t.Fatalf("observe: %v", err)
		}
	}

	score, err := e.Score("sender-a", [FeatureDim]float64{1, 1, 1, 1, 1, 1, 1, 1, 1})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if score < 0 || score > 1 {
		t.Fatalf("score out of range: %v", score)
	}
}
