// Package feature — extractor.go
//
// Feature Extractor (C3): maintains a sliding time window of samples
// per signal and reduces it to frequency/delta/jitter features used
// by the behavioural, contextual, and anomaly layers.
package feature

import (
	"math"
	"sync"
	"time"
)

// Sample is one observed value for a signal at a point in time.
type Sample struct {
	TimestampMS int64
	Value       float64
}

// Features summarises a signal's recent window.
type Features struct {
	Signal    string
	Frequency float64 // samples per second over the window
	Delta     float64 // |newest - oldest| value in the window
	Jitter    float64 // stddev of inter-sample intervals / expected interval
}

const defaultWindowMS = 1000

// Extractor tracks one window per signal name.
type Extractor struct {
	mu       sync.Mutex
	windowMS int64
	windows  map[string][]Sample
}

// NewExtractor builds an Extractor with the given window size. A zero
// windowMS takes the default of 1 second.
func NewExtractor(windowMS int64) *Extractor {
	if windowMS == 0 {
		windowMS = defaultWindowMS
	}
	return &Extractor{
		windowMS: windowMS,
		windows:  make(map[string][]Sample),
	}
}

// Add records a new sample for signal, evicting entries older than
// the window relative to timestampMS.
func (e *Extractor) Add(signal string, timestampMS int64, value float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := timestampMS - e.windowMS
	samples := append(e.windows[signal], Sample{TimestampMS: timestampMS, Value: value})

	kept := samples[:0]
	for _, s := range samples {
		if s.TimestampMS >= cutoff {
			kept = append(kept, s)
		}
	}
	e.windows[signal] = kept
}

// Extract computes Features for signal from its current window.
// Returns ok=false if fewer than 2 samples are present.
func (e *Extractor) Extract(signal string) (Features, bool) {
	e.mu.Lock()
	samples := append([]Sample(nil), e.windows[signal]...)
	windowMS := e.windowMS
	e.mu.Unlock()

	if len(samples) < 2 {
		return Features{}, false
	}

	first, last := samples[0], samples[len(samples)-1]
	frequency := float64(len(samples)) / (float64(windowMS) / 1000.0)
	delta := math.Abs(last.Value - first.Value)

	var jitter float64
	if len(samples) > 2 {
		intervals := make([]float64, 0, len(samples)-1)
		for i := 1; i < len(samples); i++ {
			intervals = append(intervals, float64(samples[i].TimestampMS-samples[i-1].TimestampMS))
		}
		// Expected inter-sample interval is the window's span divided by
		// the current sample count, not a fixed config constant — a
		// sender running at 5Hz and one at 50Hz should each see jitter
		// normalised against their own observed rate.
		expected := float64(windowMS) / float64(len(samples))
		jitter = stddev(intervals) / expected
	}

	return Features{
		Signal:    signal,
		Frequency: frequency,
		Delta:     delta,
		Jitter:    jitter,
	}, true
}

// Reset clears all tracked windows. Used on device reset / operator override.
func (e *Extractor) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.windows = make(map[string][]Sample)
}

func stddev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))

	var sumSq float64
	for _, x := range xs {
		d := x - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)))
}
