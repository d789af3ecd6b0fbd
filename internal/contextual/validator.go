// Package contextual — validator.go
//
// Contextual Validator (C5): five weighted violation rules over a
// per-sender rolling window of joint (speed, steering, brake)
// samples, combined by summing every triggered weight and clamping
// to 1.0. Distinct from the Physics Validator: physics checks the
// signal against kinematic law; this layer checks the signal against
// the sender's own recent behavioural context — abrupt joint-signal
// shifts, oscillation, and disagreeing signal pairs that look like a
// takeover rather than a single noisy reading.
package contextual

import (
	"sync"
)

const historyLen = 20

// Weight constants, in descending severity.
const (
	weightUnsafePhysics   = 0.8
	weightControlHijack   = 0.7
	weightSignalInjection = 0.6
	weightContextMismatch = 0.5
	weightExcessiveRate   = 0.4
)

// Sample is one (speed, steering, brake) observation at a point in time.
type Sample struct {
	TimeS    float64
	SpeedKmh float64
	SteerDeg float64
	BrakePct float64
}

type senderWindow struct {
	mu      sync.Mutex
	samples []Sample
}

func (w *senderWindow) push(s Sample) []Sample {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, s)
	if len(w.samples) > historyLen {
		w.samples = w.samples[len(w.samples)-historyLen:]
	}
	return append([]Sample(nil), w.samples...)
}

// Validator tracks per-sender context and scores incoming samples.
type Validator struct {
	mu      sync.Mutex
	senders map[string]*senderWindow
}

// NewValidator builds an empty Validator.
func NewValidator() *Validator {
	return &Validator{senders: make(map[string]*senderWindow)}
}

func (v *Validator) window(senderID string) *senderWindow {
	v.mu.Lock()
	defer v.mu.Unlock()
	w, ok := v.senders[senderID]
	if !ok {
		w = &senderWindow{}
		v.senders[senderID] = w
	}
	return w
}

// Result is the outcome of validating one sample.
type Result struct {
	ViolationScore float64
	Violations     []string // rule names that fired
}

// Observe records s for senderID and returns the contextual
// violation score: the sum of every triggered rule's weight,
// clamped to 1.0.
func (v *Validator) Observe(senderID string, s Sample) Result {
	samples := v.window(senderID).push(s)
	if len(samples) < 2 {
		return Result{}
	}
	last := samples[len(samples)-1]
	prev := samples[len(samples)-2]

	var score float64
	var fired []string
	add := func(name string, weight float64) {
		score += weight
		fired = append(fired, name)
	}

	// unsafe_physics: |delta steering| > 15deg while speed > 60km/h.
	if last.SpeedKmh > 60 && absF(last.SteerDeg-prev.SteerDeg) > 15 {
		add("unsafe_physics", weightUnsafePhysics)
	}

	// control_hijack: oscillation_rate > 3 flips/s over the last 5 samples.
	recent5 := lastN(samples, 5)
	if len(recent5) >= 3 {
		if rate := oscillationRate(recent5); rate > 3 {
			add("control_hijack", weightControlHijack)
		}
	}

	// signal_injection: steering variance high while speed variance is
	// near zero — the steering signal is moving independently of any
	// plausible driving context.
	if len(recent5) >= 3 {
		steerVar := variance(fieldOf(recent5, func(s Sample) float64 { return s.SteerDeg }))
		speedVar := variance(fieldOf(recent5, func(s Sample) float64 { return s.SpeedKmh }))
		if steerVar > 25 && speedVar < 1 {
			add("signal_injection", weightSignalInjection)
		}
	}

	// context_mismatch: hard braking combined with active steering.
	if last.BrakePct > 50 && absF(last.SteerDeg) > 10 {
		add("context_mismatch", weightContextMismatch)
	}

	// excessive_rate: steering rate of change exceeds 30deg/s.
	if dt := last.TimeS - prev.TimeS; dt > 0 {
		if rate := absF(last.SteerDeg-prev.SteerDeg) / dt; rate > 30 {
			add("excessive_rate", weightExcessiveRate)
		}
	}

	return Result{ViolationScore: clamp01(score), Violations: fired}
}

func lastN(xs []Sample, n int) []Sample {
	if len(xs) <= n {
		return xs
	}
	return xs[len(xs)-n:]
}

func fieldOf(xs []Sample, f func(Sample) float64) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = f(x)
	}
	return out
}

// oscillationRate counts sign changes of the first difference of
// steering across samples, divided by the elapsed duration.
func oscillationRate(samples []Sample) float64 {
	if len(samples) < 3 {
		return 0
	}
	duration := samples[len(samples)-1].TimeS - samples[0].TimeS
	if duration <= 0 {
		return 0
	}
	flips := 0
	prevDelta := samples[1].SteerDeg - samples[0].SteerDeg
	for i := 2; i < len(samples); i++ {
		delta := samples[i].SteerDeg - samples[i-1].SteerDeg
		if sign(delta) != 0 && sign(prevDelta) != 0 && sign(delta) != sign(prevDelta) {
			flips++
		}
		if sign(delta) != 0 {
			prevDelta = delta
		}
	}
	return float64(flips) / duration
}

func variance(xs []float64) float64 {
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
	return sumSq / float64(len(xs))
}

func sign(x float64) int {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}

func absF(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// Reset clears tracked context for senderID.
func (v *Validator) Reset(senderID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.senders, senderID)
}
