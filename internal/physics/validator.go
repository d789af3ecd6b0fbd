// Package physics — validator.go
//
// Physics Validator (C6): a mandatory, non-negotiable check of vehicle
// dynamics plausibility. Unlike the other detection layers this one
// is a hard constraint — its overall_valid result gates sanitisation
// independent of the learned anomaly/trust scores.
package physics

import (
	"math"
	"sync"
)

const (
	maxAccelerationMPS2    = 4.0 // m/s^2
	maxDecelerationMPS2    = 9.0 // m/s^2
	maxSpeedDeltaPerCycle  = 5.0 // km/h, used when dt is too small to trust an accel estimate
	minTrustedDtSeconds    = 0.2
	maxSteeringRateDegPerS = 30.0

	corrBrakeThresholdFrac   = 0.10 // >10% brake pressure
	corrSpeedIncreaseKmh     = 1.0
	corrHighSpeedKmh         = 80.0
	corrHighSpeedSteeringDeg = 1.0
	corrHighSpeedSamples     = 10
	corrHighSpeedMinHits     = 8
	corrExtremeSpeedKmh      = 60.0
	corrExtremeSteeringDeg   = 25.0
)

const historyLen = 10

// Sample is one (speed, steering, brake) observation at a point in time.
type Sample struct {
	TimeS    float64
	SpeedKmh float64
	SteerDeg float64
	BrakePct float64
}

// senderHistory is a fixed-capacity ring of recent samples for one sender.
type senderHistory struct {
	mu      sync.Mutex
	samples []Sample
}

func (h *senderHistory) push(s Sample) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples = append(h.samples, s)
	if len(h.samples) > historyLen {
		h.samples = h.samples[len(h.samples)-historyLen:]
	}
}

func (h *senderHistory) snapshot() []Sample {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Sample(nil), h.samples...)
}

// Validator tracks per-sender history and evaluates physical plausibility.
type Validator struct {
	mu        sync.Mutex
	senders   map[string]*senderHistory
}

// NewValidator builds an empty Validator.
func NewValidator() *Validator {
	return &Validator{senders: make(map[string]*senderHistory)}
}

func (v *Validator) history(senderID string) *senderHistory {
	v.mu.Lock()
	defer v.mu.Unlock()
	h, ok := v.senders[senderID]
	if !ok {
		h = &senderHistory{}
		v.senders[senderID] = h
	}
	return h
}

// Result is the outcome of validating one new sample against history.
// Scores follow the "1=perfect" convention: a clean sample scores 1,
// a clamped severe violation scores toward 0. A sub-component is
// valid when its score is > 0.5.
type Result struct {
	SpeedValid       bool
	SteeringValid    bool
	CorrelationValid bool
	SpeedScore       float64
	SteeringScore    float64
	CorrelationScore float64
	OverallScore     float64 // 0.5*speed + 0.3*steering + 0.2*correlation
	OverallValid     bool    // speedValid && steeringValid && correlationValid
}

// Observe records a new sample for senderID and validates it against
// the sender's recent history.
func (v *Validator) Observe(senderID string, s Sample) Result {
	h := v.history(senderID)
	prev := h.snapshot()
	h.push(s)

	var res Result
	res.SpeedScore = validateSpeed(prev, s)
	res.SteeringScore = validateSteering(prev, s)
	res.CorrelationScore = validateCorrelation(append(prev, s))

	res.SpeedValid = res.SpeedScore > 0.5
	res.SteeringValid = res.SteeringScore > 0.5
	res.CorrelationValid = res.CorrelationScore > 0.5

	res.OverallScore = 0.5*res.SpeedScore + 0.3*res.SteeringScore + 0.2*res.CorrelationScore
	res.OverallValid = res.SpeedValid && res.SteeringValid && res.CorrelationValid
	return res
}

// validateSpeed returns the speed plausibility score (1=perfect,
// 0=worst) for cur given the sender's prior history.
func validateSpeed(prev []Sample, cur Sample) float64 {
	if len(prev) == 0 {
		return 1
	}
	last := prev[len(prev)-1]
	dt := cur.TimeS - last.TimeS
	if dt <= 0 {
		return 1
	}

	if dt < minTrustedDtSeconds {
		delta := math.Abs(cur.SpeedKmh - last.SpeedKmh)
		if delta > maxSpeedDeltaPerCycle {
			return 1 - clamp01(delta/(maxSpeedDeltaPerCycle*2))
		}
		return 1
	}

	// Convert km/h delta to m/s^2.
	deltaMPS := (cur.SpeedKmh - last.SpeedKmh) / 3.6
	accel := deltaMPS / dt
	if accel > maxAccelerationMPS2 {
		return 1 - clamp01((accel-maxAccelerationMPS2)/maxAccelerationMPS2)
	}
	if accel < -maxDecelerationMPS2 {
		return 1 - clamp01((-accel-maxDecelerationMPS2)/maxDecelerationMPS2)
	}
	return 1
}

// validateSteering returns the steering-rate plausibility score
// (1=perfect, 0=worst) for cur given the sender's prior history.
func validateSteering(prev []Sample, cur Sample) float64 {
	if len(prev) == 0 {
		return 1
	}
	last := prev[len(prev)-1]
	dt := cur.TimeS - last.TimeS
	if dt <= 0 {
		return 1
	}
	rate := math.Abs(cur.SteerDeg-last.SteerDeg) / dt
	if rate > maxSteeringRateDegPerS {
		return 1 - clamp01((rate-maxSteeringRateDegPerS)/maxSteeringRateDegPerS)
	}
	return 1
}

// validateCorrelation returns the cross-signal correlation
// plausibility score (1=perfect, 0=worst) for the tail of window.
func validateCorrelation(window []Sample) float64 {
	if len(window) < 2 {
		return 1
	}
	last := window[len(window)-1]
	prev := window[len(window)-2]

	var violation float64

	// speed-up-while-braking
	if prev.BrakePct > corrBrakeThresholdFrac*100 && last.SpeedKmh-prev.SpeedKmh > corrSpeedIncreaseKmh {
		violation = math.Max(violation, 0.7)
	}

	// high-speed-no-steering: look at up to the last corrHighSpeedSamples entries.
	start := 0
	if len(window) > corrHighSpeedSamples {
		start = len(window) - corrHighSpeedSamples
	}
	recent := window[start:]
	if last.SpeedKmh > corrHighSpeedKmh {
		flat := 0
		for _, s := range recent {
			if math.Abs(s.SteerDeg) < corrHighSpeedSteeringDeg {
				flat++
			}
		}
		if flat > corrHighSpeedMinHits {
			violation = math.Max(violation, 0.3)
		}
	}

	// extreme-steering-high-speed
	if last.SpeedKmh > corrExtremeSpeedKmh && math.Abs(last.SteerDeg) > corrExtremeSteeringDeg {
		violation = math.Max(violation, 0.6)
	}

	return 1 - clamp01(violation)
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

// Reset clears tracked history for senderID (operator override / device reset).
func (v *Validator) Reset(senderID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.senders, senderID)
}
