// Package trust — engine.go
//
// Trust Engine (C9): maintains a per-sender trust score in [0, 1] that
// decays under detected anomaly/authentication/temporal risk and
// recovers slowly during clean operation. Feeds the IPS Policy Engine
// (internal/ips) and the V2V publish-gate (internal/v2v).
package trust

import "sync"

const (
	// DefaultAlpha weights the effective (fused) anomaly score's pull on trust.
	DefaultAlpha = 0.10
	// DefaultBeta weights authentication failure's pull on trust.
	DefaultBeta = 0.20
	// DefaultGamma weights temporal-inconsistency's pull on trust.
	DefaultGamma = 0.05
	// DefaultRho is the per-cycle recovery rate applied regardless of risk,
	// letting trust climb back toward 1.0 during sustained clean operation.
	DefaultRho = 0.01
)

// Level is a coarse trust bucket used for logging/metrics and by the
// IPS Policy Engine's own independent thresholding.
type Level string

const (
	LevelHigh     Level = "high"
	LevelMedium   Level = "medium"
	LevelLow      Level = "low"
	LevelCritical Level = "critical"
)

// SecurityMode indicates whether cryptographic authentication alone is
// sufficient to accept a sender's frames, or whether every frame must
// also clear the ML/statistical detection layers.
type SecurityMode string

const (
	SecurityModeCryptoOnly   SecurityMode = "crypto_only"
	SecurityModeCryptoPlusML SecurityMode = "crypto_plus_ml"
)

// Weights configures the trust update law.
type Weights struct {
	Alpha float64
	Beta  float64
	Gamma float64
	Rho   float64
}

// DefaultWeights returns the default decay/recovery weights.
func DefaultWeights() Weights {
	return Weights{Alpha: DefaultAlpha, Beta: DefaultBeta, Gamma: DefaultGamma, Rho: DefaultRho}
}

// Tracker holds one sender's trust score.
type Tracker struct {
	mu        sync.Mutex
	weights   Weights
	value     float64
	mlEnabled bool
}

// NewTracker creates a Tracker starting at full trust (1.0), with the
// ML/statistical anomaly term enabled by default.
func NewTracker(w Weights) *Tracker {
	return &Tracker{weights: w, value: 1.0, mlEnabled: true}
}

// SetMLEnabled toggles whether the learned anomaly score contributes
// to this sender's trust update. Disabling it falls the tracker back
// to cryptographic auth and temporal consistency alone.
func (t *Tracker) SetMLEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mlEnabled = enabled
}

// MLEnabled reports whether the ML/statistical anomaly term is
// currently gated into this sender's trust update.
func (t *Tracker) MLEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mlEnabled
}

// Update applies one trust-update cycle.
//
//	eff_anom = ml_enabled ? anomaly : 0
//	Δ = -α·eff_anom - β·(1-authOK) - γ·(1-temporalConsistency)
//	if eff_anom < 0.1: Δ += ρ
//
// anomaly and temporalConsistency must be in [0, 1]; authOK is
// whether the envelope passed cryptographic verification this cycle.
// Returns the new clamped trust value.
func (t *Tracker) Update(anomaly float64, authOK bool, temporalConsistency float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	effAnomaly := anomaly
	if !t.mlEnabled {
		effAnomaly = 0
	}

	auth := 0.0
	if authOK {
		auth = 1.0
	}

	delta := -t.weights.Alpha*effAnomaly -
		t.weights.Beta*(1-auth) -
		t.weights.Gamma*(1-temporalConsistency)
	if effAnomaly < 0.1 {
		delta += t.weights.Rho
	}

	t.value += delta
	if t.value < 0 {
		t.value = 0
	}
	if t.value > 1 {
		t.value = 1
	}
	return t.value
}

// Value returns the current trust score without updating it.
func (t *Tracker) Value() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}

// Reset restores full trust. Used by the operator override path.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.value = 1.0
}

// Level buckets the current trust score.
func (t *Tracker) Level() Level {
	v := t.Value()
	switch {
	case v > 0.8:
		return LevelHigh
	case v > 0.6:
		return LevelMedium
	case v > 0.4:
		return LevelLow
	default:
		return LevelCritical
	}
}

// SecurityMode reports whether ML/statistical corroboration is
// currently required in addition to cryptographic verification.
func (t *Tracker) SecurityMode() SecurityMode {
	if t.Value() >= 0.8 {
		return SecurityModeCryptoOnly
	}
	return SecurityModeCryptoPlusML
}
