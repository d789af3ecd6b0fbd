// Package governance enforces a small set of invariants on every IPS
// sanitisation decision before it is allowed to reach the bus or the
// audit ledger.
//
// Four axioms are retained from the host-agent lineage this gateway
// descends from — the other three (Isolation, Reproducibility-of-
// process-state, Authority) describe process/container containment
// concepts that have no reading on a vehicle bus and are dropped:
//
//  1. Bounded Inputs  — every numeric input must be finite and within
//     its declared range; trust and anomaly scores live in [0, 1],
//     IPS modes in [OFF, CRITICAL].
//  2. Determinism     — a decision is hashed from its canonical inputs,
//     so the same inputs always produce the same decision hash.
//  3. Evidence        — a decision with no recorded inputs is rejected;
//     nothing escalates or de-escalates without an audit trail.
//  4. Abort > Drift   — timestamps must move forward; a clock rolling
//     backwards halts validation rather than silently accepting a
//     decision that can't be ordered against its predecessor.
package governance

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vguard/canguard/internal/ips"
)

// ViolationType names a specific invariant breach.
type ViolationType string

const (
	ViolationNonDeterministic  ViolationType = "non_deterministic_decision"
	ViolationUnboundedParameter ViolationType = "unbounded_parameter"
	ViolationNonMonotonicTime  ViolationType = "non_monotonic_time"
	ViolationMissingAudit      ViolationType = "missing_audit_trail"
	ViolationNaNInf            ViolationType = "nan_inf_detected"
)

// Violation reports a single invariant breach.
type Violation struct {
	Type      ViolationType          `json:"type"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context"`
}

func (v *Violation) Error() string {
	return fmt.Sprintf("governance violation [%s]: %s", v.Type, v.Message)
}

// Decision is a single IPS mode transition awaiting audit validation.
type Decision struct {
	SenderID     string                 `json:"sender_id"`
	FromMode     ips.Mode               `json:"from_mode"`
	ToMode       ips.Mode               `json:"to_mode"`
	TrustScore   float64                `json:"trust_score"`
	AnomalyScore float64                `json:"anomaly_score"`
	Timestamp    time.Time              `json:"timestamp"`
	NodeID       string                 `json:"node_id"`
	Inputs       map[string]interface{} `json:"inputs"`
	DecisionHash string                 `json:"decision_hash"`
	ParentHash   string                 `json:"parent_hash"`
	Audited      bool                   `json:"audited"`
}

// Bounds are the allowed ranges for decision parameters.
type Bounds struct {
	TrustMin, TrustMax     float64
	AnomalyMin, AnomalyMax float64
	ModeMin, ModeMax       ips.Mode
	TimestampSkewTolerance time.Duration
}

// DefaultBounds returns the gateway's production parameter bounds.
func DefaultBounds() Bounds {
	return Bounds{
		TrustMin: 0.0, TrustMax: 1.0,
		AnomalyMin: 0.0, AnomalyMax: 1.0,
		ModeMin: ips.ModeOff, ModeMax: ips.ModeCritical,
		TimestampSkewTolerance: 5 * time.Second,
	}
}

// Auditor validates every sanitisation decision against the four
// retained axioms and chains accepted decisions into a Merkle-style
// hash sequence for the audit ledger.
type Auditor struct {
	mu               sync.Mutex
	bounds           Bounds
	lastTimestamp    time.Time
	lastDecisionHash string
	violationCount   int64
	auditedCount     int64
	log              *zap.Logger
	strict           bool // panics on violation; tests only
}

// NewAuditor creates an Auditor with default bounds.
func NewAuditor(log *zap.Logger, strict bool) *Auditor {
	a := &Auditor{
		bounds:        DefaultBounds(),
		lastTimestamp: time.Now(),
		log:           log,
		strict:        strict,
	}
	a.log.Info("governance auditor initialized",
		zap.Bool("strict_mode", strict),
		zap.Duration("time_skew_tolerance", a.bounds.TimestampSkewTolerance))
	return a
}

// Validate enforces the four axioms on decision, setting its
// DecisionHash and ParentHash on success.
func (a *Auditor) Validate(decision *Decision) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkTimeMonotonicity(decision.Timestamp); err != nil {
		return a.handleViolation(err)
	}
	if err := a.checkBounds(decision); err != nil {
		return a.handleViolation(err)
	}
	if decision.Inputs == nil || len(decision.Inputs) == 0 {
		return a.handleViolation(&Violation{
			Type:      ViolationMissingAudit,
			Message:   "decision recorded no inputs",
			Timestamp: time.Now(),
			Context:   map[string]interface{}{"sender_id": decision.SenderID},
		})
	}

	hash, err := a.computeDecisionHash(decision)
	if err != nil {
		return fmt.Errorf("compute decision hash: %w", err)
	}
	decision.DecisionHash = hash
	decision.ParentHash = a.lastDecisionHash
	a.lastDecisionHash = hash

	a.lastTimestamp = decision.Timestamp
	a.auditedCount++
	decision.Audited = true

	a.log.Debug("decision audited",
		zap.String("sender_id", decision.SenderID),
		zap.String("to_mode", decision.ToMode.String()),
		zap.String("hash", hash[:16]),
		zap.Int64("audited_count", a.auditedCount))

	return nil
}

func (a *Auditor) checkTimeMonotonicity(ts time.Time) error {
	if ts.Before(a.lastTimestamp) {
		return &Violation{
			Type:      ViolationNonMonotonicTime,
			Message:   fmt.Sprintf("time went backwards: %v < %v", ts, a.lastTimestamp),
			Timestamp: time.Now(),
			Context: map[string]interface{}{
				"current":  ts.Format(time.RFC3339Nano),
				"previous": a.lastTimestamp.Format(time.RFC3339Nano),
			},
		}
	}
	if skew := ts.Sub(a.lastTimestamp); skew > a.bounds.TimestampSkewTolerance {
		a.log.Warn("large timestamp skew between decisions",
			zap.Duration("skew", skew), zap.Duration("tolerance", a.bounds.TimestampSkewTolerance))
	}
	return nil
}

func (a *Auditor) checkBounds(d *Decision) error {
	if math.IsNaN(d.TrustScore) || math.IsInf(d.TrustScore, 0) {
		return &Violation{Type: ViolationNaNInf, Message: fmt.Sprintf("trust score is NaN/Inf: %f", d.TrustScore), Timestamp: time.Now()}
	}
	if d.TrustScore < a.bounds.TrustMin || d.TrustScore > a.bounds.TrustMax {
		return &Violation{
			Type:    ViolationUnboundedParameter,
			Message: fmt.Sprintf("trust score %.4f outside bounds [%.2f, %.2f]", d.TrustScore, a.bounds.TrustMin, a.bounds.TrustMax),
			Timestamp: time.Now(),
			Context:   map[string]interface{}{"parameter": "trust_score", "value": d.TrustScore},
		}
	}
	if math.IsNaN(d.AnomalyScore) || math.IsInf(d.AnomalyScore, 0) {
		return &Violation{Type: ViolationNaNInf, Message: fmt.Sprintf("anomaly score is NaN/Inf: %f", d.AnomalyScore), Timestamp: time.Now()}
	}
	if d.AnomalyScore < a.bounds.AnomalyMin || d.AnomalyScore > a.bounds.AnomalyMax {
		return &Violation{
			Type:    ViolationUnboundedParameter,
			Message: fmt.Sprintf("anomaly score %.4f outside bounds [%.2f, %.2f]", d.AnomalyScore, a.bounds.AnomalyMin, a.bounds.AnomalyMax),
			Timestamp: time.Now(),
			Context:   map[string]interface{}{"parameter": "anomaly_score", "value": d.AnomalyScore},
		}
	}
	if d.ToMode < a.bounds.ModeMin || d.ToMode > a.bounds.ModeMax {
		return &Violation{
			Type:    ViolationUnboundedParameter,
			Message: fmt.Sprintf("to_mode %d outside bounds [%d, %d]", d.ToMode, a.bounds.ModeMin, a.bounds.ModeMax),
			Timestamp: time.Now(),
			Context:   map[string]interface{}{"parameter": "to_mode", "value": d.ToMode},
		}
	}
	return nil
}

// computeDecisionHash produces a canonical SHA-256 hash of a decision's
// inputs, giving the same inputs the same hash every time.
func (a *Auditor) computeDecisionHash(d *Decision) (string, error) {
	canonical := map[string]interface{}{
		"sender_id":     d.SenderID,
		"from_mode":     uint8(d.FromMode),
		"to_mode":       uint8(d.ToMode),
		"trust_score":   fmt.Sprintf("%.8f", d.TrustScore),
		"anomaly_score": fmt.Sprintf("%.8f", d.AnomalyScore),
		"timestamp":     d.Timestamp.UnixNano(),
		"node_id":       d.NodeID,
		"inputs":        d.Inputs,
	}
	jsonBytes, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("marshal canonical decision: %w", err)
	}
	hash := sha256.Sum256(jsonBytes)
	return hex.EncodeToString(hash[:]), nil
}

func (a *Auditor) handleViolation(err error) error {
	a.violationCount++
	v, ok := err.(*Violation)
	if !ok {
		v = &Violation{Type: "unknown", Message: err.Error(), Timestamp: time.Now()}
	}
	a.log.Error("governance violation",
		zap.String("type", string(v.Type)),
		zap.String("message", v.Message),
		zap.Any("context", v.Context),
		zap.Int64("total_violations", a.violationCount))
	if a.strict {
		panic(fmt.Sprintf("governance violation in strict mode: %v", v))
	}
	return v
}

// Stats summarizes the auditor's lifetime counters.
type Stats struct {
	AuditedCount     int64  `json:"audited_count"`
	ViolationCount   int64  `json:"violation_count"`
	LastDecisionHash string `json:"last_decision_hash"`
}

// GetStats returns the auditor's current counters.
func (a *Auditor) GetStats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		AuditedCount:     a.auditedCount,
		ViolationCount:   a.violationCount,
		LastDecisionHash: a.lastDecisionHash,
	}
}
