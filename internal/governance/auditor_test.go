package governance

import (
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/vguard/canguard/internal/ips"
)

func baseDecision(ts time.Time) *Decision {
	return &Decision{
		SenderID:     "ecu-1",
		FromMode:     ips.ModeOff,
		ToMode:       ips.ModeSoftLimit,
		TrustScore:   0.75,
		AnomalyScore: 0.4,
		Timestamp:    ts,
		NodeID:       "gw-1",
		Inputs:       map[string]interface{}{"anomaly_score": 0.4},
	}
}

func TestValidateAcceptsWellFormedDecision(t *testing.T) {
	a := NewAuditor(zaptest.NewLogger(t), false)
	d := baseDecision(time.Now())
	if err := a.Validate(d); err != nil {
		t.Fatalf("expected valid decision to pass, got %v", err)
	}
	if d.DecisionHash == "" {
		t.Fatal("expected decision hash to be set")
	}
}

func TestValidateRejectsMissingInputs(t *testing.T) {
	a := NewAuditor(zaptest.NewLogger(t), false)
	d := baseDecision(time.Now())
	d.Inputs = nil
	err := a.Validate(d)
	if err == nil {
		t.Fatal("expected missing-inputs violation")
	}
	v, ok := err.(*Violation)
	if !ok || v.Type != ViolationMissingAudit {
		t.Fatalf("expected ViolationMissingAudit, got %v", err)
	}
}

func TestValidateRejectsOutOfBoundsTrust(t *testing.T) {
	a := NewAuditor(zaptest.NewLogger(t), false)
	d := baseDecision(time.Now())
	d.TrustScore = 1.5
	err := a.Validate(d)
	if err == nil {
		t.Fatal("expected out-of-bounds trust violation")
	}
}

func TestValidateRejectsNonMonotonicTimestamp(t *testing.T) {
	a := NewAuditor(zaptest.NewLogger(t), false)
	now := time.Now()
	if err := a.Validate(baseDecision(now)); err != nil {
		t.Fatalf("first decision should validate: %v", err)
	}
	err := a.Validate(baseDecision(now.Add(-time.Second)))
	if err == nil {
		t.Fatal("expected non-monotonic timestamp violation")
	}
}

func TestValidateChainsParentHash(t *testing.T) {
	a := NewAuditor(zaptest.NewLogger(t), false)
	now := time.Now()
	d1 := baseDecision(now)
	if err := a.Validate(d1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d2 := baseDecision(now.Add(time.Millisecond))
	if err := a.Validate(d2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d2.ParentHash != d1.DecisionHash {
		t.Fatalf("expected d2.ParentHash == d1.DecisionHash, got %q != %q", d2.ParentHash, d1.DecisionHash)
	}
}

func TestGetStatsTracksViolationsAndAudits(t *testing.T) {
	a := NewAuditor(zaptest.NewLogger(t), false)
	now := time.Now()
	_ = a.Validate(baseDecision(now))

	bad := baseDecision(now.Add(time.Millisecond))
	bad.Inputs = nil
	_ = a.Validate(bad)

	stats := a.GetStats()
	if stats.AuditedCount != 1 || stats.ViolationCount != 1 {
		t.Fatalf("expected 1 audited and 1 violation, got %+v", stats)
	}
}
