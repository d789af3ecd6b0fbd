package contextual

import "testing"

func TestUnsafePhysicsRule(t *testing.T) {
	v := NewValidator()
	v.Observe("s1", Sample{TimeS: 0, SpeedKmh: 70, SteerDeg: 0})
	res := v.Observe("s1", Sample{TimeS: 0.1, SpeedKmh: 70, SteerDeg: 20})
	found := false
	for _, f := range res.Violations {
		if f == "unsafe_physics" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected unsafe_physics violation, got %v", res.Violations)
	}
}

func TestContextMismatch(t *testing.T) {
	v := NewValidator()
	v.Observe("s1", Sample{TimeS: 0, SpeedKmh: 10, SteerDeg: 0, BrakePct: 10})
	res := v.Observe("s1", Sample{TimeS: 0.1, SpeedKmh: 10, SteerDeg: 15, BrakePct: 60})
	if res.ViolationScore < weightContextMismatch {
		t.Fatalf("expected at least %v, got %v", weightContextMismatch, res.ViolationScore)
	}
}

func TestExcessiveRate(t *testing.T) {
	v := NewValidator()
	v.Observe("s1", Sample{TimeS: 0, SteerDeg: 0})
	res := v.Observe("s1", Sample{TimeS: 0.1, SteerDeg: 10}) // 100deg/s
	found := false
	for _, f := range res.Violations {
		if f == "excessive_rate" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected excessive_rate violation, got %v", res.Violations)
	}
}

func TestControlHijackOnOscillatingSteering(t *testing.T) {
	// Canonical scenario 5 attack: steering oscillates +-20deg every
	// 100ms at 70km/h — control_hijack must fire on this exact sequence.
	v := NewValidator()
	now := 0.0
	var res Result
	for i := 0; i < 8; i++ {
		angle := 20.0
		if i%2 == 0 {
			angle = -20.0
		}
		res = v.Observe("s1", Sample{TimeS: now, SpeedKmh: 70, SteerDeg: angle})
		now += 0.1
	}
	found := false
	for _, f := range res.Violations {
		if f == "control_hijack" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected control_hijack to fire on oscillating steering, got %v", res.Violations)
	}
}

func TestSignalInjection(t *testing.T) {
	v := NewValidator()
	v.Observe("s1", Sample{TimeS: 0, SpeedKmh: 50, SteerDeg: 0})
	v.Observe("s1", Sample{TimeS: 1, SpeedKmh: 50, SteerDeg: 0})
	v.Observe("s1", Sample{TimeS: 2, SpeedKmh: 50, SteerDeg: 30})
	v.Observe("s1", Sample{TimeS: 3, SpeedKmh: 50, SteerDeg: -30})
	res := v.Observe("s1", Sample{TimeS: 4, SpeedKmh: 50, SteerDeg: 30})
	found := false
	for _, f := range res.Violations {
		if f == "signal_injection" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected signal_injection violation for steering variance with steady speed, got %v", res.Violations)
	}
}

func TestScoreSumsTriggeredWeightsClampedToOne(t *testing.T) {
	v := NewValidator()
	now := 0.0
	var res Result
	for i := 0; i < 8; i++ {
		angle := 40.0
		if i%2 == 0 {
			angle = -40.0
		}
		res = v.Observe("s1", Sample{TimeS: now, SpeedKmh: 70, SteerDeg: angle, BrakePct: 60})
		now += 0.1
	}
	if res.ViolationScore > 1 {
		t.Fatalf("expected violation score clamped to 1.0, got %v", res.ViolationScore)
	}
	if len(res.Violations) < 2 {
		t.Fatalf("expected multiple rules to fire for this combined attack, got %v", res.Violations)
	}
}
