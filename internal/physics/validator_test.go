package physics

import "testing"

func TestValidateSpeedRejectsHardAcceleration(t *testing.T) {
	v := NewValidator()
	v.Observe("s1", Sample{TimeS: 0, SpeedKmh: 20})
	res := v.Observe("s1", Sample{TimeS: 1, SpeedKmh: 100}) // 80km/h in 1s >> 4 m/s^2
	if res.SpeedValid {
		t.Fatal("expected speed invalid for implausible acceleration")
	}
}

func TestValidateSteeringRejectsFastRate(t *testing.T) {
	v := NewValidator()
	v.Observe("s1", Sample{TimeS: 0, SteerDeg: 0})
	res := v.Observe("s1", Sample{TimeS: 0.1, SteerDeg: 20}) // 200 deg/s
	if res.SteeringValid {
		t.Fatal("expected steering invalid for implausible rate")
	}
}

func TestValidateCorrelationSpeedUpWhileBraking(t *testing.T) {
	v := NewValidator()
	v.Observe("s1", Sample{TimeS: 0, SpeedKmh: 50, BrakePct: 60})
	res := v.Observe("s1", Sample{TimeS: 0.1, SpeedKmh: 55, BrakePct: 60})
	if res.CorrelationValid {
		t.Fatal("expected correlation invalid: speeding up while braking hard")
	}
	if res.CorrelationScore != 0.3 { // 1 - 0.7 violation
		t.Fatalf("expected score 0.3, got %v", res.CorrelationScore)
	}
}

func TestOverallScoreBlend(t *testing.T) {
	v := NewValidator()
	res := v.Observe("s1", Sample{TimeS: 0, SpeedKmh: 10})
	if !res.OverallValid {
		t.Fatal("first observation with no history should be valid")
	}
	if res.OverallScore != 1 {
		t.Fatalf("expected perfect score with no history, got %v", res.OverallScore)
	}
}
