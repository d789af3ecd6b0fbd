package trust

import "testing"

func TestUpdateDecaysOnAnomaly(t *testing.T) {
	tr := NewTracker(DefaultWeights())
	before := tr.Value()
	after := tr.Update(1.0, true, 1.0)
	if after >= before {
		t.Fatalf("expected trust to decay on high anomaly, before=%v after=%v", before, after)
	}
}

func TestUpdateDecaysHarderOnAuthFailure(t *testing.T) {
	trA := NewTracker(DefaultWeights())
	trB := NewTracker(DefaultWeights())

	afterAuthOK := trA.Update(0, true, 1.0)
	afterAuthFail := trB.Update(0, false, 1.0)

	if afterAuthFail >= afterAuthOK {
		t.Fatalf("expected auth failure to cost more trust: ok=%v fail=%v", afterAuthOK, afterAuthFail)
	}
}

func TestTrustRecoversWhenClean(t *testing.T) {
	tr := NewTracker(DefaultWeights())
	tr.Update(1.0, false, 0.0) // force it down first
	v1 := tr.Value()
	for i := 0; i < 5; i++ {
		tr.Update(0, true, 1.0)
	}
	v2 := tr.Value()
	if v2 <= v1 {
		t.Fatalf("expected recovery: v1=%v v2=%v", v1, v2)
	}
}

func TestLevelThresholds(t *testing.T) {
	tr := NewTracker(DefaultWeights())
	if tr.Level() != LevelHigh {
		t.Fatalf("expected fresh tracker at full trust to be high, got %v", tr.Level())
	}
}

func TestSecurityModeSwitchesBelowThreshold(t *testing.T) {
	tr := NewTracker(DefaultWeights())
	if tr.SecurityMode() != SecurityModeCryptoOnly {
		t.Fatalf("expected crypto_only at full trust")
	}
	for i := 0; i < 10; i++ {
		tr.Update(1.0, false, 0.0)
	}
	if tr.SecurityMode() != SecurityModeCryptoPlusML {
		t.Fatalf("expected crypto_plus_ml once trust has degraded")
	}
}
