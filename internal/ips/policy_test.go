package ips

import (
	"testing"
	"time"
)

func TestUpdateSelectsModeByTrust(t *testing.T) {
	cases := []struct {
		trust float64
		want  Mode
	}{
		{0.9, ModeOff},
		{0.75, ModeSoftLimit},
		{0.6, ModeSafeMode},
		{0.2, ModeCritical},
	}
	for _, c := range cases {
		s := NewState()
		got := s.Update(c.trust, time.Now())
		if got != c.want {
			t.Fatalf("trust=%v: got %v, want %v", c.trust, got, c.want)
		}
	}
}

func TestRecoveryRequiresHysteresisWindow(t *testing.T) {
	s := NewState()
	now := time.Now()
	s.Update(0.2, now) // enter CRITICAL

	mode := s.Update(0.9, now.Add(1*time.Second))
	if mode == ModeOff {
		t.Fatal("expected mode to remain in containment before hysteresis window elapses")
	}

	mode = s.Update(0.9, now.Add(6*time.Second))
	if mode != ModeOff {
		t.Fatalf("expected recovery to OFF after hysteresis window, got %v", mode)
	}
}

func TestRecoveryResetsIfTrustDropsAgain(t *testing.T) {
	s := NewState()
	now := time.Now()
	s.Update(0.2, now)
	s.Update(0.9, now.Add(1*time.Second)) // starts recovery timer
	s.Update(0.3, now.Add(2*time.Second)) // trust drops again before recovering
	mode := s.Update(0.9, now.Add(3*time.Second))
	if mode == ModeOff {
		t.Fatal("expected recovery timer to reset after a renewed trust drop")
	}
}

func TestPinFreezesTransitions(t *testing.T) {
	s := NewState()
	s.Pin(ModeCritical)
	mode := s.Update(0.99, time.Now())
	if mode != ModeCritical {
		t.Fatalf("expected pinned mode to persist, got %v", mode)
	}
	s.Unpin()
	mode = s.Update(0.99, time.Now())
	if mode != ModeCritical {
		// first cycle after unpin starts the recovery timer, doesn't jump straight to OFF
		t.Fatalf("expected mode to still require hysteresis after unpin, got %v", mode)
	}
}

func TestSanitizeSpeedRampsAndClamps(t *testing.T) {
	got := SanitizeSpeed(ModeSafeMode, 100, 30)
	if got != 32 {
		t.Fatalf("expected ramp-limited speed 32, got %v", got)
	}
	got = SanitizeSpeed(ModeCritical, 100, 24)
	if got != 25 {
		t.Fatalf("expected cap at mode limit 25, got %v", got)
	}
}

func TestSanitizeSteeringDecaysTowardCenter(t *testing.T) {
	got := SanitizeSteering(ModeSoftLimit, 20)
	if got != 15 {
		t.Fatalf("expected clamp to mode limit 15, got %v", got)
	}
	got = SanitizeSteering(ModeSafeMode, 5)
	if got != 4.5 {
		t.Fatalf("expected 90%% decay to 4.5, got %v", got)
	}
}
