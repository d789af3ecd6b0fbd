package vehicle

import (
	"testing"
	"time"
)

func TestUpdateSpeedIgnoredWhileBraking(t *testing.T) {
	m := NewModel()
	m.ApplyBrake(50)
	m.UpdateSpeed(80)
	if got := m.Snapshot().SpeedKmh; got == 80 {
		t.Fatal("expected speed update to be ignored while braking")
	}
}

func TestForceSpeedLatchesManualControl(t *testing.T) {
	m := NewModel()
	m.ForceSpeed(60)
	m.UpdateSpeed(10)
	if got := m.Snapshot().SpeedKmh; got != 60 {
		t.Fatalf("expected manual control to block ECU speed update, got %v", got)
	}
}

func TestTickDeceleratesWhileBraking(t *testing.T) {
	m := NewModel()
	m.ApplyBrake(50)
	before := m.Snapshot().SpeedKmh
	m.Tick(time.Second)
	after := m.Snapshot().SpeedKmh
	if after >= before {
		t.Fatalf("expected speed to decrease under braking, before=%v after=%v", before, after)
	}
}

func TestSteeringClampedToPhysicalRange(t *testing.T) {
	m := NewModel()
	m.UpdateSteering(90)
	if got := m.Snapshot().SteeringDeg; got != maxSteeringAngleDeg {
		t.Fatalf("expected steering clamped to %v, got %v", maxSteeringAngleDeg, got)
	}
}

func TestResetRestoresCruisingState(t *testing.T) {
	m := NewModel()
	m.ForceSpeed(0)
	m.ApplyBrake(100)
	m.Reset()
	snap := m.Snapshot()
	if snap.SpeedKmh != 30.0 || snap.BrakePct != 0 {
		t.Fatalf("expected reset to cruising state, got %+v", snap)
	}
}
