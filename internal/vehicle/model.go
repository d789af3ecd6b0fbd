// Package vehicle — model.go
//
// A minimal kinematic vehicle model used by the bench simulator and by
// the gateway's IPS sanitizer to track the last known-safe speed and
// steering angle per vehicle.
//
// Grounded on the reference vehicle_state engine: speed/steering/brake
// updates arrive from decoded CAN frames, heading and position integrate
// forward at each Tick, and braking decelerates proportionally to brake
// pressure. Reimplemented here as an explicit Tick(dt) state machine
// rather than background threads — the gateway already drives frame
// processing from its own goroutines, so the model stays passive.
package vehicle

import (
	"math"
	"sync"
	"time"
)

const (
	maxSteeringAngleDeg = 45.0
	steeringTurnGain    = 2.0 // degrees of heading change per second per degree of steering
	brakeDecelPerPctS   = 0.5 // km/h per second, per 1% brake pressure
)

// State is a snapshot of one vehicle's kinematic state.
type State struct {
	XPosition      float64
	YPosition      float64
	SpeedKmh       float64
	SteeringDeg    float64
	HeadingDeg     float64
	BrakePct       float64
	LastUpdate     time.Time
}

// Model tracks kinematic state for a single vehicle and integrates it
// forward in time as new control inputs arrive.
type Model struct {
	mu             sync.Mutex
	state          State
	manualControl  bool
}

// NewModel creates a Model with a sane initial cruising state.
func NewModel() *Model {
	return &Model{
		state: State{
			SpeedKmh:   30.0,
			LastUpdate: time.Now(),
		},
	}
}

// UpdateSpeed applies a decoded speed frame. Ignored while ManualOverride
// is active, and while brake pressure is non-zero (braking is authoritative
// over reported ECU speed, matching how a real brake controller would
// override a stale speed broadcast).
func (m *Model) UpdateSpeed(kmh float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.manualControl || m.state.BrakePct > 0 {
		return
	}
	if kmh < 0 {
		kmh = 0
	}
	m.state.SpeedKmh = kmh
}

// ForceSpeed sets speed from an operator/bench override and latches
// manual control, so subsequent ECU speed frames are ignored until Reset.
func (m *Model) ForceSpeed(kmh float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manualControl = true
	if kmh < 0 {
		kmh = 0
	}
	m.state.SpeedKmh = kmh
}

// UpdateSteering applies a decoded steering frame, clamped to the
// vehicle's physical steering range, and integrates heading forward.
func (m *Model) UpdateSteering(deg float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.SteeringDeg = clamp(deg, -maxSteeringAngleDeg, maxSteeringAngleDeg)
	m.integrateHeadingLocked()
}

// ApplyBrake applies a decoded brake-pressure frame (0-100%).
func (m *Model) ApplyBrake(pct float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.BrakePct = clamp(pct, 0, 100)
}

// Tick advances position and, while braking, speed, by dt. Call at a
// steady rate (e.g. 10Hz) from the bench simulator's clock loop.
func (m *Model) Tick(dt time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dtSeconds := dt.Seconds()
	if dtSeconds <= 0 {
		return
	}

	if m.state.BrakePct > 0 {
		decel := m.state.BrakePct * brakeDecelPerPctS * dtSeconds
		m.state.SpeedKmh = math.Max(0, m.state.SpeedKmh-decel)
	}

	speedMS := m.state.SpeedKmh / 3.6
	headingRad := m.state.HeadingDeg * math.Pi / 180
	m.state.XPosition += speedMS * math.Cos(headingRad) * dtSeconds
	m.state.YPosition += speedMS * math.Sin(headingRad) * dtSeconds
	m.state.LastUpdate = time.Now()
}

func (m *Model) integrateHeadingLocked() {
	now := time.Now()
	dt := now.Sub(m.state.LastUpdate).Seconds()
	if dt < 0.01 {
		return
	}
	if m.state.SpeedKmh > 0 && math.Abs(m.state.SteeringDeg) > 0.1 {
		turnRate := m.state.SteeringDeg * steeringTurnGain
		m.state.HeadingDeg = math.Mod(m.state.HeadingDeg+turnRate*dt, 360)
		if m.state.HeadingDeg < 0 {
			m.state.HeadingDeg += 360
		}
	}
	m.state.LastUpdate = now
}

// Snapshot returns a copy of the current state.
func (m *Model) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Reset restores the model to its initial cruising state and clears
// manual control.
func (m *Model) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manualControl = false
	m.state = State{
		SpeedKmh:   30.0,
		LastUpdate: time.Now(),
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
