package listener

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/vguard/canguard/internal/alerts"
	"github.com/vguard/canguard/internal/anomaly"
	"github.com/vguard/canguard/internal/behavior"
	"github.com/vguard/canguard/internal/bus"
	"github.com/vguard/canguard/internal/codec"
	"github.com/vguard/canguard/internal/contextual"
	"github.com/vguard/canguard/internal/governance"
	"github.com/vguard/canguard/internal/ips"
	"github.com/vguard/canguard/internal/keys"
	"github.com/vguard/canguard/internal/observability"
	"github.com/vguard/canguard/internal/operator"
	"github.com/vguard/canguard/internal/physics"
	"github.com/vguard/canguard/internal/security"
	"github.com/vguard/canguard/internal/storage"
	"github.com/vguard/canguard/internal/temporal"
	"github.com/vguard/canguard/internal/vehicle"
)

type memSeq struct{ n uint64 }

func (s *memSeq) Next(string) (uint64, error) {
	s.n++
	return s.n, nil
}

type fakePublisher struct {
	published bool
	allow     bool
}

func (f *fakePublisher) ShouldPublish(ips.Mode) bool { return f.allow }
func (f *fakePublisher) Publish(_ context.Context, _ string, _, _ float64) {
	f.published = true
}

func newTestCoordinator(t *testing.T, pub Publisher) (*Coordinator, *keys.Table, *security.Signer) {
	t.Helper()

	table := keys.NewTable([]keys.DeviceSpec{{DeviceID: "ecu-1", Secret: []byte("test-secret-key-material"), CurrentVersion: 1}})
	verifier := security.NewVerifier(table, 5000, 100)
	signer, err := security.NewSigner("ecu-1", table, &memSeq{})
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	db, err := storage.Open(filepath.Join(t.TempDir(), "ledger.db"), 30)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	log := zaptest.NewLogger(t)
	cfg := Config{
		NodeID:     "gw-1",
		Verifier:   verifier,
		Physics:    physics.NewValidator(),
		Behavior:   behavior.NewAnalyser(),
		Anomaly:    anomaly.NewEngine(""),
		Contextual: contextual.NewValidator(),
		Temporal:   temporal.NewExtractor(0),
		Vehicle:    vehicle.NewModel(),
		Registry:   operator.NewMemRegistry(),
		Auditor:    governance.NewAuditor(log, false),
		AlertSink:  alerts.NewSink(db, log, "gw-1"),
		Metrics:    observability.NewMetrics(),
		Budget:     nil,
		Publisher:  pub,
		Quorum:     nil,
		WindowMS:   1000,
		MLEnabled:  true,
		Log:        log,
	}
	return NewCoordinator(cfg), table, signer
}

func signedFrame(t *testing.T, signer *security.Signer, frameID codec.FrameID, value float64, tsMS int64) bus.Frame {
	t.Helper()
	payload, err := codec.EncodeSignal(frameID, value)
	if err != nil {
		t.Fatalf("EncodeSignal: %v", err)
	}
	env, err := signer.Sign(frameID, payload[:], tsMS)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return bus.Frame{ID: env.DeviceID, Envelope: env, NowMS: tsMS}
}

func TestProcessAcceptsValidSignedFrame(t *testing.T) {
	c, _, signer := newTestCoordinator(t, nil)
	now := time.Now().UnixMilli()

	frame := signedFrame(t, signer, codec.FrameIDSpeed, 50.0, now)
	c.Process(context.Background(), frame)

	if _, ok := c.senders["ecu-1"]; !ok {
		t.Fatal("expected sender to be tracked after processing a valid frame")
	}
}

func TestProcessRejectsBadSignature(t *testing.T) {
	c, table, signer := newTestCoordinator(t, nil)
	now := time.Now().UnixMilli()

	frame := signedFrame(t, signer, codec.FrameIDSpeed, 50.0, now)
	frame.Envelope.Signature = "0000000000000000000000000000000000000000000000000000000000000000"
	c.Process(context.Background(), frame)

	if _, ok := c.senders["ecu-1"]; ok {
		t.Fatal("expected rejected frame not to create sender state")
	}
	_ = table
}

func TestProcessEscalatesIPSModeUnderSustainedAnomalies(t *testing.T) {
	c, _, signer := newTestCoordinator(t, nil)
	now := time.Now().UnixMilli()

	// Drive many extreme, rapidly oscillating steering frames — physics
	// validator should flag these as implausible, dragging trust down
	// and the IPS mode out of OFF.
	for i := 0; i < 40; i++ {
		ts := now + int64(i*100)
		angle := 40.0
		if i%2 == 0 {
			angle = -40.0
		}
		frame := signedFrame(t, signer, codec.FrameIDSteering, angle, ts)
		c.Process(context.Background(), frame)
	}

	st := c.senders["ecu-1"]
	if st == nil {
		t.Fatal("expected sender state to exist")
	}
	if st.ipsState.Mode() == ips.ModeOff {
		t.Fatal("expected IPS mode to have escalated under sustained implausible steering")
	}
}

func TestProcessToleratesSteadySignalsWithContextualAndTemporalWired(t *testing.T) {
	c, _, signer := newTestCoordinator(t, nil)
	now := time.Now().UnixMilli()

	// A steady, low-jitter brake signal should not trip the contextual
	// validator's rules or push the temporal rate-of-change score high
	// enough to escalate the IPS mode on its own.
	jitter := []float64{10.0, 11.0, 9.0, 10.0, 11.0, 9.0, 10.0, 11.0}
	for i, v := range jitter {
		ts := now + int64(i*100)
		frame := signedFrame(t, signer, codec.FrameIDBrake, v, ts)
		c.Process(context.Background(), frame)
	}

	st := c.senders["ecu-1"]
	if st == nil {
		t.Fatal("expected sender state to exist")
	}
	if st.ipsState.Mode() != ips.ModeOff {
		t.Fatal("expected steady brake signal to leave IPS mode at OFF")
	}
}

func TestProcessPublishesToV2VWhenModeElevatedAndAllowed(t *testing.T) {
	pub := &fakePublisher{allow: true}
	c, _, signer := newTestCoordinator(t, pub)
	now := time.Now().UnixMilli()

	for i := 0; i < 40; i++ {
		ts := now + int64(i*100)
		angle := 40.0
		if i%2 == 0 {
			angle = -40.0
		}
		frame := signedFrame(t, signer, codec.FrameIDSteering, angle, ts)
		c.Process(context.Background(), frame)
	}

	if !pub.published {
		t.Fatal("expected publisher to be invoked once IPS mode escalated")
	}
}
