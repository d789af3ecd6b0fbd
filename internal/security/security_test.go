package security

import (
	"testing"

	"github.com/vguard/canguard/internal/codec"
	"github.com/vguard/canguard/internal/keys"
)

type memSeq struct{ n uint64 }

func (m *memSeq) Next(_ string) (uint64, error) {
	m.n++
	return m.n, nil
}

func newTestTable() *keys.Table {
	return keys.NewTable([]keys.DeviceSpec{
		{DeviceID: "ecu-steer-01", Secret: []byte("a-very-secret-device-key"), CurrentVersion: 1},
	})
}

func TestSignVerifyRoundTrip(t *testing.T) {
	table := newTestTable()
	signer, err := NewSigner("ecu-steer-01", table, &memSeq{})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	payload, _ := codec.EncodeSteering(12.5)
	env, err := signer.Sign(codec.FrameIDSteering, payload[:], 1_000_000)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	v := NewVerifier(table, 0, 0)
	if err := v.Verify(env, 1_000_050); err != nil {
		t.Fatalf("expected accept, got %v", err)
	}
}

func TestVerifyRejectsUnknownDevice(t *testing.T) {
	table := newTestTable()
	v := NewVerifier(table, 0, 0)
	env := Envelope{DeviceID: "ghost", TimestampMS: 1, Sequence: 1, Signature: "00", Payload: []byte{1}}
	err := v.Verify(env, 1)
	assertReason(t, err, ReasonUnknownDevice)
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	table := newTestTable()
	signer, _ := NewSigner("ecu-steer-01", table, &memSeq{})
	payload, _ := codec.EncodeSpeed(60)
	env, _ := signer.Sign(codec.FrameIDSpeed, payload[:], 0)

	v := NewVerifier(table, 5000, 0)
	err := v.Verify(env, 10_000)
	assertReason(t, err, ReasonStaleTimestamp)
}

func TestVerifyRejectsReplay(t *testing.T) {
	table := newTestTable()
	signer, _ := NewSigner("ecu-steer-01", table, &memSeq{})
	v := NewVerifier(table, 0, 0)

	p1, _ := codec.EncodeBrake(0)
	env1, _ := signer.Sign(codec.FrameIDBrake, p1[:], 1000)
	if err := v.Verify(env1, 1000); err != nil {
		t.Fatalf("first envelope should accept: %v", err)
	}
	if err := v.Verify(env1, 1000); err == nil {
		t.Fatal("expected replay rejection on resend")
	} else {
		assertReason(t, err, ReasonReplaySequence)
	}
}

func TestVerifyAcceptsRestartAfterLargeGap(t *testing.T) {
	table := newTestTable()
	v := NewVerifier(table, 0, 100)

	key, _ := table.Key("ecu-steer-01", 1)
	_ = key
	seq := &memSeq{n: 500}
	signer, _ := NewSigner("ecu-steer-01", table, seq)

	p, _ := codec.EncodeBrake(10)
	high, _ := signer.Sign(codec.FrameIDBrake, p[:], 1000)
	if err := v.Verify(high, 1000); err != nil {
		t.Fatalf("seed envelope should accept: %v", err)
	}

	seq.n = 1 // simulate device restart, sequence re-anchors low
	low, _ := signer.Sign(codec.FrameIDBrake, p[:], 1000)
	if err := v.Verify(low, 1000); err != nil {
		t.Fatalf("post-restart envelope should accept after large gap: %v", err)
	}
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	table := newTestTable()
	signer, _ := NewSigner("ecu-steer-01", table, &memSeq{})
	p, _ := codec.EncodeSteering(1)
	env, _ := signer.Sign(codec.FrameIDSteering, p[:], 1000)
	env.Signature = "00112233"

	v := NewVerifier(table, 0, 0)
	err := v.Verify(env, 1000)
	assertReason(t, err, ReasonBadSignature)
}

func assertReason(t *testing.T, err error, want Reason) {
	t.Helper()
	re, ok := err.(*RejectedError)
	if !ok {
		t.Fatalf("expected *RejectedError, got %T (%v)", err, err)
	}
	if re.Reason != want {
		t.Fatalf("expected reason %q, got %q", want, re.Reason)
	}
}
