package v2v

import (
	"crypto/ed25519"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type recordingQuorum struct {
	senderID, peerID string
	score            float64
	called           bool
}

func (r *recordingQuorum) Record(senderID, peerID string, anomalyScore float64) {
	r.senderID, r.peerID, r.score, r.called = senderID, peerID, anomalyScore, true
}

func TestHandleEnvelopeAcceptsValidSignature(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	q := &recordingQuorum{}
	srv := NewServer("peer-a", map[string]ed25519.PublicKey{"peer-a": pub}, 30*time.Second, q, zaptest.NewLogger(t))

	env := Envelope{NodeID: "peer-a", TimestampUnixNs: time.Now().UnixNano(), SenderID: "ecu-1", AnomalyScore: 0.8}
	env.Signature = Sign(priv, env)

	resp := srv.handleEnvelope(env)
	if !resp.Accepted {
		t.Fatalf("expected envelope to be accepted, got reason %q", resp.RejectionReason)
	}
	if !q.called || q.senderID != "ecu-1" {
		t.Fatal("expected quorum accumulator to record the observation")
	}
}

func TestHandleEnvelopeRejectsUnknownPeer(t *testing.T) {
	srv := NewServer("peer-a", map[string]ed25519.PublicKey{}, 30*time.Second, &recordingQuorum{}, zaptest.NewLogger(t))
	env := Envelope{NodeID: "peer-x", TimestampUnixNs: time.Now().UnixNano(), SenderID: "ecu-1"}
	resp := srv.handleEnvelope(env)
	if resp.Accepted || resp.RejectionReason != "peer_unknown" {
		t.Fatalf("expected peer_unknown rejection, got %+v", resp)
	}
}

func TestHandleEnvelopeRejectsStaleTimestamp(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	srv := NewServer("peer-a", map[string]ed25519.PublicKey{"peer-a": pub}, 30*time.Second, &recordingQuorum{}, zaptest.NewLogger(t))

	env := Envelope{NodeID: "peer-a", TimestampUnixNs: time.Now().Add(-time.Minute).UnixNano(), SenderID: "ecu-1"}
	env.Signature = Sign(priv, env)

	resp := srv.handleEnvelope(env)
	if resp.Accepted || resp.RejectionReason != "timestamp_stale" {
		t.Fatalf("expected timestamp_stale rejection, got %+v", resp)
	}
}

func TestHandleEnvelopeRejectsBadSignature(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	_, otherPriv, _ := ed25519.GenerateKey(nil)
	srv := NewServer("peer-a", map[string]ed25519.PublicKey{"peer-a": pub}, 30*time.Second, &recordingQuorum{}, zaptest.NewLogger(t))

	env := Envelope{NodeID: "peer-a", TimestampUnixNs: time.Now().UnixNano(), SenderID: "ecu-1"}
	env.Signature = Sign(otherPriv, env) // signed with the wrong key

	resp := srv.handleEnvelope(env)
	if resp.Accepted || resp.RejectionReason != "signature_invalid" {
		t.Fatalf("expected signature_invalid rejection, got %+v", resp)
	}
}
