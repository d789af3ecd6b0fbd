package v2v

import (
	"testing"
	"time"
)

func TestSignalRequiresQuorumMin(t *testing.T) {
	q := NewQuorum(2, time.Minute)
	q.Record("ecu-1", "peer-a", 0.9)
	if q.Signal("ecu-1") != 0.0 {
		t.Fatal("expected no quorum with only 1 reporting peer")
	}
	q.Record("ecu-1", "peer-b", 0.85)
	if q.Signal("ecu-1") != 1.0 {
		t.Fatal("expected quorum once 2 distinct peers report")
	}
}

func TestRecordIsIdempotentPerPeer(t *testing.T) {
	q := NewQuorum(2, time.Minute)
	q.Record("ecu-1", "peer-a", 0.5)
	q.Record("ecu-1", "peer-a", 0.99) // same peer reporting again
	if q.Signal("ecu-1") != 0.0 {
		t.Fatal("expected repeated reports from the same peer not to satisfy quorum alone")
	}
}

func TestPartitionModeRecalibratesQuorumMin(t *testing.T) {
	q := NewQuorumWithConfig(QuorumConfig{
		QuorumMin:          3,
		TTL:                time.Minute,
		TotalPeers:         10,
		PartitionThreshold: 0.5,
		QuorumFraction:     0.5,
	})
	q.UpdatePeerReachability(2) // 2/10 = 0.2 < 0.5 → partition mode

	mode, effectiveMin, _ := q.PartitionState()
	if mode != PartitionModeIsolated {
		t.Fatalf("expected isolated partition mode, got %v", mode)
	}
	if effectiveMin != 1 {
		t.Fatalf("expected recalibrated quorumMin=1 (floor(2*0.5)), got %d", effectiveMin)
	}
}

func TestPartitionModeRestoresOnRecovery(t *testing.T) {
	q := NewQuorumWithConfig(QuorumConfig{
		QuorumMin:          3,
		TTL:                time.Minute,
		TotalPeers:         10,
		PartitionThreshold: 0.5,
		QuorumFraction:     0.5,
	})
	q.UpdatePeerReachability(2)
	q.UpdatePeerReachability(9) // 9/10 = 0.9 >= 0.5 → normal mode restored

	mode, effectiveMin, _ := q.PartitionState()
	if mode != PartitionModeNormal || effectiveMin != 3 {
		t.Fatalf("expected normal mode with quorumMin=3 restored, got mode=%v min=%d", mode, effectiveMin)
	}
}
