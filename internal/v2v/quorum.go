// Package v2v — quorum.go
//
// Quorum evaluator for peer-gateway corroboration.
//
// Consistency model: eventual consistency, no leader, no coordinator.
//
// Quorum condition:
//   unique_peers_reporting(sender_id) >= quorum_min
//
// Partition-aware fallback:
//   When the fraction of reachable peers drops below PartitionThreshold
//   (default 0.5), the node enters PARTITION mode. In PARTITION mode:
//     - quorumMin is recalibrated to max(1, floor(reachablePeers * quorumFraction))
//     - Signal is computed against the recalibrated quorumMin
//     - A PartitionEvent is emitted to the PartitionSink
//   When peer count recovers above PartitionThreshold, the node exits
//   PARTITION mode and restores the original quorumMin.
//
// This ensures an isolated gateway can still act on local detections
// alone (quorumMin=1) rather than silently dropping the quorum signal to
// zero because it cannot reach its peers.
//
// Thread-safety: all methods are protected by a single RWMutex.
package v2v

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// observation records a single peer's report about a sender.
type observation struct {
	peerID       string
	anomalyScore float64
	recordedAt   time.Time
}

// PartitionMode describes the current V2V partition state of this node.
type PartitionMode int32

const (
	// PartitionModeNormal — quorum operates with the full configured quorumMin.
	PartitionModeNormal PartitionMode = 0
	// PartitionModeIsolated — quorum recalibrated to reachable peers only.
	PartitionModeIsolated PartitionMode = 1
)

// PartitionEvent is emitted when the node enters or exits partition mode.
type PartitionEvent struct {
	Mode                  PartitionMode
	ReachablePeers        int
	TotalPeers            int
	RecalibratedQuorumMin int
	Timestamp             time.Time
}

// PartitionSink receives PartitionEvents. Implementations must be non-blocking.
type PartitionSink interface {
	Emit(PartitionEvent)
}

// ChannelPartitionSink is a non-blocking PartitionSink backed by a channel.
// Events are dropped (and Dropped incremented) if the channel is full.
type ChannelPartitionSink struct {
	C       chan PartitionEvent
	Dropped uint64 // accessed atomically
}

// Emit implements PartitionSink. Non-blocking: drops if channel full.
func (s *ChannelPartitionSink) Emit(evt PartitionEvent) {
	select {
	case s.C <- evt:
	default:
		atomic.AddUint64(&s.Dropped, 1)
	}
}

// QuorumConfig holds configuration for the Quorum evaluator.
type QuorumConfig struct {
	// QuorumMin is the minimum number of unique peers required for a quorum signal.
	QuorumMin int

	// TTL is the observation expiry duration. Must be > 0.
	TTL time.Duration

	// TotalPeers is the total number of configured V2V peers (excluding self).
	TotalPeers int

	// PartitionThreshold is the fraction of peers below which partition mode
	// activates. Default: 0.5.
	PartitionThreshold float64

	// QuorumFraction is the fraction of reachable peers used to recalibrate
	// quorumMin in partition mode. Default: 0.5.
	QuorumFraction float64

	// PartitionSink receives partition mode transition events. May be nil.
	PartitionSink PartitionSink
}

// Quorum evaluates whether enough peer gateways have corroborated a
// sender as anomalous. Partition-aware: when peer reachability drops
// below PartitionThreshold, quorumMin is recalibrated.
type Quorum struct {
	mu           sync.RWMutex
	cfg          QuorumConfig
	observations map[string][]observation

	currentMode    PartitionMode
	reachablePeers int
	effectiveMin   int
}

// NewQuorum creates a Quorum evaluator with the given configuration.
func NewQuorum(quorumMin int, ttl time.Duration) *Quorum {
	return NewQuorumWithConfig(QuorumConfig{
		QuorumMin:          quorumMin,
		TTL:                ttl,
		TotalPeers:         0,
		PartitionThreshold: 0.5,
		QuorumFraction:     0.5,
	})
}

// NewQuorumWithConfig creates a Quorum evaluator with full configuration.
func NewQuorumWithConfig(cfg QuorumConfig) *Quorum {
	if cfg.PartitionThreshold <= 0 || cfg.PartitionThreshold > 1 {
		cfg.PartitionThreshold = 0.5
	}
	if cfg.QuorumFraction <= 0 || cfg.QuorumFraction > 1 {
		cfg.QuorumFraction = 0.5
	}
	q := &Quorum{
		cfg:          cfg,
		observations: make(map[string][]observation),
		effectiveMin: cfg.QuorumMin,
	}
	go q.pruneLoop()
	return q
}

// Record records an observation reported by a peer about a sender.
// Idempotent within the TTL window: a repeat report from the same peer
// updates rather than duplicates.
func (q *Quorum) Record(senderID, peerID string, anomalyScore float64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	obs := q.observations[senderID]

	for i, o := range obs {
		if o.peerID == peerID {
			obs[i].anomalyScore = anomalyScore
			obs[i].recordedAt = now
			q.observations[senderID] = obs
			return
		}
	}

	q.observations[senderID] = append(obs, observation{
		peerID:       peerID,
		anomalyScore: anomalyScore,
		recordedAt:   now,
	})
}

// UpdatePeerReachability updates the count of currently reachable peers.
// Thread-safe. Non-blocking (PartitionSink.Emit is non-blocking by contract).
func (q *Quorum) UpdatePeerReachability(reachablePeers int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.reachablePeers = reachablePeers
	totalPeers := q.cfg.TotalPeers

	var newMode PartitionMode
	var newEffectiveMin int

	if totalPeers == 0 {
		newMode = PartitionModeNormal
		newEffectiveMin = 1
	} else {
		reachableFrac := float64(reachablePeers) / float64(totalPeers)
		if reachableFrac < q.cfg.PartitionThreshold {
			recalibrated := int(math.Floor(float64(reachablePeers) * q.cfg.QuorumFraction))
			if recalibrated < 1 {
				recalibrated = 1
			}
			newMode = PartitionModeIsolated
			newEffectiveMin = recalibrated
		} else {
			newMode = PartitionModeNormal
			newEffectiveMin = q.cfg.QuorumMin
		}
	}

	if newMode != q.currentMode || newEffectiveMin != q.effectiveMin {
		q.currentMode = newMode
		q.effectiveMin = newEffectiveMin
		if q.cfg.PartitionSink != nil {
			q.cfg.PartitionSink.Emit(PartitionEvent{
				Mode:                  newMode,
				ReachablePeers:        reachablePeers,
				TotalPeers:            totalPeers,
				RecalibratedQuorumMin: newEffectiveMin,
				Timestamp:             time.Now(),
			})
		}
	}
}

// Signal returns the quorum signal for a sender. Returns 1.0 if
// unique_peers_reporting >= effectiveMin, 0.0 otherwise.
func (q *Quorum) Signal(senderID string) float64 {
	q.mu.RLock()
	defer q.mu.RUnlock()

	obs := q.observations[senderID]
	unique := q.countUniqueActive(obs)
	if unique >= q.effectiveMin {
		return 1.0
	}
	return 0.0
}

// PartitionState returns the current partition mode and effective quorumMin.
func (q *Quorum) PartitionState() (mode PartitionMode, effectiveMin int, reachablePeers int) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.currentMode, q.effectiveMin, q.reachablePeers
}

func (q *Quorum) countUniqueActive(obs []observation) int {
	cutoff := time.Now().Add(-q.cfg.TTL)
	seen := make(map[string]struct{}, len(obs))
	for _, o := range obs {
		if o.recordedAt.After(cutoff) {
			seen[o.peerID] = struct{}{}
		}
	}
	return len(seen)
}

func (q *Quorum) pruneExpired() {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-q.cfg.TTL)
	for sender, obs := range q.observations {
		var active []observation
		for _, o := range obs {
			if o.recordedAt.After(cutoff) {
				active = append(active, o)
			}
		}
		if len(active) == 0 {
			delete(q.observations, sender)
		} else {
			q.observations[sender] = active
		}
	}
}

func (q *Quorum) pruneLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		q.pruneExpired()
	}
}
