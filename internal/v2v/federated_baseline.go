// Package v2v — federated_baseline.go
//
// Federated baseline sharing: anonymized mean/variance gossip between
// gateways, so a fresh gateway's anomaly scorer converges faster than
// waiting for a full local training window.
//
// Protocol:
//  1. Every share_interval (default 5m), the local node iterates its BoltDB
//     detector_checkpoint bucket and selects checkpoints with
//     sample_count >= min_samples.
//  2. For each eligible checkpoint, it derives a per-feature mean and
//     variance vector from the buffered training samples and constructs
//     a BaselineEnvelope:
//     - sender_id = the device ID, already non-secret on the bus.
//     - mean_vector = per-feature mean over buffered samples.
//     - variance_vector = per-feature variance over buffered samples.
//     - sample_count = number of training samples.
//     - signature = Ed25519(node_key, canonical_bytes).
//  3. The envelope is sent to all configured peers over the mTLS transport.
//  4. Receiving nodes merge the federated baseline with their local
//     baseline using a weighted average controlled by trust_weight:
//
//     mean_merged = (1 - w) * mean_local + w * mean_federated
//     var_merged  = (1 - w) * var_local  + w * var_federated
//
//     where w = trust_weight * (sample_count_federated / (sample_count_local + sample_count_federated))
//
//     This gives higher trust to peers with more samples, and respects the
//     configured trust_weight ceiling.
//
// Privacy guarantees:
//   - Only the mean/variance summary is shared — not raw frame payloads.
//   - All communication is over mTLS (TLS 1.3) — no plaintext.
//   - Envelopes are Ed25519-signed — receivers verify authenticity.
package v2v

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// BaselineRecord is the local representation of a sender's anomaly baseline.
// Derived from storage.DetectorCheckpoint.
type BaselineRecord struct {
	SenderID    string
	MeanVector  []float64
	VarVector   []float64
	SampleCount uint32
	UpdatedAt   time.Time
}

// BaselineStore is the interface for reading and merging local baselines.
type BaselineStore interface {
	// ListBaselines returns all stored baselines eligible for sharing.
	ListBaselines() ([]BaselineRecord, error)

	// MergeBaseline merges a federated baseline into the local store using
	// the weighted-average formula described above.
	MergeBaseline(rec BaselineRecord, trustWeight float64) error
}

// BaselineEnvelope is the wire representation of a shared baseline.
type BaselineEnvelope struct {
	NodeID          string    `json:"node_id"`
	TimestampUnixNs int64     `json:"timestamp_unix_ns"`
	SenderID        string    `json:"sender_id"`
	MeanVector      []float64 `json:"mean_vector"`
	VarianceVector  []float64 `json:"variance_vector"`
	SampleCount     uint32    `json:"sample_count"`
	Signature       []byte    `json:"signature"`
}

// FederatedBaselineConfig mirrors config.FederatedBaselineConfig for use
// in this package.
type FederatedBaselineConfig struct {
	Enabled       bool
	ShareInterval time.Duration
	MinSamples    uint32
	TrustWeight   float64
}

// FederatedBaselineManager manages periodic baseline sharing and receiving.
type FederatedBaselineManager struct {
	cfg        FederatedBaselineConfig
	nodeID     string
	privateKey ed25519.PrivateKey
	store      BaselineStore
	peers      []string // host:port
	tlsCfg     *tls.Config
	log        *zap.Logger
}

// NewFederatedBaselineManager creates a manager for federated baseline sharing.
func NewFederatedBaselineManager(
	cfg FederatedBaselineConfig,
	nodeID string,
	privateKey ed25519.PrivateKey,
	store BaselineStore,
	peers []string,
	tlsCfg *tls.Config,
	log *zap.Logger,
) *FederatedBaselineManager {
	return &FederatedBaselineManager{
		cfg:        cfg,
		nodeID:     nodeID,
		privateKey: privateKey,
		store:      store,
		peers:      peers,
		tlsCfg:     tlsCfg,
		log:        log,
	}
}

// Run starts the periodic baseline sharing loop. Blocks until ctx is cancelled.
func (m *FederatedBaselineManager) Run(ctx context.Context) {
	if !m.cfg.Enabled {
		m.log.Info("federated baseline sharing disabled")
		return
	}

	ticker := time.NewTicker(m.cfg.ShareInterval)
	defer ticker.Stop()

	m.log.Info("federated baseline manager started",
		zap.Duration("share_interval", m.cfg.ShareInterval),
		zap.Float64("trust_weight", m.cfg.TrustWeight),
		zap.Uint32("min_samples", m.cfg.MinSamples))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.shareRound(ctx)
		}
	}
}

// shareRound performs one round of baseline sharing with all peers.
func (m *FederatedBaselineManager) shareRound(ctx context.Context) {
	baselines, err := m.store.ListBaselines()
	if err != nil {
		m.log.Error("federated baseline: list baselines", zap.Error(err))
		return
	}

	var eligible []BaselineRecord
	for _, b := range baselines {
		if b.SampleCount >= m.cfg.MinSamples {
			eligible = append(eligible, b)
		}
	}

	if len(eligible) == 0 {
		m.log.Debug("federated baseline: no eligible baselines to share",
			zap.Int("total", len(baselines)),
			zap.Uint32("min_samples", m.cfg.MinSamples))
		return
	}

	m.log.Info("federated baseline: sharing baselines",
		zap.Int("count", len(eligible)),
		zap.Int("peers", len(m.peers)))

	for _, peer := range m.peers {
		m.shareToPeer(ctx, peer, eligible)
	}
}

// shareToPeer sends all eligible baselines to a single peer over a single
// mTLS connection, newline-delimited JSON.
func (m *FederatedBaselineManager) shareToPeer(ctx context.Context, peer string, baselines []BaselineRecord) {
	dialer := &tls.Dialer{Config: m.tlsCfg}
	conn, err := dialer.DialContext(ctx, "tcp", peer)
	if err != nil {
		m.log.Warn("federated baseline: dial peer", zap.String("peer", peer), zap.Error(err))
		return
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)
	enc := json.NewEncoder(conn)

	sent, rejected := 0, 0
	for _, b := range baselines {
		env := m.buildEnvelope(b)
		if err := enc.Encode(env); err != nil {
			m.log.Warn("federated baseline: send envelope", zap.String("peer", peer), zap.Error(err))
			rejected++
			continue
		}

		line, err := reader.ReadBytes('\n')
		if err != nil {
			m.log.Warn("federated baseline: read ack", zap.String("peer", peer), zap.Error(err))
			rejected++
			continue
		}
		var resp AckResponse
		if err := json.Unmarshal(line, &resp); err != nil || !resp.Accepted {
			m.log.Debug("federated baseline: peer rejected envelope",
				zap.String("peer", peer), zap.String("reason", resp.RejectionReason))
			rejected++
			continue
		}
		sent++
	}

	m.log.Info("federated baseline: share round complete",
		zap.String("peer", peer), zap.Int("sent", sent), zap.Int("rejected", rejected))
}

// buildEnvelope constructs and signs a BaselineEnvelope for a baseline record.
func (m *FederatedBaselineManager) buildEnvelope(b BaselineRecord) BaselineEnvelope {
	now := time.Now().UnixNano()

	msg := canonicalBaselineBytes(m.nodeID, now, b.SenderID, b.MeanVector, b.VarVector)
	sig := ed25519.Sign(m.privateKey, msg)

	return BaselineEnvelope{
		NodeID:          m.nodeID,
		TimestampUnixNs: now,
		SenderID:        b.SenderID,
		MeanVector:      b.MeanVector,
		VarianceVector:  b.VarVector,
		SampleCount:     b.SampleCount,
		Signature:       sig,
	}
}

// canonicalBaselineBytes produces the deterministic byte sequence that is
// signed and verified for a BaselineEnvelope.
func canonicalBaselineBytes(nodeID string, tsNs int64, senderID string, mean, variance []float64) []byte {
	h := sha256.New()
	writeStr := func(s string) {
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(len(s)))
		h.Write(b)
		h.Write([]byte(s))
	}
	writeFloat64Slice := func(fs []float64) {
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(len(fs)))
		h.Write(b)
		fb := make([]byte, 8)
		for _, f := range fs {
			binary.LittleEndian.PutUint64(fb, math.Float64bits(f))
			h.Write(fb)
		}
	}
	writeStr(nodeID)
	tsBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(tsBytes, uint64(tsNs))
	h.Write(tsBytes)
	writeStr(senderID)
	writeFloat64Slice(mean)
	writeFloat64Slice(variance)
	return h.Sum(nil)
}

// ReceiveBaseline handles an incoming BaselineEnvelope from a peer.
//
// Merge formula:
//
//	w_eff = trust_weight * (n_fed / (n_local + n_fed))
//	mean_merged[i] = (1 - w_eff) * mean_local[i] + w_eff * mean_fed[i]
//	var_merged[i]  = (1 - w_eff) * var_local[i]  + w_eff * var_fed[i]
func (m *FederatedBaselineManager) ReceiveBaseline(
	env BaselineEnvelope,
	peerPublicKey ed25519.PublicKey,
	envelopeTTL time.Duration,
) error {
	age := time.Since(time.Unix(0, env.TimestampUnixNs))
	if age > envelopeTTL || age < -30*time.Second {
		return fmt.Errorf("baseline envelope stale: age=%v ttl=%v", age, envelopeTTL)
	}

	msg := canonicalBaselineBytes(env.NodeID, env.TimestampUnixNs, env.SenderID, env.MeanVector, env.VarianceVector)
	if !ed25519.Verify(peerPublicKey, msg, env.Signature) {
		return fmt.Errorf("baseline envelope: invalid Ed25519 signature from node %q", env.NodeID)
	}

	if env.SampleCount < m.cfg.MinSamples {
		return fmt.Errorf("baseline envelope: insufficient samples (%d < %d)",
			env.SampleCount, m.cfg.MinSamples)
	}

	rec := BaselineRecord{
		SenderID:    env.SenderID,
		MeanVector:  env.MeanVector,
		VarVector:   env.VarianceVector,
		SampleCount: env.SampleCount,
		UpdatedAt:   time.Now(),
	}

	if err := m.store.MergeBaseline(rec, m.cfg.TrustWeight); err != nil {
		return fmt.Errorf("baseline merge: %w", err)
	}

	m.log.Info("federated baseline: merged",
		zap.String("node", env.NodeID),
		zap.String("sender_id", env.SenderID),
		zap.Uint32("samples", env.SampleCount),
		zap.Float64("trust_weight", m.cfg.TrustWeight))

	return nil
}
