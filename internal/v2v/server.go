// Package v2v — server.go
//
// mTLS server for the inter-gateway coordination layer.
//
// Envelopes are transported directly over crypto/tls with
// newline-delimited JSON framing rather than a generated protobuf
// schema over gRPC — no protobuf/gRPC code generation runs as part of
// this module, so the same transport security and envelope-verification
// properties are achieved with stdlib framing instead.
//
// Transport security:
//   - TLS 1.3 only (tls.VersionTLS13).
//   - Mutual TLS: peer must present a certificate signed by the configured CA.
//   - Certificate type: Ed25519.
//
// Envelope verification:
//  1. Reject if timestamp older than EnvelopeTTL (default 30s) or in the future
//     by more than 5s.
//  2. Reject if Ed25519 signature invalid.
//  3. Reject if peer node_id not in the trusted peer list.
//
// Quorum accumulation:
//   - Accepted envelopes are forwarded to the quorum evaluator.
//   - The quorum evaluator is injected as a dependency (interface).
package v2v

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
)

// Envelope is a single peer-to-peer anomaly corroboration message.
type Envelope struct {
	NodeID          string  `json:"node_id"`
	TimestampUnixNs int64   `json:"timestamp_unix_ns"`
	SenderID        string  `json:"sender_id"`
	AnomalyScore    float64 `json:"anomaly_score"`
	TrustScore      float64 `json:"trust_score"`
	Signature       []byte  `json:"signature"`
}

// AckResponse answers a submitted Envelope.
type AckResponse struct {
	Accepted        bool   `json:"accepted"`
	RejectionReason string `json:"rejection_reason,omitempty"`
}

// QuorumAccumulator is the interface the server uses to forward accepted
// envelopes to the quorum evaluator.
type QuorumAccumulator interface {
	Record(senderID string, peerID string, anomalyScore float64)
}

// Server handles inbound V2V envelopes over mTLS connections.
type Server struct {
	nodeID       string
	trustedPeers map[string]ed25519.PublicKey // node_id → public key
	envelopeTTL  time.Duration
	quorum       QuorumAccumulator
	log          *zap.Logger
	startTime    time.Time
}

// NewServer creates a V2V server.
// trustedPeers maps node_id to Ed25519 public key for envelope verification.
func NewServer(
	nodeID string,
	trustedPeers map[string]ed25519.PublicKey,
	envelopeTTL time.Duration,
	quorum QuorumAccumulator,
	log *zap.Logger,
) *Server {
	return &Server{
		nodeID:       nodeID,
		trustedPeers: trustedPeers,
		envelopeTTL:  envelopeTTL,
		quorum:       quorum,
		log:          log,
		startTime:    time.Now(),
	}
}

// handleEnvelope verifies env and forwards it to the quorum accumulator.
func (s *Server) handleEnvelope(env Envelope) AckResponse {
	envTime := time.Unix(0, env.TimestampUnixNs)
	age := time.Since(envTime)
	if age > s.envelopeTTL || age < -5*time.Second {
		s.log.Warn("v2v envelope rejected: stale timestamp",
			zap.String("node_id", env.NodeID), zap.Duration("age", age))
		return AckResponse{Accepted: false, RejectionReason: "timestamp_stale"}
	}

	pubKey, trusted := s.trustedPeers[env.NodeID]
	if !trusted {
		s.log.Warn("v2v envelope rejected: unknown peer", zap.String("node_id", env.NodeID))
		return AckResponse{Accepted: false, RejectionReason: "peer_unknown"}
	}

	msg := envelopeSignatureMessage(env)
	if !ed25519.Verify(pubKey, msg, env.Signature) {
		s.log.Warn("v2v envelope rejected: invalid signature", zap.String("node_id", env.NodeID))
		return AckResponse{Accepted: false, RejectionReason: "signature_invalid"}
	}

	s.quorum.Record(env.SenderID, env.NodeID, env.AnomalyScore)

	s.log.Debug("v2v envelope accepted",
		zap.String("node_id", env.NodeID),
		zap.String("sender_id", env.SenderID),
		zap.Float64("anomaly_score", env.AnomalyScore))

	return AckResponse{Accepted: true}
}

// envelopeSignatureMessage constructs the canonical byte sequence that is
// signed by the sender and verified by the receiver.
//
// Message = node_id_bytes || timestamp_bytes (8 LE) || sender_id_bytes ||
//
//	anomaly_score_bytes (8 LE IEEE 754) || trust_score_bytes (8 LE)
//
// Deterministic; does not include the signature field itself.
func envelopeSignatureMessage(env Envelope) []byte {
	var buf []byte
	buf = append(buf, []byte(env.NodeID)...)
	ts := make([]byte, 8)
	binary.LittleEndian.PutUint64(ts, uint64(env.TimestampUnixNs))
	buf = append(buf, ts...)
	buf = append(buf, []byte(env.SenderID)...)
	as := make([]byte, 8)
	binary.LittleEndian.PutUint64(as, math.Float64bits(env.AnomalyScore))
	buf = append(buf, as...)
	tr := make([]byte, 8)
	binary.LittleEndian.PutUint64(tr, math.Float64bits(env.TrustScore))
	buf = append(buf, tr...)
	return buf
}

// Sign produces the Ed25519 signature for env using the node's private key.
func Sign(priv ed25519.PrivateKey, env Envelope) []byte {
	return ed25519.Sign(priv, envelopeSignatureMessage(env))
}

const maxEnvelopeBytes = 64 * 1024

// ListenAndServe starts the mTLS V2V server on the given address. Blocks
// until ctx is cancelled.
func ListenAndServe(
	ctx context.Context,
	addr string,
	certFile, keyFile, caFile string,
	srv *Server,
	log *zap.Logger,
) error {
	tlsCfg, err := buildServerTLS(certFile, keyFile, caFile)
	if err != nil {
		return fmt.Errorf("v2v TLS config: %w", err)
	}

	lis, err := tls.Listen("tcp", addr, tlsCfg)
	if err != nil {
		return fmt.Errorf("v2v listen %s: %w", addr, err)
	}

	log.Info("v2v server listening", zap.String("addr", addr))

	go func() {
		<-ctx.Done()
		_ = lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				log.Warn("v2v accept error", zap.Error(err))
				continue
			}
		}
		go srv.serveConn(conn)
	}
}

// serveConn reads newline-delimited JSON envelopes from conn and writes
// back newline-delimited JSON acks, until the peer disconnects.
func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReaderSize(conn, maxEnvelopeBytes)
	enc := json.NewEncoder(conn)

	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			var env Envelope
			if jsonErr := json.Unmarshal(line, &env); jsonErr != nil {
				_ = enc.Encode(AckResponse{Accepted: false, RejectionReason: "malformed_envelope"})
			} else {
				_ = enc.Encode(s.handleEnvelope(env))
			}
		}
		if err != nil {
			return
		}
	}
}

// buildServerTLS constructs a TLS 1.3-only mTLS config for the V2V server.
// Requires an Ed25519 certificate and key, and a CA certificate for peer
// verification.
func buildServerTLS(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load server cert/key: %w", err)
	}

	caData, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA file %q: %w", caFile, err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caData) {
		return nil, fmt.Errorf("failed to parse CA certificate from %q", caFile)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caPool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}
