// Package v2v — publisher.go
//
// Publisher sends outbound alert corroboration envelopes to configured
// peers, gated by the budget token bucket so a flapping sender cannot
// flood peers with repeated CRITICAL broadcasts.
package v2v

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vguard/canguard/internal/budget"
	"github.com/vguard/canguard/internal/ips"
)

// BudgetGate gates publication by IPS mode severity.
type BudgetGate interface {
	ConsumeForMode(mode ips.Mode) bool
}

var _ BudgetGate = (*budget.Bucket)(nil)

// Publisher dispatches alert corroboration envelopes to peer gateways.
type Publisher struct {
	nodeID     string
	privateKey ed25519.PrivateKey
	peers      []string
	tlsCfg     *tls.Config
	gate       BudgetGate
	log        *zap.Logger
}

// NewPublisher builds a Publisher for the given peer set.
func NewPublisher(
	nodeID string,
	privateKey ed25519.PrivateKey,
	peers []string,
	tlsCfg *tls.Config,
	gate BudgetGate,
	log *zap.Logger,
) *Publisher {
	return &Publisher{
		nodeID:     nodeID,
		privateKey: privateKey,
		peers:      peers,
		tlsCfg:     tlsCfg,
		gate:       gate,
		log:        log,
	}
}

// ShouldPublish reports whether an alert at the given mode is eligible
// for publication under the current token budget. Consumes tokens as a
// side effect — callers should only call this once per alert.
func (p *Publisher) ShouldPublish(mode ips.Mode) bool {
	return p.gate.ConsumeForMode(mode)
}

// Publish signs and sends a corroboration envelope for senderID to every
// configured peer. Failures are logged per-peer and do not abort the
// remaining sends — V2V publication is best-effort, never load-bearing
// for local enforcement.
func (p *Publisher) Publish(ctx context.Context, senderID string, anomalyScore, trustScore float64) {
	now := time.Now().UnixNano()
	env := Envelope{
		NodeID:          p.nodeID,
		TimestampUnixNs: now,
		SenderID:        senderID,
		AnomalyScore:    anomalyScore,
		TrustScore:      trustScore,
	}
	env.Signature = Sign(p.privateKey, env)

	for _, peer := range p.peers {
		if err := p.sendTo(ctx, peer, env); err != nil {
			p.log.Warn("v2v publish failed", zap.String("peer", peer), zap.Error(err))
		}
	}
}

func (p *Publisher) sendTo(ctx context.Context, peer string, env Envelope) error {
	dialer := &tls.Dialer{Config: p.tlsCfg}
	conn, err := dialer.DialContext(ctx, "tcp", peer)
	if err != nil {
		return fmt.Errorf("dial %s: %w", peer, err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(env); err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("read ack: %w", err)
	}
	var ack AckResponse
	if err := json.Unmarshal(line, &ack); err != nil {
		return fmt.Errorf("decode ack: %w", err)
	}
	if !ack.Accepted {
		return fmt.Errorf("peer rejected envelope: %s", ack.RejectionReason)
	}
	return nil
}
