// Package alerts — sink.go
//
// Alert delivery for IPS mode transitions and rejected envelopes.
//
// Grounded on the escalation state machine's audit posture: a transition
// is recorded durably (the audit ledger) before it is ever surfaced
// operationally (logs, V2V publication). Sink.Record never blocks the
// caller on slow downstream I/O — it writes the ledger entry inline
// (BoltDB writes are fast, single-writer, and already the durability
// backstop) and logs asynchronously-safe structured fields via zap,
// which buffers internally.
package alerts

import (
	"time"

	"go.uber.org/zap"

	"github.com/vguard/canguard/internal/ips"
	"github.com/vguard/canguard/internal/storage"
)

// Alert is a single IPS mode transition or rejection event, ready for
// ledger persistence and operator/V2V distribution.
type Alert struct {
	Timestamp     time.Time
	SenderID      string
	TrustBefore   float64
	TrustAfter    float64
	IPSModeBefore ips.Mode
	IPSModeAfter  ips.Mode
	Reason        string
	DecisionHash  string
}

// Sink persists alerts to the audit ledger and logs them structurally.
// Safe for concurrent use.
type Sink struct {
	db     *storage.DB
	log    *zap.Logger
	nodeID string
}

// NewSink builds a Sink writing to db and logging via log, tagging every
// ledger entry with nodeID (this gateway's identity, for V2V provenance).
func NewSink(db *storage.DB, log *zap.Logger, nodeID string) *Sink {
	return &Sink{db: db, log: log, nodeID: nodeID}
}

// Record persists the alert to the audit ledger and logs it. Ledger
// write failures are logged but never returned — a storage outage must
// not stall the detection pipeline; the in-memory IPS state remains
// authoritative regardless of persistence success.
func (s *Sink) Record(a Alert) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}

	entry := storage.AuditEntry{
		Timestamp:     a.Timestamp,
		SenderID:      a.SenderID,
		TrustBefore:   a.TrustBefore,
		TrustAfter:    a.TrustAfter,
		IPSModeBefore: a.IPSModeBefore.String(),
		IPSModeAfter:  a.IPSModeAfter.String(),
		Reason:        a.Reason,
		DecisionHash:  a.DecisionHash,
		NodeID:        s.nodeID,
	}

	if s.db != nil {
		if err := s.db.AppendLedger(entry); err != nil {
			s.log.Warn("failed to append audit ledger entry",
				zap.String("sender_id", a.SenderID), zap.Error(err))
		}
	}

	level := s.log.Info
	if a.IPSModeAfter == ips.ModeCritical {
		level = s.log.Warn
	}
	level("ips mode transition",
		zap.String("sender_id", a.SenderID),
		zap.String("from_mode", a.IPSModeBefore.String()),
		zap.String("to_mode", a.IPSModeAfter.String()),
		zap.Float64("trust_before", a.TrustBefore),
		zap.Float64("trust_after", a.TrustAfter),
		zap.String("reason", a.Reason),
	)
}

// Notable reports whether the transition from `before` to `after` is
// significant enough to warrant V2V publication (any change in mode, in
// either direction — recoveries matter to peers too).
func Notable(before, after ips.Mode) bool {
	return before != after
}
