// Package observability — metrics.go
//
// Prometheus metrics for the gateway.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: canguard_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - IPS mode labels use the string mode name (4 values max).
//   - sender_id is NOT used as a label (unbounded — one entry per vehicle).
//   - Per-sender metrics are aggregated before recording.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for the gateway.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Frame processing ─────────────────────────────────────────────────────

	// FramesVerifiedTotal counts envelopes that passed cryptographic verification.
	FramesVerifiedTotal prometheus.Counter

	// FramesRejectedTotal counts envelopes rejected, by security.Reason.
	FramesRejectedTotal *prometheus.CounterVec

	// FrameQueueDepth is the current depth of the bus exchange.
	FrameQueueDepth prometheus.Gauge

	// FramesDroppedTotal counts frames dropped by the bus exchange's
	// drop-oldest backpressure policy.
	FramesDroppedTotal prometheus.Counter

	// ─── Detection ────────────────────────────────────────────────────────────

	// AnomalyScoreHistogram records the distribution of fused anomaly scores.
	AnomalyScoreHistogram prometheus.Histogram

	// DetectionEvalsTotal counts detection pipeline evaluations performed.
	DetectionEvalsTotal prometheus.Counter

	// PhysicsViolationsTotal counts hard physics-constraint violations.
	PhysicsViolationsTotal prometheus.Counter

	// ─── Trust & IPS ──────────────────────────────────────────────────────────

	// TrustScore is the current trust score, summarised as a gauge per call
	// to Observe (exported as a histogram of observed values across senders).
	TrustScore prometheus.Histogram

	// IPSModeTransitionsTotal counts IPS mode transitions, by from_mode/to_mode.
	IPSModeTransitionsTotal *prometheus.CounterVec

	// TrackedSenders is the current number of senders under active monitoring.
	TrackedSenders prometheus.Gauge

	// ─── Budget ───────────────────────────────────────────────────────────────

	// BudgetTokensRemaining is the current V2V alert token bucket level.
	BudgetTokensRemaining prometheus.Gauge

	// BudgetConsumedTotal counts total tokens consumed publishing alerts.
	BudgetConsumedTotal prometheus.Counter

	// BudgetRefillsTotal counts token bucket refill cycles.
	BudgetRefillsTotal prometheus.Counter

	// ─── V2V ──────────────────────────────────────────────────────────────────

	// V2VEnvelopesReceivedTotal counts received V2V envelopes, by acceptance.
	V2VEnvelopesReceivedTotal *prometheus.CounterVec

	// V2VEnvelopesSentTotal counts sent V2V envelopes.
	V2VEnvelopesSentTotal prometheus.Counter

	// ─── Storage ──────────────────────────────────────────────────────────────

	// StorageWriteLatency records BoltDB write transaction latency.
	StorageWriteLatency prometheus.Histogram

	// StorageLedgerEntries is the current number of ledger entries.
	StorageLedgerEntries prometheus.Gauge

	// ─── Process ──────────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since the gateway started.
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all gateway Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		FramesVerifiedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "canguard",
			Subsystem: "frames",
			Name:      "verified_total",
			Help:      "Total envelopes that passed cryptographic verification.",
		}),

		FramesRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canguard",
			Subsystem: "frames",
			Name:      "rejected_total",
			Help:      "Total envelopes rejected, by reason.",
		}, []string{"reason"}),

		FrameQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "canguard",
			Subsystem: "frames",
			Name:      "queue_depth",
			Help:      "Current depth of the in-memory bus exchange.",
		}),

		FramesDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "canguard",
			Subsystem: "frames",
			Name:      "dropped_total",
			Help:      "Total frames dropped by the bus exchange's drop-oldest policy.",
		}),

		AnomalyScoreHistogram: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "canguard",
			Subsystem: "detection",
			Name:      "anomaly_score",
			Help:      "Distribution of fused anomaly scores in [0, 1].",
			Buckets:   []float64{0.05, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		}),

		DetectionEvalsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "canguard",
			Subsystem: "detection",
			Name:      "evals_total",
			Help:      "Total detection pipeline evaluations performed.",
		}),

		PhysicsViolationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "canguard",
			Subsystem: "detection",
			Name:      "physics_violations_total",
			Help:      "Total hard physics-constraint violations observed.",
		}),

		TrustScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "canguard",
			Subsystem: "trust",
			Name:      "score",
			Help:      "Distribution of observed trust scores in [0, 1].",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		}),

		IPSModeTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canguard",
			Subsystem: "ips",
			Name:      "mode_transitions_total",
			Help:      "Total IPS mode transitions, by from_mode and to_mode.",
		}, []string{"from_mode", "to_mode"}),

		TrackedSenders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "canguard",
			Subsystem: "ips",
			Name:      "tracked_senders",
			Help:      "Current number of senders under active monitoring.",
		}),

		BudgetTokensRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "canguard",
			Subsystem: "budget",
			Name:      "tokens_remaining",
			Help:      "Current V2V alert token bucket level.",
		}),

		BudgetConsumedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "canguard",
			Subsystem: "budget",
			Name:      "consumed_total",
			Help:      "Lifetime total tokens consumed publishing V2V alerts.",
		}),

		BudgetRefillsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "canguard",
			Subsystem: "budget",
			Name:      "refills_total",
			Help:      "Total number of token bucket refill cycles completed.",
		}),

		V2VEnvelopesReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canguard",
			Subsystem: "v2v",
			Name:      "envelopes_received_total",
			Help:      "Total V2V envelopes received, by acceptance status.",
		}, []string{"accepted"}),

		V2VEnvelopesSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "canguard",
			Subsystem: "v2v",
			Name:      "envelopes_sent_total",
			Help:      "Total V2V envelopes sent to peers.",
		}),

		StorageWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "canguard",
			Subsystem: "storage",
			Name:      "write_latency_seconds",
			Help:      "BoltDB write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		StorageLedgerEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "canguard",
			Subsystem: "storage",
			Name:      "ledger_entries",
			Help:      "Current number of audit ledger entries in BoltDB.",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "canguard",
			Subsystem: "process",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the gateway started.",
		}),
	}

	reg.MustRegister(
		m.FramesVerifiedTotal,
		m.FramesRejectedTotal,
		m.FrameQueueDepth,
		m.FramesDroppedTotal,
		m.AnomalyScoreHistogram,
		m.DetectionEvalsTotal,
		m.PhysicsViolationsTotal,
		m.TrustScore,
		m.IPSModeTransitionsTotal,
		m.TrackedSenders,
		m.BudgetTokensRemaining,
		m.BudgetConsumedTotal,
		m.BudgetRefillsTotal,
		m.V2VEnvelopesReceivedTotal,
		m.V2VEnvelopesSentTotal,
		m.StorageWriteLatency,
		m.StorageLedgerEntries,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
