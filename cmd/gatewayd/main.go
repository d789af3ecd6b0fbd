// Package main — cmd/gatewayd/main.go
//
// canguard gateway entrypoint.
//
// Startup sequence:
//  1. Root check — abort if not running as root (the ingestion socket is
//     created under /run, and privilege dropping below needs to start
//     from a privileged process to mean anything).
//  2. Load and validate config from /etc/canguard/config.yaml.
//  3. Initialise structured logger (zap).
//  4. Open BoltDB storage.
//  5. Prune stale ledger entries.
//  6. Start the envelope ingestion listener — this is where the process
//     touches anything resembling privileged I/O.
//  7. Drop capabilities to an empty set.
//  8. Start Prometheus metrics server (skipped in lightweight mode).
//  9. Build the detection/trust/IPS pipeline and start the coordinator's
//     worker goroutines.
// 10. Start the V2V quorum/publisher/server (if enabled).
// 11. Start the operator override socket (if enabled).
// 12. Register SIGHUP handler for config hot-reload.
// 13. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to all goroutines).
//  2. Allow in-flight frames to drain (max 5s).
//  3. Close BoltDB.
//  4. Flush logger.
//  5. Exit 0.
//
// On ingestion listener bind failure: exit 1 immediately (no partial state).
// On config validation failure: exit 1 immediately.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vguard/canguard/contrib"
	"github.com/vguard/canguard/internal/alerts"
	"github.com/vguard/canguard/internal/anomaly"
	"github.com/vguard/canguard/internal/behavior"
	"github.com/vguard/canguard/internal/budget"
	"github.com/vguard/canguard/internal/bus"
	"github.com/vguard/canguard/internal/config"
	"github.com/vguard/canguard/internal/contextual"
	"github.com/vguard/canguard/internal/governance"
	"github.com/vguard/canguard/internal/ingest"
	"github.com/vguard/canguard/internal/keys"
	"github.com/vguard/canguard/internal/listener"
	"github.com/vguard/canguard/internal/observability"
	"github.com/vguard/canguard/internal/operator"
	"github.com/vguard/canguard/internal/physics"
	"github.com/vguard/canguard/internal/privdrop"
	"github.com/vguard/canguard/internal/security"
	"github.com/vguard/canguard/internal/storage"
	"github.com/vguard/canguard/internal/temporal"
	"github.com/vguard/canguard/internal/v2v"
	"github.com/vguard/canguard/internal/vehicle"
)

func main() {
	// ── Flags ─────────────────────────────────────────────────────────────────
	configPath := flag.String("config", "/etc/canguard/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("canguard %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Root check ────────────────────────────────────────────────────
	if os.Getuid() != 0 {
		fmt.Fprintln(os.Stderr, "FATAL: gatewayd must run as root (UID 0)")
		os.Exit(1)
	}

	// ── Step 2: Load config ───────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 3: Initialise logger ─────────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("canguard starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 4: Open BoltDB ───────────────────────────────────────────────────
	db, err := storage.Open(cfg.Storage.DBPath, cfg.Storage.RetentionDays)
	if err != nil {
		log.Fatal("BoltDB open failed", zap.Error(err), zap.String("path", cfg.Storage.DBPath))
	}
	defer db.Close() //nolint:errcheck
	log.Info("BoltDB opened", zap.String("path", cfg.Storage.DBPath))

	// ── Step 5: Prune stale ledger entries ────────────────────────────────────
	pruned, err := db.PruneOldLedgerEntries()
	if err != nil {
		log.Warn("ledger pruning failed", zap.Error(err))
	} else {
		log.Info("ledger pruned", zap.Int("deleted", pruned))
	}

	// ── Pipeline dependencies ─────────────────────────────────────────────────
	metrics := observability.NewMetrics()

	devices := make([]keys.DeviceSpec, 0, len(cfg.Security.Devices))
	for id, spec := range cfg.Security.Devices {
		secret, err := hex.DecodeString(spec.SecretHex)
		if err != nil {
			log.Fatal("invalid device secret hex", zap.String("device_id", id), zap.Error(err))
		}
		devices = append(devices, keys.DeviceSpec{
			DeviceID:       id,
			Secret:         secret,
			CurrentVersion: spec.CurrentVersion,
		})
	}
	keyTable := keys.NewTable(devices)
	verifier := security.NewVerifier(keyTable, cfg.Security.TimestampWindowMS, cfg.Security.RestartGap)

	registry := operator.NewMemRegistry()
	auditor := governance.NewAuditor(log, false)
	alertSink := alerts.NewSink(db, log, cfg.NodeID)

	budgetBucket := budget.New(cfg.Budget.Capacity, cfg.Budget.RefillPeriod)
	defer budgetBucket.Close()

	var publisher listener.Publisher
	var quorum listener.QuorumSignal
	if cfg.V2V.Enabled && !cfg.Gateway.LightweightMode {
		pub, quo, err := startV2V(ctx, cfg, budgetBucket, metrics, log)
		if err != nil {
			log.Error("v2v layer failed to start — continuing without peer corroboration", zap.Error(err))
		} else {
			publisher, quorum = pub, quo
		}
	} else {
		log.Info("v2v disabled", zap.Bool("lightweight_mode", cfg.Gateway.LightweightMode))
	}

	exch := bus.New(cfg.Gateway.BusQueueDepth)

	// ── Step 6: Envelope ingestion listener ───────────────────────────────────
	// The only part of startup that opens a system-facing entry point
	// before privileges are dropped.
	ingestLog := log.Named("ingest")
	busListener := ingest.New(cfg.Gateway.BusListenNetwork, cfg.Gateway.BusListenAddr, exch, metrics.FramesDroppedTotal, ingestLog)
	ingestErrCh := make(chan error, 1)
	go func() {
		ingestErrCh <- busListener.ListenAndServe(ctx)
	}()
	// Give the listener a moment to bind before treating the process as up;
	// a synchronous bind-then-serve split would require threading an extra
	// readiness channel through ListenAndServe, which isn't worth it for a
	// bind that either fails within milliseconds or not at all.
	select {
	case err := <-ingestErrCh:
		log.Fatal("ingestion listener failed to start", zap.Error(err))
	case <-time.After(200 * time.Millisecond):
	}
	log.Info("ingestion listener started",
		zap.String("network", cfg.Gateway.BusListenNetwork),
		zap.String("addr", cfg.Gateway.BusListenAddr))

	// ── Step 7: Drop privileges ────────────────────────────────────────────────
	if err := privdrop.DropAll(); err != nil {
		privdrop.LogResult(log, "drop_all", err)
	} else {
		privdrop.LogResult(log, "drop_all", nil)
	}

	// ── Step 8: Prometheus metrics ─────────────────────────────────────────────
	if !cfg.Gateway.LightweightMode {
		go func() {
			if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
				log.Error("metrics server error", zap.Error(err))
			}
		}()
		log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))
	} else {
		log.Info("metrics server disabled (lightweight mode)")
	}

	// Apply config-loaded training parameters to the auto-registered
	// isoforest scorer — contrib.RegisterScorer runs in its package
	// init(), before config.Load() has parsed anything.
	if registered, err := contrib.GetScorer("isoforest"); err == nil {
		if scorer, ok := registered.(*anomaly.IsoForestScorer); ok {
			scorer.Configure(cfg.Detection.MinTrainingSamples, cfg.Detection.MaxBufferedSamples, cfg.Detection.ForestSeed)
		}
	}

	// ── Step 9: Coordinator ────────────────────────────────────────────────────
	coord := listener.NewCoordinator(listener.Config{
		NodeID:     cfg.NodeID,
		Verifier:   verifier,
		Physics:    physics.NewValidator(),
		Behavior:   behavior.NewAnalyser(),
		Anomaly:    anomaly.NewEngine(cfg.Detection.AnomalyScorer),
		Contextual: contextual.NewValidator(),
		Temporal:   temporal.NewExtractor(cfg.Detection.TemporalAlpha),
		Vehicle:    vehicle.NewModel(),
		Registry:   registry,
		Auditor:    auditor,
		AlertSink:  alertSink,
		Metrics:    metrics,
		Budget:     budgetBucket,
		Publisher:  publisher,
		Quorum:     quorum,
		WindowMS:   cfg.Detection.FeatureWindowMS,
		MLEnabled:  cfg.Detection.MLEnabled,
		Log:        log,
	})

	goroutines := cfg.Gateway.MaxGoroutines
	if cfg.Gateway.LightweightMode && goroutines > 2 {
		goroutines = 2
	}
	coord.Run(ctx, exch, goroutines)
	log.Info("coordinator started", zap.Int("workers", goroutines))

	// ── Step 11: Operator override socket ─────────────────────────────────────
	if cfg.Operator.Enabled {
		opSrv := operator.NewServer(cfg.Operator.SocketPath, registry, log.Named("operator"))
		go func() {
			if err := opSrv.ListenAndServe(ctx); err != nil {
				log.Error("operator socket error", zap.Error(err))
			}
		}()
		log.Info("operator socket started", zap.String("path", cfg.Operator.SocketPath))
	} else {
		log.Info("operator socket disabled")
	}

	// ── Step 12: SIGHUP hot-reload ─────────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			// Only non-destructive fields are safe to apply live; the
			// sub-components built above (sockets, goroutine counts, the
			// device key table) require a restart to change, matching the
			// package doc's hot-reload contract.
			log.Info("config hot-reload successful",
				zap.Float64("new_soft_limit_threshold", newCfg.IPS.SoftLimitThreshold),
				zap.String("new_log_level", newCfg.Observability.LogLevel))
			cfg = newCfg
		}
	}()

	// ── Step 13: Wait for shutdown signal ─────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()

	shutdownTimer := time.NewTimer(5 * time.Second)
	defer shutdownTimer.Stop()
	<-shutdownTimer.C

	log.Info("canguard shutdown complete")
}

// startV2V builds and starts the V2V quorum evaluator, publisher, and
// mTLS server. Returns the publisher and quorum for coordinator wiring.
func startV2V(
	ctx context.Context,
	cfg *config.Config,
	bucket *budget.Bucket,
	metrics *observability.Metrics,
	log *zap.Logger,
) (*v2v.Publisher, *v2v.Quorum, error) {
	quorum := v2v.NewQuorumWithConfig(v2v.QuorumConfig{
		QuorumMin:  cfg.V2V.QuorumMin,
		TTL:        cfg.V2V.EnvelopeTTL,
		TotalPeers: len(cfg.V2V.Peers),
	})

	// The node's V2V signing identity. A production fleet provisions this
	// alongside the TLS certificate out-of-band; nothing in config names a
	// persisted key file, so one is generated fresh per process start —
	// acceptable because the identity only needs to be stable for the
	// lifetime of a single V2V session, not across restarts.
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate v2v node key: %w", err)
	}

	clientTLS, err := buildClientTLS(cfg.V2V.TLSCertFile, cfg.V2V.TLSKeyFile, cfg.V2V.TLSCAFile)
	if err != nil {
		return nil, nil, fmt.Errorf("v2v client TLS: %w", err)
	}

	srv := v2v.NewServer(cfg.NodeID, nil, cfg.V2V.EnvelopeTTL, quorum, log.Named("v2v"))
	go func() {
		if err := v2v.ListenAndServe(ctx, cfg.V2V.ListenAddr, cfg.V2V.TLSCertFile, cfg.V2V.TLSKeyFile, cfg.V2V.TLSCAFile, srv, log.Named("v2v")); err != nil {
			log.Error("v2v server error", zap.Error(err))
		}
	}()
	log.Info("v2v server started", zap.String("addr", cfg.V2V.ListenAddr))

	publisher := v2v.NewPublisher(cfg.NodeID, priv, cfg.V2V.Peers, clientTLS, bucket, log.Named("v2v"))

	// Federated baseline sharing needs per-sender mean/variance summaries
	// that internal/anomaly does not yet persist (its training samples are
	// stored raw, unaggregated) — wiring FederatedBaselineManager here
	// without that would mean inventing baseline math with nothing backing
	// it, so it stays unwired until the anomaly engine checkpoints
	// aggregate statistics rather than raw samples.

	return publisher, quorum, nil
}

// buildClientTLS constructs the client-side mTLS config the V2V publisher
// uses to dial peers, mirroring the certificate/CA loading the server
// side performs internally.
func buildClientTLS(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load client cert/key: %w", err)
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
		RootCAs:      caPool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
