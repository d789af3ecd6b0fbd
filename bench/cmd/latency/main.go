// Package bench — latency/main.go
//
// Detection pipeline latency measurement tool.
//
// Measures the wall-clock time of internal/listener.Coordinator.Process
// for a single signed envelope: verify → feature extraction →
// behavioural/anomaly/physics/contextual/temporal scoring → trust
// update → IPS policy → sanitisation → governance audit. No network or
// V2V hop is included — this measures the in-process pipeline only, the
// budget that actually bounds how fast the gateway can react to a
// single malicious frame.
//
// Output CSV columns:
//
//	iteration, latency_us
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/vguard/canguard/internal/alerts"
	"github.com/vguard/canguard/internal/anomaly"
	"github.com/vguard/canguard/internal/behavior"
	"github.com/vguard/canguard/internal/bus"
	"github.com/vguard/canguard/internal/codec"
	"github.com/vguard/canguard/internal/contextual"
	"github.com/vguard/canguard/internal/governance"
	"github.com/vguard/canguard/internal/keys"
	"github.com/vguard/canguard/internal/listener"
	"github.com/vguard/canguard/internal/observability"
	"github.com/vguard/canguard/internal/operator"
	"github.com/vguard/canguard/internal/physics"
	"github.com/vguard/canguard/internal/security"
	"github.com/vguard/canguard/internal/storage"
	"github.com/vguard/canguard/internal/temporal"
	"github.com/vguard/canguard/internal/vehicle"
)

func main() {
	iterations := flag.Int("iterations", 10000, "Number of Process() calls to measure")
	outputFile := flag.String("output", "latency_raw.csv", "Output CSV file path")
	flag.Parse()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	_ = w.Write([]string{"iteration", "latency_us"})

	coord, signer, dbClose := buildCoordinator()
	defer dbClose()

	var p99Bucket [10001]int
	now := time.Now().UnixMilli()

	for i := 0; i < *iterations; i++ {
		payload, err := codec.EncodeSpeed(float64(i%100) / 2.0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			os.Exit(1)
		}
		tsMS := now + int64(i*10)
		env, err := signer.Sign(codec.FrameIDSpeed, payload[:], tsMS)
		if err != nil {
			fmt.Fprintf(os.Stderr, "sign: %v\n", err)
			os.Exit(1)
		}
		frame := bus.Frame{ID: env.DeviceID, Envelope: env, NowMS: tsMS}

		start := time.Now()
		coord.Process(context.Background(), frame)
		latency := time.Since(start)

		latencyUs := int(latency.Microseconds())
		if latencyUs < len(p99Bucket) {
			p99Bucket[latencyUs]++
		}
		_ = w.Write([]string{strconv.Itoa(i), strconv.Itoa(latencyUs)})
	}

	p50, p95, p99 := computePercentiles(p99Bucket[:], *iterations)

	fmt.Printf("Detection Pipeline Latency Results (%d iterations)\n", *iterations)
	fmt.Printf("  p50: %dµs\n", p50)
	fmt.Printf("  p95: %dµs\n", p95)
	fmt.Printf("  p99: %dµs\n", p99)
	fmt.Printf("  Output: %s\n", *outputFile)

	if p99 > 2000 {
		fmt.Fprintf(os.Stderr, "FAIL: p99 %dµs exceeds 2000µs target\n", p99)
		os.Exit(1)
	}
}

func buildCoordinator() (*listener.Coordinator, *security.Signer, func()) {
	deviceID := "bench-ecu"
	secret := []byte("bench-secret-key-material-0000000000000000")
	table := keys.NewTable([]keys.DeviceSpec{{DeviceID: deviceID, Secret: secret, CurrentVersion: 1}})
	verifier := security.NewVerifier(table, 5000, 100)
	signer, err := security.NewSigner(deviceID, table, &counterSeq{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "build signer: %v\n", err)
		os.Exit(1)
	}

	dir, err := os.MkdirTemp("", "canguard-bench-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkdir temp: %v\n", err)
		os.Exit(1)
	}
	db, err := storage.Open(filepath.Join(dir, "bench.db"), 30)
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage.Open: %v\n", err)
		os.Exit(1)
	}

	log := zap.NewNop()
	cfg := listener.Config{
		NodeID:     "bench",
		Verifier:   verifier,
		Physics:    physics.NewValidator(),
		Behavior:   behavior.NewAnalyser(),
		Anomaly:    anomaly.NewEngine(""),
		Contextual: contextual.NewValidator(),
		Temporal:   temporal.NewExtractor(0),
		Vehicle:    vehicle.NewModel(),
		Registry:   operator.NewMemRegistry(),
		Auditor:    governance.NewAuditor(log, false),
		AlertSink:  alerts.NewSink(db, log, "bench"),
		Metrics:    observability.NewMetrics(),
		WindowMS:   1000,
		MLEnabled:  true,
		Log:        log,
	}
	return listener.NewCoordinator(cfg), signer, func() {
		db.Close()
		os.RemoveAll(dir)
	}
}

type counterSeq struct{ n uint64 }

func (c *counterSeq) Next(string) (uint64, error) {
	c.n++
	return c.n, nil
}

func computePercentiles(hist []int, total int) (p50, p95, p99 int) {
	targets := []struct {
		pct float64
		out *int
	}{
		{0.50, &p50},
		{0.95, &p95},
		{0.99, &p99},
	}
	cumulative := 0
	ti := 0
	for i, count := range hist {
		cumulative += count
		for ti < len(targets) && float64(cumulative) >= targets[ti].pct*float64(total) {
			*targets[ti].out = i
			ti++
		}
		if ti == len(targets) {
			break
		}
	}
	return
}
