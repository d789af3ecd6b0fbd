// Package config provides configuration loading, validation, and hot-reload
// for the gateway.
//
// Configuration file: /etc/canguard/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - Gateway listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - Apply non-destructive changes only (thresholds, weights, log level).
//   - Destructive changes (DB path, V2V listen port, device key table) require restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The gateway does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (e.g., alpha ∈ [0,1], weights ≥ 0).
//   - File paths must be absolute.
//   - Invalid config on startup: gateway refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// DefaultDBPath mirrors the storage package constant for use in config defaults.
const DefaultDBPath = "/var/lib/canguard/canguard.db"

// Config is the root configuration structure for the gateway.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version" toml:"schema_version"`

	// NodeID is a unique identifier for this gateway instance.
	// Used in V2V envelopes and ledger entries.
	// Default: hostname.
	NodeID string `yaml:"node_id" toml:"node_id"`

	// Gateway configures the userspace gateway process behaviour.
	Gateway GatewayConfig `yaml:"gateway" toml:"gateway"`

	// Security configures the device key table and envelope verification.
	Security SecurityConfig `yaml:"security" toml:"security"`

	// Detection configures the feature extraction and anomaly scoring pipeline.
	Detection DetectionConfig `yaml:"detection" toml:"detection"`

	// Trust configures the trust decay/recovery engine.
	Trust TrustConfig `yaml:"trust" toml:"trust"`

	// IPS configures the intrusion prevention sanitization state machine.
	IPS IPSConfig `yaml:"ips" toml:"ips"`

	// Budget configures the V2V alert-publication token bucket.
	Budget BudgetConfig `yaml:"budget" toml:"budget"`

	// Storage configures the BoltDB persistent store.
	Storage StorageConfig `yaml:"storage" toml:"storage"`

	// V2V configures the optional inter-gateway coordination layer.
	V2V V2VConfig `yaml:"v2v" toml:"v2v"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability" toml:"observability"`

	// Operator configures the operator override Unix socket.
	Operator OperatorConfig `yaml:"operator" toml:"operator"`
}

// GatewayConfig holds gateway-level operational parameters.
type GatewayConfig struct {
	// MaxGoroutines is the maximum number of goroutines for frame processing.
	// Default: 4.
	MaxGoroutines int `yaml:"max_goroutines" toml:"max_goroutines"`

	// BusQueueDepth is the in-memory bus exchange queue depth.
	// When full, the oldest queued frame is dropped to admit the newest
	// (drop-oldest semantics — stale control frames are worse than gaps).
	// Default: 10.
	BusQueueDepth int `yaml:"bus_queue_depth" toml:"bus_queue_depth"`

	// MaxTrackedSenders is the maximum number of ECU/device senders tracked
	// simultaneously by the detection and trust pipelines.
	// Default: 256.
	MaxTrackedSenders int `yaml:"max_tracked_senders" toml:"max_tracked_senders"`

	// LightweightMode disables Prometheus metrics and V2V to reduce
	// resource consumption on constrained in-vehicle hardware.
	// When true: metrics HTTP server is not started, V2V is forced off
	// regardless of v2v.enabled, and max_goroutines is capped at 2.
	// Default: false.
	LightweightMode bool `yaml:"lightweight_mode" toml:"lightweight_mode"`

	// BusListenNetwork is the net.Listen network for the envelope ingestion
	// socket: "unix" for a local CAN-gateway sidecar (e.g. a socketcand
	// bridge or test harness), "tcp" for a bench/simulation deployment.
	// Default: unix.
	BusListenNetwork string `yaml:"bus_listen_network" toml:"bus_listen_network"`

	// BusListenAddr is the address (socket path for "unix", host:port for
	// "tcp") the ingestion listener binds. Every accepted connection is
	// read as newline-delimited JSON envelopes, the same framing the V2V
	// layer uses for its peer transport.
	// Default: /run/canguard/bus.sock.
	BusListenAddr string `yaml:"bus_listen_addr" toml:"bus_listen_addr"`
}

// OperatorConfig holds operator override parameters.
// Overrides allow privileged operators (diagnostic tooling at the dealer
// or fleet-operations level) to manually reset or pin a sender's IPS mode
// without restarting the gateway.
type OperatorConfig struct {
	// SocketPath is the Unix domain socket path for the operator CLI.
	// Permissions: 0600, owned by root. Default: /run/canguard/operator.sock.
	SocketPath string `yaml:"socket_path" toml:"socket_path"`

	// Enabled controls whether the operator socket is active.
	// Default: true.
	Enabled bool `yaml:"enabled" toml:"enabled"`
}

// SecurityConfig holds envelope verification parameters.
type SecurityConfig struct {
	// Devices is the static device key table: device_id -> hex-encoded secret.
	// In production, secrets are provisioned out-of-band (HSM or secure
	// element); this field exists for bench/simulation deployments.
	Devices map[string]DeviceKeyConfig `yaml:"devices" toml:"devices"`

	// TimestampWindowMS is the maximum allowed clock skew, in milliseconds,
	// before an envelope is rejected as stale. Default: 5000.
	TimestampWindowMS int64 `yaml:"timestamp_window_ms" toml:"timestamp_window_ms"`

	// RestartGap is the sequence number jump that triggers an ECU-restart
	// re-anchor instead of a replay rejection. Default: 100.
	RestartGap uint64 `yaml:"restart_gap" toml:"restart_gap"`
}

// DeviceKeyConfig is one device's provisioned key material.
type DeviceKeyConfig struct {
	SecretHex      string `yaml:"secret_hex" toml:"secret_hex"`
	CurrentVersion int    `yaml:"current_version" toml:"current_version"`
}

// DetectionConfig holds feature extraction and anomaly scoring parameters.
type DetectionConfig struct {
	// FeatureWindowMS is the sliding window used for frequency/delta/jitter
	// feature extraction; jitter normalises against this window divided by
	// the current sample count rather than a fixed expected interval.
	// Default: 1000.
	FeatureWindowMS int64 `yaml:"feature_window_ms" toml:"feature_window_ms"`

	// AnomalyScorer selects the registered contrib.AnomalyScorer
	// implementation. Default: "isoforest".
	AnomalyScorer string `yaml:"anomaly_scorer" toml:"anomaly_scorer"`

	// MinTrainingSamples is the minimum buffered samples before the
	// anomaly scorer trains its first model. Default: 25.
	MinTrainingSamples int `yaml:"min_training_samples" toml:"min_training_samples"`

	// MaxBufferedSamples caps the per-sender training buffer the anomaly
	// scorer retrains from. Default: 500.
	MaxBufferedSamples int `yaml:"max_buffered_samples" toml:"max_buffered_samples"`

	// ForestSeed seeds the isolation forest's random splits, for
	// reproducible training. Default: 42.
	ForestSeed int64 `yaml:"forest_seed" toml:"forest_seed"`

	// MaxEvalsPerSecond caps the detection pipeline evaluation rate.
	// Default: 10000.
	MaxEvalsPerSecond int `yaml:"max_evals_per_second" toml:"max_evals_per_second"`

	// TemporalAlpha is the EWMA smoothing factor for the per-(sender,
	// signal) rate-of-change extractor. Default: 0.7.
	TemporalAlpha float64 `yaml:"temporal_alpha" toml:"temporal_alpha"`

	// MLEnabled gates whether the learned anomaly score feeds the trust
	// decay law (eff_anom = ml_enabled ? anomaly : 0). Disabling it falls
	// back to auth/temporal-only trust decisions. Default: true.
	MLEnabled bool `yaml:"ml_enabled" toml:"ml_enabled"`
}

// TrustConfig holds the trust decay/recovery law weights.
type TrustConfig struct {
	// Alpha weights the effective anomaly score penalty.
	Alpha float64 `yaml:"alpha" toml:"alpha"`
	// Beta weights the authentication-failure penalty.
	Beta float64 `yaml:"beta" toml:"beta"`
	// Gamma weights the temporal-inconsistency penalty.
	Gamma float64 `yaml:"gamma" toml:"gamma"`
	// Rho is the per-cycle recovery increment applied when clean.
	Rho float64 `yaml:"rho" toml:"rho"`
}

// IPSConfig holds the sanitization state machine thresholds and limits.
type IPSConfig struct {
	// SoftLimitThreshold is the trust value below which SOFT_LIMIT engages.
	SoftLimitThreshold float64 `yaml:"soft_limit_threshold" toml:"soft_limit_threshold"`
	// SafeModeThreshold is the trust value below which SAFE_MODE engages.
	SafeModeThreshold float64 `yaml:"safe_mode_threshold" toml:"safe_mode_threshold"`
	// CriticalThreshold is the trust value below which CRITICAL engages.
	CriticalThreshold float64 `yaml:"critical_threshold" toml:"critical_threshold"`
	// RecoveryHysteresis is the duration trust must remain above
	// SoftLimitThreshold before the mode relaxes back to OFF.
	// Default: 5s.
	RecoveryHysteresis time.Duration `yaml:"recovery_hysteresis" toml:"recovery_hysteresis"`
}

// BudgetConfig holds V2V alert token bucket parameters.
type BudgetConfig struct {
	// Capacity is the maximum number of alert-publication tokens. Default: 100.
	Capacity int `yaml:"capacity" toml:"capacity"`

	// RefillPeriod is the interval between full refills. Default: 60s.
	RefillPeriod time.Duration `yaml:"refill_period" toml:"refill_period"`
}

// StorageConfig holds BoltDB parameters.
type StorageConfig struct {
	// DBPath is the absolute path to the BoltDB file.
	// Default: /var/lib/canguard/canguard.db.
	DBPath string `yaml:"db_path" toml:"db_path"`

	// RetentionDays is the ledger retention period. Default: 30.
	RetentionDays int `yaml:"retention_days" toml:"retention_days"`

	// SequenceDir is the directory holding per-device sequence counter files.
	// Default: /var/lib/canguard/sequence.
	SequenceDir string `yaml:"sequence_dir" toml:"sequence_dir"`
}

// V2VConfig holds the optional inter-gateway coordination parameters.
type V2VConfig struct {
	// Enabled controls whether the V2V layer is active.
	// Default: false (standalone mode).
	Enabled bool `yaml:"enabled" toml:"enabled"`

	// ListenAddr is the mTLS listen address. Default: 0.0.0.0:9443.
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr"`

	// Peers is the static list of peer addresses (host:port).
	Peers []string `yaml:"peers" toml:"peers"`

	// QuorumMin is the minimum number of unique peer gateways that must
	// corroborate a sender as anomalous before the quorum signal is set to 1.0.
	// Default: 2.
	QuorumMin int `yaml:"quorum_min" toml:"quorum_min"`

	// EnvelopeTTL is the maximum age of a V2V envelope before rejection.
	// Default: 30s.
	EnvelopeTTL time.Duration `yaml:"envelope_ttl" toml:"envelope_ttl"`

	// TLSCertFile is the path to the node's TLS certificate (PEM).
	TLSCertFile string `yaml:"tls_cert_file" toml:"tls_cert_file"`

	// TLSKeyFile is the path to the node's TLS private key (PEM).
	TLSKeyFile string `yaml:"tls_key_file" toml:"tls_key_file"`

	// TLSCAFile is the path to the CA certificate for peer verification (PEM).
	TLSCAFile string `yaml:"tls_ca_file" toml:"tls_ca_file"`

	// FederatedBaseline configures anonymized baseline vector sharing
	// between gateways so that a fresh node can bootstrap its anomaly
	// scorer faster than waiting for a full local training window.
	FederatedBaseline FederatedBaselineConfig `yaml:"federated_baseline" toml:"federated_baseline"`
}

// FederatedBaselineConfig controls anonymized baseline sharing via V2V.
// Privacy model: only the trained isolation-forest summary statistics are
// shared — never raw frame payloads. The sender is identified only by its
// device ID, which is already non-secret on the bus.
type FederatedBaselineConfig struct {
	// Enabled gates federated baseline sharing. Requires v2v.enabled=true.
	// Default: false (conservative — local baselines only).
	Enabled bool `yaml:"enabled" toml:"enabled"`

	// ShareInterval is how often a node broadcasts its baselines to peers.
	// Default: 5m.
	ShareInterval time.Duration `yaml:"share_interval" toml:"share_interval"`

	// MinSamples is the minimum number of local training samples required
	// before a baseline is eligible for sharing.
	// Default: 100.
	MinSamples int `yaml:"min_samples" toml:"min_samples"`

	// TrustWeight is the weight applied to federated baselines when merging
	// with local baselines. Range: [0.0, 1.0].
	// 0.0 = ignore federated data entirely.
	// 1.0 = treat federated baseline as equally trusted as local.
	// Default: 0.3 (conservative — local data dominates).
	TrustWeight float64 `yaml:"trust_weight" toml:"trust_weight"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr" toml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level" toml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format" toml:"log_format"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Gateway: GatewayConfig{
			MaxGoroutines:     4,
			BusQueueDepth:     10,
			MaxTrackedSenders: 256,
			BusListenNetwork:  "unix",
			BusListenAddr:     "/run/canguard/bus.sock",
		},
		Security: SecurityConfig{
			Devices:           map[string]DeviceKeyConfig{},
			TimestampWindowMS: 5000,
			RestartGap:        100,
		},
		Detection: DetectionConfig{
			FeatureWindowMS:    1000,
			AnomalyScorer:      "isoforest",
			MinTrainingSamples: 25,
			MaxBufferedSamples: 500,
			ForestSeed:         42,
			MaxEvalsPerSecond:  10000,
			TemporalAlpha:      0.7,
			MLEnabled:          true,
		},
		Trust: TrustConfig{
			Alpha: 0.10,
			Beta:  0.20,
			Gamma: 0.05,
			Rho:   0.01,
		},
		IPS: IPSConfig{
			SoftLimitThreshold: 0.8,
			SafeModeThreshold:  0.7,
			CriticalThreshold:  0.5,
			RecoveryHysteresis: 5 * time.Second,
		},
		Budget: BudgetConfig{
			Capacity:     100,
			RefillPeriod: 60 * time.Second,
		},
		Storage: StorageConfig{
			DBPath:        DefaultDBPath,
			RetentionDays: 30,
			SequenceDir:   "/var/lib/canguard/sequence",
		},
		V2V: V2VConfig{
			Enabled:     false,
			ListenAddr:  "0.0.0.0:9443",
			QuorumMin:   2,
			EnvelopeTTL: 30 * time.Second,
			FederatedBaseline: FederatedBaselineConfig{
				Enabled:       false,
				ShareInterval: 5 * time.Minute,
				MinSamples:    100,
				TrustWeight:   0.3,
			},
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: "/run/canguard/operator.sock",
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
//
// The file format is chosen by extension: ".toml" decodes with
// github.com/BurntSushi/toml, anything else (including the default
// ".yaml") decodes as YAML.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.Gateway.MaxGoroutines < 1 || cfg.Gateway.MaxGoroutines > 64 {
		errs = append(errs, fmt.Sprintf("gateway.max_goroutines must be in [1, 64], got %d", cfg.Gateway.MaxGoroutines))
	}
	if cfg.Gateway.BusQueueDepth < 1 {
		errs = append(errs, fmt.Sprintf("gateway.bus_queue_depth must be >= 1, got %d", cfg.Gateway.BusQueueDepth))
	}
	if cfg.Gateway.MaxTrackedSenders < 1 || cfg.Gateway.MaxTrackedSenders > 65536 {
		errs = append(errs, fmt.Sprintf("gateway.max_tracked_senders must be in [1, 65536], got %d", cfg.Gateway.MaxTrackedSenders))
	}
	if cfg.Gateway.BusListenNetwork != "unix" && cfg.Gateway.BusListenNetwork != "tcp" {
		errs = append(errs, fmt.Sprintf("gateway.bus_listen_network must be \"unix\" or \"tcp\", got %q", cfg.Gateway.BusListenNetwork))
	}
	if cfg.Gateway.BusListenAddr == "" {
		errs = append(errs, "gateway.bus_listen_addr must not be empty")
	}
	if cfg.Security.TimestampWindowMS < 1 {
		errs = append(errs, fmt.Sprintf("security.timestamp_window_ms must be >= 1, got %d", cfg.Security.TimestampWindowMS))
	}
	if cfg.Security.RestartGap < 1 {
		errs = append(errs, fmt.Sprintf("security.restart_gap must be >= 1, got %d", cfg.Security.RestartGap))
	}
	for id, dev := range cfg.Security.Devices {
		if dev.SecretHex == "" {
			errs = append(errs, fmt.Sprintf("security.devices[%q].secret_hex must not be empty", id))
		}
	}
	if cfg.Detection.FeatureWindowMS < 1 {
		errs = append(errs, fmt.Sprintf("detection.feature_window_ms must be >= 1, got %d", cfg.Detection.FeatureWindowMS))
	}
	if cfg.Detection.AnomalyScorer == "" {
		errs = append(errs, "detection.anomaly_scorer must not be empty")
	}
	if cfg.Detection.MinTrainingSamples < 1 {
		errs = append(errs, fmt.Sprintf("detection.min_training_samples must be >= 1, got %d", cfg.Detection.MinTrainingSamples))
	}
	if cfg.Detection.MaxBufferedSamples < cfg.Detection.MinTrainingSamples {
		errs = append(errs, "detection.max_buffered_samples must be >= min_training_samples")
	}
	if cfg.Detection.TemporalAlpha <= 0 || cfg.Detection.TemporalAlpha > 1 {
		errs = append(errs, fmt.Sprintf("detection.temporal_alpha must be in (0, 1], got %f", cfg.Detection.TemporalAlpha))
	}
	if cfg.Trust.Alpha < 0 || cfg.Trust.Beta < 0 || cfg.Trust.Gamma < 0 || cfg.Trust.Rho < 0 {
		errs = append(errs, "all trust weights must be >= 0")
	}
	if cfg.IPS.SoftLimitThreshold <= cfg.IPS.SafeModeThreshold ||
		cfg.IPS.SafeModeThreshold <= cfg.IPS.CriticalThreshold {
		errs = append(errs, "ips thresholds must satisfy soft_limit > safe_mode > critical")
	}
	if cfg.IPS.RecoveryHysteresis < time.Second {
		errs = append(errs, fmt.Sprintf("ips.recovery_hysteresis must be >= 1s, got %s", cfg.IPS.RecoveryHysteresis))
	}
	if cfg.Budget.Capacity < 1 {
		errs = append(errs, fmt.Sprintf("budget.capacity must be >= 1, got %d", cfg.Budget.Capacity))
	}
	if cfg.Budget.RefillPeriod < time.Second {
		errs = append(errs, fmt.Sprintf("budget.refill_period must be >= 1s, got %s", cfg.Budget.RefillPeriod))
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	}
	if cfg.Storage.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("storage.retention_days must be >= 1, got %d", cfg.Storage.RetentionDays))
	}
	if cfg.V2V.Enabled {
		if cfg.V2V.TLSCertFile == "" || cfg.V2V.TLSKeyFile == "" || cfg.V2V.TLSCAFile == "" {
			errs = append(errs, "v2v.tls_cert_file, tls_key_file, and tls_ca_file are required when v2v is enabled")
		}
		if cfg.V2V.QuorumMin < 1 {
			errs = append(errs, fmt.Sprintf("v2v.quorum_min must be >= 1, got %d", cfg.V2V.QuorumMin))
		}
		if cfg.V2V.FederatedBaseline.Enabled {
			if cfg.V2V.FederatedBaseline.TrustWeight < 0.0 || cfg.V2V.FederatedBaseline.TrustWeight > 1.0 {
				errs = append(errs, fmt.Sprintf(
					"v2v.federated_baseline.trust_weight must be in [0.0, 1.0], got %f",
					cfg.V2V.FederatedBaseline.TrustWeight))
			}
			if cfg.V2V.FederatedBaseline.MinSamples < 1 {
				errs = append(errs, fmt.Sprintf(
					"v2v.federated_baseline.min_samples must be >= 1, got %d",
					cfg.V2V.FederatedBaseline.MinSamples))
			}
		}
	}
	if cfg.Gateway.LightweightMode && cfg.V2V.Enabled {
		errs = append(errs, "gateway.lightweight_mode=true is incompatible with v2v.enabled=true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s",
			joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
