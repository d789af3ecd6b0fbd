// Package storage — bolt.go
//
// BoltDB-backed persistent storage for the gateway.
//
// Schema (BoltDB bucket layout):
//
//	/detector_checkpoint
//	    key:   sender_id
//	    value: JSON-encoded DetectorCheckpoint
//
//	/audit_ledger
//	    key:   RFC3339Nano timestamp + "_" + sender_id  [sortable]
//	    value: JSON-encoded AuditEntry
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model:
//   - Single-process, single-writer (BoltDB does not support concurrent writers).
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//   - CRC32 integrity check on database open (bbolt built-in).
//
// Retention:
//   - Ledger entries older than RetentionDays are pruned on startup and
//     periodically by the retention goroutine (every 6 hours).
//   - Detector checkpoints are never automatically pruned (operator
//     action required — a sender's trained baseline is valuable).
//
// Failure modes:
//   - BoltDB file corruption: bbolt detects via CRC and returns an error
//     on Open(). The gateway logs a fatal event and refuses to start.
//   - Disk full: bbolt.Update() returns an error. The gateway logs the
//     error and continues without persisting (in-memory state preserved).
package storage

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// DefaultDBPath is the default BoltDB file location.
	DefaultDBPath = "/var/lib/canguard/canguard.db"

	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	// DefaultRetentionDays is the default ledger retention period.
	DefaultRetentionDays = 30

	bucketCheckpoint = "detector_checkpoint"
	bucketLedger     = "audit_ledger"
	bucketMeta       = "meta"
)

// DetectorCheckpoint is the persisted training state for one sender's
// anomaly baseline. Stored as JSON in the detector_checkpoint bucket.
type DetectorCheckpoint struct {
	SenderID       string      `json:"sender_id"`
	FeatureSamples [][]float64 `json:"feature_samples"`
	SampleCount    int         `json:"sample_count"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// AuditEntry is a single trust/IPS audit log record. Stored as JSON in
// the audit_ledger bucket.
type AuditEntry struct {
	Timestamp       time.Time `json:"timestamp"`
	SenderID        string    `json:"sender_id"`
	TrustBefore     float64   `json:"trust_before"`
	TrustAfter      float64   `json:"trust_after"`
	IPSModeBefore   string    `json:"ips_mode_before"`
	IPSModeAfter    string    `json:"ips_mode_after"`
	Reason          string    `json:"reason"`
	DecisionHash    string    `json:"decision_hash,omitempty"`
	NodeID          string    `json:"node_id"`
}

// DB wraps a BoltDB instance with typed accessors for gateway data.
type DB struct {
	db            *bolt.DB
	retentionDays int
}

// Open opens (or creates) the BoltDB database at the given path.
// Initialises all required buckets and verifies the schema version.
func Open(path string, retentionDays int) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketCheckpoint, bucketLedger, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"schema version mismatch: database has %q, gateway requires %q",
				string(v), SchemaVersion,
			)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

// ─── Detector checkpoint operations ───────────────────────────────────────────

// PutCheckpoint writes or updates a sender's detector checkpoint.
func (d *DB) PutCheckpoint(rec DetectorCheckpoint) error {
	rec.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("PutCheckpoint marshal: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCheckpoint))
		if err := b.Put([]byte(rec.SenderID), data); err != nil {
			return fmt.Errorf("PutCheckpoint bolt.Put: %w", err)
		}
		return nil
	})
}

// GetCheckpoint retrieves a sender's checkpoint. Returns (nil, nil) if absent.
func (d *DB) GetCheckpoint(senderID string) (*DetectorCheckpoint, error) {
	var rec DetectorCheckpoint
	found := false

	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCheckpoint))
		data := b.Get([]byte(senderID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("GetCheckpoint(%q): %w", senderID, err)
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

// ─── Audit ledger operations ──────────────────────────────────────────────────

// ledgerKey constructs a sortable BoltDB key for an audit entry.
// Format: RFC3339Nano + "_" + sender_id. Lexicographic sort = chronological sort.
func ledgerKey(t time.Time, senderID string) []byte {
	return []byte(fmt.Sprintf("%s_%s", t.UTC().Format(time.RFC3339Nano), senderID))
}

// AppendLedger writes a new audit ledger entry.
func (d *DB) AppendLedger(entry AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("AppendLedger marshal: %w", err)
	}

	key := ledgerKey(entry.Timestamp, entry.SenderID)
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("AppendLedger bolt.Put: %w", err)
		}
		return nil
	})
}

// PruneOldLedgerEntries deletes ledger entries older than retentionDays.
// Returns the number of entries deleted.
func (d *DB) PruneOldLedgerEntries() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.retentionDays)
	cutoffKey := ledgerKey(cutoff, "")

	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}

		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("PruneOldLedgerEntries delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// ReadLedger returns all ledger entries in chronological order.
// For operational use (operator/CLI inspection), not the hot path.
func (d *DB) ReadLedger() ([]AuditEntry, error) {
	var entries []AuditEntry
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		return b.ForEach(func(_, v []byte) error {
			var entry AuditEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}
