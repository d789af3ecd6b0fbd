package alerts

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/vguard/canguard/internal/ips"
	"github.com/vguard/canguard/internal/storage"
)

func TestRecordAppendsLedgerEntry(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "canguard.db")
	db, err := storage.Open(dbPath, 30)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer db.Close()

	sink := NewSink(db, zaptest.NewLogger(t), "node-a")
	sink.Record(Alert{
		SenderID:      "ecu-1",
		TrustBefore:   0.9,
		TrustAfter:    0.6,
		IPSModeBefore: ips.ModeOff,
		IPSModeAfter:  ips.ModeSafeMode,
		Reason:        "anomaly spike",
	})

	entries, err := db.ReadLedger()
	if err != nil {
		t.Fatalf("ReadLedger: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(entries))
	}
	if entries[0].SenderID != "ecu-1" || entries[0].IPSModeAfter != "SAFE_MODE" {
		t.Fatalf("unexpected ledger entry: %+v", entries[0])
	}
}

func TestNotableDetectsModeChange(t *testing.T) {
	if Notable(ips.ModeOff, ips.ModeOff) {
		t.Fatal("expected no-change transition to be non-notable")
	}
	if !Notable(ips.ModeOff, ips.ModeSoftLimit) {
		t.Fatal("expected mode change to be notable")
	}
}
