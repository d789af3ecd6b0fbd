package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/vguard/canguard/internal/codec"
	"github.com/vguard/canguard/internal/keys"
)

// SequenceIssuer hands out monotonically increasing sequence numbers
// for a device, persisted across restarts (internal/storage.SequenceStore
// implements this).
type SequenceIssuer interface {
	Next(deviceID string) (uint64, error)
}

// Signer produces signed Envelopes for a single device identity (C1).
type Signer struct {
	deviceID string
	keys     *keys.Table
	seq      SequenceIssuer
}

// NewSigner builds a Signer for deviceID, drawing keys from table and
// sequence numbers from seq.
func NewSigner(deviceID string, table *keys.Table, seq SequenceIssuer) (*Signer, error) {
	if !table.IsValid(deviceID) {
		return nil, fmt.Errorf("security: cannot sign for unknown device %q", deviceID)
	}
	return &Signer{deviceID: deviceID, keys: table, seq: seq}, nil
}

// Sign builds and signs an Envelope for the given frame at timestampMS.
func (s *Signer) Sign(frameID codec.FrameID, payload []byte, timestampMS int64) (Envelope, error) {
	sequence, err := s.seq.Next(s.deviceID)
	if err != nil {
		return Envelope{}, fmt.Errorf("security: sequence issue for %q: %w", s.deviceID, err)
	}
	version, ok := s.keys.CurrentKeyVersion(s.deviceID)
	if !ok {
		return Envelope{}, fmt.Errorf("security: no key version for %q", s.deviceID)
	}
	key, err := s.keys.Key(s.deviceID, version)
	if err != nil {
		return Envelope{}, fmt.Errorf("security: %w", err)
	}

	msg := signedString(s.deviceID, timestampMS, sequence, frameID, payload)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	sig := hex.EncodeToString(mac.Sum(nil))

	return Envelope{
		DeviceID:    s.deviceID,
		TimestampMS: timestampMS,
		Sequence:    sequence,
		FrameID:     frameID,
		Payload:     append([]byte(nil), payload...),
		KeyVersion:  version,
		Signature:   sig,
	}, nil
}
