// Package security — envelope.go
//
// Envelope is the signed unit exchanged between an ECU/device and the
// gateway (C1 Signer / C2 Verifier). Field order and the signed-string
// format below are load-bearing: changing them breaks interop with any
// device that signs independently of this package.
package security

import (
	"encoding/hex"
	"fmt"

	"github.com/vguard/canguard/internal/codec"
)

// Envelope is a signed CAN frame as it crosses the wire.
type Envelope struct {
	DeviceID    string
	TimestampMS int64
	Sequence    uint64
	FrameID     codec.FrameID
	Payload     []byte // codec.PayloadSize bytes
	KeyVersion  int
	Signature   string // hex-encoded HMAC-SHA256
}

// signedString builds the canonical string that is HMAC'd.
//
//	device_id:timestamp_ms:sequence:frame_id:payload_hex
func signedString(deviceID string, timestampMS int64, sequence uint64, frameID codec.FrameID, payload []byte) string {
	return fmt.Sprintf("%s:%d:%d:%d:%s", deviceID, timestampMS, sequence, uint32(frameID), hex.EncodeToString(payload))
}

// Reason identifies why an envelope was rejected. Callers should log
// and meter on Reason, never on the wrapped error string, so metric
// cardinality stays bounded.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonMissingField     Reason = "missing_field"
	ReasonUnknownDevice    Reason = "unknown_device"
	ReasonStaleTimestamp   Reason = "stale_timestamp"
	ReasonReplaySequence   Reason = "replay_sequence"
	ReasonBadSignature     Reason = "bad_signature"
	ReasonKeyDerivation    Reason = "key_derivation_failed"
)

// RejectedError is returned by Verify when an envelope fails validation.
type RejectedError struct {
	Reason Reason
	Detail string
}

func (e *RejectedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("security: envelope rejected: %s", e.Reason)
	}
	return fmt.Sprintf("security: envelope rejected: %s: %s", e.Reason, e.Detail)
}
