package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/vguard/canguard/internal/keys"
)

// replayState tracks the last accepted sequence number for one device.
type replayState struct {
	lastSequence uint64
	seen         bool
}

// Verifier authenticates Envelopes against the device key table and a
// per-device anti-replay window (C2).
//
// Checks run in order, matching the reference implementation:
//  1. required fields present
//  2. device known
//  3. timestamp within the staleness window
//  4. sequence not a replay (gap > restartGap re-anchors, smaller gap rejects)
//  5. HMAC signature valid (constant-time compare)
type Verifier struct {
	keys          *keys.Table
	windowMS      int64 // staleness window, default 5000
	restartGap    uint64 // sequence gap that re-anchors after a device restart, default 100

	mu    sync.Mutex
	state map[string]*replayState
}

// NewVerifier builds a Verifier. windowMS and restartGap take spec
// defaults (5000, 100) when zero.
func NewVerifier(table *keys.Table, windowMS int64, restartGap uint64) *Verifier {
	if windowMS == 0 {
		windowMS = 5000
	}
	if restartGap == 0 {
		restartGap = 100
	}
	return &Verifier{
		keys:       table,
		windowMS:   windowMS,
		restartGap: restartGap,
		state:      make(map[string]*replayState),
	}
}

// Verify authenticates env against the current time nowMS (Unix millis).
// On success it returns nil; on failure it returns a *RejectedError.
func (v *Verifier) Verify(env Envelope, nowMS int64) error {
	if env.DeviceID == "" || env.Signature == "" || len(env.Payload) == 0 {
		return &RejectedError{Reason: ReasonMissingField}
	}

	if !v.keys.IsValid(env.DeviceID) {
		return &RejectedError{Reason: ReasonUnknownDevice, Detail: env.DeviceID}
	}

	delta := nowMS - env.TimestampMS
	if delta < 0 {
		delta = -delta
	}
	if delta > v.windowMS {
		return &RejectedError{Reason: ReasonStaleTimestamp}
	}

	if err := v.checkSequence(env.DeviceID, env.Sequence); err != nil {
		return err
	}

	key, err := v.keys.Key(env.DeviceID, env.KeyVersion)
	if err != nil {
		return &RejectedError{Reason: ReasonKeyDerivation, Detail: err.Error()}
	}

	msg := signedString(env.DeviceID, env.TimestampMS, env.Sequence, env.FrameID, env.Payload)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	expected := mac.Sum(nil)

	got, err := hex.DecodeString(env.Signature)
	if err != nil || !hmac.Equal(expected, got) {
		return &RejectedError{Reason: ReasonBadSignature}
	}

	return nil
}

// checkSequence applies the replay/restart rule and, on acceptance,
// advances the tracked watermark for the device.
func (v *Verifier) checkSequence(deviceID string, sequence uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	st, ok := v.state[deviceID]
	if !ok {
		st = &replayState{}
		v.state[deviceID] = st
	}

	if !st.seen {
		st.lastSequence = sequence
		st.seen = true
		return nil
	}

	if sequence > st.lastSequence {
		st.lastSequence = sequence
		return nil
	}

	// sequence <= lastSequence: either a genuine replay, or the device
	// restarted and re-anchored at a lower sequence. A large enough gap
	// below the watermark is treated as a restart; anything closer is
	// rejected as a replay.
	if st.lastSequence-sequence > v.restartGap {
		st.lastSequence = sequence
		return nil
	}
	return &RejectedError{Reason: ReasonReplaySequence}
}

// ResetDevice clears replay tracking for a device. Used by the
// operator override path when an operator forces a device reset.
func (v *Verifier) ResetDevice(deviceID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.state, deviceID)
}
