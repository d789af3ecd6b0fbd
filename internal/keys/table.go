// Package keys — table.go
//
// Device key table: the get_key/is_valid collaborator that
// internal/security relies on to authenticate CAN senders.
//
// Raw per-device secrets live in configuration (security.devices in
// internal/config.Config). The table never hands out a raw secret for
// signing/verification directly; it derives a per-key-version HMAC
// subkey via HKDF-SHA256 so that bumping key_version for a device
// changes the effective key without reissuing the underlying secret.
package keys

import (
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// DeviceSpec is the raw per-device configuration entry.
type DeviceSpec struct {
	DeviceID     string
	Secret       []byte // raw device secret, never used directly for HMAC
	CurrentVersion int
}

type deviceState struct {
	secret  []byte
	current int
	cache   map[int][]byte // key_version -> derived subkey
}

// Table is a goroutine-safe device → HMAC key resolver.
type Table struct {
	mu      sync.RWMutex
	devices map[string]*deviceState
}

// NewTable builds a Table from device specs loaded at startup.
func NewTable(specs []DeviceSpec) *Table {
	t := &Table{devices: make(map[string]*deviceState, len(specs))}
	for _, s := range specs {
		t.devices[s.DeviceID] = &deviceState{
			secret:  append([]byte(nil), s.Secret...),
			current: s.CurrentVersion,
			cache:   make(map[int][]byte),
		}
	}
	return t
}

// IsValid reports whether deviceID is a recognized device.
func (t *Table) IsValid(deviceID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.devices[deviceID]
	return ok
}

// CurrentKeyVersion returns the key version a device should sign new
// envelopes with. Returns 0, false if the device is unknown.
func (t *Table) CurrentKeyVersion(deviceID string) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.devices[deviceID]
	if !ok {
		return 0, false
	}
	return d.current, true
}

// Key returns the derived HMAC subkey for deviceID at keyVersion.
// Returns an error for an unknown device; never returns the raw secret.
func (t *Table) Key(deviceID string, keyVersion int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("keys: unknown device %q", deviceID)
	}
	if cached, ok := d.cache[keyVersion]; ok {
		return cached, nil
	}

	info := []byte(fmt.Sprintf("%s:v%d", deviceID, keyVersion))
	r := hkdf.New(sha256.New, d.secret, nil, info)
	subkey := make([]byte, 32)
	if _, err := io.ReadFull(r, subkey); err != nil {
		return nil, fmt.Errorf("keys: derive subkey for %q v%d: %w", deviceID, keyVersion, err)
	}
	d.cache[keyVersion] = subkey
	return subkey, nil
}

// Rotate advances a device's current key version. The old version
// remains derivable (and therefore verifiable) until explicitly evicted.
func (t *Table) Rotate(deviceID string, newVersion int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.devices[deviceID]
	if !ok {
		return fmt.Errorf("keys: unknown device %q", deviceID)
	}
	d.current = newVersion
	return nil
}
