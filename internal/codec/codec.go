// Package codec — codec.go
//
// Bit-exact wire codec for steering, speed, and brake signal frames
// (C12). Every frame carries an 8-byte payload: a big-endian unsigned
// 16-bit fixed-point value scaled by 10, followed by 6 zero-padding
// bytes so the payload matches the fixed 8-byte CAN data-frame size
// regardless of signal width. Steering is additionally biased by
// +45 degrees before scaling so its signed range fits the unsigned
// wire representation.
//
// Layout (8 bytes, big-endian):
//
//	[0..1] scaled_value  uint16  (value * 10, rounded to nearest;
//	                              steering adds +45 before scaling)
//	[2..7] _pad          u8[6]   (always zero)
//
// Go struct uses an explicit size assertion, mirroring how fixed
// binary layouts are checked elsewhere in this codebase's lineage.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// FrameID identifies which physical signal a frame carries.
type FrameID uint32

const (
	FrameIDSteering FrameID = 0x120
	FrameIDSpeed    FrameID = 0x130
	FrameIDBrake    FrameID = 0x140
)

// String returns a human-readable frame name.
func (f FrameID) String() string {
	switch f {
	case FrameIDSteering:
		return "steering"
	case FrameIDSpeed:
		return "speed"
	case FrameIDBrake:
		return "brake"
	default:
		return fmt.Sprintf("unknown(0x%x)", uint32(f))
	}
}

// PayloadSize is the fixed payload length for every signal frame.
const PayloadSize = 8

const scale = 10.0

// steeringOffsetDeg shifts steering's signed degree range onto the
// wire's unsigned uint16 representation: wire = (degrees+45)*10.
const steeringOffsetDeg = 45.0

// encodeUnsigned packs a non-negative scaled value into an 8-byte
// payload: bytes[0:2] hold round(scaledValue) as a big-endian uint16,
// bytes[2:8] are zero. Returns an error if the rounded value doesn't
// fit in a uint16.
func encodeUnsigned(scaledValue float64) ([PayloadSize]byte, error) {
	var out [PayloadSize]byte
	rounded := math.Round(scaledValue)
	if rounded < 0 || rounded > math.MaxUint16 {
		return out, fmt.Errorf("codec: scaled value %f out of encodable range", scaledValue)
	}
	binary.BigEndian.PutUint16(out[0:2], uint16(rounded))
	return out, nil
}

// decodeUnsigned unpacks the scaled value from an 8-byte payload.
// Returns an error if payload is not exactly PayloadSize bytes.
func decodeUnsigned(payload []byte) (float64, error) {
	if len(payload) != PayloadSize {
		return 0, fmt.Errorf("codec: payload must be %d bytes, got %d", PayloadSize, len(payload))
	}
	return float64(binary.BigEndian.Uint16(payload[0:2])), nil
}

// EncodeSteering encodes a steering angle in degrees: wire =
// round((degrees+45)*10), unsigned.
func EncodeSteering(degrees float64) ([PayloadSize]byte, error) {
	return encodeUnsigned((degrees + steeringOffsetDeg) * scale)
}

// DecodeSteering decodes a steering angle in degrees.
func DecodeSteering(payload []byte) (float64, error) {
	raw, err := decodeUnsigned(payload)
	if err != nil {
		return 0, err
	}
	return raw/scale - steeringOffsetDeg, nil
}

// EncodeSpeed encodes a speed in km/h: wire = round(kmh*10), unsigned.
func EncodeSpeed(kmh float64) ([PayloadSize]byte, error) {
	return encodeUnsigned(kmh * scale)
}

// DecodeSpeed decodes a speed in km/h.
func DecodeSpeed(payload []byte) (float64, error) {
	raw, err := decodeUnsigned(payload)
	if err != nil {
		return 0, err
	}
	return raw / scale, nil
}

// EncodeBrake encodes brake pressure as a percentage [0, 100]: wire =
// round(percent*10), unsigned.
func EncodeBrake(percent float64) ([PayloadSize]byte, error) {
	return encodeUnsigned(percent * scale)
}

// DecodeBrake decodes brake pressure as a percentage.
func DecodeBrake(payload []byte) (float64, error) {
	raw, err := decodeUnsigned(payload)
	if err != nil {
		return 0, err
	}
	return raw / scale, nil
}

// EncodeSignal dispatches to the per-signal encoder for id.
func EncodeSignal(id FrameID, value float64) ([PayloadSize]byte, error) {
	switch id {
	case FrameIDSteering:
		return EncodeSteering(value)
	case FrameIDSpeed:
		return EncodeSpeed(value)
	case FrameIDBrake:
		return EncodeBrake(value)
	default:
		return [PayloadSize]byte{}, fmt.Errorf("codec: unknown frame id %s", id)
	}
}

// DecodeSignal dispatches to the per-signal decoder for id.
func DecodeSignal(id FrameID, payload []byte) (float64, error) {
	switch id {
	case FrameIDSteering:
		return DecodeSteering(payload)
	case FrameIDSpeed:
		return DecodeSpeed(payload)
	case FrameIDBrake:
		return DecodeBrake(payload)
	default:
		return 0, fmt.Errorf("codec: unknown frame id %s", id)
	}
}

// SignalNameForFrame maps a frame ID to the signal name used by the
// feature/behavior/contextual/physics layers ("steering", "speed",
// "brake"). Returns ok=false for unrecognized frame IDs.
func SignalNameForFrame(id FrameID) (string, bool) {
	switch id {
	case FrameIDSteering:
		return "steering", true
	case FrameIDSpeed:
		return "speed", true
	case FrameIDBrake:
		return "brake", true
	default:
		return "", false
	}
}
