package codec

import "testing"

func TestSteeringWireOffset(t *testing.T) {
	// spec's literal table: wire = round((angle+45)*10), unsigned.
	payload, err := EncodeSteering(-10)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw, err := decodeUnsigned(payload[:])
	if err != nil {
		t.Fatalf("decodeUnsigned: %v", err)
	}
	if raw != 350 { // (-10+45)*10
		t.Fatalf("expected raw wire value 350, got %v", raw)
	}
	got, err := DecodeSteering(payload[:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := got - (-10.0); diff > 0.01 || diff < -0.01 {
		t.Fatalf("round trip: got %v", got)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []float64{0, 1, -1, 45.5, -45.5, -0.1}
	for _, v := range cases {
		payload, err := EncodeSteering(v)
		if err != nil {
			t.Fatalf("encode(%v): %v", v, err)
		}
		for i := 2; i < PayloadSize; i++ {
			if payload[i] != 0 {
				t.Fatalf("encode(%v): padding byte %d not zero: %x", v, i, payload[i])
			}
		}
		got, err := DecodeSteering(payload[:])
		if err != nil {
			t.Fatalf("decode(%v): %v", v, err)
		}
		if diff := got - v; diff > 0.05 || diff < -0.05 {
			t.Fatalf("round trip %v: got %v", v, got)
		}
	}
}

func TestEncodeOutOfRange(t *testing.T) {
	if _, err := EncodeSteering(10000); err == nil {
		t.Fatal("expected overflow error")
	}
	if _, err := EncodeSpeed(-1); err == nil {
		t.Fatal("expected negative-value error for an unsigned signal")
	}
}

func TestDecodeWrongLength(t *testing.T) {
	if _, err := DecodeSpeed([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected length error")
	}
}

func TestEncodeSignalDecodeSignalDispatch(t *testing.T) {
	payload, err := EncodeSignal(FrameIDSpeed, 72.5)
	if err != nil {
		t.Fatalf("EncodeSignal: %v", err)
	}
	got, err := DecodeSignal(FrameIDSpeed, payload[:])
	if err != nil {
		t.Fatalf("DecodeSignal: %v", err)
	}
	if diff := got - 72.5; diff > 0.05 || diff < -0.05 {
		t.Fatalf("dispatch round trip: got %v", got)
	}
	if _, err := EncodeSignal(0xDEAD, 1); err == nil {
		t.Fatal("expected error for unknown frame id")
	}
}

func TestFrameIDsMatchWireTable(t *testing.T) {
	if FrameIDSteering != 0x120 || FrameIDSpeed != 0x130 || FrameIDBrake != 0x140 {
		t.Fatalf("unexpected frame ids: steering=%x speed=%x brake=%x", FrameIDSteering, FrameIDSpeed, FrameIDBrake)
	}
}

func TestSignalNameForFrame(t *testing.T) {
	name, ok := SignalNameForFrame(FrameIDSteering)
	if !ok || name != "steering" {
		t.Fatalf("got %q, %v", name, ok)
	}
	if _, ok := SignalNameForFrame(0xDEAD); ok {
		t.Fatal("expected unknown frame to report ok=false")
	}
}
