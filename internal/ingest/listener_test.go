package ingest

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/vguard/canguard/internal/bus"
	"github.com/vguard/canguard/internal/codec"
	"github.com/vguard/canguard/internal/security"
)

type countingDropped struct{ n float64 }

func (c *countingDropped) Add(n float64) { c.n += n }

func TestListenerDecodesAndPublishesEnvelope(t *testing.T) {
	ex := bus.New(4)
	dropped := &countingDropped{}
	sock := filepath.Join(t.TempDir(), "bus.sock")
	l := New("unix", sock, ex, dropped, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- l.ListenAndServe(ctx) }()
	waitForSocket(t, sock)

	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	payload, err := codec.EncodeSteering(12.5)
	if err != nil {
		t.Fatalf("EncodeSteering: %v", err)
	}
	env := security.Envelope{
		DeviceID:    "ecu-1",
		TimestampMS: time.Now().UnixMilli(),
		Sequence:    1,
		FrameID:     codec.FrameIDSteering,
		Payload:     payload[:],
		KeyVersion:  1,
		Signature:   "deadbeef",
	}
	wire := FromEnvelope(env)
	line, err := json.Marshal(wire)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if f, ok := ex.TryReceive(); ok {
			if f.Envelope.DeviceID != "ecu-1" {
				t.Fatalf("unexpected device id: %s", f.Envelope.DeviceID)
			}
			if hex.EncodeToString(f.Envelope.Payload) != hex.EncodeToString(payload[:]) {
				t.Fatal("payload mismatch after decode")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for published frame")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestListenerSkipsMalformedLine(t *testing.T) {
	ex := bus.New(4)
	sock := filepath.Join(t.TempDir(), "bus.sock")
	l := New("unix", sock, ex, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.ListenAndServe(ctx)
	waitForSocket(t, sock)

	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	w := bufio.NewWriter(conn)
	_, _ = w.WriteString("{not json\n")
	_ = w.Flush()

	time.Sleep(50 * time.Millisecond)
	if ex.Depth() != 0 {
		t.Fatal("expected malformed line to be skipped, not published")
	}
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", path); err == nil {
			conn.Close()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("socket %s never became ready", path)
}
