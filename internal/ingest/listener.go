// Package ingest accepts signed envelopes from the vehicle's control bus
// and feeds them into the detection pipeline's bus.Exchange.
//
// Transport: newline-delimited JSON over a net.Listener (unix socket in
// production, tcp for bench/simulation). The underlying physical bus — a
// real deployment would bridge this from SocketCAN or a vendor transport
// layer — has no analog in this module, so the wire format matches the
// stdlib-framed stand-in internal/v2v already uses for its own peer
// transport in place of the generated-protobuf-over-gRPC layer it
// replaces: no code here generates bindings, so there's nothing to swap
// in for them.
//
// Architecture:
//
//	[net.Listener]
//	      ↓  (Accept, one reader goroutine per connection)
//	[newline-delimited JSON envelope decode]
//	      ↓
//	[bus.Exchange.Publish — bounded, drop-oldest]
//	      ↓
//	[listener.Coordinator workers]
//
// Malformed lines are logged and skipped, never fatal to the connection —
// a single corrupt frame must not sever a live device's stream.
package ingest

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/vguard/canguard/internal/bus"
	"github.com/vguard/canguard/internal/codec"
	"github.com/vguard/canguard/internal/security"
)

// WireEnvelope is the JSON wire representation of security.Envelope.
// Payload is hex-encoded on the wire; Signature is already a hex string
// in security.Envelope and is carried through unchanged.
type WireEnvelope struct {
	DeviceID    string `json:"device_id"`
	TimestampMS int64  `json:"timestamp_ms"`
	Sequence    uint64 `json:"sequence"`
	FrameID     uint32 `json:"frame_id"`
	Payload     string `json:"payload"`
	KeyVersion  int    `json:"key_version"`
	Signature   string `json:"signature"`
}

// toEnvelope decodes the wire form into a security.Envelope.
func (w WireEnvelope) toEnvelope() (security.Envelope, error) {
	payload, err := hex.DecodeString(w.Payload)
	if err != nil {
		return security.Envelope{}, fmt.Errorf("ingest: payload not valid hex: %w", err)
	}
	return security.Envelope{
		DeviceID:    w.DeviceID,
		TimestampMS: w.TimestampMS,
		Sequence:    w.Sequence,
		FrameID:     codec.FrameID(w.FrameID),
		Payload:     payload,
		KeyVersion:  w.KeyVersion,
		Signature:   w.Signature,
	}, nil
}

// FromEnvelope converts a security.Envelope to its wire form, for
// producers (the simulator, bench tooling, real ECU firmware) to emit.
func FromEnvelope(env security.Envelope) WireEnvelope {
	return WireEnvelope{
		DeviceID:    env.DeviceID,
		TimestampMS: env.TimestampMS,
		Sequence:    env.Sequence,
		FrameID:     uint32(env.FrameID),
		Payload:     hex.EncodeToString(env.Payload),
		KeyVersion:  env.KeyVersion,
		Signature:   env.Signature,
	}
}

// DroppedCounter receives a count of frames dropped due to bus backpressure.
type DroppedCounter interface {
	Add(n float64)
}

// Listener accepts connections on a unix or tcp address and publishes
// every well-formed envelope it decodes into an Exchange.
type Listener struct {
	network string
	addr    string
	ex      *bus.Exchange
	dropped DroppedCounter
	log     *zap.Logger
}

// New builds a Listener. network is "unix" or "tcp".
func New(network, addr string, ex *bus.Exchange, dropped DroppedCounter, log *zap.Logger) *Listener {
	return &Listener{network: network, addr: addr, ex: ex, dropped: dropped, log: log}
}

// ListenAndServe binds the listener and accepts connections until ctx is
// cancelled. For a unix socket, any stale socket file at addr is removed
// first and the parent directory is created with 0700 permissions.
func (l *Listener) ListenAndServe(ctx context.Context) error {
	if l.network == "unix" {
		if err := os.MkdirAll(filepath.Dir(l.addr), 0o700); err != nil {
			return fmt.Errorf("ingest: mkdir socket dir: %w", err)
		}
		_ = os.Remove(l.addr)
	}

	lis, err := net.Listen(l.network, l.addr)
	if err != nil {
		return fmt.Errorf("ingest: listen %s %s: %w", l.network, l.addr, err)
	}
	if l.network == "unix" {
		if err := os.Chmod(l.addr, 0o600); err != nil {
			l.log.Warn("ingest: failed to chmod socket", zap.Error(err))
		}
	}

	l.log.Info("ingest listener started", zap.String("network", l.network), zap.String("addr", l.addr))

	go func() {
		<-ctx.Done()
		_ = lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				l.log.Warn("ingest accept error", zap.Error(err))
				continue
			}
		}
		go l.serveConn(ctx, conn)
	}
}

func (l *Listener) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var wire WireEnvelope
		if err := json.Unmarshal(line, &wire); err != nil {
			l.log.Warn("ingest: malformed envelope line", zap.Error(err))
			continue
		}
		env, err := wire.toEnvelope()
		if err != nil {
			l.log.Warn("ingest: envelope decode failed", zap.Error(err))
			continue
		}

		depthBefore := l.ex.Depth()
		l.ex.Publish(bus.Frame{ID: env.DeviceID, Envelope: env, NowMS: time.Now().UnixMilli()})
		if l.ex.Depth() <= depthBefore && l.dropped != nil {
			// Queue was at capacity: Publish dropped the oldest frame to
			// admit this one, so depth didn't grow.
			l.dropped.Add(1)
		}
	}
}
