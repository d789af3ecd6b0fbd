// Package operator — server.go
//
// Unix domain socket server for gateway operator overrides.
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: /run/canguard/operator.sock (configurable).
// Permissions: 0600, owned by root. Only root can connect.
//
// Commands (JSON request → JSON response):
//
//	{"cmd":"reset","sender_id":"ecu-1"}
//	  → Resets sender ecu-1's IPS mode to OFF, restores trust to 1.0,
//	    and clears any pin.
//	  → Response: {"ok":true,"sender_id":"ecu-1","prev_mode":"SAFE_MODE"}
//
//	{"cmd":"pin","sender_id":"ecu-1","mode":"CRITICAL"}
//	  → Pins ecu-1 to the specified IPS mode. The sanitizer will not
//	    transition this sender's mode until unpinned.
//	  → Response: {"ok":true,"sender_id":"ecu-1","pinned_mode":"CRITICAL"}
//
//	{"cmd":"unpin","sender_id":"ecu-1"}
//	  → Removes the pin on ecu-1, resuming normal trust-driven transitions.
//	  → Response: {"ok":true,"sender_id":"ecu-1"}
//
//	{"cmd":"status","sender_id":"ecu-1"}
//	  → Returns the current IPS mode, trust score, and pin status.
//	  → Response: {"ok":true,"sender_id":"ecu-1","mode":"SOFT_LIMIT","trust":0.72,"pinned":false}
//
//	{"cmd":"list"}
//	  → Returns all tracked senders with their current modes.
//	  → Response: {"ok":true,"senders":[{"sender_id":"ecu-1","mode":"SOFT_LIMIT","pinned":false},...]}
//
// Security:
//   - Socket is created with 0600 permissions; only root can connect.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections: 4 (operator use only, not high-throughput).
//   - Max request size: 4096 bytes (prevents memory exhaustion).
//   - Connection timeout: 10s read, 10s write.
//   - All commands are logged.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vguard/canguard/internal/ips"
	"github.com/vguard/canguard/internal/trust"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// StateRegistry is the interface the operator server uses to read and
// mutate per-sender IPS state. Implemented by the gateway's sender
// tracking map.
type StateRegistry interface {
	// GetMode returns the current IPS mode for a sender, or (ModeOff, false)
	// if the sender is not tracked.
	GetMode(senderID string) (ips.Mode, bool)

	// ResetSender resets a sender's IPS mode to OFF, restores trust to
	// 1.0, and clears any pin. Returns the previous mode.
	ResetSender(senderID string) ips.Mode

	// PinMode pins a sender to a specific IPS mode, preventing transitions.
	PinMode(senderID string, mode ips.Mode)

	// UnpinMode removes the pin on a sender.
	UnpinMode(senderID string)

	// IsPinned returns true if the sender has an active pin.
	IsPinned(senderID string) bool

	// TrustScore returns the current trust score for a sender.
	TrustScore(senderID string) float64

	// ListAll returns all tracked senders with their current modes.
	ListAll() []SenderStatus
}

// SenderStatus is a snapshot of a single sender's IPS state.
type SenderStatus struct {
	SenderID string  `json:"sender_id"`
	Mode     string  `json:"mode"`
	Pinned   bool    `json:"pinned"`
	Trust    float64 `json:"trust"`
}

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd      string `json:"cmd"`                 // reset | pin | unpin | status | list
	SenderID string `json:"sender_id,omitempty"`  // target sender
	Mode     string `json:"mode,omitempty"`       // target mode for pin command
}

// Response is the JSON structure for operator command responses.
type Response struct {
	OK         bool           `json:"ok"`
	Error      string         `json:"error,omitempty"`
	SenderID   string         `json:"sender_id,omitempty"`
	Mode       string         `json:"mode,omitempty"`
	PrevMode   string         `json:"prev_mode,omitempty"`
	PinnedMode string         `json:"pinned_mode,omitempty"`
	Pinned     bool           `json:"pinned,omitempty"`
	Trust      float64        `json:"trust,omitempty"`
	Senders    []SenderStatus `json:"senders,omitempty"`
}

// Server is the operator Unix domain socket server.
type Server struct {
	socketPath string
	registry   StateRegistry
	log        *zap.Logger
	sem        chan struct{} // Semaphore: max concurrent connections.
}

// NewServer creates an operator Server.
func NewServer(socketPath string, registry StateRegistry, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		registry:   registry,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the operator socket server.
// Removes any stale socket file before binding.
// Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("operator: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

// handleConn handles a single operator connection.
// Reads one JSON request, executes the command, writes one JSON response.
func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(req)
	s.writeResponse(conn, resp)
}

// dispatch routes a request to the appropriate handler.
func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "reset":
		return s.cmdReset(req)
	case "pin":
		return s.cmdPin(req)
	case "unpin":
		return s.cmdUnpin(req)
	case "status":
		return s.cmdStatus(req)
	case "list":
		return s.cmdList()
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdReset(req Request) Response {
	if req.SenderID == "" {
		return Response{OK: false, Error: "sender_id required for reset"}
	}
	prev := s.registry.ResetSender(req.SenderID)
	s.log.Info("operator: sender reset to OFF",
		zap.String("sender_id", req.SenderID),
		zap.String("prev_mode", prev.String()))
	return Response{OK: true, SenderID: req.SenderID, PrevMode: prev.String()}
}

func (s *Server) cmdPin(req Request) Response {
	if req.SenderID == "" {
		return Response{OK: false, Error: "sender_id required for pin"}
	}
	target, err := parseMode(req.Mode)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.registry.PinMode(req.SenderID, target)
	s.log.Info("operator: sender pinned",
		zap.String("sender_id", req.SenderID),
		zap.String("mode", target.String()))
	return Response{OK: true, SenderID: req.SenderID, PinnedMode: target.String()}
}

func (s *Server) cmdUnpin(req Request) Response {
	if req.SenderID == "" {
		return Response{OK: false, Error: "sender_id required for unpin"}
	}
	s.registry.UnpinMode(req.SenderID)
	s.log.Info("operator: sender unpinned", zap.String("sender_id", req.SenderID))
	return Response{OK: true, SenderID: req.SenderID}
}

func (s *Server) cmdStatus(req Request) Response {
	if req.SenderID == "" {
		return Response{OK: false, Error: "sender_id required for status"}
	}
	mode, tracked := s.registry.GetMode(req.SenderID)
	if !tracked {
		return Response{OK: false, Error: fmt.Sprintf("sender %q not tracked", req.SenderID)}
	}
	return Response{
		OK:       true,
		SenderID: req.SenderID,
		Mode:     mode.String(),
		Pinned:   s.registry.IsPinned(req.SenderID),
		Trust:    s.registry.TrustScore(req.SenderID),
	}
}

func (s *Server) cmdList() Response {
	return Response{OK: true, Senders: s.registry.ListAll()}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}

// parseMode converts a mode name string to an ips.Mode.
func parseMode(name string) (ips.Mode, error) {
	switch name {
	case "OFF":
		return ips.ModeOff, nil
	case "SOFT_LIMIT":
		return ips.ModeSoftLimit, nil
	case "SAFE_MODE":
		return ips.ModeSafeMode, nil
	case "CRITICAL":
		return ips.ModeCritical, nil
	default:
		return ips.ModeOff, fmt.Errorf("unknown mode %q (valid: OFF SOFT_LIMIT SAFE_MODE CRITICAL)", name)
	}
}

// ─── Mutex-protected in-memory registry (used by the gateway) ────────────────

// MemRegistry is a thread-safe in-memory implementation of StateRegistry.
// It holds the same *ips.State and *trust.Tracker instances the listener
// coordinator updates every detection cycle, so operator commands act on
// live state rather than a stale copy.
type MemRegistry struct {
	mu      sync.RWMutex
	senders map[string]*senderEntry
}

type senderEntry struct {
	state *ips.State
	trust *trust.Tracker
}

// NewMemRegistry creates an empty MemRegistry.
func NewMemRegistry() *MemRegistry {
	return &MemRegistry{senders: make(map[string]*senderEntry)}
}

// Register associates a sender ID with the listener's live IPS state and
// trust tracker for that sender. Called once, the first time the
// listener coordinator observes a new sender ID.
func (r *MemRegistry) Register(senderID string, state *ips.State, tracker *trust.Tracker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[senderID] = &senderEntry{state: state, trust: tracker}
}

func (r *MemRegistry) GetMode(senderID string) (ips.Mode, bool) {
	e, ok := r.lookup(senderID)
	if !ok {
		return ips.ModeOff, false
	}
	return e.state.Mode(), true
}

func (r *MemRegistry) ResetSender(senderID string) ips.Mode {
	e, ok := r.lookup(senderID)
	if !ok {
		return ips.ModeOff
	}
	prev := e.state.Mode()
	e.state.Reset()
	e.trust.Reset()
	return prev
}

func (r *MemRegistry) PinMode(senderID string, mode ips.Mode) {
	if e, ok := r.lookup(senderID); ok {
		e.state.Pin(mode)
	}
}

func (r *MemRegistry) UnpinMode(senderID string) {
	if e, ok := r.lookup(senderID); ok {
		e.state.Unpin()
	}
}

func (r *MemRegistry) IsPinned(senderID string) bool {
	e, ok := r.lookup(senderID)
	return ok && e.state.Pinned()
}

func (r *MemRegistry) TrustScore(senderID string) float64 {
	e, ok := r.lookup(senderID)
	if !ok {
		return 0.0
	}
	return e.trust.Value()
}

func (r *MemRegistry) ListAll() []SenderStatus {
	r.mu.RLock()
	ids := make([]string, 0, len(r.senders))
	entries := make([]*senderEntry, 0, len(r.senders))
	for id, e := range r.senders {
		ids = append(ids, id)
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]SenderStatus, len(ids))
	for i, id := range ids {
		e := entries[i]
		out[i] = SenderStatus{
			SenderID: id,
			Mode:     e.state.Mode().String(),
			Pinned:   e.state.Pinned(),
			Trust:    e.trust.Value(),
		}
	}
	return out
}

func (r *MemRegistry) lookup(senderID string) (*senderEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.senders[senderID]
	return e, ok
}
