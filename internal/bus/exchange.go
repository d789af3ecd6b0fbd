// Package bus — exchange.go
//
// In-memory frame exchange between the bus listener and the detection
// pipeline.
//
// Architecture:
//
//	[CAN/network listener]
//	      ↓  (Publish)
//	[Exchange — bounded FIFO, drop-oldest]
//	      ↓  (Subscribe channel)
//	[Gateway listener goroutines]
//	      ↓
//	[Verify → Detect → Trust → Sanitize]
//
// Backpressure:
//   - The exchange holds at most Depth frames (default 10).
//   - When full, Publish drops the OLDEST queued frame to admit the
//     newest one. A stale control frame is worse than a brief gap —
//     the vehicle's current state matters more than its past state.
//   - Every drop increments observability.Metrics.FrameQueueDepth's
//     companion drop counter via the caller (the listener records it).
//
// Shutdown:
//   - ctx cancellation stops delivery; Close() releases the channel.
package bus

import (
	"context"
	"sync"

	"github.com/vguard/canguard/internal/security"
)

// DefaultDepth is the default bounded queue depth.
const DefaultDepth = 10

// Frame pairs a verified envelope with the raw receipt time, tagged with
// a unique delivery ID for tracing through the pipeline and audit ledger.
type Frame struct {
	ID       string
	Envelope security.Envelope
	NowMS    int64
}

// Exchange is a bounded, drop-oldest FIFO queue of frames awaiting
// detection-pipeline processing.
type Exchange struct {
	mu      sync.Mutex
	depth   int
	queue   []Frame
	notify  chan struct{}
	dropped uint64
}

// New creates an Exchange with the given bounded depth. depth <= 0 uses
// DefaultDepth.
func New(depth int) *Exchange {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Exchange{
		depth:  depth,
		queue:  make([]Frame, 0, depth),
		notify: make(chan struct{}, 1),
	}
}

// Publish enqueues a frame, dropping the oldest queued frame if the
// exchange is at capacity. Never blocks.
func (e *Exchange) Publish(f Frame) {
	e.mu.Lock()
	if len(e.queue) >= e.depth {
		e.queue = e.queue[1:]
		e.dropped++
	}
	e.queue = append(e.queue, f)
	e.mu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// TryReceive pops the oldest frame, if any. Returns ok=false if empty.
func (e *Exchange) TryReceive() (Frame, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return Frame{}, false
	}
	f := e.queue[0]
	e.queue = e.queue[1:]
	return f, true
}

// Receive blocks until a frame is available or ctx is cancelled.
func (e *Exchange) Receive(ctx context.Context) (Frame, bool) {
	for {
		if f, ok := e.TryReceive(); ok {
			return f, true
		}
		select {
		case <-e.notify:
			continue
		case <-ctx.Done():
			return Frame{}, false
		}
	}
}

// Depth returns the current number of queued frames.
func (e *Exchange) Depth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Dropped returns the lifetime count of frames dropped due to backpressure.
func (e *Exchange) Dropped() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}
