package bus

import (
	"context"
	"testing"
	"time"

	"github.com/vguard/canguard/internal/security"
)

func TestPublishAndReceiveFIFOOrder(t *testing.T) {
	e := New(3)
	e.Publish(Frame{ID: "a", Envelope: security.Envelope{Sequence: 1}})
	e.Publish(Frame{ID: "b", Envelope: security.Envelope{Sequence: 2}})

	f, ok := e.TryReceive()
	if !ok || f.ID != "a" {
		t.Fatalf("expected FIFO order, got %+v ok=%v", f, ok)
	}
}

func TestPublishDropsOldestWhenFull(t *testing.T) {
	e := New(2)
	e.Publish(Frame{ID: "a"})
	e.Publish(Frame{ID: "b"})
	e.Publish(Frame{ID: "c"}) // should drop "a"

	f, ok := e.TryReceive()
	if !ok || f.ID != "b" {
		t.Fatalf("expected oldest frame dropped, first received should be 'b', got %+v", f)
	}
	if e.Dropped() != 1 {
		t.Fatalf("expected 1 dropped frame, got %d", e.Dropped())
	}
}

func TestReceiveBlocksUntilPublish(t *testing.T) {
	e := New(DefaultDepth)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan Frame, 1)
	go func() {
		f, _ := e.Receive(ctx)
		done <- f
	}()

	time.Sleep(10 * time.Millisecond)
	e.Publish(Frame{ID: "x"})

	select {
	case f := <-done:
		if f.ID != "x" {
			t.Fatalf("expected frame 'x', got %+v", f)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive did not unblock after Publish")
	}
}

func TestReceiveUnblocksOnContextCancel(t *testing.T) {
	e := New(DefaultDepth)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := e.Receive(ctx)
	if ok {
		t.Fatal("expected Receive to return ok=false after context cancellation")
	}
}
