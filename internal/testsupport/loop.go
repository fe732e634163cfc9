package testsupport

import (
	"context"
	"testing"
	"time"

	"zeroflash/internal/eventloop"
)

// Waiter is the subset of an operation needed to wait for its result.
type Waiter interface {
	Start() error
	Done() <-chan struct{}
	Err() error
}

// StartLoop runs a fresh event loop for the duration of the test.
func StartLoop(t testing.TB) *eventloop.Loop {
	t.Helper()
	loop := eventloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return loop
}

// OnLoop runs fn on loop and waits for it.
func OnLoop(t testing.TB, loop *eventloop.Loop, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := loop.Call(ctx, fn); err != nil {
		t.Fatalf("loop call: %v", err)
	}
}

// Run starts op on loop and waits for its terminal event.
func Run(t testing.TB, loop *eventloop.Loop, op Waiter) error {
	t.Helper()
	var startErr error
	OnLoop(t, loop, func() { startErr = op.Start() })
	if startErr != nil {
		t.Fatalf("start: %v", startErr)
	}
	return Wait(t, op)
}

// Wait blocks until op finishes or the test deadline of five seconds passes.
func Wait(t testing.TB, op Waiter) error {
	t.Helper()
	select {
	case <-op.Done():
		return op.Err()
	case <-time.After(5 * time.Second):
		t.Fatal("operation did not finish")
		return nil
	}
}
